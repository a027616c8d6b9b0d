package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"echoroi/internal/shape"
)

var t0 = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustRecord(t *testing.T, id string, points ...shape.Point) *shape.Record {
	t.Helper()
	rec, err := shape.NewRecord(id, "echo_T100.png", points, t0)
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}
	return rec
}

func insert(t *testing.T, s *Store, recs ...*shape.Record) {
	t.Helper()
	err := s.Update(context.Background(), func(tx *Tx) error {
		for _, rec := range recs {
			if err := tx.InsertNew(rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InsertNew failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "registry.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.Path() != dbPath {
		t.Errorf("Path = %s, want %s", s.Path(), dbPath)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenPathWithURIDelimiters(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("? is not allowed in Windows file names")
	}
	dbPath := filepath.Join(t.TempDir(), "survey?leg#2 100%", "registry.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	insert(t, s, mustRecord(t, "a", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2}))
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("registry not created at %s: %v", dbPath, err)
	}

	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.Get(context.Background(), "a"); err != nil {
		t.Errorf("Get after reopen: %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}

	if err := s.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Ping, got %v", err)
	}

	if _, err := s.Get(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := s.PurgeDeleted(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	rec := mustRecord(t, "2025-03-14_0930_0001", shape.Point{X: 10, Y: 10}, shape.Point{X: 20, Y: 15})
	insert(t, s, rec)

	got, err := s.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != shape.StatusNew {
		t.Errorf("status = %s, want new", got.Status)
	}
	if got.Hash != rec.Hash {
		t.Errorf("hash mismatch: %s vs %s", got.Hash, rec.Hash)
	}
	if got.Kind != shape.KindRectangle {
		t.Errorf("kind = %s, want rectangle", got.Kind)
	}
	want := shape.BBox{TMin: 10, TMax: 20, ZMin: 10, ZMax: 15}
	if got.BBox != want {
		t.Errorf("bbox = %+v, want %+v", got.BBox, want)
	}
	if !got.CreatedAt.Equal(t0) || !got.ModifiedAt.Equal(t0) {
		t.Errorf("timestamps = %v / %v, want %v", got.CreatedAt, got.ModifiedAt, t0)
	}
	if len(got.Points) != 2 || got.Points[1] != (shape.Point{X: 20, Y: 15}) {
		t.Errorf("points = %v", got.Points)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestInsertDuplicate(t *testing.T) {
	s := openTestStore(t)
	rec := mustRecord(t, "a", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2})
	insert(t, s, rec)

	err := s.Update(context.Background(), func(tx *Tx) error {
		return tx.InsertNew(mustRecord(t, "a", shape.Point{X: 5, Y: 5}, shape.Point{X: 6, Y: 6}))
	})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	got, _ := s.Get(context.Background(), "a")
	if got.Hash != rec.Hash {
		t.Error("duplicate insert must not overwrite the stored row")
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	boom := errors.New("boom")

	err := s.Update(context.Background(), func(tx *Tx) error {
		if err := tx.InsertNew(mustRecord(t, "a", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2})); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := s.Get(context.Background(), "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("insert should have been rolled back, got %v", err)
	}
}

func TestUpdateModified(t *testing.T) {
	s := openTestStore(t)
	insert(t, s, mustRecord(t, "a", shape.Point{X: 10, Y: 10}, shape.Point{X: 20, Y: 15}))

	moved := mustRecord(t, "a", shape.Point{X: 12, Y: 10}, shape.Point{X: 25, Y: 18})
	later := t0.Add(time.Hour)
	err := s.Update(context.Background(), func(tx *Tx) error {
		return tx.UpdateModified("a", GeometryUpdate{
			Points: moved.Points, BBox: moved.BBox, Hash: moved.Hash, Kind: moved.Kind,
		}, later)
	})
	if err != nil {
		t.Fatalf("UpdateModified failed: %v", err)
	}

	got, _ := s.Get(context.Background(), "a")
	if got.Status != shape.StatusModified {
		t.Errorf("status = %s, want modified", got.Status)
	}
	if got.Hash != moved.Hash {
		t.Error("hash not updated")
	}
	if got.BBox != (shape.BBox{TMin: 12, TMax: 25, ZMin: 10, ZMax: 18}) {
		t.Errorf("bbox = %+v", got.BBox)
	}
	if !got.CreatedAt.Equal(t0) {
		t.Errorf("created_at changed to %v", got.CreatedAt)
	}
	if !got.ModifiedAt.Equal(later) {
		t.Errorf("modified_at = %v, want %v", got.ModifiedAt, later)
	}

	err = s.Update(context.Background(), func(tx *Tx) error {
		return tx.UpdateModified("missing", GeometryUpdate{Points: moved.Points, Kind: moved.Kind}, later)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkUnchangedKeepsTimestamps(t *testing.T) {
	s := openTestStore(t)
	insert(t, s, mustRecord(t, "a", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2}))

	err := s.Update(context.Background(), func(tx *Tx) error { return tx.MarkUnchanged("a") })
	if err != nil {
		t.Fatalf("MarkUnchanged failed: %v", err)
	}

	got, _ := s.Get(context.Background(), "a")
	if got.Status != shape.StatusUnchanged {
		t.Errorf("status = %s, want unchanged", got.Status)
	}
	if !got.ModifiedAt.Equal(t0) {
		t.Errorf("modified_at changed to %v", got.ModifiedAt)
	}
}

func TestMarkDeletedExcept(t *testing.T) {
	s := openTestStore(t)
	insert(t, s,
		mustRecord(t, "a", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2}),
		mustRecord(t, "b", shape.Point{X: 1, Y: 1}, shape.Point{X: 3, Y: 3}),
		mustRecord(t, "c", shape.Point{X: 1, Y: 1}, shape.Point{X: 4, Y: 4}),
	)

	var deleted []string
	err := s.Update(context.Background(), func(tx *Tx) error {
		var err error
		deleted, err = tx.MarkDeletedExcept(map[string]struct{}{"b": {}})
		return err
	})
	if err != nil {
		t.Fatalf("MarkDeletedExcept failed: %v", err)
	}
	if len(deleted) != 2 || deleted[0] != "a" || deleted[1] != "c" {
		t.Errorf("deleted = %v, want [a c]", deleted)
	}

	active, err := s.ListActiveIDs(context.Background())
	if err != nil {
		t.Fatalf("ListActiveIDs failed: %v", err)
	}
	if len(active) != 1 || active[0] != "b" {
		t.Errorf("active = %v, want [b]", active)
	}

	// Already-deleted rows are not reported again.
	err = s.Update(context.Background(), func(tx *Tx) error {
		var err error
		deleted, err = tx.MarkDeletedExcept(map[string]struct{}{"b": {}})
		return err
	})
	if err != nil {
		t.Fatalf("MarkDeletedExcept failed: %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("second pass deleted %v", deleted)
	}

	got, _ := s.Get(context.Background(), "a")
	if got.Status != shape.StatusDeleted {
		t.Errorf("deleted row must remain retrievable, status = %s", got.Status)
	}
}

func TestListByImage(t *testing.T) {
	s := openTestStore(t)
	a := mustRecord(t, "a", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2})
	b := mustRecord(t, "b", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2})
	b.ImageRef = "other_T0.png"
	insert(t, s, a, b)

	err := s.View(context.Background(), func(tx *Tx) error {
		ids, err := tx.ListByImage("echo_T100.png")
		if err != nil {
			return err
		}
		if len(ids) != 1 || ids[0] != "a" {
			t.Errorf("ids = %v, want [a]", ids)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestListForExtraction(t *testing.T) {
	s := openTestStore(t)
	insert(t, s,
		mustRecord(t, "n", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2}),
		mustRecord(t, "m", shape.Point{X: 1, Y: 1}, shape.Point{X: 3, Y: 3}),
		mustRecord(t, "u", shape.Point{X: 1, Y: 1}, shape.Point{X: 4, Y: 4}),
		mustRecord(t, "d", shape.Point{X: 1, Y: 1}, shape.Point{X: 5, Y: 5}),
	)
	err := s.Update(context.Background(), func(tx *Tx) error {
		m := mustRecord(t, "m", shape.Point{X: 0, Y: 0}, shape.Point{X: 3, Y: 3})
		if err := tx.UpdateModified("m", GeometryUpdate{Points: m.Points, BBox: m.BBox, Hash: m.Hash, Kind: m.Kind}, t0); err != nil {
			return err
		}
		if err := tx.MarkUnchanged("u"); err != nil {
			return err
		}
		_, err := tx.MarkDeletedExcept(map[string]struct{}{"n": {}, "m": {}, "u": {}})
		return err
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	ids := func(f Filter) []string {
		recs, err := s.ListForExtraction(context.Background(), f)
		if err != nil {
			t.Fatalf("ListForExtraction failed: %v", err)
		}
		out := make([]string, len(recs))
		for i, r := range recs {
			out[i] = r.ID
		}
		return out
	}

	assertIDs := func(name string, got []string, want ...string) {
		t.Helper()
		if len(got) != len(want) {
			t.Errorf("%s: got %v, want %v", name, got, want)
			return
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s: got %v, want %v", name, got, want)
				return
			}
		}
	}

	assertIDs("pending", ids(FilterPending), "m", "n")
	assertIDs("all", ids(FilterAll), "m", "n", "u")
	assertIDs("done skips unchanged", ids(Filter{Done: []string{"u", "m"}}), "m", "n")
	assertIDs("deleted only", ids(Filter{Statuses: []shape.Status{shape.StatusDeleted}}), "d")
}

func TestCountByStatus(t *testing.T) {
	s := openTestStore(t)
	insert(t, s,
		mustRecord(t, "a", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2}),
		mustRecord(t, "b", shape.Point{X: 1, Y: 1}, shape.Point{X: 3, Y: 3}),
	)
	if err := s.Update(context.Background(), func(tx *Tx) error { return tx.MarkUnchanged("b") }); err != nil {
		t.Fatalf("MarkUnchanged failed: %v", err)
	}

	counts, err := s.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[shape.StatusNew] != 1 || counts[shape.StatusUnchanged] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if v, ok := counts[shape.StatusDeleted]; !ok || v != 0 {
		t.Errorf("deleted count should be present and zero: %v", counts)
	}
}

func TestPurgeDeleted(t *testing.T) {
	s := openTestStore(t)
	insert(t, s,
		mustRecord(t, "a", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2}),
		mustRecord(t, "b", shape.Point{X: 1, Y: 1}, shape.Point{X: 3, Y: 3}),
	)
	err := s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.MarkDeletedExcept(map[string]struct{}{"b": {}})
		return err
	})
	if err != nil {
		t.Fatalf("MarkDeletedExcept failed: %v", err)
	}

	n, err := s.PurgeDeleted(context.Background())
	if err != nil {
		t.Fatalf("PurgeDeleted failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if _, err := s.Get(context.Background(), "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("purged row still present: %v", err)
	}
	if _, err := s.Get(context.Background(), "b"); err != nil {
		t.Errorf("active row removed: %v", err)
	}
}

func TestPasses(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(context.Background(), func(tx *Tx) error {
		for i, id := range []string{"p1", "p2", "p3"} {
			start := t0.Add(time.Duration(i) * time.Minute)
			if err := tx.RecordPass(&Pass{
				ID: id, SourceDir: "/data/ann", StartedAt: start, FinishedAt: start.Add(time.Second),
				New: i, Skipped: 1,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RecordPass failed: %v", err)
	}

	passes, err := s.ListPasses(context.Background(), 2)
	if err != nil {
		t.Fatalf("ListPasses failed: %v", err)
	}
	if len(passes) != 2 {
		t.Fatalf("got %d passes, want 2", len(passes))
	}
	if passes[0].ID != "p3" || passes[1].ID != "p2" {
		t.Errorf("order = %s, %s", passes[0].ID, passes[1].ID)
	}
	if passes[0].New != 2 || passes[0].Skipped != 1 || passes[0].SourceDir != "/data/ann" {
		t.Errorf("pass = %+v", passes[0])
	}

	all, _ := s.ListPasses(context.Background(), 0)
	if len(all) != 3 {
		t.Errorf("got %d passes, want 3", len(all))
	}
}

func TestReopenPersists(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	insert(t, s, mustRecord(t, "a", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2}))
	s.Close()

	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if _, err := s.Get(context.Background(), "a"); err != nil {
		t.Errorf("row lost across reopen: %v", err)
	}
}

func TestConcurrentReaders(t *testing.T) {
	s := openTestStore(t)
	insert(t, s, mustRecord(t, "a", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2}))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := s.ListActiveIDs(context.Background()); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if err := s.Update(context.Background(), func(tx *Tx) error { return tx.MarkUnchanged("a") }); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent access failed: %v", err)
	}
}

func TestVerifyAll(t *testing.T) {
	s := openTestStore(t)
	insert(t, s,
		mustRecord(t, "a", shape.Point{X: 1, Y: 1}, shape.Point{X: 2, Y: 2}),
		mustRecord(t, "b", shape.Point{X: 1, Y: 1}, shape.Point{X: 3, Y: 3}),
	)

	corrupted, err := s.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if len(corrupted) != 0 {
		t.Fatalf("fresh registry reported corruption: %v", corrupted)
	}

	if _, err := s.db.Exec(`UPDATE roi_registry SET geometry_hash = 'deadbeef' WHERE id = 'b'`); err != nil {
		t.Fatalf("tamper failed: %v", err)
	}
	corrupted, err = s.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("VerifyAll failed: %v", err)
	}
	if len(corrupted) != 1 || corrupted[0].ID != "b" {
		t.Errorf("corrupted = %v, want [b]", corrupted)
	}
}

func TestSchemaStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st, err := s.SchemaStatus(ctx)
	if err != nil {
		t.Fatalf("SchemaStatus failed: %v", err)
	}
	if st.Current != LatestVersion() || st.Latest != LatestVersion() {
		t.Errorf("versions = %d/%d, want %d/%d", st.Current, st.Latest, LatestVersion(), LatestVersion())
	}
	if len(st.Applied) != len(migrations) || len(st.Pending()) != 0 {
		t.Errorf("applied = %d, pending = %d", len(st.Applied), len(st.Pending()))
	}
	if err := s.CheckSchema(ctx); err != nil {
		t.Fatalf("CheckSchema failed: %v", err)
	}
}

func TestCheckSchemaReportsMissingObjects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.db.Exec(`DROP INDEX idx_roi_image`); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := s.db.Exec(`DELETE FROM schema_migrations WHERE version = 3`); err != nil {
		t.Fatalf("delete migration row: %v", err)
	}

	err := s.CheckSchema(ctx)
	if !errors.Is(err, ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
	if !strings.Contains(err.Error(), "index idx_roi_image") {
		t.Errorf("error should name the index: %v", err)
	}

	st, err := s.SchemaStatus(ctx)
	if err != nil {
		t.Fatalf("SchemaStatus failed: %v", err)
	}
	if st.Current != 2 || len(st.Pending()) != 1 || st.Pending()[0].Version != 3 {
		t.Errorf("status = %+v, pending = %+v", st, st.Pending())
	}

	// Reopening applies the pending migration again.
	path := s.Path()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	if err := s2.CheckSchema(ctx); err != nil {
		t.Errorf("CheckSchema after reopen: %v", err)
	}
	st, _ = s2.SchemaStatus(ctx)
	if st.Current != LatestVersion() {
		t.Errorf("current = %d after reopen", st.Current)
	}
}
