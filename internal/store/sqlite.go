package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"echoroi/internal/shape"
)

// timeLayout is the persisted timestamp format (UTC).
const timeLayout = "2006-01-02 15:04:05"

// Store is a handle on one registry file.
//
// Writes go through Update, which runs a single transaction under an
// exclusive lock; reads go through View or the helpers built on it and may
// run concurrently with each other. The lock covers both goroutines in this
// process and other processes opening the same file.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
	lock *fileLock
}

// Option configures Open.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout sets the SQLite busy timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// Open opens or creates the registry at path and runs migrations.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	lock, err := openFileLock(path + ".lock")
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=%d",
		uriPath(path), o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		lock.close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := lock.lockExclusive(); err != nil {
		db.Close()
		lock.close()
		return nil, fmt.Errorf("lock database: %w", err)
	}
	err = MigrateDB(db)
	if uerr := lock.unlock(); err == nil && uerr != nil {
		err = fmt.Errorf("unlock database: %w", uerr)
	}
	if err != nil {
		db.Close()
		lock.close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		lock.close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	return &Store{db: db, path: path, lock: lock}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping checks that the database is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection and releases the lock file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	if s.lock != nil {
		errs = append(errs, s.lock.close())
		s.lock = nil
	}
	return errors.Join(errs...)
}

// Update runs fn inside one write transaction. Any error returned by fn, or
// a panic, rolls back everything fn did.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	if err := s.lock.lockExclusive(); err != nil {
		return fmt.Errorf("lock database: %w", err)
	}
	defer func() {
		if uerr := s.lock.unlock(); err == nil && uerr != nil {
			err = fmt.Errorf("unlock database: %w", uerr)
		}
	}()

	return s.run(ctx, false, fn)
}

// View runs fn inside a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	if err := s.lock.lockShared(); err != nil {
		return fmt.Errorf("lock database: %w", err)
	}
	defer func() {
		if uerr := s.lock.unlockShared(); err == nil && uerr != nil {
			err = fmt.Errorf("unlock database: %w", uerr)
		}
	}()

	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx, ctx: ctx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Get retrieves a shape by id.
func (s *Store) Get(ctx context.Context, id string) (*shape.Record, error) {
	var rec *shape.Record
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		rec, err = tx.Get(id)
		return err
	})
	return rec, err
}

// ListActiveIDs returns the ids of every shape not marked deleted.
func (s *Store) ListActiveIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		ids, err = tx.ListActiveIDs()
		return err
	})
	return ids, err
}

// ListForExtraction returns the shapes selected by f.
func (s *Store) ListForExtraction(ctx context.Context, f Filter) ([]*shape.Record, error) {
	var recs []*shape.Record
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		recs, err = tx.ListForExtraction(f)
		return err
	})
	return recs, err
}

// CountByStatus returns the number of shapes per status.
func (s *Store) CountByStatus(ctx context.Context) (map[shape.Status]int, error) {
	var counts map[shape.Status]int
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		counts, err = tx.CountByStatus()
		return err
	})
	return counts, err
}

// ListPasses returns the most recent passes, newest first.
func (s *Store) ListPasses(ctx context.Context, limit int) ([]Pass, error) {
	var passes []Pass
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		passes, err = tx.ListPasses(limit)
		return err
	})
	return passes, err
}

// PurgeDeleted permanently removes every shape marked deleted.
func (s *Store) PurgeDeleted(ctx context.Context) (int, error) {
	var n int
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.PurgeDeleted()
		return err
	})
	return n, err
}

// Tx is a registry transaction. It is only valid inside the Update or View
// callback that produced it.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

const selectColumns = `id, image_reference, geometry_hash, points, it_min, it_max, iz_min, iz_max,
	shape_type, created_at, modified_at, status`

// Get retrieves a shape by id, or ErrNotFound.
func (t *Tx) Get(id string) (*shape.Record, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+selectColumns+` FROM roi_registry WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return rec, nil
}

// InsertNew stores rec with status new. It fails with ErrDuplicateKey when
// the id is already present.
func (t *Tx) InsertNew(rec *shape.Record) error {
	points, err := shape.MarshalPoints(rec.Points)
	if err != nil {
		return err
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO roi_registry (id, image_reference, geometry_hash, points, it_min, it_max, iz_min, iz_max,
			shape_type, created_at, modified_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ImageRef, rec.Hash, points,
		rec.BBox.TMin, rec.BBox.TMax, rec.BBox.ZMin, rec.BBox.ZMax,
		string(rec.Kind), formatTime(rec.CreatedAt), formatTime(rec.ModifiedAt), string(shape.StatusNew),
	)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("insert %s: %w", rec.ID, ErrDuplicateKey)
		}
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	rec.Status = shape.StatusNew
	return nil
}

// UpdateModified rewrites the geometry of id, marks it modified and sets
// modified_at to now.
func (t *Tx) UpdateModified(id string, g GeometryUpdate, now time.Time) error {
	points, err := shape.MarshalPoints(g.Points)
	if err != nil {
		return err
	}

	result, err := t.tx.ExecContext(t.ctx, `
		UPDATE roi_registry
		SET geometry_hash = ?, points = ?, it_min = ?, it_max = ?, iz_min = ?, iz_max = ?,
			shape_type = ?, modified_at = ?, status = ?
		WHERE id = ?`,
		g.Hash, points, g.BBox.TMin, g.BBox.TMax, g.BBox.ZMin, g.BBox.ZMax,
		string(g.Kind), formatTime(now), string(shape.StatusModified), id,
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", id, err)
	}
	return requireRow(result, id)
}

// SetImageRef records the source image a shape now lives on.
func (t *Tx) SetImageRef(id, imageRef string) error {
	result, err := t.tx.ExecContext(t.ctx, `UPDATE roi_registry SET image_reference = ? WHERE id = ?`, imageRef, id)
	if err != nil {
		return fmt.Errorf("set image of %s: %w", id, err)
	}
	return requireRow(result, id)
}

// MarkUnchanged sets the status of id to unchanged without touching its
// geometry or timestamps.
func (t *Tx) MarkUnchanged(id string) error {
	result, err := t.tx.ExecContext(t.ctx, `UPDATE roi_registry SET status = ? WHERE id = ?`,
		string(shape.StatusUnchanged), id)
	if err != nil {
		return fmt.Errorf("mark %s unchanged: %w", id, err)
	}
	return requireRow(result, id)
}

// MarkDeletedExcept marks every active shape whose id is not in active as
// deleted and returns the ids it changed, sorted.
func (t *Tx) MarkDeletedExcept(active map[string]struct{}) ([]string, error) {
	current, err := t.ListActiveIDs()
	if err != nil {
		return nil, err
	}

	stmt, err := t.tx.PrepareContext(t.ctx, `UPDATE roi_registry SET status = ? WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	var deleted []string
	for _, id := range current {
		if _, ok := active[id]; ok {
			continue
		}
		if _, err := stmt.ExecContext(t.ctx, string(shape.StatusDeleted), id); err != nil {
			return nil, fmt.Errorf("mark %s deleted: %w", id, err)
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

// PurgeDeleted removes every row marked deleted and returns how many went.
func (t *Tx) PurgeDeleted() (int, error) {
	result, err := t.tx.ExecContext(t.ctx, `DELETE FROM roi_registry WHERE status = ?`, string(shape.StatusDeleted))
	if err != nil {
		return 0, fmt.Errorf("purge deleted: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(n), nil
}

// ListActiveIDs returns the ids of shapes not marked deleted, sorted.
func (t *Tx) ListActiveIDs() ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT id FROM roi_registry WHERE status != ? ORDER BY id`,
		string(shape.StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("query active ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

// ListByImage returns the active ids stored for an image reference.
func (t *Tx) ListByImage(imageRef string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id FROM roi_registry WHERE image_reference = ? AND status != ? ORDER BY id`,
		imageRef, string(shape.StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("query ids by image: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

// ListForExtraction returns the shapes selected by f, ordered by id.
func (t *Tx) ListForExtraction(f Filter) ([]*shape.Record, error) {
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []shape.Status{shape.StatusNew, shape.StatusModified, shape.StatusUnchanged}
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}

	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+selectColumns+` FROM roi_registry WHERE status IN (`+strings.Join(placeholders, ",")+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()

	done := make(map[string]struct{}, len(f.Done))
	for _, id := range f.Done {
		done[id] = struct{}{}
	}

	var recs []*shape.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shape: %w", err)
		}
		if _, ok := done[rec.ID]; ok && rec.Status == shape.StatusUnchanged {
			continue
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shapes: %w", err)
	}
	return recs, nil
}

// CountByStatus returns the number of shapes per status. Every status is
// present in the map, possibly with zero.
func (t *Tx) CountByStatus() (map[shape.Status]int, error) {
	counts := make(map[shape.Status]int, len(shape.Statuses))
	for _, st := range shape.Statuses {
		counts[st] = 0
	}

	rows, err := t.tx.QueryContext(t.ctx, `SELECT status, COUNT(*) FROM roi_registry GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		st, err := shape.ParseStatus(status)
		if err != nil {
			return nil, err
		}
		counts[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

// RecordPass stores a pass summary.
func (t *Tx) RecordPass(p *Pass) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO reconcile_passes (id, source_dir, started_at, finished_at,
			new_count, modified_count, unchanged_count, deleted_count, skipped_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.SourceDir, formatTime(p.StartedAt), formatTime(p.FinishedAt),
		p.New, p.Modified, p.Unchanged, p.Deleted, p.Skipped,
	)
	if err != nil {
		return fmt.Errorf("insert pass %s: %w", p.ID, err)
	}
	return nil
}

// ListPasses returns up to limit passes, newest first. A non-positive limit
// returns all of them.
func (t *Tx) ListPasses(limit int) ([]Pass, error) {
	query := `SELECT id, source_dir, started_at, finished_at, new_count, modified_count,
		unchanged_count, deleted_count, skipped_count
		FROM reconcile_passes ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query passes: %w", err)
	}
	defer rows.Close()

	var passes []Pass
	for rows.Next() {
		var p Pass
		var started, finished string
		if err := rows.Scan(&p.ID, &p.SourceDir, &started, &finished,
			&p.New, &p.Modified, &p.Unchanged, &p.Deleted, &p.Skipped); err != nil {
			return nil, fmt.Errorf("scan pass: %w", err)
		}
		if p.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if p.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		passes = append(passes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passes: %w", err)
	}
	return passes, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*shape.Record, error) {
	var rec shape.Record
	var points, kind, created, modified, status string

	if err := row.Scan(&rec.ID, &rec.ImageRef, &rec.Hash, &points,
		&rec.BBox.TMin, &rec.BBox.TMax, &rec.BBox.ZMin, &rec.BBox.ZMax,
		&kind, &created, &modified, &status); err != nil {
		return nil, err
	}

	var err error
	if rec.Points, err = shape.UnmarshalPoints(points); err != nil {
		return nil, err
	}
	if rec.Kind, err = shape.ParseKind(kind); err != nil {
		return nil, err
	}
	if rec.Status, err = shape.ParseStatus(status); err != nil {
		return nil, err
	}
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if rec.ModifiedAt, err = parseTime(modified); err != nil {
		return nil, err
	}
	return &rec, nil
}

func requireRow(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// uriPathEscaper escapes the characters that end the path of a file: URI.
// SQLite decodes %HH sequences back before opening the file.
var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

func uriPath(path string) string {
	return uriPathEscaper.Replace(path)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
