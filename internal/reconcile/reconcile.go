// Package reconcile syncs annotation files into the ROI registry.
//
// A pass reads every record in a directory, classifies each tracked shape
// against the registry as new, modified or unchanged, marks everything not
// seen as deleted, and commits the whole pass as one transaction. Problems
// with individual files are reported and skipped; registry failures roll
// the pass back.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"echoroi/internal/annotation"
	"echoroi/internal/metrics"
	"echoroi/internal/shape"
	"echoroi/internal/store"
)

// ErrDuplicateShape is reported for a shape whose id was already seen
// earlier in the same pass. The first occurrence wins.
var ErrDuplicateShape = errors.New("reconcile: shape id already seen in this pass")

// SkipPolicy decides what happens to stored shapes of a record that could
// not be read in a pass.
type SkipPolicy int

const (
	// SkipPolicyDelete treats the shapes of a skipped record as absent, so
	// they are marked deleted.
	SkipPolicyDelete SkipPolicy = iota
	// SkipPolicyPreserve keeps the stored shapes of a skipped record out of
	// the deletion sweep until a pass reads the record cleanly.
	SkipPolicyPreserve
)

func (p SkipPolicy) String() string {
	switch p {
	case SkipPolicyDelete:
		return "delete"
	case SkipPolicyPreserve:
		return "preserve"
	default:
		return fmt.Sprintf("SkipPolicy(%d)", int(p))
	}
}

// ParseSkipPolicy parses "delete" or "preserve".
func ParseSkipPolicy(s string) (SkipPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "delete":
		return SkipPolicyDelete, nil
	case "preserve":
		return SkipPolicyPreserve, nil
	default:
		return SkipPolicyDelete, fmt.Errorf("unknown skip policy: %q", s)
	}
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithValidator validates every record against the annotation schema.
func WithValidator(v *annotation.Validator) Option {
	return func(r *Reconciler) { r.validator = v }
}

// WithSkipPolicy sets the skip policy.
func WithSkipPolicy(p SkipPolicy) Option {
	return func(r *Reconciler) { r.policy = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithMetrics records pass outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// Reconciler runs passes against one registry.
type Reconciler struct {
	store     *store.Store
	logger    *slog.Logger
	validator *annotation.Validator
	policy    SkipPolicy
	now       func() time.Time
	metrics   *metrics.Metrics
}

// New creates a Reconciler for st.
func New(st *store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  st,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconcile")
	return r
}

// candidate is a tracked shape ready to be compared with the registry.
type candidate struct {
	path string
	rec  *shape.Record
}

// skippedSource identifies a record whose shapes a preserve policy keeps.
type skippedSource struct {
	path      string
	imagePath string
}

// Run performs one pass over the *.json records in dir.
func (r *Reconciler) Run(ctx context.Context, dir string) (*Report, error) {
	report := &Report{
		PassID:    uuid.NewString(),
		SourceDir: dir,
		Started:   r.now().UTC(),
	}
	logger := r.logger.With("pass_id", report.PassID)

	files, err := annotation.ListFiles(dir)
	if err != nil {
		r.metrics.RecordPassError()
		return nil, fmt.Errorf("reconcile %s: %w", dir, err)
	}

	candidates, skippedSources, err := r.collect(ctx, files, report, logger)
	if err != nil {
		r.metrics.RecordPassError()
		return nil, err
	}

	err = r.store.Update(ctx, func(tx *store.Tx) error {
		return r.apply(ctx, tx, candidates, skippedSources, report)
	})
	if err != nil {
		r.metrics.RecordPassError()
		logger.Error("reconciliation pass rolled back", "dir", dir, "error", err)
		return nil, fmt.Errorf("reconcile %s: %w", dir, err)
	}

	r.metrics.RecordPass(report.Counts(), report.Finished.Sub(report.Started))
	logger.Info("reconciliation pass committed",
		"dir", dir,
		"new", len(report.New),
		"modified", len(report.Modified),
		"unchanged", len(report.Unchanged),
		"deleted", len(report.Deleted),
		"skipped", len(report.Skipped),
		"untracked", report.Untracked,
		"ignored", report.Ignored,
	)
	return report, nil
}

// collect reads every record and builds the pass's candidates. It touches
// only the input files.
func (r *Reconciler) collect(ctx context.Context, files []string, report *Report, logger *slog.Logger) ([]candidate, []skippedSource, error) {
	var (
		candidates []candidate
		skipped    []skippedSource
		seen       = make(map[string]string)
		now        = r.now().UTC().Truncate(time.Second)
	)

	skip := func(path, shapeID string, err error) {
		report.Skipped = append(report.Skipped, SkippedRecord{Path: path, ShapeID: shapeID, Err: err})
		logger.Warn("skipping annotation record", "path", path, "shape_id", shapeID, "error", err)
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		rec, err := annotation.ReadFile(path, r.validator)
		if err != nil {
			skip(path, "", err)
			skipped = append(skipped, skippedSource{path: path})
			continue
		}
		offset, err := annotation.ParseTimeOffset(rec.ImagePath)
		if err != nil {
			skip(path, "", err)
			skipped = append(skipped, skippedSource{path: path, imagePath: rec.ImagePath})
			continue
		}

		for _, s := range rec.Shapes {
			if !s.Tracked() {
				report.Untracked++
				continue
			}
			id := *s.ID
			if len(s.Points) < 2 {
				report.Ignored++
				continue
			}
			if first, dup := seen[id]; dup {
				skip(path, id, fmt.Errorf("%w (first in %s)", ErrDuplicateShape, first))
				continue
			}

			sr, err := shape.NewRecord(id, rec.ImagePath, s.AbsolutePoints(offset), now)
			if err != nil {
				skip(path, id, err)
				continue
			}
			seen[id] = path
			candidates = append(candidates, candidate{path: path, rec: sr})
		}
	}
	return candidates, skipped, nil
}

func (r *Reconciler) apply(ctx context.Context, tx *store.Tx, candidates []candidate, skipped []skippedSource, report *Report) error {
	active := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec := c.rec
		existing, err := tx.Get(rec.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := tx.InsertNew(rec); err != nil {
				return err
			}
			report.New = append(report.New, rec.ID)
		case err != nil:
			return err
		case existing.Hash != rec.Hash:
			update := store.GeometryUpdate{Points: rec.Points, BBox: rec.BBox, Hash: rec.Hash, Kind: rec.Kind}
			if err := tx.UpdateModified(rec.ID, update, rec.ModifiedAt); err != nil {
				return err
			}
			report.Modified = append(report.Modified, rec.ID)
		default:
			if err := tx.MarkUnchanged(rec.ID); err != nil {
				return err
			}
			report.Unchanged = append(report.Unchanged, rec.ID)
		}
		if existing != nil && existing.ImageRef != rec.ImageRef {
			if err := tx.SetImageRef(rec.ID, rec.ImageRef); err != nil {
				return err
			}
		}
		active[rec.ID] = struct{}{}
	}

	if r.policy == SkipPolicyPreserve && len(skipped) > 0 {
		if err := preserveSkipped(tx, skipped, active); err != nil {
			return err
		}
	}

	deleted, err := tx.MarkDeletedExcept(active)
	if err != nil {
		return err
	}
	report.Deleted = deleted
	report.Finished = r.now().UTC()

	return tx.RecordPass(&store.Pass{
		ID:         report.PassID,
		SourceDir:  report.SourceDir,
		StartedAt:  report.Started,
		FinishedAt: report.Finished,
		New:        len(report.New),
		Modified:   len(report.Modified),
		Unchanged:  len(report.Unchanged),
		Deleted:    len(report.Deleted),
		Skipped:    len(report.Skipped),
	})
}

// preserveSkipped adds to active the stored shapes that belong to skipped
// records: those stored with the record's image reference, or, when the
// record could not be decoded, those whose image shares the file's stem.
func preserveSkipped(tx *store.Tx, skipped []skippedSource, active map[string]struct{}) error {
	var byStem map[string][]string
	for _, src := range skipped {
		if src.imagePath != "" {
			ids, err := tx.ListByImage(src.imagePath)
			if err != nil {
				return err
			}
			for _, id := range ids {
				active[id] = struct{}{}
			}
			continue
		}

		if byStem == nil {
			recs, err := tx.ListForExtraction(store.FilterAll)
			if err != nil {
				return err
			}
			byStem = make(map[string][]string)
			for _, rec := range recs {
				stem := fileStem(rec.ImageRef)
				byStem[stem] = append(byStem[stem], rec.ID)
			}
		}
		for _, id := range byStem[fileStem(src.path)] {
			active[id] = struct{}{}
		}
	}
	return nil
}

func fileStem(path string) string {
	base := annotation.ImageName(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
