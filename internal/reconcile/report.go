package reconcile

import (
	"fmt"
	"time"

	"echoroi/internal/metrics"
)

// SkippedRecord is an annotation file, or one shape in it, that a pass could
// not use.
type SkippedRecord struct {
	Path    string
	ShapeID string
	Err     error
}

func (s SkippedRecord) String() string {
	if s.ShapeID != "" {
		return fmt.Sprintf("%s (shape %s): %v", s.Path, s.ShapeID, s.Err)
	}
	return fmt.Sprintf("%s: %v", s.Path, s.Err)
}

// Report summarises one committed pass.
type Report struct {
	PassID    string
	SourceDir string

	New       []string
	Modified  []string
	Unchanged []string
	Deleted   []string

	// Untracked counts shapes without an id; Ignored counts tracked shapes
	// with fewer than two points.
	Untracked int
	Ignored   int

	Skipped []SkippedRecord

	Started  time.Time
	Finished time.Time
}

// Counts returns the per-status totals.
func (r *Report) Counts() metrics.PassCounts {
	return metrics.PassCounts{
		New:       len(r.New),
		Modified:  len(r.Modified),
		Unchanged: len(r.Unchanged),
		Deleted:   len(r.Deleted),
		Skipped:   len(r.Skipped),
	}
}

// Changed reports whether the pass altered any geometry or status other than
// confirming unchanged shapes.
func (r *Report) Changed() bool {
	return len(r.New)+len(r.Modified)+len(r.Deleted) > 0
}

func (r *Report) String() string {
	return fmt.Sprintf("new=%d modified=%d unchanged=%d deleted=%d skipped=%d untracked=%d ignored=%d",
		len(r.New), len(r.Modified), len(r.Unchanged), len(r.Deleted), len(r.Skipped), r.Untracked, r.Ignored)
}
