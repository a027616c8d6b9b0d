// Package store provides the SQLite-backed ROI registry.
package store

import (
	"errors"
	"time"

	"echoroi/internal/shape"
)

var (
	// ErrNotFound is returned when no shape has the requested id.
	ErrNotFound = errors.New("store: shape not found")
	// ErrDuplicateKey is returned when inserting an id that already exists.
	ErrDuplicateKey = errors.New("store: duplicate shape id")
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// Filter selects records for extraction.
//
// Statuses limits the result to the given statuses; when empty every active
// (non-deleted) status matches. Done lists ids that were already processed
// downstream: they are skipped while unchanged, but returned again once the
// reconciler marks them new or modified.
type Filter struct {
	Statuses []shape.Status
	Done     []string
}

var (
	// FilterPending selects shapes whose geometry changed in the last pass.
	FilterPending = Filter{Statuses: []shape.Status{shape.StatusNew, shape.StatusModified}}
	// FilterAll selects every active shape.
	FilterAll = Filter{}
)

// Pass is the persisted summary of one reconciliation pass.
type Pass struct {
	ID         string
	SourceDir  string
	StartedAt  time.Time
	FinishedAt time.Time
	New        int
	Modified   int
	Unchanged  int
	Deleted    int
	Skipped    int
}

// GeometryUpdate carries the derived fields rewritten on a modification.
type GeometryUpdate struct {
	Points []shape.Point
	BBox   shape.BBox
	Hash   string
	Kind   shape.Kind
}
