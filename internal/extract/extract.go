// Package extract slices the pixels of registered ROIs out of a survey
// array.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/patrickmn/go-cache"

	"echoroi/internal/geometry"
	"echoroi/internal/grid"
	"echoroi/internal/metrics"
	"echoroi/internal/shape"
	"echoroi/internal/store"
)

// Request selects the window strategy and channels of an extraction.
type Request struct {
	// Strategy is nil for a window equal to the shape's bounding box.
	Strategy *geometry.Strategy
	// Channels is empty for every channel of the array.
	Channels []float64
	// KeepOutside leaves cells outside the mask untouched instead of NaN,
	// for rendering the shape in context.
	KeepOutside bool
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) { e.logger = l }
}

// WithMetrics records extraction outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// WithMaskCacheTTL sets how long rasterized masks are kept. Zero disables
// the cache.
func WithMaskCacheTTL(ttl time.Duration) Option {
	return func(e *Extractor) { e.ttl = ttl }
}

// Extractor reads ROIs from a registry and slices them out of an array.
type Extractor struct {
	store   *store.Store
	acc     grid.Accessor
	logger  *slog.Logger
	metrics *metrics.Metrics
	ttl     time.Duration
	masks   *cache.Cache
}

// New creates an Extractor.
func New(st *store.Store, acc grid.Accessor, opts ...Option) *Extractor {
	e := &Extractor{
		store:  st,
		acc:    acc,
		logger: slog.Default(),
		ttl:    10 * time.Minute,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "extract")
	if e.ttl > 0 {
		e.masks = cache.New(e.ttl, 2*e.ttl)
	}
	return e
}

// Extract returns the masked data of the registered shape id. Shapes marked
// deleted are reported as store.ErrNotFound.
func (e *Extractor) Extract(ctx context.Context, id string, req Request) (*Result, error) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == shape.StatusDeleted {
		return nil, fmt.Errorf("shape %s is deleted: %w", id, store.ErrNotFound)
	}
	return e.ExtractRecord(rec, req)
}

// ExtractRecord extracts an already loaded record.
func (e *Extractor) ExtractRecord(rec *shape.Record, req Request) (res *Result, err error) {
	start := time.Now()
	defer func() { e.metrics.RecordExtraction(time.Since(start), err) }()

	strategy := geometry.WithPadding(0)
	if req.Strategy != nil {
		strategy = *req.Strategy
	}
	w, err := geometry.Resolve(rec.BBox, e.acc.Extent(), strategy)
	if err != nil {
		return nil, fmt.Errorf("resolve window for %s: %w", rec.ID, err)
	}

	data, err := e.acc.Slice(w, req.Channels)
	if err != nil {
		return nil, err
	}

	mask, err := e.mask(rec, w)
	if err != nil {
		return nil, err
	}
	if !req.KeepOutside {
		for _, plane := range data {
			for x := 0; x < mask.Width; x++ {
				for y := 0; y < mask.Height; y++ {
					if !mask.At(x, y) {
						plane[x*mask.Height+y] = math.NaN()
					}
				}
			}
		}
	}

	channels := req.Channels
	if len(channels) == 0 {
		channels = e.acc.Channels()
	}
	return &Result{
		ID:       rec.ID,
		Window:   w,
		Width:    w.Width(),
		Height:   w.Height(),
		Channels: append([]float64(nil), channels...),
		Data:     data,
		Mask:     mask,
	}, nil
}

func (e *Extractor) mask(rec *shape.Record, w geometry.Window) (*geometry.Mask, error) {
	key := rec.Hash + "@" + w.String()
	if e.masks != nil {
		if m, ok := e.masks.Get(key); ok {
			e.metrics.RecordMaskCache(true)
			return m.(*geometry.Mask), nil
		}
		e.metrics.RecordMaskCache(false)
	}

	g, err := rec.Geometry()
	if err != nil {
		return nil, fmt.Errorf("shape %s: %w", rec.ID, err)
	}
	m := geometry.RasterizeGeometry(w, g)
	if e.masks != nil {
		e.masks.Set(key, m, cache.DefaultExpiration)
	}
	return m, nil
}

// Each extracts every shape selected by f and hands the results to fn in id
// order. It stops at the first error.
func (e *Extractor) Each(ctx context.Context, f store.Filter, req Request, fn func(*Result) error) error {
	recs, err := e.store.ListForExtraction(ctx, f)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := e.ExtractRecord(rec, req)
		if err != nil {
			return fmt.Errorf("extract %s: %w", rec.ID, err)
		}
		if err := fn(res); err != nil {
			return err
		}
	}
	return nil
}

// ExtractPending extracts every shape selected by f.
func (e *Extractor) ExtractPending(ctx context.Context, f store.Filter, req Request) ([]*Result, error) {
	var results []*Result
	err := e.Each(ctx, f, req, func(r *Result) error {
		results = append(results, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("extracted shapes", "count", len(results))
	return results, nil
}
