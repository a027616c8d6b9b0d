package store

import (
	"context"
	"fmt"

	"echoroi/internal/shape"
)

// VerifyRecord checks that the derived fields of rec (kind, bbox, hash) agree
// with its stored points.
func VerifyRecord(rec *shape.Record) error {
	g, err := rec.Geometry()
	if err != nil {
		return fmt.Errorf("shape %s: %w", rec.ID, err)
	}

	hash, err := shape.GeometryHash(g)
	if err != nil {
		return fmt.Errorf("shape %s: %w", rec.ID, err)
	}
	if hash != rec.Hash {
		return fmt.Errorf("hash mismatch for shape %s: computed %s, stored %s", rec.ID, hash, rec.Hash)
	}
	if g.Kind() != rec.Kind {
		return fmt.Errorf("kind mismatch for shape %s: computed %s, stored %s", rec.ID, g.Kind(), rec.Kind)
	}
	if g.Bounds() != rec.BBox {
		return fmt.Errorf("bbox mismatch for shape %s: computed %+v, stored %+v", rec.ID, g.Bounds(), rec.BBox)
	}
	return nil
}

// Corruption pairs a shape id with the reason it failed verification.
type Corruption struct {
	ID  string
	Err error
}

// VerifyAll checks every row of the registry, deleted ones included, and
// returns the rows whose derived fields disagree with their points.
func (s *Store) VerifyAll(ctx context.Context) ([]Corruption, error) {
	var corrupted []Corruption
	err := s.View(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx, `SELECT `+selectColumns+` FROM roi_registry ORDER BY id`)
		if err != nil {
			return fmt.Errorf("query shapes: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return fmt.Errorf("scan shape: %w", err)
			}
			if err := VerifyRecord(rec); err != nil {
				corrupted = append(corrupted, Corruption{ID: rec.ID, Err: err})
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate shapes: %w", err)
		}
		return nil
	})
	return corrupted, err
}
