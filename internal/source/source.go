// Package source provides the feature source adapters the renderer pulls
// from: a deterministic synthetic population for CM93 placeholder tiles and
// a SQLite-backed store for imported ENC/CM93 feature sets. Pre-encoded
// MBTiles datasets bypass this package and are served via internal/mbtiles.
package source

import (
	"context"
	"errors"
	"iter"

	"github.com/navtile/chartsrv/internal/chart"
)

var (
	// ErrNotFound reports an unknown dataset locator.
	ErrNotFound = errors.New("dataset not found")
	// ErrCorrupt reports an unreadable underlying store.
	ErrCorrupt = errors.New("dataset corrupt")
)

// FeatureSource yields the chart features intersecting a bounding box at a
// zoom level. The sequence is finite, single-pass and not restartable; a
// non-nil error ends the sequence.
type FeatureSource interface {
	Features(ctx context.Context, bbox chart.BBox, zoom int) iter.Seq2[*chart.Feature, error]
}
