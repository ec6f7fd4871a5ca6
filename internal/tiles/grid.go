// Package tiles maps geographic bounds onto Web-Mercator tile rectangles.
//
// Tiles are addressed in the XYZ convention: column increases eastward, row
// increases southward, and the grid side length at zoom z is 2^z.
package tiles

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// Index addresses a single tile.
type Index struct {
	Zoom int
	Col  int
	Row  int
}

// Bounds is a geographic bounding box in degrees. The corners may be supplied
// in either diagonal order; Cover normalizes per axis.
type Bounds struct {
	MinLat float64 `mapstructure:"min_lat"`
	MinLon float64 `mapstructure:"min_lon"`
	MaxLat float64 `mapstructure:"max_lat"`
	MaxLon float64 `mapstructure:"max_lon"`
}

// Range is an inclusive tile rectangle at one zoom level.
type Range struct {
	Zoom   int
	MinCol int
	MaxCol int
	MinRow int
	MaxRow int
}

// Cover computes the inclusive tile rectangle covering b at the given zoom.
//
// Both corners are projected independently and the rectangle is built from
// the per-axis min and max of the fractional tile coordinates, so swapped
// corners yield the same result. The max corner uses ceil-1 so a corner that
// lands exactly on a tile edge does not extend the rectangle past the bounds.
func Cover(b Bounds, zoom int) Range {
	z := maptile.Zoom(zoom)
	a := maptile.Fraction(orb.Point{b.MinLon, b.MinLat}, z)
	c := maptile.Fraction(orb.Point{b.MaxLon, b.MaxLat}, z)

	loCol, hiCol := math.Min(a[0], c[0]), math.Max(a[0], c[0])
	loRow, hiRow := math.Min(a[1], c[1]), math.Max(a[1], c[1])

	n := 1 << uint(zoom)
	r := Range{
		Zoom:   zoom,
		MinCol: clamp(int(math.Floor(loCol)), 0, n-1),
		MinRow: clamp(int(math.Floor(loRow)), 0, n-1),
	}
	r.MaxCol = clamp(int(math.Ceil(hiCol))-1, r.MinCol, n-1)
	r.MaxRow = clamp(int(math.Ceil(hiRow))-1, r.MinRow, n-1)
	return r
}

// Count returns the number of tiles in the rectangle.
func (r Range) Count() int {
	return (r.MaxCol - r.MinCol + 1) * (r.MaxRow - r.MinRow + 1)
}

// Each visits every tile in the rectangle in deterministic order: columns
// ascending, rows ascending within each column. It stops early when fn
// returns false.
func (r Range) Each(fn func(Index) bool) {
	for col := r.MinCol; col <= r.MaxCol; col++ {
		for row := r.MinRow; row <= r.MaxRow; row++ {
			if !fn(Index{Zoom: r.Zoom, Col: col, Row: row}) {
				return
			}
		}
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
