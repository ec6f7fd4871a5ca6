package tiles

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCover_SingleTileAtZoomOne(t *testing.T) {
	t.Parallel()

	b := Bounds{MinLat: 0, MinLon: 0, MaxLat: 1, MaxLon: 1}
	r := Cover(b, 1)

	require.Equal(t, 1, r.MinCol)
	require.Equal(t, 1, r.MaxCol)
	require.Equal(t, 0, r.MinRow)
	require.Equal(t, 0, r.MaxRow)
	require.Equal(t, 1, r.Count())
}

func TestCover_SwappedCornersAreEquivalent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		a    Bounds
		b    Bounds
		zoom int
	}{
		{
			name: "europe z6",
			a:    Bounds{MinLat: 47.2, MinLon: 5.8, MaxLat: 55.1, MaxLon: 15.0},
			b:    Bounds{MinLat: 55.1, MinLon: 15.0, MaxLat: 47.2, MaxLon: 5.8},
			zoom: 6,
		},
		{
			name: "southern hemisphere z4",
			a:    Bounds{MinLat: -34.0, MinLon: 18.3, MaxLat: -33.8, MaxLon: 18.6},
			b:    Bounds{MinLat: -33.8, MinLon: 18.6, MaxLat: -34.0, MaxLon: 18.3},
			zoom: 4,
		},
		{
			name: "dateline-adjacent z3",
			a:    Bounds{MinLat: 10, MinLon: 170, MaxLat: 20, MaxLon: 179},
			b:    Bounds{MinLat: 20, MinLon: 179, MaxLat: 10, MaxLon: 170},
			zoom: 3,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, Cover(tc.a, tc.zoom), Cover(tc.b, tc.zoom))
		})
	}
}

func TestCover_ClampsToGrid(t *testing.T) {
	t.Parallel()

	b := Bounds{MinLat: -89, MinLon: -200, MaxLat: 89, MaxLon: 200}
	r := Cover(b, 2)

	require.GreaterOrEqual(t, r.MinCol, 0)
	require.GreaterOrEqual(t, r.MinRow, 0)
	require.LessOrEqual(t, r.MaxCol, 3)
	require.LessOrEqual(t, r.MaxRow, 3)
}

func TestRange_EachOrderAndCount(t *testing.T) {
	t.Parallel()

	r := Range{Zoom: 3, MinCol: 2, MaxCol: 3, MinRow: 5, MaxRow: 7}
	require.Equal(t, 6, r.Count())

	var got []Index
	r.Each(func(idx Index) bool {
		got = append(got, idx)
		return true
	})

	want := []Index{
		{3, 2, 5}, {3, 2, 6}, {3, 2, 7},
		{3, 3, 5}, {3, 3, 6}, {3, 3, 7},
	}
	require.Equal(t, want, got)
}

func TestRange_EachStopsEarly(t *testing.T) {
	t.Parallel()

	r := Range{Zoom: 1, MinCol: 0, MaxCol: 1, MinRow: 0, MaxRow: 1}
	visited := 0
	r.Each(func(Index) bool {
		visited++
		return visited < 2
	})
	require.Equal(t, 2, visited)
}
