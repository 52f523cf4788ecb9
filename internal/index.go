package internal

import (
	"fmt"
	"sort"
)

// Neighbor is one ranked hit: the atlas row, its case id and the cosine score.
type Neighbor struct {
	Row   int
	ID    int64
	Score float32
}

// VectorIndex answers top-k nearest-neighbour queries over unit-norm rows.
// Implementations never mutate after construction and are safe for
// concurrent queries.
type VectorIndex interface {
	Query(query []float32, k int) ([]Neighbor, error)
	Len() int
	Dimension() int
}

var _ VectorIndex = (*ExactIndex)(nil)

// ExactIndex scans every row. Rows and queries are assumed unit norm, so the
// dot product is the cosine similarity.
type ExactIndex struct {
	atlas *Atlas
}

func NewExactIndex(atlas *Atlas) *ExactIndex {
	return &ExactIndex{atlas: atlas}
}

func (x *ExactIndex) Len() int {
	return x.atlas.Len()
}

func (x *ExactIndex) Dimension() int {
	return x.atlas.Dim
}

func (x *ExactIndex) Query(query []float32, k int) ([]Neighbor, error) {
	if len(query) != x.atlas.Dim {
		return nil, fmt.Errorf("%w: query has %d values, index has %d", ErrDimensionMismatch, len(query), x.atlas.Dim)
	}

	n := x.atlas.Len()
	if n == 0 {
		return nil, nil
	}

	scored := make([]Neighbor, n)
	for i := 0; i < n; i++ {
		scored[i] = Neighbor{Row: i, ID: x.atlas.IDs[i], Score: dot(query, x.atlas.Row(i))}
	}

	return topK(scored, clampK(k, n)), nil
}

// clampK limits k to [1, n].
func clampK(k, n int) int {
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

// rankedBefore orders by descending score, then ascending case id.
func rankedBefore(a, b Neighbor) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

func topK(scored []Neighbor, k int) []Neighbor {
	sort.Slice(scored, func(i, j int) bool { return rankedBefore(scored[i], scored[j]) })
	if k < len(scored) {
		scored = scored[:k]
	}
	return scored
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
