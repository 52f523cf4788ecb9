package internal

import (
	"fmt"
	"sync"

	"github.com/mariotoffia/goannoy/builder"
	"github.com/mariotoffia/goannoy/interfaces"
)

const (
	DefaultAnnoyTrees = 10

	// minAnnoyCandidates is the smallest candidate pool re-ranked exactly.
	minAnnoyCandidates = 32
)

var _ VectorIndex = (*AnnoyIndex)(nil)

// AnnoyIndex is an approximate forest over the atlas rows. Candidates it
// returns are re-scored with the exact dot product so scores and ordering
// match ExactIndex whenever the true neighbours are among the candidates.
type AnnoyIndex struct {
	idx   interfaces.AnnoyIndex[float32, uint32]
	atlas *Atlas

	// mu is held shared by queries and exclusively by Close.
	mu     sync.RWMutex
	closed bool
}

func NewAnnoyIndex(atlas *Atlas, numTrees int) (*AnnoyIndex, error) {
	if numTrees <= 0 {
		numTrees = DefaultAnnoyTrees
	}
	if atlas.Len() > int(^uint32(0)) {
		return nil, fmt.Errorf("atlas has %d rows, annoy supports at most %d", atlas.Len(), ^uint32(0))
	}

	idx := builder.Index[float32, uint32]().
		AngularDistance(atlas.Dim).
		UseMultiWorkerPolicy().
		MmapIndexAllocator().
		Build()

	for row := 0; row < atlas.Len(); row++ {
		idx.AddItem(uint32(row), atlas.Row(row))
	}
	idx.Build(numTrees, -1)

	return &AnnoyIndex{idx: idx, atlas: atlas}, nil
}

func (a *AnnoyIndex) Len() int {
	return a.atlas.Len()
}

func (a *AnnoyIndex) Dimension() int {
	return a.atlas.Dim
}

func (a *AnnoyIndex) Query(query []float32, k int) ([]Neighbor, error) {
	if len(query) != a.atlas.Dim {
		return nil, fmt.Errorf("%w: query has %d values, index has %d", ErrDimensionMismatch, len(query), a.atlas.Dim)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, ErrIndexClosed
	}

	n := a.atlas.Len()
	if n == 0 {
		return nil, nil
	}
	k = clampK(k, n)

	pool := k * 4
	if pool < minAnnoyCandidates {
		pool = minAnnoyCandidates
	}
	if pool > n {
		pool = n
	}

	searchCtx := a.idx.CreateContext()
	rows, _ := a.idx.GetNnsByVector(query, pool, -1, searchCtx)

	scored := make([]Neighbor, 0, len(rows))
	for _, r := range rows {
		row := int(r)
		if row >= n {
			continue
		}
		scored = append(scored, Neighbor{Row: row, ID: a.atlas.IDs[row], Score: dot(query, a.atlas.Row(row))})
	}

	return topK(scored, k), nil
}

// Close unmaps the forest once running queries have returned. Later queries
// fail with ErrIndexClosed. Closing twice is a no-op.
func (a *AnnoyIndex) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.idx.Close()
}
