package internal

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
)

const (
	// EmbeddingDim is the width of the backbone's pooled feature vector.
	EmbeddingDim = 512

	MetadataFilename = "atlas_meta.csv"
	BundleFilename   = "atlas_numpy_bundle.npz"

	// unitNormTolerance bounds |‖v‖₂ - 1| for rows accepted by Verify.
	unitNormTolerance = 1e-3
)

type Embedding struct {
	Vector []float32
	Model  string
}

func NewEmbedding(vec []float32, model string) Embedding {
	return Embedding{Vector: vec, Model: model}
}

func (e Embedding) Dimension() int {
	return len(e.Vector)
}

// Norm returns the L2 norm of the embedding.
func (e Embedding) Norm() float64 {
	return l2Norm(e.Vector)
}

// AtlasEntry is one metadata row. ID indexes the embedding matrix.
type AtlasEntry struct {
	ID       int64
	FilePath string
	Label    string
}

func (e AtlasEntry) Filename() string {
	return filepath.Base(e.FilePath)
}

// Atlas is the reference set: row-major vectors aligned with ids, plus metadata.
type Atlas struct {
	Dim     int
	Vectors []float32 // len(IDs) * Dim
	IDs     []int64
	Entries []AtlasEntry

	byID map[int64]int
}

// NewAtlas validates alignment between the bundle arrays and the metadata table.
func NewAtlas(dim int, vectors []float32, ids []int64, entries []AtlasEntry) (*Atlas, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrIndexLoad, dim)
	}
	if len(vectors) != len(ids)*dim {
		return nil, fmt.Errorf("%w: %d vector values for %d ids of dimension %d", ErrIndexLoad, len(vectors), len(ids), dim)
	}
	if len(ids) != len(entries) {
		return nil, fmt.Errorf("%w: %d embedding rows but %d metadata rows", ErrIndexLoad, len(ids), len(entries))
	}

	byID := make(map[int64]int, len(entries))
	for i, e := range entries {
		if _, dup := byID[e.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate metadata id %d", ErrIndexLoad, e.ID)
		}
		byID[e.ID] = i
	}

	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: embedding id %d has no metadata row", ErrIndexLoad, id)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: duplicate embedding id %d", ErrIndexLoad, id)
		}
		seen[id] = struct{}{}
	}

	return &Atlas{
		Dim:     dim,
		Vectors: vectors,
		IDs:     ids,
		Entries: entries,
		byID:    byID,
	}, nil
}

func (a *Atlas) Len() int {
	return len(a.IDs)
}

// Row returns the embedding stored at row i. The slice aliases atlas memory.
func (a *Atlas) Row(i int) []float32 {
	return a.Vectors[i*a.Dim : (i+1)*a.Dim]
}

func (a *Atlas) Entry(id int64) (AtlasEntry, bool) {
	i, ok := a.byID[id]
	if !ok {
		return AtlasEntry{}, false
	}
	return a.Entries[i], true
}

// LabelCounts returns the number of entries per label.
func (a *Atlas) LabelCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range a.Entries {
		counts[e.Label]++
	}
	return counts
}

type VerifyReport struct {
	Rows        int
	Dense       bool
	NonUnitRows []int64
}

// Verify checks that ids are exactly 0..N-1 and every row is unit norm.
func (a *Atlas) Verify() VerifyReport {
	report := VerifyReport{Rows: a.Len(), Dense: true}

	sorted := append([]int64(nil), a.IDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, id := range sorted {
		if id != int64(i) {
			report.Dense = false
			break
		}
	}

	for i, id := range a.IDs {
		if math.Abs(l2Norm(a.Row(i))-1) > unitNormTolerance {
			report.NonUnitRows = append(report.NonUnitRows, id)
		}
	}

	return report
}

func l2Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func l2Normalize(vec []float32) []float32 {
	norm := l2Norm(vec)
	if norm == 0 {
		return vec
	}

	result := make([]float32, len(vec))
	for i, v := range vec {
		result[i] = float32(float64(v) / norm)
	}

	return result
}
