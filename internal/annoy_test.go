package internal

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func TestAnnoyIndexMatchesExactOnSmallAtlas(t *testing.T) {
	atlas, err := SampleAtlas(20, 8, 7)
	if err != nil {
		t.Fatalf("sample atlas: %v", err)
	}

	annoy, err := NewAnnoyIndex(atlas, 4)
	if err != nil {
		t.Fatalf("new annoy index: %v", err)
	}
	exact := NewExactIndex(atlas)

	// The candidate pool covers the whole atlas, so results are exact.
	for row := 0; row < atlas.Len(); row += 5 {
		want, err := exact.Query(atlas.Row(row), 3)
		if err != nil {
			t.Fatalf("exact query: %v", err)
		}
		got, err := annoy.Query(atlas.Row(row), 3)
		if err != nil {
			t.Fatalf("annoy query: %v", err)
		}

		if len(got) != len(want) {
			t.Fatalf("row %d: expected %d hits, got %d", row, len(want), len(got))
		}
		for i := range want {
			if got[i].ID != want[i].ID {
				t.Errorf("row %d rank %d: expected id %d, got %d", row, i, want[i].ID, got[i].ID)
			}
		}
	}
}

func TestAnnoyIndexNearestNeighbour(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	rows := make([][]float32, 100)
	for i := range rows {
		rows[i] = make([]float32, 16)
		for j := range rows[i] {
			rows[i][j] = float32(rng.NormFloat64())
		}
	}
	atlas := unitAtlas(t, rows, nil)

	idx, err := NewAnnoyIndex(atlas, 0)
	if err != nil {
		t.Fatalf("new annoy index: %v", err)
	}
	if idx.Len() != 100 || idx.Dimension() != 16 {
		t.Fatalf("unexpected shape %d×%d", idx.Len(), idx.Dimension())
	}

	hits, err := idx.Query(atlas.Row(42), 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != 42 {
		t.Fatalf("expected case 42 first, got %+v", hits)
	}
}

func TestAnnoyIndexDimensionMismatch(t *testing.T) {
	atlas, err := SampleAtlas(5, 4, 1)
	if err != nil {
		t.Fatalf("sample atlas: %v", err)
	}
	idx, err := NewAnnoyIndex(atlas, 2)
	if err != nil {
		t.Fatalf("new annoy index: %v", err)
	}

	_, err = idx.Query([]float32{1, 0}, 1)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestAnnoyIndexClose(t *testing.T) {
	atlas, err := SampleAtlas(10, 8, 3)
	if err != nil {
		t.Fatalf("sample atlas: %v", err)
	}
	idx, err := NewAnnoyIndex(atlas, 2)
	if err != nil {
		t.Fatalf("new annoy index: %v", err)
	}

	if _, err := idx.Query(atlas.Row(0), 1); err != nil {
		t.Fatalf("query before close: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := idx.Query(atlas.Row(0), 1); !errors.Is(err, ErrIndexClosed) {
		t.Fatalf("expected ErrIndexClosed after close, got %v", err)
	}
}
