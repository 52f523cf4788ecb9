package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

const DefaultTopK = 8

const (
	IndexExact = "exact"
	IndexAnnoy = "annoy"
)

// SearchContext owns the loaded model and index. It is never mutated after
// construction and may be shared by any number of concurrent queries.
type SearchContext struct {
	Extractor FeatureExtractor
	Index     VectorIndex
	Atlas     *Atlas
}

func NewSearchContext(extractor FeatureExtractor, atlas *Atlas, index VectorIndex) (*SearchContext, error) {
	if extractor == nil {
		return nil, fmt.Errorf("%w: no extractor", ErrModelUnavailable)
	}
	if atlas == nil || index == nil {
		return nil, fmt.Errorf("%w: no atlas loaded", ErrIndexUnavailable)
	}
	if atlas.Len() == 0 {
		return nil, fmt.Errorf("%w: atlas holds no cases", ErrIndexUnavailable)
	}
	if extractor.Dimension() != atlas.Dim {
		return nil, fmt.Errorf("%w: %w: extractor produces %d values, atlas stores %d", ErrIndexLoad, ErrDimensionMismatch, extractor.Dimension(), atlas.Dim)
	}
	return &SearchContext{Extractor: extractor, Index: index, Atlas: atlas}, nil
}

// Close releases the index when it holds resources outside the Go heap.
func (sc *SearchContext) Close() error {
	if c, ok := sc.Index.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NewIndex builds the configured index kind over atlas.
func NewIndex(kind string, atlas *Atlas, annoyTrees int) (VectorIndex, error) {
	switch kind {
	case "", IndexExact:
		return NewExactIndex(atlas), nil
	case IndexAnnoy:
		return NewAnnoyIndex(atlas, annoyTrees)
	default:
		return nil, fmt.Errorf("unknown index kind %q", kind)
	}
}

// ContextLoader builds a fresh SearchContext.
type ContextLoader func(ctx context.Context) (*SearchContext, error)

type searchState struct {
	sc  *SearchContext
	err error
}

// SearchProvider hands out the current SearchContext. The first Get loads it
// exactly once even under concurrent first use; a failed load leaves the
// provider degraded until a Reload succeeds.
type SearchProvider struct {
	load  ContextLoader
	log   *zap.Logger
	once  sync.Once
	state atomic.Pointer[searchState]

	reloadMu sync.Mutex
}

func NewSearchProvider(load ContextLoader, log *zap.Logger) *SearchProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &SearchProvider{load: load, log: log}
}

// StaticSearchProvider wraps an already built context.
func StaticSearchProvider(sc *SearchContext) *SearchProvider {
	p := &SearchProvider{log: zap.NewNop()}
	p.once.Do(func() {})
	p.state.Store(&searchState{sc: sc})
	return p
}

func (p *SearchProvider) Get(ctx context.Context) (*SearchContext, error) {
	p.once.Do(func() {
		if p.state.Load() != nil {
			return
		}
		st := p.loadState(context.WithoutCancel(ctx))
		if st.err != nil {
			p.log.Warn("search unavailable, running degraded", zap.Error(st.err))
		} else {
			p.log.Info("search context loaded", zap.Int("cases", st.sc.Atlas.Len()), zap.Int("dimension", st.sc.Atlas.Dim))
		}
		if !p.state.CompareAndSwap(nil, st) && st.sc != nil {
			p.retire(st.sc)
		}
	})

	st := p.state.Load()
	if st == nil {
		return nil, fmt.Errorf("%w: search context not loaded", ErrIndexUnavailable)
	}
	if st.err != nil {
		return nil, st.err
	}
	return st.sc, nil
}

// loadState runs the loader, turning a panic into a degraded state.
func (p *SearchProvider) loadState(ctx context.Context) (st *searchState) {
	defer func() {
		if r := recover(); r != nil {
			st = &searchState{err: fmt.Errorf("%w: loader panicked: %v", ErrIndexLoad, r)}
		}
	}()

	sc, err := p.load(ctx)
	if err != nil {
		return &searchState{err: err}
	}
	if sc == nil {
		return &searchState{err: fmt.Errorf("%w: loader returned no context", ErrIndexUnavailable)}
	}
	return &searchState{sc: sc}
}

// retire closes a replaced context. Index implementations block Close until
// queries already running against them have returned.
func (p *SearchProvider) retire(sc *SearchContext) {
	if err := sc.Close(); err != nil {
		p.log.Warn("close replaced search context", zap.Error(err))
	}
}

// Ready reports whether a search context is loaded. It triggers the first
// load when none has happened yet.
func (p *SearchProvider) Ready(ctx context.Context) bool {
	_, err := p.Get(ctx)
	return err == nil
}

// Reload loads a fresh context and swaps it in only on success. Queries
// already running keep the context they started with.
func (p *SearchProvider) Reload(ctx context.Context) error {
	if p.load == nil {
		return errors.New("provider has no loader")
	}

	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	st := p.loadState(ctx)
	if st.err != nil {
		p.log.Warn("atlas reload failed, keeping previous state", zap.Error(st.err))
		p.state.CompareAndSwap(nil, st)
		return fmt.Errorf("reload search context: %w", st.err)
	}

	prev := p.state.Swap(st)
	p.log.Info("atlas reloaded", zap.Int("cases", st.sc.Atlas.Len()))
	if prev != nil && prev.sc != nil && prev.sc != st.sc {
		p.retire(prev.sc)
	}
	return nil
}

// SimilarCase is one ranked search hit, ready to serialise.
type SimilarCase struct {
	Rank            int     `json:"rank"`
	CaseID          int64   `json:"case_id"`
	Label           string  `json:"label"`
	FilePath        string  `json:"file_path"`
	Filename        string  `json:"filename"`
	SimilarityScore float32 `json:"similarity_score"`
	ImageURL        string  `json:"image_url"`
}

func CaseImageURL(id int64) string {
	return fmt.Sprintf("/atlas/cases/%d/image", id)
}

type QueryService struct {
	provider    *SearchProvider
	defaultTopK int
	log         *zap.Logger
}

func NewQueryService(provider *SearchProvider, defaultTopK int, log *zap.Logger) *QueryService {
	if defaultTopK <= 0 {
		defaultTopK = DefaultTopK
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &QueryService{provider: provider, defaultTopK: defaultTopK, log: log}
}

// FindSimilar embeds the image at path and returns its k nearest atlas cases.
// Every failure matches ErrSearchUnavailable; the cause stays in the chain.
func (s *QueryService) FindSimilar(ctx context.Context, imagePath string, k int) ([]SimilarCase, error) {
	return s.find(ctx, k, func(ext FeatureExtractor) (Embedding, error) {
		return ext.Embed(ctx, imagePath)
	})
}

func (s *QueryService) FindSimilarBytes(ctx context.Context, data []byte, k int) ([]SimilarCase, error) {
	return s.find(ctx, k, func(ext FeatureExtractor) (Embedding, error) {
		return ext.EmbedBytes(ctx, data)
	})
}

func (s *QueryService) find(ctx context.Context, k int, embed func(FeatureExtractor) (Embedding, error)) ([]SimilarCase, error) {
	if k <= 0 {
		k = s.defaultTopK
	}

	sc, err := s.provider.Get(ctx)
	if err != nil {
		s.log.Warn("search refused", zap.String("stage", "index"), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}

	emb, err := embed(sc.Extractor)
	if err != nil {
		s.log.Warn("search refused", zap.String("stage", "extract"), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}

	hits, err := sc.Index.Query(emb.Vector, k)
	if errors.Is(err, ErrIndexClosed) {
		// a reload retired this index mid-query; ask the replacement
		if sc, err = s.provider.Get(ctx); err == nil {
			hits, err = sc.Index.Query(emb.Vector, k)
		}
	}
	if err != nil {
		s.log.Warn("search refused", zap.String("stage", "index"), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}

	results := make([]SimilarCase, 0, len(hits))
	for i, h := range hits {
		entry, ok := sc.Atlas.Entry(h.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %w: case %d has no metadata", ErrSearchUnavailable, ErrIndexLoad, h.ID)
		}
		results = append(results, SimilarCase{
			Rank:            i + 1,
			CaseID:          h.ID,
			Label:           entry.Label,
			FilePath:        entry.FilePath,
			Filename:        entry.Filename(),
			SimilarityScore: h.Score,
			ImageURL:        CaseImageURL(h.ID),
		})
	}

	return results, nil
}

// CaseFile returns the corpus path of case id in the current atlas.
func (s *QueryService) CaseFile(ctx context.Context, id int64) (string, error) {
	sc, err := s.provider.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSearchUnavailable, err)
	}
	entry, ok := sc.Atlas.Entry(id)
	if !ok {
		return "", fmt.Errorf("case %d: %w", id, ErrCaseNotFound)
	}
	return entry.FilePath, nil
}

// AtlasLoader returns a ContextLoader that reads the atlas from dir and
// pairs it with the extractor produced by newExtractor.
func AtlasLoader(dir, indexKind string, annoyTrees int, newExtractor func() (FeatureExtractor, error)) ContextLoader {
	return func(ctx context.Context) (*SearchContext, error) {
		extractor, err := newExtractor()
		if err != nil {
			return nil, err
		}

		atlas, err := LoadAtlas(dir)
		if err != nil {
			return nil, err
		}

		index, err := NewIndex(indexKind, atlas, annoyTrees)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIndexLoad, err)
		}

		return NewSearchContext(extractor, atlas, index)
	}
}
