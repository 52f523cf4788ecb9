package internal

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Use case input/output DTOs

type BuildAtlasInput struct {
	CorpusDir string
	OutDir    string
	Workers   int
	Progress  ProgressReporter
}

type BuildAtlasOutput struct {
	Dir   string
	Stats BuildStats
}

type SampleAtlasInput struct {
	OutDir    string
	Count     int
	Dimension int
	Seed      uint64
}

type SampleAtlasOutput struct {
	Dir   string
	Cases int
}

type AtlasInfoInput struct {
	Dir string
}

type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

type AtlasInfoOutput struct {
	Dir       string       `json:"dir"`
	Cases     int          `json:"cases"`
	Dimension int          `json:"dimension"`
	Labels    []LabelCount `json:"labels"`
}

type VerifyAtlasInput struct {
	Dir string
}

type VerifyAtlasOutput struct {
	Rows        int     `json:"rows"`
	Dense       bool    `json:"dense"`
	NonUnitRows []int64 `json:"non_unit_rows,omitempty"`
	OK          bool    `json:"ok"`
}

type FindSimilarInput struct {
	ImagePath string
	K         int
}

type FindSimilarOutput struct {
	Cases []SimilarCase `json:"similar_cases"`
}

type DownloadWeightsInput struct {
	URL        string
	Filename   string
	OnProgress func(written, total int64)
}

type DownloadWeightsOutput struct {
	Path string
}

// UseCases groups the operations exposed to the CLI and the v1 client.
type UseCases struct {
	BuildAtlas      *BuildAtlasUseCase
	SampleAtlas     *SampleAtlasUseCase
	AtlasInfo       *AtlasInfoUseCase
	VerifyAtlas     *VerifyAtlasUseCase
	FindSimilar     *FindSimilarUseCase
	DownloadWeights *DownloadWeightsUseCase
}

// Use cases

type BuildAtlasUseCase struct {
	newExtractor func() (FeatureExtractor, error)
	log          *zap.Logger
}

func NewBuildAtlasUseCase(newExtractor func() (FeatureExtractor, error), log *zap.Logger) *BuildAtlasUseCase {
	if log == nil {
		log = zap.NewNop()
	}
	return &BuildAtlasUseCase{newExtractor: newExtractor, log: log}
}

func (uc *BuildAtlasUseCase) Execute(ctx context.Context, input BuildAtlasInput) (*BuildAtlasOutput, error) {
	extractor, err := uc.newExtractor()
	if err != nil {
		return nil, fmt.Errorf("load extractor: %w", err)
	}

	opts := []BuilderOption{WithBuilderLogger(uc.log)}
	if input.Workers > 0 {
		opts = append(opts, WithBuildWorkers(input.Workers))
	}
	if input.Progress != nil {
		opts = append(opts, WithProgress(input.Progress))
	}

	stats, err := NewAtlasBuilder(extractor, opts...).BuildTo(ctx, input.CorpusDir, input.OutDir)
	if err != nil {
		return nil, fmt.Errorf("build atlas: %w", err)
	}

	return &BuildAtlasOutput{Dir: input.OutDir, Stats: stats}, nil
}

type SampleAtlasUseCase struct{}

func NewSampleAtlasUseCase() *SampleAtlasUseCase {
	return &SampleAtlasUseCase{}
}

func (uc *SampleAtlasUseCase) Execute(_ context.Context, input SampleAtlasInput) (*SampleAtlasOutput, error) {
	if input.Count <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", input.Count)
	}
	dim := input.Dimension
	if dim <= 0 {
		dim = EmbeddingDim
	}

	atlas, err := SampleAtlas(input.Count, dim, input.Seed)
	if err != nil {
		return nil, err
	}
	if err := SaveAtlas(input.OutDir, atlas); err != nil {
		return nil, fmt.Errorf("save atlas: %w", err)
	}

	return &SampleAtlasOutput{Dir: input.OutDir, Cases: atlas.Len()}, nil
}

type AtlasInfoUseCase struct{}

func NewAtlasInfoUseCase() *AtlasInfoUseCase {
	return &AtlasInfoUseCase{}
}

func (uc *AtlasInfoUseCase) Execute(_ context.Context, input AtlasInfoInput) (*AtlasInfoOutput, error) {
	atlas, err := LoadAtlas(input.Dir)
	if err != nil {
		return nil, err
	}

	counts := atlas.LabelCounts()
	labels := make([]LabelCount, 0, len(counts))
	for l, n := range counts {
		labels = append(labels, LabelCount{Label: l, Count: n})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Label < labels[j].Label })

	return &AtlasInfoOutput{
		Dir:       input.Dir,
		Cases:     atlas.Len(),
		Dimension: atlas.Dim,
		Labels:    labels,
	}, nil
}

type VerifyAtlasUseCase struct{}

func NewVerifyAtlasUseCase() *VerifyAtlasUseCase {
	return &VerifyAtlasUseCase{}
}

func (uc *VerifyAtlasUseCase) Execute(_ context.Context, input VerifyAtlasInput) (*VerifyAtlasOutput, error) {
	atlas, err := LoadAtlas(input.Dir)
	if err != nil {
		return nil, err
	}

	report := atlas.Verify()
	return &VerifyAtlasOutput{
		Rows:        report.Rows,
		Dense:       report.Dense,
		NonUnitRows: report.NonUnitRows,
		OK:          report.Dense && len(report.NonUnitRows) == 0,
	}, nil
}

type FindSimilarUseCase struct {
	query *QueryService
}

func NewFindSimilarUseCase(query *QueryService) *FindSimilarUseCase {
	return &FindSimilarUseCase{query: query}
}

func (uc *FindSimilarUseCase) Execute(ctx context.Context, input FindSimilarInput) (*FindSimilarOutput, error) {
	cases, err := uc.query.FindSimilar(ctx, input.ImagePath, input.K)
	if err != nil {
		return nil, err
	}
	return &FindSimilarOutput{Cases: cases}, nil
}

type DownloadWeightsUseCase struct {
	downloader *Downloader
}

func NewDownloadWeightsUseCase(downloader *Downloader) *DownloadWeightsUseCase {
	return &DownloadWeightsUseCase{downloader: downloader}
}

func (uc *DownloadWeightsUseCase) Execute(ctx context.Context, input DownloadWeightsInput) (*DownloadWeightsOutput, error) {
	url := input.URL
	if url == "" {
		url = DefaultWeightsURL
	}

	filename := input.Filename
	if filename == "" {
		filename = DefaultWeightsFilename
	}

	path, err := uc.downloader.EnsureWeights(ctx, url, filename, input.OnProgress)
	if err != nil {
		return nil, fmt.Errorf("download weights: %w", err)
	}
	return &DownloadWeightsOutput{Path: path}, nil
}
