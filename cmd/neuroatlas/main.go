package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/4thel00z/neuroatlas/internal"
	"github.com/charmbracelet/fang"
	"go.uber.org/zap"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	ctx := context.Background()

	if tryExternalCommand(ctx) {
		return
	}

	a := &app{}
	rootCmd := NewRootCmd(version, a)
	err := fang.Execute(ctx, rootCmd)
	a.close()
	if err != nil {
		os.Exit(1)
	}
}

func tryExternalCommand(ctx context.Context) bool {
	if len(os.Args) < 2 {
		return false
	}

	cmd := os.Args[1]
	if cmd == "" || cmd[0] == '-' {
		return false
	}

	if _, err := findExternal(cmd); err != nil {
		return false
	}

	if err := executeExternal(ctx, cmd, os.Args[2:], version); err != nil {
		fmt.Fprintf(os.Stderr, "neuroatlas %s: %v\n", cmd, err)
		os.Exit(1)
	}

	return true
}

// app holds everything the commands share. It is filled in once the root
// command has parsed --config.
type app struct {
	cfg      *internal.Config
	log      *zap.Logger
	provider *internal.SearchProvider
	query    *internal.QueryService
	uc       *internal.UseCases

	analysisOnce sync.Once
	analysisSvc  *internal.AnalysisService
	blobs        internal.BlobStore
	analysisErr  error
}

func (a *app) load(configPath string) error {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := internal.NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	return a.init(cfg, log)
}

func (a *app) init(cfg *internal.Config, log *zap.Logger) error {
	cacheDir, err := internal.DefaultCacheDir()
	if err != nil {
		return fmt.Errorf("resolve cache dir: %w", err)
	}

	a.cfg = cfg
	a.log = log
	a.provider = internal.NewConfiguredSearchProvider(cfg, log)
	a.query = internal.NewQueryService(a.provider, cfg.Atlas.DefaultK, log)

	downloader := internal.NewDownloader(cacheDir, os.Getenv("HF_TOKEN"), internal.WithDownloadLogger(log))

	a.uc = &internal.UseCases{
		BuildAtlas:      internal.NewBuildAtlasUseCase(internal.ExtractorFactory(cfg), log),
		SampleAtlas:     internal.NewSampleAtlasUseCase(),
		AtlasInfo:       internal.NewAtlasInfoUseCase(),
		VerifyAtlas:     internal.NewVerifyAtlasUseCase(),
		FindSimilar:     internal.NewFindSimilarUseCase(a.query),
		DownloadWeights: internal.NewDownloadWeightsUseCase(downloader),
	}
	return nil
}

// analysis connects the blob store and the oracle on first use, so commands
// that never talk to the model do not need credentials.
func (a *app) analysis(ctx context.Context) (*internal.AnalysisService, error) {
	a.analysisOnce.Do(func() {
		blobs, err := internal.OpenBlobStore(ctx, a.cfg.Storage)
		if err != nil {
			a.analysisErr = fmt.Errorf("open blob store: %w", err)
			return
		}

		oracle, err := internal.OpenOracle(ctx, a.cfg.Oracle)
		if err != nil {
			a.analysisErr = fmt.Errorf("open oracle: %w", err)
			return
		}

		a.blobs = blobs
		a.analysisSvc = internal.NewAnalysisService(blobs, oracle, internal.WithAnalysisLogger(a.log))
	})
	return a.analysisSvc, a.analysisErr
}

func (a *app) close() {
	if a.log != nil {
		_ = a.log.Sync()
	}
}
