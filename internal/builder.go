package internal

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ImageExtensions lists the file suffixes the builder embeds.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff", ".webp"}

// SampleLabels are the tumour classes used for generated atlases.
var SampleLabels = []string{"glioma", "meningioma", "pituitary"}

// ProgressReporter receives build progress updates.
type ProgressReporter interface {
	OnProgress(current, total int)
}

// ProgressFunc is a function adapter for ProgressReporter.
type ProgressFunc func(current, total int)

func (f ProgressFunc) OnProgress(current, total int) {
	f(current, total)
}

type BuildStats struct {
	Indexed  int           `json:"indexed"`
	Skipped  int           `json:"skipped"`
	Labels   int           `json:"labels"`
	Duration time.Duration `json:"duration"`
}

// corpusImage is a candidate file found under root/<label>/.
type corpusImage struct {
	Path  string
	Label string
}

type AtlasBuilder struct {
	extractor FeatureExtractor
	log       *zap.Logger
	progress  ProgressReporter
	workers   int
}

type BuilderOption func(*AtlasBuilder)

func WithBuilderLogger(l *zap.Logger) BuilderOption {
	return func(b *AtlasBuilder) {
		b.log = l
	}
}

func WithProgress(p ProgressReporter) BuilderOption {
	return func(b *AtlasBuilder) {
		b.progress = p
	}
}

func WithBuildWorkers(n int) BuilderOption {
	return func(b *AtlasBuilder) {
		b.workers = n
	}
}

func NewAtlasBuilder(extractor FeatureExtractor, opts ...BuilderOption) *AtlasBuilder {
	b := &AtlasBuilder{
		extractor: extractor,
		log:       zap.NewNop(),
		workers:   runtime.GOMAXPROCS(0),
	}
	for _, o := range opts {
		o(b)
	}
	if b.workers < 1 {
		b.workers = 1
	}
	return b
}

// Build embeds every image under root and returns the aligned atlas. Images
// that fail to decode are logged and skipped; they never consume an id.
func (b *AtlasBuilder) Build(ctx context.Context, root string) (*Atlas, BuildStats, error) {
	start := time.Now()

	images, err := scanCorpus(root)
	if err != nil {
		return nil, BuildStats{}, err
	}

	b.log.Info("building atlas", zap.String("root", root), zap.Int("images", len(images)), zap.Int("workers", b.workers))

	embeddings := make([]*Embedding, len(images))

	var (
		mu   sync.Mutex
		done int
	)
	report := func() {
		mu.Lock()
		defer mu.Unlock()
		done++
		if b.progress != nil {
			b.progress.OnProgress(done, len(images))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for i, img := range images {
		g.Go(func() error {
			defer report()

			emb, err := b.extractor.Embed(gctx, img.Path)
			if errors.Is(err, ErrDecode) {
				b.log.Warn("skipping image", zap.String("path", img.Path), zap.Error(err))
				return nil
			}
			if err != nil {
				return fmt.Errorf("embed %s: %w", img.Path, err)
			}

			embeddings[i] = &emb
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, BuildStats{}, err
	}
	if err := ctx.Err(); err != nil {
		return nil, BuildStats{}, err
	}

	dim := b.extractor.Dimension()
	var (
		vectors = make([]float32, 0, len(images)*dim)
		ids     = make([]int64, 0, len(images))
		entries = make([]AtlasEntry, 0, len(images))
		labels  = make(map[string]struct{})
	)

	for i, emb := range embeddings {
		if emb == nil {
			continue
		}
		if emb.Dimension() != dim {
			return nil, BuildStats{}, fmt.Errorf("%w: %s embedded to %d values, want %d", ErrDimensionMismatch, images[i].Path, emb.Dimension(), dim)
		}

		id := int64(len(ids))
		ids = append(ids, id)
		vectors = append(vectors, emb.Vector...)
		entries = append(entries, AtlasEntry{ID: id, FilePath: images[i].Path, Label: images[i].Label})
		labels[images[i].Label] = struct{}{}
	}

	atlas, err := NewAtlas(dim, vectors, ids, entries)
	if err != nil {
		return nil, BuildStats{}, err
	}

	stats := BuildStats{
		Indexed:  len(ids),
		Skipped:  len(images) - len(ids),
		Labels:   len(labels),
		Duration: time.Since(start),
	}

	b.log.Info("atlas built",
		zap.Int("indexed", stats.Indexed),
		zap.Int("skipped", stats.Skipped),
		zap.Duration("duration", stats.Duration),
	)

	return atlas, stats, nil
}

// BuildTo builds the atlas from root and writes both artifacts to outDir.
// Nothing is written when the build fails or is cancelled.
func (b *AtlasBuilder) BuildTo(ctx context.Context, root, outDir string) (BuildStats, error) {
	atlas, stats, err := b.Build(ctx, root)
	if err != nil {
		return stats, err
	}
	if err := SaveAtlas(outDir, atlas); err != nil {
		return stats, fmt.Errorf("save atlas: %w", err)
	}
	return stats, nil
}

// scanCorpus lists root/<label>/<image> in lexicographic order of label
// directory, then file name. Hidden entries, non-image files and paths
// matched by .atlasignore are left out.
func scanCorpus(root string) ([]corpusImage, error) {
	matcher, err := NewIgnoreMatcher(root)
	if err != nil {
		return nil, err
	}

	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read corpus root: %w", err)
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name() < dirs[j].Name() })

	var images []corpusImage
	for _, d := range dirs {
		if !d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			continue
		}
		dirPath := filepath.Join(root, d.Name())
		if matcher.Match(d.Name(), true) {
			continue
		}

		files, err := os.ReadDir(dirPath)
		if err != nil {
			return nil, fmt.Errorf("read label directory %s: %w", d.Name(), err)
		}
		sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

		label := strings.ToLower(d.Name())
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || strings.HasPrefix(name, ".") || !isImageFile(name) {
				continue
			}
			if matcher.Match(d.Name()+"/"+name, false) {
				continue
			}
			images = append(images, corpusImage{Path: filepath.Join(dirPath, name), Label: label})
		}
	}

	return images, nil
}

func isImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ImageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// SampleAtlas generates n random unit-norm cases spread over SampleLabels.
// The same seed always yields the same atlas.
func SampleAtlas(n, dim int, seed uint64) (*Atlas, error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	vectors := make([]float32, 0, n*dim)
	ids := make([]int64, n)
	entries := make([]AtlasEntry, n)

	row := make([]float32, dim)
	for i := 0; i < n; i++ {
		for j := range row {
			row[j] = float32(rng.NormFloat64())
		}
		vectors = append(vectors, l2Normalize(row)...)

		label := SampleLabels[i%len(SampleLabels)]
		ids[i] = int64(i)
		entries[i] = AtlasEntry{
			ID:       int64(i),
			FilePath: filepath.Join("sample", label, fmt.Sprintf("case_%04d.png", i)),
			Label:    label,
		}
	}

	return NewAtlas(dim, vectors, ids, entries)
}
