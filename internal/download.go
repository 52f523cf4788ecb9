package internal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

const (
	DefaultWeightsURL      = "https://huggingface.co/timm/resnet18.tv_in1k/resolve/main/model.safetensors"
	DefaultWeightsFilename = "resnet18.tv_in1k.safetensors"
	DefaultWeightsSize     = 45 * 1024 * 1024
)

type ProgressWriter struct {
	Total      int64
	Written    int64
	OnProgress func(written, total int64)
}

func (pw *ProgressWriter) Write(p []byte) (int, error) {
	n := len(p)
	pw.Written += int64(n)
	if pw.OnProgress != nil {
		pw.OnProgress(pw.Written, pw.Total)
	}
	return n, nil
}

type Downloader struct {
	cacheDir string
	token    string
	client   *http.Client
	log      *zap.Logger
}

type DownloaderOption func(*Downloader)

func WithHTTPClient(c *http.Client) DownloaderOption {
	return func(d *Downloader) {
		d.client = c
	}
}

func WithDownloadLogger(l *zap.Logger) DownloaderOption {
	return func(d *Downloader) {
		d.log = l
	}
}

func NewDownloader(cacheDir, token string, opts ...DownloaderOption) *Downloader {
	d := &Downloader{
		cacheDir: cacheDir,
		token:    token,
		client:   http.DefaultClient,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// EnsureWeights returns the cached weights file, downloading it first when
// absent. The file only appears under its final name once fully written.
func (d *Downloader) EnsureWeights(ctx context.Context, url, filename string, onProgress func(written, total int64)) (string, error) {
	weightsPath := filepath.Join(d.cacheDir, filename)

	if _, err := os.Stat(weightsPath); err == nil {
		d.log.Debug("weights already cached", zap.String("path", weightsPath))
		return weightsPath, nil
	}

	if err := os.MkdirAll(d.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}

	d.log.Info("downloading weights", zap.String("url", url), zap.String("path", weightsPath))
	if err := d.download(ctx, url, weightsPath, onProgress); err != nil {
		return "", err
	}

	return weightsPath, nil
}

func (d *Downloader) download(ctx context.Context, url, dest string, onProgress func(written, total int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: status %d", resp.StatusCode)
	}

	f, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	pw := &ProgressWriter{Total: resp.ContentLength, OnProgress: onProgress}
	n, copyErr := io.Copy(f, io.TeeReader(resp.Body, pw))
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("write file: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("close file: %w", closeErr)
	case resp.ContentLength > 0 && n != resp.ContentLength:
		err = fmt.Errorf("truncated download: got %d of %d bytes", n, resp.ContentLength)
	default:
		err = os.Rename(tmp, dest)
		if err != nil {
			err = fmt.Errorf("rename file: %w", err)
		}
	}

	if err != nil {
		os.Remove(tmp)
		return err
	}

	d.log.Info("weights downloaded", zap.String("path", dest), zap.Int64("bytes", n))
	return nil
}

func DefaultCacheDir() (string, error) {
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cacheDir, "neuroatlas", "weights"), nil
}
