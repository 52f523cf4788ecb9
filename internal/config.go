package internal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = "neuroatlas.yaml"

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	UploadDir      string        `yaml:"upload_dir"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type AtlasConfig struct {
	Dir           string        `yaml:"dir"`
	CorpusDir     string        `yaml:"corpus_dir,omitempty"`
	Index         string        `yaml:"index"`
	AnnoyTrees    int           `yaml:"annoy_trees"`
	DefaultK      int           `yaml:"default_k"`
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce,omitempty"`
}

type ModelConfig struct {
	Weights    string `yaml:"weights,omitempty"`
	WeightsURL string `yaml:"weights_url"`
	Workers    int    `yaml:"workers,omitempty"`
}

type OracleConfig struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	APIKey            string  `yaml:"api_key,omitempty"`
	BaseURL           string  `yaml:"base_url,omitempty"`
	Temperature       float64 `yaml:"temperature"`
	TopP              float64 `yaml:"top_p"`
	TopK              int64   `yaml:"top_k"`
	MaxOutputTokens   int64   `yaml:"max_output_tokens"`
	RequestsPerMinute int     `yaml:"requests_per_minute,omitempty"`
}

type StorageConfig struct {
	Backend       string `yaml:"backend"`
	Bucket        string `yaml:"bucket,omitempty"`
	Region        string `yaml:"region,omitempty"`
	AccessKey     string `yaml:"access_key,omitempty"`
	SecretKey     string `yaml:"secret_key,omitempty"`
	Path          string `yaml:"path,omitempty"`
	PublicBaseURL string `yaml:"public_base_url,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Atlas   AtlasConfig   `yaml:"atlas"`
	Model   ModelConfig   `yaml:"model"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":5000",
			UploadDir:      filepath.Join(os.TempDir(), "neuroatlas-uploads"),
			CORSOrigins:    []string{"*"},
			RequestTimeout: 2 * time.Minute,
		},
		Atlas: AtlasConfig{
			Dir:        "atlas",
			Index:      IndexExact,
			AnnoyTrees: DefaultAnnoyTrees,
			DefaultK:   DefaultTopK,
		},
		Model: ModelConfig{
			WeightsURL: DefaultWeightsURL,
		},
		Oracle: OracleConfig{
			Provider:        DefaultOracleProvider,
			Model:           DefaultOracleModel,
			Temperature:     0.4,
			TopP:            0.95,
			TopK:            64,
			MaxOutputTokens: 8192,
		},
		Storage: StorageConfig{
			Backend: StorageFS,
			Path:    "blobs",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

const (
	StorageS3 = "s3"
	StorageFS = "fs"
)

// LoadConfig reads path over the defaults, then applies .env files found next
// to it and finally the environment. A missing config file is not an error.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	if err := LoadEnvFiles(filepath.Dir(path)); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFiles loads .env.local then .env from dir. Variables already set in
// the process environment win.
func LoadEnvFiles(dir string) error {
	for _, name := range []string{".env.local", ".env"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the environment variables the deployment uses.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	set(&c.Oracle.APIKey, "GOOGLE_API_KEY")
	set(&c.Storage.Bucket, "S3_BUCKET_NAME")
	set(&c.Storage.Region, "AWS_REGION")
	set(&c.Storage.AccessKey, "AWS_ACCESS_KEY")
	set(&c.Storage.SecretKey, "AWS_SECRET_KEY")
	set(&c.Atlas.Dir, "NEUROATLAS_ATLAS_DIR")
	set(&c.Server.Addr, "NEUROATLAS_ADDR")
	set(&c.Model.Weights, "NEUROATLAS_WEIGHTS")

	if getenv("S3_BUCKET_NAME") != "" && getenv("NEUROATLAS_STORAGE") == "" {
		c.Storage.Backend = StorageS3
	}
	set(&c.Storage.Backend, "NEUROATLAS_STORAGE")
}

func (c *Config) Validate() error {
	switch c.Atlas.Index {
	case IndexExact, IndexAnnoy:
	default:
		return fmt.Errorf("atlas.index: unknown index kind %q", c.Atlas.Index)
	}

	switch c.Storage.Backend {
	case StorageFS:
	case StorageS3:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend)
	}

	if c.Atlas.DefaultK <= 0 {
		return fmt.Errorf("atlas.default_k must be positive, got %d", c.Atlas.DefaultK)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}

	return nil
}

// WeightsPath is the configured weights file, or the download cache location.
func (c *Config) WeightsPath() (string, error) {
	if c.Model.Weights != "" {
		return c.Model.Weights, nil
	}
	dir, err := DefaultCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve cache dir: %w", err)
	}
	return filepath.Join(dir, DefaultWeightsFilename), nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFileAtomic(path, data)
}
