// Package config provides configuration loading and structs for the Iris server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	Source    SourceConfig    `yaml:"source"`
	Search    SearchConfig    `yaml:"search"`
	Watch     WatchConfig     `yaml:"watch"`
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// MaxUploadBytes bounds query images posted to the upload endpoint.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// StorageConfig holds paths for the database, image copies and catalog, and how
// copies are normalized.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	ImagesPath   string `yaml:"images_path"`
	CatalogPath  string `yaml:"catalog_path"`
	// ImportImages keeps a normalized copy of every ingested image.
	ImportImages *bool  `yaml:"import_images"`
	BucketSize   int    `yaml:"bucket_size"`
	ImageWidth   int    `yaml:"image_width"`
	ImageHeight  int    `yaml:"image_height"`
	ImageFormat  string `yaml:"image_format"`
	ImageQuality int    `yaml:"image_quality"`
}

// ImportImagesOrDefault returns whether copies are kept; defaults to true when unset.
func (s *StorageConfig) ImportImagesOrDefault() bool {
	if s.ImportImages != nil {
		return *s.ImportImages
	}
	return true
}

// EmbeddingConfig holds feature extractor settings. An empty or missing model
// falls back to the built-in histogram extractor.
type EmbeddingConfig struct {
	ModelPath  string `yaml:"model_path"`
	Dimensions int    `yaml:"dimensions"`
	InputSize  int    `yaml:"input_size"`
	InputName  string `yaml:"input_name"`
	OutputName string `yaml:"output_name"`
	CacheSize  int    `yaml:"cache_size"`
	// CacheDir enables the persistent vector cache.
	CacheDir string `yaml:"cache_dir"`
}

// IndexConfig holds nearest-neighbor index settings.
type IndexConfig struct {
	Engine      string `yaml:"engine"`
	PersistPath string `yaml:"persist_path"`
	Trees       int    `yaml:"trees"`
	SearchK     int    `yaml:"search_k"`
	LeafSize    int    `yaml:"leaf_size"`
	Seed        uint64 `yaml:"seed"`
	// BuildOnFinish rebuilds the index at the end of every import job.
	BuildOnFinish *bool `yaml:"build_on_finish"`
	// BuildEvery rebuilds whenever this many vectors are staged; 0 disables it.
	BuildEvery int `yaml:"build_every"`
}

// BuildOnFinishOrDefault returns whether jobs rebuild on finish; defaults to true when unset.
func (i *IndexConfig) BuildOnFinishOrDefault() bool {
	if i.BuildOnFinish != nil {
		return *i.BuildOnFinish
	}
	return true
}

// IndexerConfig holds import job settings.
type IndexerConfig struct {
	Workers int `yaml:"workers"`
}

// SourceConfig holds source resolution settings.
type SourceConfig struct {
	MaxDepth          int           `yaml:"max_depth"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	MaxBytes          int64         `yaml:"max_bytes"`
	S3                S3Config      `yaml:"s3"`
}

// S3Config enables s3:// references when Endpoint is set.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// SearchConfig holds query settings.
type SearchConfig struct {
	DefaultK int `yaml:"default_k"`
	MaxK     int `yaml:"max_k"`
	// CatalogFuzziness enables typo-tolerant file name lookups.
	CatalogFuzziness int `yaml:"catalog_fuzziness"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.ImagesPath = expandPath(cfg.Storage.ImagesPath, configDir)
	cfg.Storage.CatalogPath = expandPath(cfg.Storage.CatalogPath, configDir)
	cfg.Index.PersistPath = expandPath(cfg.Index.PersistPath, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	cfg.Embedding.CacheDir = expandPath(cfg.Embedding.CacheDir, configDir)
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Save writes the config to path. Used for persisting watch directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty paths stay empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
