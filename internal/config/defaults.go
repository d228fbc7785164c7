package config

import (
	"path/filepath"
	"runtime"
	"time"
)

const dataDir = "/usr/local/var/iris/data"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 32 << 20
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = filepath.Join(dataDir, "db", "images.db")
	}
	if cfg.Storage.ImagesPath == "" {
		cfg.Storage.ImagesPath = filepath.Join(dataDir, "images")
	}
	if cfg.Storage.CatalogPath == "" {
		cfg.Storage.CatalogPath = filepath.Join(dataDir, "indices", "catalog")
	}
	if cfg.Storage.BucketSize == 0 {
		cfg.Storage.BucketSize = 1000
	}
	if cfg.Storage.ImageWidth == 0 {
		cfg.Storage.ImageWidth = 800
	}
	if cfg.Storage.ImageHeight == 0 {
		cfg.Storage.ImageHeight = 600
	}
	if cfg.Storage.ImageFormat == "" {
		cfg.Storage.ImageFormat = "jpeg"
	}
	if cfg.Storage.ImageQuality == 0 {
		cfg.Storage.ImageQuality = 80
	}
	if cfg.Embedding.InputSize == 0 {
		cfg.Embedding.InputSize = 224
	}
	if cfg.Embedding.InputName == "" {
		cfg.Embedding.InputName = "input"
	}
	if cfg.Embedding.OutputName == "" {
		cfg.Embedding.OutputName = "output"
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Index.Engine == "" {
		cfg.Index.Engine = "forest"
	}
	if cfg.Index.PersistPath == "" {
		cfg.Index.PersistPath = filepath.Join(dataDir, "indices", "vectors.idx")
	}
	if cfg.Index.Trees == 0 {
		cfg.Index.Trees = 10
	}
	if cfg.Index.LeafSize == 0 {
		cfg.Index.LeafSize = 32
	}
	if cfg.Indexer.Workers == 0 {
		cfg.Indexer.Workers = runtime.NumCPU()
	}
	if cfg.Source.MaxDepth == 0 {
		cfg.Source.MaxDepth = 8
	}
	if cfg.Source.FetchTimeout == 0 {
		cfg.Source.FetchTimeout = 30 * time.Second
	}
	if cfg.Source.MaxBytes == 0 {
		cfg.Source.MaxBytes = 512 << 20
	}
	if cfg.Search.DefaultK == 0 {
		cfg.Search.DefaultK = 4
	}
	if cfg.Search.MaxK == 0 {
		cfg.Search.MaxK = 100
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
