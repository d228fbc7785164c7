package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_debugTrue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "test.db"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "./data/db/images.db"
watch:
  directories: ["./dev/sample"]
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "images.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path = %s, want %s", cfg.Storage.DatabasePath, wantDB)
	}
	if len(cfg.Watch.Directories) != 1 {
		t.Fatalf("watch directories: got %d", len(cfg.Watch.Directories))
	}
	wantWatch := filepath.Join(dir, "dev", "sample")
	if cfg.Watch.Directories[0] != wantWatch {
		t.Errorf("watch directory = %s, want %s", cfg.Watch.Directories[0], wantWatch)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	if cfg.Server.Host != "localhost" {
		t.Errorf("default host: got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default port: got %d", cfg.Server.Port)
	}
	if cfg.Search.DefaultK != 4 || cfg.Search.MaxK != 100 {
		t.Errorf("default k: got %d/%d", cfg.Search.DefaultK, cfg.Search.MaxK)
	}
	if cfg.Storage.ImageWidth != 800 || cfg.Storage.ImageHeight != 600 || cfg.Storage.ImageQuality != 80 {
		t.Errorf("default normalization: got %+v", cfg.Storage)
	}
	if cfg.Storage.BucketSize != 1000 {
		t.Errorf("default bucket size: got %d", cfg.Storage.BucketSize)
	}
	if !cfg.Storage.ImportImagesOrDefault() {
		t.Error("import_images should default to true")
	}
	if cfg.Index.Engine != "forest" || cfg.Index.Trees != 10 {
		t.Errorf("default index: got %+v", cfg.Index)
	}
	if !cfg.Index.BuildOnFinishOrDefault() || cfg.Index.BuildEvery != 0 {
		t.Errorf("default build policy: got %+v", cfg.Index)
	}
	if cfg.Source.MaxDepth != 8 || cfg.Source.FetchTimeout != 30*time.Second {
		t.Errorf("default source: got %+v", cfg.Source)
	}
	if cfg.Indexer.Workers <= 0 {
		t.Errorf("default workers: got %d", cfg.Indexer.Workers)
	}
	if len(cfg.Watch.Extensions) != 8 || cfg.Watch.Extensions[0] != ".jpg" {
		t.Errorf("watch extensions: got %v", cfg.Watch.Extensions)
	}
}

func TestLoad_indexAndSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
storage:
  database_path: "./db/images.db"
  import_images: false
  image_format: png
index:
  engine: flat
  persist_path: "./indices/vectors.idx"
  build_on_finish: false
  build_every: 500
source:
  fetch_timeout: 5s
  requests_per_second: 2.5
embedding:
  cache_dir: ""
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.ImportImagesOrDefault() {
		t.Error("import_images should be false")
	}
	if cfg.Storage.ImageFormat != "png" {
		t.Errorf("image_format = %s", cfg.Storage.ImageFormat)
	}
	if cfg.Index.Engine != "flat" || cfg.Index.BuildOnFinishOrDefault() || cfg.Index.BuildEvery != 500 {
		t.Errorf("index = %+v", cfg.Index)
	}
	if want := filepath.Join(dir, "indices", "vectors.idx"); cfg.Index.PersistPath != want {
		t.Errorf("persist_path = %s, want %s", cfg.Index.PersistPath, want)
	}
	if cfg.Source.FetchTimeout != 5*time.Second || cfg.Source.RequestsPerSecond != 2.5 {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Embedding.CacheDir != "" {
		t.Errorf("empty cache_dir should stay empty, got %s", cfg.Embedding.CacheDir)
	}
}

func TestApplyDefaults_WatchRecursiveWhenDirectoriesSet(t *testing.T) {
	cfg := &Config{Watch: WatchConfig{Directories: []string{"/tmp/docs"}}}
	ApplyDefaults(cfg)
	if cfg.Watch.Recursive == nil || !*cfg.Watch.Recursive {
		t.Error("recursive should default to true when directories are set")
	}
}

func TestWatchConfig_RecursiveOrDefault(t *testing.T) {
	t.Run("nil_returns_true", func(t *testing.T) {
		w := &WatchConfig{}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("true_returns_true", func(t *testing.T) {
		v := true
		w := &WatchConfig{Recursive: &v}
		if got := w.RecursiveOrDefault(); !got {
			t.Errorf("RecursiveOrDefault() = %v, want true", got)
		}
	})
	t.Run("false_returns_false", func(t *testing.T) {
		f := false
		w := &WatchConfig{Recursive: &f}
		if got := w.RecursiveOrDefault(); got {
			t.Errorf("RecursiveOrDefault() = %v, want false", got)
		}
	})
}

func TestSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")
	cfg := &Config{
		Server:  ServerConfig{Host: "localhost", Port: 9090},
		Storage: StorageConfig{DatabasePath: "/tmp/db"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Server.Port != 9090 {
		t.Errorf("loaded port: got %d", loaded.Server.Port)
	}
	if loaded.Source.FetchTimeout != 30*time.Second {
		t.Errorf("fetch timeout should round-trip as a duration, got %v", loaded.Source.FetchTimeout)
	}
}
