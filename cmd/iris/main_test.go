package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/iris/internal/config"
	"github.com/hyperjump/iris/internal/models"
	"github.com/hyperjump/iris/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  host: "localhost"
  port: 8080
storage:
  database_path: "./test.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(origWd) }()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s, want %s", resolvedCanon, configPathCanon)
	}
	if !cfg.Debug {
		t.Error("debug should be true from cwd config.yaml")
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
}

// writeTestConfig writes a config keeping all data under dir.
func writeTestConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	content := `
storage:
  database_path: ./db/images.db
  images_path: ./images
  catalog_path: ./catalog
embedding:
  cache_dir: ./cache
index:
  engine: flat
  persist_path: ./indices/vectors.idx
indexer:
  workers: 2
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func writePhotos(t *testing.T, dir string, colors ...color.RGBA) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	for i, c := range colors {
		img := image.NewRGBA(image.Rect(0, 0, 16, 16))
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				if y < 4 {
					img.Set(x, y, color.RGBA{255, 255, 255, 255})
				} else {
					img.Set(x, y, c)
				}
			}
		}
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		name := filepath.Join(dir, "photo_"+string(rune('a'+i))+".png")
		require.NoError(t, os.WriteFile(name, buf.Bytes(), 0644))
	}
}

func ingestPhotos(t *testing.T, cfg *config.Config, photos string) {
	t.Helper()
	ctx := context.Background()
	c, err := initializeComponents(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()
	sum, err := c.Indexer.Index(ctx, photos)
	require.NoError(t, err)
	require.Equal(t, models.JobCompleted, sum.State)
}

func TestInitializeComponents_reopens(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)
	photos := filepath.Join(dir, "photos")
	writePhotos(t, photos, color.RGBA{200, 0, 0, 255}, color.RGBA{0, 200, 0, 255}, color.RGBA{0, 0, 200, 255})
	ingestPhotos(t, cfg, photos)

	ctx := context.Background()
	c, err := initializeComponents(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()
	st := c.Index.Stats()
	assert.Equal(t, 3, st.Frozen)
	assert.Equal(t, "flat", st.Engine)

	resp, err := c.Engine.Search(ctx, &models.SearchQuery{Reference: filepath.Join(photos, "photo_b.png"), K: 1, ReturnMetadata: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "photo_b.png", resp.Results[0].Image.FileName)

	recs, err := c.Engine.Lookup(ctx, "photo_c", 5)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	assert.Equal(t, "photo_c.png", recs[0].FileName)
}

func TestInitializeComponents_recoversMissingSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)
	photos := filepath.Join(dir, "photos")
	writePhotos(t, photos, color.RGBA{200, 0, 0, 255}, color.RGBA{0, 200, 0, 255})
	ingestPhotos(t, cfg, photos)
	require.NoError(t, os.Remove(cfg.Index.PersistPath))

	c, err := initializeComponents(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 2, c.Index.Stats().Frozen)
}

func TestPinExtractor(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "images.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, pinExtractor(ctx, store, "histogram", 76))
	require.NoError(t, pinExtractor(ctx, store, "histogram", 76))
	err = pinExtractor(ctx, store, "onnx:resnet.onnx", 512)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "histogram")
}

func TestExportImportBundle(t *testing.T) {
	src := t.TempDir()
	cfg := writeTestConfig(t, src)
	photos := filepath.Join(src, "photos")
	writePhotos(t, photos, color.RGBA{200, 0, 0, 255}, color.RGBA{0, 200, 0, 255})
	ingestPhotos(t, cfg, photos)

	bundle := filepath.Join(t.TempDir(), "backup.tar.xz")
	n, err := exportBundle(cfg, bundle)
	require.NoError(t, err)
	assert.Greater(t, n, 3)

	dst := t.TempDir()
	restored := writeTestConfig(t, dst)
	got, err := importBundle(restored, bundle, false)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	_, err = importBundle(restored, bundle, false)
	assert.Error(t, err, "existing database must not be overwritten")
	_, err = importBundle(restored, bundle, true)
	require.NoError(t, err)

	ctx := context.Background()
	c, err := initializeComponents(ctx, restored, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()
	count, err := c.Store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 2, c.Index.Stats().Frozen)
	rc, _, err := c.Store.OpenImage(ctx, 1)
	require.NoError(t, err)
	rc.Close()
}

func TestImportBundle_rejectsNonXZ(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())
	bogus := filepath.Join(t.TempDir(), "bogus.tar.xz")
	require.NoError(t, os.WriteFile(bogus, []byte("not a bundle"), 0644))
	_, err := importBundle(cfg, bogus, false)
	require.Error(t, err)
}

func TestBundleTarget(t *testing.T) {
	parts := []bundlePart{
		{name: "db/images.db", path: "/data/db/images.db"},
		{name: "images", path: "/data/images"},
	}
	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{"db/images.db", "/data/db/images.db", true},
		{"images/0/1.jpg", filepath.FromSlash("/data/images/0/1.jpg"), true},
		{"images/../../etc/passwd", "", false},
		{"other/file", "", false},
	}
	for _, tt := range tests {
		got, ok := bundleTarget(parts, tt.name)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("bundleTarget(%q) = %q, %v; want %q, %v", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestAbsIfLocal(t *testing.T) {
	dir := t.TempDir()
	origWd, err := os.Getwd()
	require.NoError(t, err)
	defer func() { _ = os.Chdir(origWd) }()
	require.NoError(t, os.Chdir(dir))
	require.NoError(t, os.WriteFile("q.png", []byte("x"), 0644))

	got := absIfLocal("q.png")
	assert.True(t, filepath.IsAbs(got))
	assert.True(t, strings.HasSuffix(got, "q.png"))
	assert.Equal(t, "https://example.com/a.jpg", absIfLocal("https://example.com/a.jpg"))
}

func TestWriteStatusText(t *testing.T) {
	id := uint64(9)
	var buf bytes.Buffer
	writeStatusText(&buf, &statusResponse{Images: 10, HighestID: &id})
	out := buf.String()
	assert.Contains(t, out, "images:            10")
	assert.Contains(t, out, "highest_id:        9")
}
