package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/iris/internal/imageio"
	"github.com/hyperjump/iris/internal/models"
)

func testPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestStore(t *testing.T, opts ...Option) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "db", "images.db"), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func prov(name string) models.Provenance {
	return models.Provenance{Reference: "/src/" + name, FileName: name, OriginalPath: "/src", AccessedAt: time.Now()}
}

func TestAllocateDense(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := store.HighestID(ctx); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}
	for i := 0; i < 5; i++ {
		rec, err := store.AllocateAndPersist(ctx, testPNG(t, 4, 4, color.White), prov(fmt.Sprintf("%d.png", i)), "job")
		if err != nil {
			t.Fatal(err)
		}
		if rec.ID != uint64(i) {
			t.Errorf("id = %d, want %d", rec.ID, i)
		}
	}
	hi, ok, err := store.HighestID(ctx)
	if err != nil || !ok || hi != 4 {
		t.Errorf("HighestID = %d,%v,%v", hi, ok, err)
	}
}

func TestAllocateSkipNoGap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	inputs := [][]byte{
		testPNG(t, 4, 4, color.White),
		{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10},
		testPNG(t, 4, 4, color.Black),
	}
	var ids []uint64
	rejected := 0
	for i, data := range inputs {
		rec, err := store.AllocateAndPersist(ctx, data, prov(fmt.Sprintf("%d", i)), "")
		if err != nil {
			if !IsRejected(err) {
				t.Fatalf("expected rejection, got %v", err)
			}
			var se *StorageError
			if !errors.As(err, &se) {
				t.Fatalf("expected StorageError, got %T", err)
			}
			rejected++
			continue
		}
		ids = append(ids, rec.ID)
	}
	if rejected != 1 {
		t.Errorf("rejected = %d, want 1", rejected)
	}
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Errorf("ids = %v, want [0 1]", ids)
	}
}

func TestAllocateConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	data := testPNG(t, 4, 4, color.White)

	const n = 40
	var wg sync.WaitGroup
	ids := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := store.AllocateAndPersist(ctx, data, prov(fmt.Sprintf("%d", i)), "")
			if err != nil {
				t.Error(err)
				return
			}
			ids <- rec.ID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("duplicate id %d", id)
		}
		seen[id] = true
	}
	for i := uint64(0); i < n; i++ {
		if !seen[i] {
			t.Errorf("missing id %d", i)
		}
	}
}

func TestTwoStoresIndependent(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)
	ctx := context.Background()
	data := testPNG(t, 4, 4, color.White)
	for i := 0; i < 3; i++ {
		if _, err := a.AllocateAndPersist(ctx, data, prov("a"), ""); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := b.AllocateAndPersist(ctx, data, prov("b"), "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != 0 {
		t.Errorf("second store id = %d, want 0", rec.ID)
	}
}

func TestGetRoundTrip(t *testing.T) {
	store := newTestStore(t, WithBucketSize(2), WithNormalization(800, 600, imageio.FormatPNG, 0))
	ctx := context.Background()
	colors := []color.RGBA{{255, 0, 0, 255}, {0, 255, 0, 255}, {0, 0, 255, 255}}
	for i, c := range colors {
		rec, err := store.AllocateAndPersist(ctx, testPNG(t, 16, 8, c), prov(fmt.Sprintf("%d.png", i)), "job-1")
		if err != nil {
			t.Fatal(err)
		}
		if want := filepath.Join(fmt.Sprint(uint64(i)/2), fmt.Sprintf("%d.png", i)); rec.StoredPath != want {
			t.Errorf("StoredPath = %q, want %q", rec.StoredPath, want)
		}
	}

	for i, c := range colors {
		rec, err := store.Get(ctx, uint64(i))
		if err != nil {
			t.Fatal(err)
		}
		if rec.FileName != fmt.Sprintf("%d.png", i) || rec.JobID != "job-1" || rec.Width != 16 || rec.Height != 8 {
			t.Errorf("unexpected record %+v", rec)
		}
		rc, _, err := store.OpenImage(ctx, uint64(i))
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		img, _, err := imageio.Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		r, g, b, _ := img.At(3, 3).RGBA()
		if uint8(r>>8) != c.R || uint8(g>>8) != c.G || uint8(b>>8) != c.B {
			t.Errorf("id %d pixel = %d,%d,%d want %v", i, r>>8, g>>8, b>>8, c)
		}
	}
}

func TestStoredCopyMimeType(t *testing.T) {
	store := newTestStore(t, WithNormalization(800, 600, imageio.FormatJPEG, 90))
	ctx := context.Background()
	rec, err := store.AllocateAndPersist(ctx, testPNG(t, 16, 8, color.White), prov("a.png"), "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.MimeType != "image/jpeg" {
		t.Errorf("MimeType = %q, want image/jpeg", rec.MimeType)
	}
	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	rc, _, err := store.OpenImage(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if mime, ok := imageio.Sniff(data); !ok || mime != got.MimeType {
		t.Errorf("stored copy is %q, record says %q", mime, got.MimeType)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), 42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestImportImagesDisabled(t *testing.T) {
	store := newTestStore(t, WithImportImages(false))
	ctx := context.Background()
	rec, err := store.AllocateAndPersist(ctx, testPNG(t, 4, 4, color.White), prov("a.png"), "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.StoredPath != "" {
		t.Errorf("StoredPath = %q, want empty", rec.StoredPath)
	}
	if rec.MimeType != "image/png" {
		t.Errorf("MimeType = %q, want the source type image/png", rec.MimeType)
	}
	if _, _, err := store.OpenImage(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	entries, _ := os.ReadDir(store.ImagesDir())
	if len(entries) != 0 {
		t.Errorf("expected no image copies, got %d", len(entries))
	}
}

func TestListCountReference(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.AllocateAndPersist(ctx, testPNG(t, 4, 4, color.White), prov(fmt.Sprintf("%d.png", i)), ""); err != nil {
			t.Fatal(err)
		}
	}
	n, err := store.Count(ctx)
	if err != nil || n != 3 {
		t.Errorf("Count = %d, %v", n, err)
	}
	list, err := store.List(ctx, 1, 10)
	if err != nil || len(list) != 2 || list[0].ID != 1 {
		t.Errorf("List = %v, %v", list, err)
	}
	ok, err := store.HasReference(ctx, "/src/1.png")
	if err != nil || !ok {
		t.Errorf("HasReference = %v, %v", ok, err)
	}
	ok, _ = store.HasReference(ctx, "/src/9.png")
	if ok {
		t.Error("unexpected reference match")
	}
}

func TestSettings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, ok, err := store.GetSetting(ctx, "dimensions"); ok || err != nil {
		t.Fatalf("unexpected setting: %v %v", ok, err)
	}
	if err := store.SetSetting(ctx, "dimensions", "512"); err != nil {
		t.Fatal(err)
	}
	if err := store.SetSetting(ctx, "dimensions", "768"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := store.GetSetting(ctx, "dimensions")
	if err != nil || !ok || v != "768" {
		t.Errorf("GetSetting = %q %v %v", v, ok, err)
	}
}

func TestInMemoryStore(t *testing.T) {
	store, err := NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	rec, err := store.AllocateAndPersist(context.Background(), testPNG(t, 4, 4, color.White), prov("a.png"), "")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != 0 || rec.StoredPath != "" {
		t.Errorf("unexpected record %+v", rec)
	}
}
