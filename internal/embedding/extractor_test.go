package embedding

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"
)

func patternPNG(t *testing.T, a, b color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			if x < 20 {
				img.Set(x, y, a)
			} else {
				img.Set(x, y, b)
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestHistogramExtractor(t *testing.T) {
	e := NewHistogramExtractor()
	ctx := context.Background()
	red := patternPNG(t, color.RGBA{255, 0, 0, 255}, color.Black)
	blue := patternPNG(t, color.RGBA{0, 0, 255, 255}, color.White)

	v1, err := e.Extract(ctx, red)
	if err != nil {
		t.Fatal(err)
	}
	if len(v1) != e.Dimensions() {
		t.Fatalf("len = %d, want %d", len(v1), e.Dimensions())
	}
	if math.Abs(norm(v1)-1) > 1e-5 {
		t.Errorf("vector not unit length: %f", norm(v1))
	}
	again, _ := e.Extract(ctx, red)
	for i := range v1 {
		if v1[i] != again[i] {
			t.Fatal("extraction is not deterministic")
		}
	}
	v2, _ := e.Extract(ctx, blue)
	same := true
	for i := range v1 {
		if v1[i] != v2[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different images produced identical vectors")
	}
}

func TestHistogramExtractorRejectsGarbage(t *testing.T) {
	_, err := NewHistogramExtractor().Extract(context.Background(), []byte("not an image"))
	if !errors.Is(err, ErrExtraction) {
		t.Errorf("expected ErrExtraction, got %v", err)
	}
}

func TestMockExtractor(t *testing.T) {
	e := NewMockExtractor(16)
	ctx := context.Background()
	a, err := e.Extract(ctx, []byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 16 {
		t.Errorf("len = %d", len(a))
	}
	if _, err := e.Extract(ctx, nil); !errors.Is(err, ErrExtraction) {
		t.Errorf("expected ErrExtraction, got %v", err)
	}
}

func TestNormalizeL2Slice(t *testing.T) {
	v := []float32{3, 4}
	NormalizeL2Slice(v)
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("got %v", v)
	}
	zero := []float32{0, 0}
	NormalizeL2Slice(zero)
	if zero[0] != 0 || zero[1] != 0 {
		t.Errorf("zero vector changed: %v", zero)
	}
}
