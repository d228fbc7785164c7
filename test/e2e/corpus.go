// Package e2e provides end-to-end tests over a synthetic image corpus of known
// structure: every image is two flat colors laid out in one of a few shapes, so
// near-duplicates of a corpus image are expected to rank it first.
package e2e

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand/v2"
)

const (
	corpusWidth  = 64
	corpusHeight = 48

	// levels are centered in the extractor's 64-wide color bins so that mild
	// noise never moves a pixel to a neighboring bin.
	noiseAmplitude = 8
)

var levels = [...]uint8{32, 96, 160, 224}

// Layout is the shape the accent color takes on the background.
type Layout int

const (
	LayoutLeftBand Layout = iota
	LayoutTopBand
	LayoutCenterBox
	LayoutDiagonal
	layoutCount
)

var layoutNames = [...]string{"left_band", "top_band", "center_box", "diagonal"}

func (l Layout) String() string { return layoutNames[l] }

// CorpusImage is one generated corpus image.
type CorpusImage struct {
	Name       string
	Background color.RGBA
	Accent     color.RGBA
	Layout     Layout
	PNG        []byte
}

// QueryTestCase is a query image and the corpus image expected to rank first.
type QueryTestCase struct {
	Name     string
	Data     []byte
	Expected string
}

// Corpus holds the generated images and query cases.
type Corpus struct {
	Images  []CorpusImage
	Queries []QueryTestCase
}

// BuildCorpus returns a deterministic corpus of n images with three query cases
// per image: an exact copy, a noisy copy and a JPEG re-encode.
func BuildCorpus(n int) (*Corpus, error) {
	c := &Corpus{}
	for i := 0; i < n; i++ {
		bg, accent, layout := pick(i)
		img := render(bg, accent, layout)
		data, err := encodePNG(img)
		if err != nil {
			return nil, err
		}
		c.Images = append(c.Images, CorpusImage{
			Name:       fmt.Sprintf("img_%03d_%s.png", i, layout),
			Background: bg,
			Accent:     accent,
			Layout:     layout,
			PNG:        data,
		})
	}
	rng := rand.New(rand.NewPCG(42, 7))
	for _, ci := range c.Images {
		noisy, err := encodePNG(perturb(render(ci.Background, ci.Accent, ci.Layout), rng))
		if err != nil {
			return nil, err
		}
		var jb bytes.Buffer
		if err := jpeg.Encode(&jb, render(ci.Background, ci.Accent, ci.Layout), &jpeg.Options{Quality: 95}); err != nil {
			return nil, err
		}
		c.Queries = append(c.Queries,
			QueryTestCase{Name: ci.Name + "/exact", Data: ci.PNG, Expected: ci.Name},
			QueryTestCase{Name: ci.Name + "/noise", Data: noisy, Expected: ci.Name},
			QueryTestCase{Name: ci.Name + "/jpeg", Data: jb.Bytes(), Expected: ci.Name},
		)
	}
	return c, nil
}

// ByName returns the corpus image called name.
func (c *Corpus) ByName(name string) (CorpusImage, bool) {
	for _, ci := range c.Images {
		if ci.Name == name {
			return ci, true
		}
	}
	return CorpusImage{}, false
}

// pick derives a unique (background, accent, layout) triple from i. Background
// walks the 64 bin-centered colors; accent is offset so it never equals it.
func pick(i int) (color.RGBA, color.RGBA, Layout) {
	const palette = len(levels) * len(levels) * len(levels)
	b := i % palette
	a := (b + 1 + 13*(i/palette+1)) % palette
	if a == b {
		a = (a + 1) % palette
	}
	return paletteColor(b), paletteColor(a), Layout((i / 3) % int(layoutCount))
}

func paletteColor(i int) color.RGBA {
	n := len(levels)
	return color.RGBA{R: levels[i/(n*n)], G: levels[(i/n)%n], B: levels[i%n], A: 255}
}

func render(bg, accent color.RGBA, layout Layout) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, corpusWidth, corpusHeight))
	for y := 0; y < corpusHeight; y++ {
		for x := 0; x < corpusWidth; x++ {
			if inAccent(layout, x, y) {
				img.SetRGBA(x, y, accent)
			} else {
				img.SetRGBA(x, y, bg)
			}
		}
	}
	return img
}

func inAccent(layout Layout, x, y int) bool {
	switch layout {
	case LayoutLeftBand:
		return x < corpusWidth/3
	case LayoutTopBand:
		return y < corpusHeight/3
	case LayoutCenterBox:
		return x >= corpusWidth/4 && x < 3*corpusWidth/4 && y >= corpusHeight/4 && y < 3*corpusHeight/4
	default:
		return x*corpusHeight > y*corpusWidth
	}
}

// perturb adds bounded per-channel noise in place.
func perturb(img *image.RGBA, rng *rand.Rand) *image.RGBA {
	for i := 0; i < len(img.Pix); i += 4 {
		for ch := 0; ch < 3; ch++ {
			v := int(img.Pix[i+ch]) + rng.IntN(2*noiseAmplitude+1) - noiseAmplitude
			img.Pix[i+ch] = uint8(min(max(v, 0), 255))
		}
	}
	return img
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
