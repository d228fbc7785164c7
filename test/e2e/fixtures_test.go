package e2e

import (
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/iris/internal/source"
)

func resolveAll(t *testing.T, ref string) (images int, errs int) {
	t.Helper()
	seq, _, err := source.NewResolver().Open(context.Background(), ref)
	if err != nil {
		t.Fatal(err)
	}
	for _, err := range seq {
		if err != nil {
			errs++
			continue
		}
		images++
	}
	return images, errs
}

func TestBuildContainer_AllFormatsResolve(t *testing.T) {
	c, err := BuildCorpus(2)
	if err != nil {
		t.Fatal(err)
	}
	entries := []Entry{
		{Name: "a/" + c.Images[0].Name, Data: c.Images[0].PNG},
		{Name: c.Images[1].Name, Data: c.Images[1].PNG},
	}
	dir := t.TempDir()
	for _, ext := range ContainerFormats {
		data, err := BuildContainer(ext, entries)
		if err != nil {
			t.Fatalf("%s: %v", ext, err)
		}
		p := filepath.Join(dir, "set"+ext)
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatal(err)
		}
		d, err := source.NewResolver().Classify(context.Background(), p)
		if err != nil {
			t.Fatalf("%s: %v", ext, err)
		}
		if d.Kind != source.LocalArchive {
			t.Errorf("%s: kind %s", ext, d.Kind)
		}
		images, errs := resolveAll(t, p)
		if images != 2 || errs != 0 {
			t.Errorf("%s: %d images, %d errors", ext, images, errs)
		}
	}
}

func TestBuildContainer_Unsupported(t *testing.T) {
	if _, err := BuildContainer(".rar", nil); err == nil {
		t.Error("expected error for .rar")
	}
}

func TestListFixturesResolve(t *testing.T) {
	dir := t.TempDir()
	c, err := BuildCorpus(2)
	if err != nil {
		t.Fatal(err)
	}
	refs := make([]string, 0, len(c.Images))
	for _, ci := range c.Images {
		p := filepath.Join(dir, ci.Name)
		if err := os.WriteFile(p, ci.PNG, 0644); err != nil {
			t.Fatal(err)
		}
		refs = append(refs, p)
	}
	gz, err := GzipList(refs)
	if err != nil {
		t.Fatal(err)
	}
	xlsx, err := SpreadsheetList(refs)
	if err != nil {
		t.Fatal(err)
	}
	for name, data := range map[string][]byte{
		"refs.txt":    TextList(refs),
		"refs.csv":    CSVList(refs),
		"refs.txt.gz": gz,
		"refs.xlsx":   xlsx,
	} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatal(err)
		}
		images, errs := resolveAll(t, p)
		if images != 2 || errs != 0 {
			t.Errorf("%s: %d images, %d errors", name, images, errs)
		}
	}
}

func TestPaletteColorsAreBinCentered(t *testing.T) {
	for i := 0; i < 64; i++ {
		c := paletteColor(i)
		for _, v := range []uint8{c.R, c.G, c.B} {
			if v%64 != 32 {
				t.Fatalf("color %d: channel %d not centered", i, v)
			}
		}
		if c.A != 255 {
			t.Fatalf("color %d: alpha %d", i, c.A)
		}
	}
	if paletteColor(0) != (color.RGBA{R: 32, G: 32, B: 32, A: 255}) {
		t.Error("unexpected first palette color")
	}
}
