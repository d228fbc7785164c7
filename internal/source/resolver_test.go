package source

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func writeFile(t *testing.T, p string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, data, 0644))
	return p
}

type outcome struct {
	images []*Image
	errs   []error
}

func drain(t *testing.T, r *Resolver, ref string) outcome {
	t.Helper()
	seq, _, err := r.Open(context.Background(), ref)
	require.NoError(t, err)
	var out outcome
	for img, err := range seq {
		if err != nil {
			out.errs = append(out.errs, err)
			continue
		}
		out.images = append(out.images, img)
	}
	return out
}

func zipBytes(t *testing.T, files map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDetectCompression(t *testing.T) {
	tarHead := make([]byte, 512)
	copy(tarHead[257:], "ustar")
	tests := []struct {
		name string
		head []byte
		want Compression
	}{
		{"zip", []byte{0x50, 0x4b, 0x03, 0x04}, Zip},
		{"gzip", []byte{0x1f, 0x8b, 0x08, 0x00}, Gzip},
		{"bzip2", []byte("BZh91AY"), Bzip2},
		{"xz", []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00, 0x00}, LZMA},
		{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd}, Zstd},
		{"lz4", []byte{0x04, 0x22, 0x4d, 0x18}, LZ4},
		{"tar", tarHead, Tar},
		{"plain", []byte("hello"), None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectCompression(tt.head))
		})
	}
}

func TestDescribeName(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		comp Compression
	}{
		{"a.jpg", RemoteFile, None},
		{"a.zip", RemoteArchive, Zip},
		{"a.tar.gz", RemoteArchive, Gzip},
		{"a.tgz", RemoteArchive, Gzip},
		{"urls.txt", TextList, None},
		{"urls.txt.bz2", CompressedTextList, Bzip2},
		{"urls.csv.xz", CompressedTextList, LZMA},
	}
	for _, tt := range tests {
		k, c := describeName(tt.name, true)
		assert.Equal(t, tt.kind, k, tt.name)
		assert.Equal(t, tt.comp, c, tt.name)
	}
}

func TestDescribeContentSignatureWins(t *testing.T) {
	// a PNG named .txt is still an image
	k, c := describeContent("notes.txt", pngBytes(t, color.White), false)
	assert.Equal(t, LocalFile, k)
	assert.Equal(t, None, c)
}

func TestLooksLikeText(t *testing.T) {
	assert.True(t, looksLikeText("refs", []byte("http://x/a.png\nb.png\n")))
	assert.True(t, looksLikeText("refs", []byte("caf\xc3\xa9.png\r\n\tb.png\n")))
	assert.True(t, looksLikeText("refs.txt", []byte{0xde, 0xad}))
	// a multi-byte rune cut at the end of the sniffed head
	assert.True(t, looksLikeText("refs", []byte("a.png\nb\xc3")))
	assert.False(t, looksLikeText("checksum.bin", []byte{0xde, 0xad, 0xbe, 0xef}))
	assert.False(t, looksLikeText("thumbs.db", []byte{0x00, 0x01, 0x02, 0x03}))
	assert.False(t, looksLikeText("blob", []byte("a.png\x1b[0m\n")))
	assert.False(t, looksLikeText("blob", nil))
}

func TestListEntry(t *testing.T) {
	assert.Equal(t, "", listEntry("   ", false))
	assert.Equal(t, "", listEntry("# comment", false))
	assert.Equal(t, "http://x/a.jpg", listEntry("  http://x/a.jpg  ", false))
	assert.Equal(t, "http://x/a.jpg?a=1,2", listEntry("http://x/a.jpg?a=1,2", false))
	assert.Equal(t, "a.jpg", listEntry(`"a.jpg",label,3`, true))
}

func TestJoinRef(t *testing.T) {
	assert.Equal(t, "/data/lists/img/a.png", joinRef("/data/lists", "img/a.png"))
	assert.Equal(t, "/abs/a.png", joinRef("/data/lists", "/abs/a.png"))
	assert.Equal(t, "http://h/dir/a.png", joinRef("http://h/dir/", "a.png"))
	assert.Equal(t, "https://o/x.png", joinRef("/data", "https://o/x.png"))
}

func TestClassify(t *testing.T) {
	dir := t.TempDir()
	img := writeFile(t, filepath.Join(dir, "a.png"), pngBytes(t, color.White))
	list := writeFile(t, filepath.Join(dir, "refs.txt"), []byte("a.png\n"))
	arch := writeFile(t, filepath.Join(dir, "a.zip"), zipBytes(t, map[string][]byte{"a.png": pngBytes(t, color.Black)}, []string{"a.png"}))
	junk := writeFile(t, filepath.Join(dir, "blob.bin"), []byte{0x00, 0x01, 0x02, 0x03})

	r := NewResolver()
	ctx := context.Background()
	tests := []struct {
		ref  string
		kind Kind
	}{
		{dir, LocalDirectory},
		{img, LocalFile},
		{list, TextList},
		{arch, LocalArchive},
		{"http://example.com/a.jpg", RemoteFile},
		{"https://example.com/set.tar.gz", RemoteArchive},
	}
	for _, tt := range tests {
		d, err := r.Classify(ctx, tt.ref)
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.kind, d.Kind, tt.ref)
	}

	_, err := r.Classify(ctx, filepath.Join(dir, "missing.png"))
	var re *ResolutionError
	require.ErrorAs(t, err, &re)

	_, err = r.Classify(ctx, junk)
	require.ErrorIs(t, err, ErrNotImage)

	_, err = r.Classify(ctx, "s3://bucket/key.png")
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestOpenDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.png"), pngBytes(t, color.White))
	writeFile(t, filepath.Join(dir, "a.png"), pngBytes(t, color.Black))
	writeFile(t, filepath.Join(dir, "notes.txt"), []byte("not an image\n"))
	writeFile(t, filepath.Join(dir, "sub", "c.png"), pngBytes(t, color.Gray{Y: 128}))

	out := drain(t, NewResolver(), dir)
	require.Len(t, out.images, 3)
	assert.Equal(t, "a.png", out.images[0].Provenance.FileName)
	assert.Equal(t, "b.png", out.images[1].Provenance.FileName)
	assert.Equal(t, "c.png", out.images[2].Provenance.FileName)
	assert.Equal(t, filepath.Join(dir, "sub"), out.images[2].Provenance.OriginalPath)
	assert.Equal(t, "image/png", out.images[0].Mime)
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrNotImage)
}

func TestOpenArchiveWithRemoteList(t *testing.T) {
	img := pngBytes(t, color.RGBA{R: 255, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/ok.png" {
			w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
			_, _ = w.Write(img)
			return
		}
		http.NotFound(w, req)
	}))
	defer srv.Close()

	list := fmt.Sprintf("# images\n%s/ok.png\n\n%s/missing.png\n", srv.URL, srv.URL)
	dir := t.TempDir()
	arch := writeFile(t, filepath.Join(dir, "set.zip"), zipBytes(t, map[string][]byte{"refs/urls.txt": []byte(list)}, []string{"refs/urls.txt"}))

	out := drain(t, NewResolver(), arch)
	require.Len(t, out.images, 1)
	assert.Equal(t, srv.URL+"/ok.png", out.images[0].Provenance.Reference)
	assert.Equal(t, 2006, out.images[0].Provenance.AccessedAt.Year())
	assert.Equal(t, []string{arch, arch + "!/refs/urls.txt"}, out.images[0].Provenance.Via)
	require.Len(t, out.errs, 1)
	assert.True(t, IsFetchError(out.errs[0]))
	var fe *FetchError
	require.ErrorAs(t, out.errs[0], &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
}

func TestOpenZipWithBinaryMember(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"photo.png":    pngBytes(t, color.White),
		"checksum.bin": {0xde, 0xad, 0xbe, 0xef},
	}
	arch := writeFile(t, filepath.Join(dir, "set.zip"), zipBytes(t, files, []string{"photo.png", "checksum.bin"}))

	out := drain(t, NewResolver(), arch)
	require.Len(t, out.images, 1)
	assert.Equal(t, "photo.png", out.images[0].Provenance.FileName)
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrNotImage)
}

func TestRemoteListRejectsLocalReferences(t *testing.T) {
	dir := t.TempDir()
	secret := writeFile(t, filepath.Join(dir, "secret.png"), pngBytes(t, color.White))
	img := pngBytes(t, color.Black)
	var list string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/refs.txt":
			_, _ = w.Write([]byte(list))
		case "/ok.png":
			_, _ = w.Write(img)
		default:
			http.NotFound(w, req)
		}
	}))
	defer srv.Close()
	list = "file://" + secret + "\nok.png\n"

	out := drain(t, NewResolver(), srv.URL+"/refs.txt")
	require.Len(t, out.images, 1)
	assert.Equal(t, srv.URL+"/ok.png", out.images[0].Provenance.Reference)
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrUnsupported)
	var re *ResolutionError
	require.ErrorAs(t, out.errs[0], &re)
	assert.Equal(t, "file://"+secret, re.Ref)
}

func TestOpenTarGz(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, name := range []string{"x/one.png", "x/two.png", "data.bin"} {
		data := pngBytes(t, color.White)
		if name == "data.bin" {
			data = []byte{0x00, 0x01, 0x02, 0x03}
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(data)), ModTime: time.Unix(1700000000, 0), Typeflag: tar.TypeReg}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	arch := writeFile(t, filepath.Join(t.TempDir(), "set.tar.gz"), buf.Bytes())
	out := drain(t, NewResolver(), arch)
	require.Len(t, out.images, 2)
	assert.Equal(t, "one.png", out.images[0].Provenance.FileName)
	assert.Equal(t, arch+"!/x", out.images[0].Provenance.OriginalPath)
	assert.Equal(t, int64(1700000000), out.images[0].Provenance.AccessedAt.Unix())
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrNotImage)
}

func TestOpenCompressedList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "img", "a.png"), pngBytes(t, color.White))
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("img/a.png\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	list := writeFile(t, filepath.Join(dir, "refs.txt.gz"), buf.Bytes())

	d, err := NewResolver().Classify(context.Background(), list)
	require.NoError(t, err)
	assert.Equal(t, CompressedTextList, d.Kind)
	assert.Equal(t, Gzip, d.Compression)

	out := drain(t, NewResolver(), list)
	require.Len(t, out.images, 1)
	assert.Empty(t, out.errs)
}

func TestOpenSpreadsheetList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.png"), pngBytes(t, color.White))
	writeFile(t, filepath.Join(dir, "b.png"), pngBytes(t, color.Black))
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "a.png"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "ignored"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "b.png"))
	list := filepath.Join(dir, "refs.xlsx")
	require.NoError(t, f.SaveAs(list))

	out := drain(t, NewResolver(), list)
	require.Len(t, out.images, 2)
	assert.Empty(t, out.errs)
}

func TestDepthLimit(t *testing.T) {
	dir := t.TempDir()
	list := writeFile(t, filepath.Join(dir, "loop.txt"), []byte("loop.txt\n"))
	out := drain(t, NewResolver(WithMaxDepth(3)), list)
	assert.Empty(t, out.images)
	require.Len(t, out.errs, 1)
	assert.ErrorIs(t, out.errs[0], ErrTooDeep)
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-req.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	r := NewResolver(WithFetchTimeout(50 * time.Millisecond))
	_, err := r.FetchImage(context.Background(), srv.URL+"/slow.png")
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestFetchImage(t *testing.T) {
	img := writeFile(t, filepath.Join(t.TempDir(), "q.png"), pngBytes(t, color.White))
	got, err := NewResolver().FetchImage(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, "q.png", got.Provenance.FileName)

	_, err = NewResolver().FetchImage(context.Background(), filepath.Dir(img))
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestOpenStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(dir, fmt.Sprintf("%d.png", i)), pngBytes(t, color.White))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seq, _, err := NewResolver().Open(ctx, dir)
	require.NoError(t, err)
	n := 0
	for img, err := range seq {
		require.NoError(t, err)
		require.NotNil(t, img)
		n++
		if n == 2 {
			cancel()
		}
	}
	assert.Equal(t, 2, n)
}
