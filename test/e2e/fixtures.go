package e2e

import (
	"archive/tar"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/xuri/excelize/v2"
)

// Entry is one named member of a container fixture.
type Entry struct {
	Name string
	Data []byte
}

// fixtureTime is the modification time stamped on every archive member.
var fixtureTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// ContainerFormats lists the archive formats BuildContainer can produce, by file extension.
var ContainerFormats = []string{".zip", ".tar", ".tar.gz", ".tar.xz", ".tar.zst", ".tar.lz4"}

// BuildContainer packs entries into an archive of the given extension.
func BuildContainer(ext string, entries []Entry) ([]byte, error) {
	if ext == ".zip" {
		return zipArchive(entries)
	}
	tb, err := tarArchive(entries)
	if err != nil {
		return nil, err
	}
	switch ext {
	case ".tar":
		return tb, nil
	case ".tar.gz":
		return compress(tb, func(b *bytes.Buffer) (writeCloser, error) { return gzip.NewWriter(b), nil })
	case ".tar.xz":
		return compress(tb, func(b *bytes.Buffer) (writeCloser, error) { return xz.NewWriter(b) })
	case ".tar.zst":
		return compress(tb, func(b *bytes.Buffer) (writeCloser, error) { return zstd.NewWriter(b) })
	case ".tar.lz4":
		return compress(tb, func(b *bytes.Buffer) (writeCloser, error) { return lz4.NewWriter(b), nil })
	}
	return nil, fmt.Errorf("unsupported container %q", ext)
}

type writeCloser interface {
	Write([]byte) (int, error)
	Close() error
}

func compress(data []byte, open func(*bytes.Buffer) (writeCloser, error)) ([]byte, error) {
	var buf bytes.Buffer
	w, err := open(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func zipArchive(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: e.Name, Method: zip.Deflate, Modified: fixtureTime})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(e.Data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func tarArchive(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.Name, Mode: 0644, Size: int64(len(e.Data)), ModTime: fixtureTime, Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(e.Data); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TextList renders references one per line with a comment header.
func TextList(refs []string) []byte {
	return []byte("# reference list\n" + strings.Join(refs, "\n") + "\n")
}

// CSVList renders references as the first column of a CSV with a caption column.
func CSVList(refs []string) []byte {
	var b strings.Builder
	for i, r := range refs {
		fmt.Fprintf(&b, "%s,caption %d\n", r, i)
	}
	return []byte(b.String())
}

// GzipList compresses a text list.
func GzipList(refs []string) ([]byte, error) {
	return compress(TextList(refs), func(b *bytes.Buffer) (writeCloser, error) { return gzip.NewWriter(b), nil })
}

// SpreadsheetList renders references into the first column of an xlsx workbook.
func SpreadsheetList(refs []string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	for i, r := range refs {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue("Sheet1", cell, r); err != nil {
			return nil, err
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
