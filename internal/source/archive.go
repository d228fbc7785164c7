package source

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

var xzMagic = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}

// decompress wraps r with the stream decoder for c. head is the sniffed prefix of r.
func decompress(c Compression, head []byte, r io.Reader) (io.ReadCloser, error) {
	switch c {
	case Gzip:
		return gzip.NewReader(r)
	case Bzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	case LZMA:
		if bytes.HasPrefix(head, xzMagic) {
			xr, err := xz.NewReader(r)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(xr), nil
		}
		lr, err := lzma.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(lr), nil
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, fmt.Errorf("%w: compression %s", ErrUnsupported, c)
}

// resolveZipFile expands the members of a zip archive in central directory order.
func (r *Resolver) resolveZipFile(ctx context.Context, n node, ra io.ReaderAt, size int64, yield func(*Image, error) bool) bool {
	if n.depth >= r.maxDepth {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: ErrTooDeep})
	}
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
	}
	for _, f := range zr.File {
		if ctx.Err() != nil {
			return false
		}
		if f.FileInfo().IsDir() {
			continue
		}
		child := n.member(f.Name, f.Modified)
		rc, err := f.Open()
		if err != nil {
			if !yield(nil, &ResolutionError{Ref: child.ref, Err: err}) {
				return false
			}
			continue
		}
		ok := r.resolveStream(ctx, child, rc, yield)
		rc.Close()
		if !ok {
			return false
		}
	}
	return true
}

// resolveTar expands the regular members of a tar stream in archive order.
func (r *Resolver) resolveTar(ctx context.Context, n node, rd io.Reader, yield func(*Image, error) bool) bool {
	if n.depth >= r.maxDepth {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: ErrTooDeep})
	}
	tr := tar.NewReader(rd)
	for {
		if ctx.Err() != nil {
			return false
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return true
		}
		if err != nil {
			return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !r.resolveStream(ctx, n.member(hdr.Name, hdr.ModTime), tr, yield) {
			return false
		}
	}
}
