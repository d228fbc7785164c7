// Package source classifies input references and expands them into a lazy
// stream of images with provenance.
package source

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"io/fs"
	"iter"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hyperjump/iris/internal/imageio"
	"github.com/hyperjump/iris/internal/models"
)

const (
	// DefaultMaxDepth bounds container and reference-list nesting.
	DefaultMaxDepth = 8
	// DefaultFetchTimeout bounds a single remote read.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultMaxBytes bounds any payload read into memory.
	DefaultMaxBytes = 512 << 20
)

// Image is one resolved image.
type Image struct {
	Data       []byte
	Mime       string
	Provenance models.Provenance
}

// Resolver expands references into images. It is safe for concurrent use.
type Resolver struct {
	fetcher  fetcher
	maxDepth int
	logger   *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithMaxDepth sets the nesting limit.
func WithMaxDepth(depth int) Option {
	return func(r *Resolver) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// WithFetchTimeout sets the per-item remote read timeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.fetcher.timeout = d }
}

// WithRateLimit caps remote requests per second. Zero disables the limit.
func WithRateLimit(rps float64, burst int) Option {
	return func(r *Resolver) {
		if rps <= 0 {
			r.fetcher.limiter = nil
			return
		}
		r.fetcher.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithHTTPClient sets the client used for http(s) references.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.fetcher.client = c }
}

// WithS3Client enables s3://bucket/key references.
func WithS3Client(c *minio.Client) Option {
	return func(r *Resolver) { r.fetcher.s3 = c }
}

// WithMaxBytes bounds payloads read into memory.
func WithMaxBytes(n int64) Option {
	return func(r *Resolver) { r.fetcher.maxBytes = n }
}

// NewResolver returns a Resolver with defaults applied before opts.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		fetcher: fetcher{
			client:   http.DefaultClient,
			timeout:  DefaultFetchTimeout,
			maxBytes: DefaultMaxBytes,
		},
		maxDepth: DefaultMaxDepth,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// node is one reference being resolved.
type node struct {
	ref        string
	name       string
	base       string
	origin     string
	depth      int
	via        []string
	modifiedAt time.Time
	// imagesOnly is set for directory entries: containers and lists found while
	// walking a directory are not expanded.
	imagesOnly bool
}

func (n node) member(name string, mod time.Time) node {
	origin := n.ref
	if d := path.Dir(name); d != "." {
		origin = n.ref + "!/" + d
	}
	return node{
		ref:        n.ref + "!/" + name,
		name:       path.Base(name),
		base:       n.base,
		origin:     origin,
		depth:      n.depth + 1,
		via:        append(slices.Clone(n.via), n.ref),
		modifiedAt: mod,
	}
}

func (n node) provenance(size int) models.Provenance {
	at := n.modifiedAt
	if at.IsZero() {
		at = time.Now()
	}
	return models.Provenance{
		Reference:    n.ref,
		FileName:     n.name,
		OriginalPath: n.origin,
		Size:         int64(size),
		AccessedAt:   at,
		Via:          n.via,
	}
}

func newNode(ref string, depth int, via []string) node {
	return node{
		ref:    ref,
		name:   nameOf(ref),
		base:   baseOf(ref),
		origin: baseOf(ref),
		depth:  depth,
		via:    via,
	}
}

// Classify inspects ref and returns its descriptor. Local references are read to
// sniff their content; remote ones are classified by name until fetched.
func (r *Resolver) Classify(ctx context.Context, ref string) (*Descriptor, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), "file://")
	if ref == "" {
		return nil, &ResolutionError{Ref: ref, Err: ErrUnsupported}
	}
	if isRemote(ref) {
		u, _ := url.Parse(ref)
		if u.Scheme == "s3" {
			if r.fetcher.s3 == nil {
				return nil, &ResolutionError{Ref: ref, Err: ErrUnsupported}
			}
			if isS3Prefix(ref) {
				return &Descriptor{Kind: RemoteDirectory, Location: ref}, nil
			}
		}
		k, c := describeName(nameOf(ref), true)
		return &Descriptor{Kind: k, Location: ref, Compression: c}, nil
	}
	abs, err := filepath.Abs(ref)
	if err != nil {
		return nil, &ResolutionError{Ref: ref, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &ResolutionError{Ref: ref, Err: err}
	}
	if info.IsDir() {
		return &Descriptor{Kind: LocalDirectory, Location: abs}, nil
	}
	head, err := readHead(abs)
	if err != nil {
		return nil, &ResolutionError{Ref: ref, Err: err}
	}
	k, c := describeContent(filepath.Base(abs), head, false)
	if k == LocalFile {
		if _, ok := imageio.Sniff(head); !ok {
			return nil, &ResolutionError{Ref: ref, Err: ErrNotImage}
		}
	}
	return &Descriptor{Kind: k, Location: abs, Compression: c}, nil
}

// Open classifies ref and returns a lazy sequence of its images. A reference that
// cannot be classified fails immediately. Failures of individual members are
// yielded as errors and the sequence continues. The sequence is not restartable
// in the sense that each iteration re-reads every source.
func (r *Resolver) Open(ctx context.Context, ref string) (iter.Seq2[*Image, error], *Descriptor, error) {
	d, err := r.Classify(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	seq := func(yield func(*Image, error) bool) {
		r.resolveDescriptor(ctx, newNode(d.Location, 0, nil), d.Kind, yield)
	}
	return seq, d, nil
}

// FetchImage resolves ref to exactly one image.
func (r *Resolver) FetchImage(ctx context.Context, ref string) (*Image, error) {
	d, err := r.Classify(ctx, ref)
	if err != nil {
		return nil, err
	}
	if d.Kind != LocalFile && d.Kind != RemoteFile {
		return nil, &ResolutionError{Ref: ref, Err: ErrNotImage}
	}
	n := newNode(d.Location, 0, nil)
	n.imagesOnly = true
	var (
		img  *Image
		ferr error
	)
	r.resolveDescriptor(ctx, n, d.Kind, func(i *Image, err error) bool {
		img, ferr = i, err
		return false
	})
	if ferr == nil && img == nil {
		ferr = &ResolutionError{Ref: ref, Err: ErrNotImage}
	}
	return img, ferr
}

func (r *Resolver) resolveDescriptor(ctx context.Context, n node, k Kind, yield func(*Image, error) bool) bool {
	switch k {
	case LocalDirectory:
		return r.walkDir(ctx, n, yield)
	case RemoteDirectory:
		return r.walkS3(ctx, n, yield)
	case RemoteFile, RemoteArchive:
		return r.resolveRemote(ctx, n, yield)
	}
	if isRemote(n.ref) {
		return r.resolveRemote(ctx, n, yield)
	}
	return r.resolveLocalFile(ctx, n, yield)
}

// resolveRef resolves a reference found inside a list.
func (r *Resolver) resolveRef(ctx context.Context, ref string, parent node, yield func(*Image, error) bool) bool {
	joined := joinRef(parent.base, ref)
	if isRemote(parent.base) && !isRemote(joined) {
		// a list served from the network may only name network resources
		return yield(nil, &ResolutionError{Ref: ref, Err: ErrUnsupported})
	}
	ref = joined
	n := newNode(ref, parent.depth+1, append(slices.Clone(parent.via), parent.ref))
	if n.depth > r.maxDepth {
		return yield(nil, &ResolutionError{Ref: ref, Err: ErrTooDeep})
	}
	if isRemote(ref) {
		if isS3Prefix(ref) {
			return r.walkS3(ctx, n, yield)
		}
		return r.resolveRemote(ctx, n, yield)
	}
	info, err := os.Stat(ref)
	if err != nil {
		return yield(nil, &ResolutionError{Ref: ref, Err: err})
	}
	if info.IsDir() {
		return r.walkDir(ctx, n, yield)
	}
	return r.resolveLocalFile(ctx, n, yield)
}

// walkDir yields the images of a directory tree in lexical order. Symbolic links
// to directories are not followed.
func (r *Resolver) walkDir(ctx context.Context, n node, yield func(*Image, error) bool) bool {
	entries, err := os.ReadDir(n.ref)
	if err != nil {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return false
		}
		p := filepath.Join(n.ref, e.Name())
		child := node{ref: p, name: e.Name(), base: n.ref, origin: n.ref, depth: n.depth, via: n.via, imagesOnly: true}
		var ok bool
		switch {
		case e.IsDir():
			ok = r.walkDir(ctx, child, yield)
		case e.Type()&fs.ModeSymlink != 0:
			info, err := os.Stat(p)
			if err != nil || info.IsDir() {
				continue
			}
			ok = r.resolveLocalFile(ctx, child, yield)
		case e.Type().IsRegular():
			ok = r.resolveLocalFile(ctx, child, yield)
		default:
			continue
		}
		if !ok {
			return false
		}
	}
	return true
}

func (r *Resolver) walkS3(ctx context.Context, n node, yield func(*Image, error) bool) bool {
	u, err := url.Parse(n.ref)
	if err != nil {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
	}
	bucket, prefix := splitS3(u)
	keys, err := r.fetcher.listS3(ctx, bucket, prefix)
	if err != nil {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: &FetchError{Ref: n.ref, Err: err}})
	}
	for _, key := range keys {
		if ctx.Err() != nil {
			return false
		}
		child := newNode("s3://"+bucket+"/"+key, n.depth, n.via)
		child.imagesOnly = true
		if !r.resolveRemote(ctx, child, yield) {
			return false
		}
	}
	return true
}

func (r *Resolver) resolveRemote(ctx context.Context, n node, yield func(*Image, error) bool) bool {
	if ctx.Err() != nil {
		return false
	}
	f, err := r.fetcher.fetch(ctx, n.ref)
	if err != nil {
		r.logger.Debug("Remote fetch failed", zap.String("ref", n.ref), zap.Error(err))
		return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
	}
	n.modifiedAt = f.modifiedAt
	return r.resolveStream(ctx, n, bytes.NewReader(f.data), yield)
}

func (r *Resolver) resolveLocalFile(ctx context.Context, n node, yield func(*Image, error) bool) bool {
	f, err := os.Open(n.ref)
	if err != nil {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
	}
	n.modifiedAt = info.ModTime()
	if !n.imagesOnly {
		head := make([]byte, sniffLen)
		m, _ := f.ReadAt(head, 0)
		head = head[:m]
		if detectCompression(head) == Zip && !isSpreadsheet(n.name, head) {
			return r.resolveZipFile(ctx, n, f, info.Size(), yield)
		}
	}
	return r.resolveStream(ctx, n, f, yield)
}

// resolveStream classifies a payload by its leading bytes and expands it.
func (r *Resolver) resolveStream(ctx context.Context, n node, rd io.Reader, yield func(*Image, error) bool) bool {
	if ctx.Err() != nil {
		return false
	}
	if n.depth > r.maxDepth {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: ErrTooDeep})
	}
	br := bufio.NewReaderSize(rd, sniffLen)
	head, _ := br.Peek(sniffLen)
	kind, comp := describeContent(n.name, head, isRemote(n.ref))

	if kind != LocalFile && kind != RemoteFile {
		if n.imagesOnly {
			return yield(nil, &ResolutionError{Ref: n.ref, Err: ErrNotImage})
		}
		r.logger.Debug("Expanding container",
			zap.String("ref", n.ref),
			zap.Stringer("kind", kind),
			zap.Stringer("compression", comp),
			zap.Int("depth", n.depth))
	}

	switch {
	case kind == TextList && isSpreadsheet(n.name, head):
		data, err := readLimited(br, r.fetcher.maxBytes)
		if err != nil {
			return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
		}
		return r.resolveSpreadsheet(ctx, n, bytes.NewReader(data), yield)
	case kind == TextList:
		return r.resolveList(ctx, n, br, yield)
	case comp == Zip:
		data, err := readLimited(br, r.fetcher.maxBytes)
		if err != nil {
			return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
		}
		return r.resolveZipFile(ctx, n, bytes.NewReader(data), int64(len(data)), yield)
	case comp == Tar:
		return r.resolveTar(ctx, n, br, yield)
	case comp.stream():
		dec, err := decompress(comp, head, br)
		if err != nil {
			return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
		}
		defer dec.Close()
		inner := n
		inner.name = innerName(n.name)
		inner.depth++
		return r.resolveStream(ctx, inner, dec, yield)
	}

	data, err := readLimited(br, r.fetcher.maxBytes)
	if err != nil {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: err})
	}
	mime, ok := imageio.Sniff(data)
	if !ok {
		return yield(nil, &ResolutionError{Ref: n.ref, Err: ErrNotImage})
	}
	return yield(&Image{Data: data, Mime: mime, Provenance: n.provenance(len(data))}, nil)
}

func readHead(p string) ([]byte, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return head[:n], nil
}
