package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"golang.org/x/time/rate"
)

// fetched is a remote payload read into memory.
type fetched struct {
	data       []byte
	modifiedAt time.Time
}

// fetcher reads remote references over HTTP(S) and S3.
type fetcher struct {
	client   *http.Client
	s3       *minio.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	maxBytes int64
}

// fetch reads ref with a bounded per-item timeout. Failures are returned as *FetchError.
func (f *fetcher) fetch(ctx context.Context, ref string) (*fetched, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Ref: ref, Err: err}
		}
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, ref)
	case "s3":
		bucket, key := splitS3(u)
		return f.fetchS3(ctx, ref, bucket, key)
	}
	return nil, &FetchError{Ref: ref, Err: ErrUnsupported}
}

func (f *fetcher) fetchHTTP(ctx context.Context, ref string) (*fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Ref: ref, StatusCode: resp.StatusCode}
	}
	data, err := readLimited(resp.Body, f.maxBytes)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	out := &fetched{data: data, modifiedAt: time.Now()}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			out.modifiedAt = t
		}
	}
	return out, nil
}

func (f *fetcher) fetchS3(ctx context.Context, ref, bucket, key string) (*fetched, error) {
	if f.s3 == nil {
		return nil, &FetchError{Ref: ref, Err: fmt.Errorf("%w: no s3 client configured", ErrUnsupported)}
	}
	obj, err := f.s3.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	defer obj.Close()
	info, err := obj.Stat()
	if err != nil {
		resp := minio.ToErrorResponse(err)
		return nil, &FetchError{Ref: ref, StatusCode: resp.StatusCode, Err: err}
	}
	data, err := readLimited(obj, f.maxBytes)
	if err != nil {
		return nil, &FetchError{Ref: ref, Err: err}
	}
	return &fetched{data: data, modifiedAt: info.LastModified}, nil
}

// listS3 returns object keys under prefix in listing order.
func (f *fetcher) listS3(ctx context.Context, bucket, prefix string) ([]string, error) {
	if f.s3 == nil {
		return nil, fmt.Errorf("%w: no s3 client configured", ErrUnsupported)
	}
	var keys []string
	for obj := range f.s3.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if !strings.HasSuffix(obj.Key, "/") {
			keys = append(keys, obj.Key)
		}
	}
	return keys, nil
}

func splitS3(u *url.URL) (bucket, key string) {
	return u.Host, strings.TrimPrefix(u.Path, "/")
}

// isS3Prefix reports whether ref names an S3 prefix rather than a single object.
func isS3Prefix(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "s3" {
		return false
	}
	_, key := splitS3(u)
	return key == "" || strings.HasSuffix(key, "/")
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

// joinRef resolves a reference found inside a list against the list's base.
// base is a local directory or a URL.
func joinRef(base, ref string) string {
	if isRemote(ref) || base == "" {
		return ref
	}
	if strings.HasPrefix(ref, "file://") {
		return strings.TrimPrefix(ref, "file://")
	}
	if bu, err := url.Parse(base); err == nil && isRemote(base) {
		ru, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		return bu.ResolveReference(ru).String()
	}
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(base, ref)
}

// baseOf returns the directory or URL that relative references inside ref resolve against.
func baseOf(ref string) string {
	if u, err := url.Parse(ref); err == nil && isRemote(ref) {
		u.Path = path.Dir(u.Path) + "/"
		u.RawQuery = ""
		return u.String()
	}
	return filepath.Dir(ref)
}
