// Package search answers reverse image queries: it extracts the query image's
// vector, asks the index for the nearest identifiers and joins them with their
// stored records.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/iris/internal/catalog"
	"github.com/hyperjump/iris/internal/embedding"
	"github.com/hyperjump/iris/internal/models"
	"github.com/hyperjump/iris/internal/source"
	"github.com/hyperjump/iris/internal/storage"
	"github.com/hyperjump/iris/internal/vector"
	"go.uber.org/zap"
)

// ImageFetcher resolves a query reference to exactly one image.
type ImageFetcher interface {
	FetchImage(ctx context.Context, ref string) (*source.Image, error)
}

// Catalog searches image provenance by text.
type Catalog interface {
	Search(ctx context.Context, q string, limit int) ([]catalog.Hit, error)
}

// Engine runs similarity search. It only reads from the store and the index.
type Engine struct {
	fetcher   ImageFetcher
	extractor embedding.Extractor
	index     *vector.Manager
	store     storage.Store
	catalog   Catalog
	defaultK  int
	maxK      int
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLimits sets the default and maximum number of neighbors per query.
func WithLimits(defaultK, maxK int) Option {
	return func(e *Engine) {
		if defaultK > 0 {
			e.defaultK = defaultK
		}
		if maxK > 0 {
			e.maxK = maxK
		}
	}
}

// WithCatalog enables Lookup.
func WithCatalog(c Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(fetcher ImageFetcher, extractor embedding.Extractor, index *vector.Manager, store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		fetcher:   fetcher,
		extractor: extractor,
		index:     index,
		store:     store,
		defaultK:  DefaultK,
		maxK:      DefaultMaxK,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// Search returns the K nearest stored images of the query image in ascending
// distance. A failure to read or extract the query image is returned as an error;
// an empty index yields an empty result. Identifiers the index knows but the store
// does not are still returned and reported in Warnings.
func (e *Engine) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	startTime := time.Now()
	if err := ProcessQuery(query, e.defaultK, e.maxK); err != nil {
		return nil, err
	}

	data := query.Data
	if query.Reference != "" {
		img, err := e.fetcher.FetchImage(ctx, query.Reference)
		if err != nil {
			return nil, fmt.Errorf("read query image: %w", err)
		}
		data = img.Data
	}

	vec, err := e.extractor.Extract(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("extract query image: %w", err)
	}
	neighbors, err := e.index.Query(vec, query.K)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	response := &models.SearchResponse{
		Results: make([]*models.SearchResult, 0, len(neighbors)),
		Total:   len(neighbors),
		Query:   query.Reference,
	}
	for i, n := range neighbors {
		r := &models.SearchResult{ID: n.ID, Distance: n.Distance, Rank: i + 1}
		if query.ReturnMetadata {
			rec, err := e.store.Get(ctx, n.ID)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				response.Warnings = append(response.Warnings, fmt.Sprintf("image %d has no stored record", n.ID))
				e.logger.Warn("Indexed identifier missing from store", zap.Uint64("id", n.ID))
			case err != nil:
				return nil, err
			default:
				r.Image = rec
			}
		}
		response.Results = append(response.Results, r)
	}
	response.QueryTime = time.Since(startTime).Milliseconds()
	return response, nil
}

// Lookup finds stored images whose file name or original path matches q.
func (e *Engine) Lookup(ctx context.Context, q string, limit int) ([]*models.ImageRecord, error) {
	if e.catalog == nil {
		return nil, errors.New("catalog is not enabled")
	}
	if limit <= 0 || limit > e.maxK {
		limit = e.maxK
	}
	hits, err := e.catalog.Search(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ImageRecord, 0, len(hits))
	for _, h := range hits {
		rec, err := e.store.Get(ctx, h.ID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
