// Package catalog provides text search over the provenance of ingested images
// (file names, original paths and references) backed by Bleve.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"
	"github.com/hyperjump/iris/internal/models"
)

// Hit is one catalog match.
type Hit struct {
	ID    uint64  `json:"id"`
	Score float64 `json:"score"`
}

// entry is the document stored per image.
type entry struct {
	Name      string `json:"name"`
	Stem      string `json:"stem"`
	Path      string `json:"path"`
	Reference string `json:"reference"`
	Mime      string `json:"mime"`
	JobID     string `json:"job_id"`
}

// Catalog indexes image provenance by identifier.
type Catalog struct {
	index     bleve.Index
	fuzziness int
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithFuzziness enables typo-tolerant matching with the given edit distance.
func WithFuzziness(n int) Option {
	return func(c *Catalog) { c.fuzziness = n }
}

// Open creates or opens a catalog at path. An empty path keeps the catalog in memory.
// If the mapping changes, remove the directory to force a rebuild.
func Open(path string, opts ...Option) (*Catalog, error) {
	c := &Catalog{}
	for _, opt := range opts {
		opt(c)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			index, openErr := bleve.Open(path)
			if openErr != nil {
				return nil, fmt.Errorf("failed to open catalog: %w", openErr)
			}
			c.index = index
			return c, nil
		}
	}

	var (
		index bleve.Index
		err   error
	)
	if path == "" {
		index, err = bleve.NewMemOnly(newMapping())
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
		index, err = bleve.New(path, newMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog: %w", err)
	}
	c.index = index
	return c, nil
}

func newMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()
	doc := bleve.NewDocumentMapping()
	text := bleve.NewTextFieldMapping()
	// standard analyzer: lowercase and tokenize without stemming, so "cats" does not match "cat"
	text.Analyzer = standard.Name
	doc.AddFieldMappingsAt("name", text)
	doc.AddFieldMappingsAt("path", text)
	kw := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt("stem", kw)
	doc.AddFieldMappingsAt("reference", kw)
	doc.AddFieldMappingsAt("mime", kw)
	doc.AddFieldMappingsAt("job_id", kw)
	im.AddDocumentMapping("image", doc)
	im.DefaultType = "image"
	im.DefaultMapping = doc
	return im
}

// searchable splits on the separators the standard analyzer keeps inside words,
// so "holiday_beach-01.jpg" is found by "beach".
func searchable(s string) string {
	return strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(s)
}

// Index adds or replaces the catalog entry of rec.
func (c *Catalog) Index(ctx context.Context, rec *models.ImageRecord) error {
	e := entry{
		Name:      searchable(rec.FileName),
		Stem:      stem(rec.FileName),
		Path:      searchable(rec.OriginalPath),
		Reference: rec.Reference,
		Mime:      rec.MimeType,
		JobID:     rec.JobID,
	}
	if err := c.index.Index(strconv.FormatUint(rec.ID, 10), e); err != nil {
		return fmt.Errorf("catalog index %d: %w", rec.ID, err)
	}
	return nil
}

// rerankWindow is how many extra text matches are fetched so that a file the
// query names exactly can move up into the first limit.
const rerankWindow = 20

// Search matches q against names and paths and returns up to limit hits, ranked
// by text score and then by how closely q names the file.
func (c *Catalog) Search(ctx context.Context, q string, limit int) ([]Hit, error) {
	if strings.TrimSpace(q) == "" || limit <= 0 {
		return nil, nil
	}
	req := bleve.NewSearchRequest(c.buildQuery(searchable(q)))
	req.Size = limit + rerankWindow
	req.Fields = []string{"stem"}
	res, err := c.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("catalog search failed: %w", err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	stems := make(map[uint64]string, len(res.Hits))
	for _, h := range res.Hits {
		id, err := strconv.ParseUint(h.ID, 10, 64)
		if err != nil {
			continue
		}
		if s, ok := h.Fields["stem"].(string); ok {
			stems[id] = s
		}
		hits = append(hits, Hit{ID: id, Score: h.Score})
	}
	rerank(q, hits, stems)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// buildQuery matches any term in either field. With fuzziness each term becomes
// a fuzzy query.
func (c *Catalog) buildQuery(q string) blevequery.Query {
	terms := strings.Fields(strings.ToLower(q))
	var queries []blevequery.Query
	for _, field := range []string{"name", "path"} {
		if c.fuzziness <= 0 || len(terms) == 0 {
			mq := bleve.NewMatchQuery(q)
			mq.SetField(field)
			queries = append(queries, mq)
			continue
		}
		for _, t := range terms {
			fq := bleve.NewFuzzyQuery(t)
			fq.SetFuzziness(c.fuzziness)
			fq.SetField(field)
			queries = append(queries, fq)
		}
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// Delete removes the entry of id.
func (c *Catalog) Delete(ctx context.Context, id uint64) error {
	return c.index.Delete(strconv.FormatUint(id, 10))
}

// Count returns the number of entries.
func (c *Catalog) Count() (uint64, error) {
	return c.index.DocCount()
}

// Close closes the underlying index.
func (c *Catalog) Close() error {
	return c.index.Close()
}
