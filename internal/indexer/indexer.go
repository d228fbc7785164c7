// Package indexer drives import jobs: it pulls images from the source resolver,
// extracts their vectors, records them in the store and feeds the index manager.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/iris/internal/embedding"
	"github.com/hyperjump/iris/internal/models"
	"github.com/hyperjump/iris/internal/source"
	"github.com/hyperjump/iris/internal/storage"
	"github.com/hyperjump/iris/internal/vector"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// maxSamples caps the skipped items kept verbatim in a summary.
	maxSamples = 100
	// maxRecent is the number of finished job summaries kept for status reporting.
	maxRecent = 20
)

// Source expands a reference into images.
type Source interface {
	Open(ctx context.Context, ref string) (iter.Seq2[*source.Image, error], *source.Descriptor, error)
}

// Catalog receives the provenance of every stored image.
type Catalog interface {
	Index(ctx context.Context, rec *models.ImageRecord) error
}

// Indexer runs import jobs. Several jobs may run concurrently against the same
// store and index.
type Indexer struct {
	source    Source
	extractor embedding.Extractor
	store     storage.Store
	index     *vector.Manager
	catalog   Catalog

	workers       int
	buildEvery    int
	buildOnFinish bool
	persistPath   string

	// buildMu serializes build + persist so a threshold build and a job
	// finalization do not race on the snapshot file.
	buildMu sync.Mutex

	mu     sync.Mutex
	recent []*models.JobSummary

	logger *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(ix *Indexer) { ix.logger = l }
}

// WithWorkers bounds the number of items processed concurrently.
func WithWorkers(n int) IndexerOption {
	return func(ix *Indexer) {
		if n > 0 {
			ix.workers = n
		}
	}
}

// WithBuildEvery rebuilds the index whenever n vectors are staged. Zero disables it.
func WithBuildEvery(n int) IndexerOption {
	return func(ix *Indexer) { ix.buildEvery = n }
}

// WithBuildOnFinish controls whether a finished job rebuilds the index.
func WithBuildOnFinish(v bool) IndexerOption {
	return func(ix *Indexer) { ix.buildOnFinish = v }
}

// WithPersistPath persists the index snapshot after every build and at the end of each job.
func WithPersistPath(path string) IndexerOption {
	return func(ix *Indexer) { ix.persistPath = path }
}

// WithCatalog feeds stored records to a provenance catalog.
func WithCatalog(c Catalog) IndexerOption {
	return func(ix *Indexer) { ix.catalog = c }
}

// NewIndexer creates an indexer with the given dependencies.
func NewIndexer(src Source, extractor embedding.Extractor, store storage.Store, index *vector.Manager, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		source:        src,
		extractor:     extractor,
		store:         store,
		index:         index,
		workers:       runtime.NumCPU(),
		buildOnFinish: true,
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.logger == nil {
		ix.logger = zap.NewNop()
	}
	return ix
}

// job tracks the mutable state of one running import.
type job struct {
	mu      sync.Mutex
	summary *models.JobSummary
	logger  *zap.Logger
}

func (j *job) setState(s models.JobState) {
	j.mu.Lock()
	j.summary.State = s
	j.mu.Unlock()
	j.logger.Debug("Job state", zap.String("state", string(s)))
}

func (j *job) skip(ref string, reason models.SkipReason, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.summary.Skipped[reason]++
	if len(j.summary.Samples) < maxSamples {
		j.summary.Samples = append(j.summary.Samples, models.SkippedItem{Reference: ref, Reason: reason, Error: err.Error()})
	}
	j.logger.Info("Item skipped", zap.String("ref", ref), zap.String("reason", string(reason)), zap.Error(err))
}

func (j *job) succeed(id uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.summary.Succeeded++
	if j.summary.FirstID == nil || id < *j.summary.FirstID {
		j.summary.FirstID = &id
	}
	if j.summary.LastID == nil || id > *j.summary.LastID {
		last := id
		j.summary.LastID = &last
	}
}

func (j *job) built() {
	j.mu.Lock()
	j.summary.Builds++
	j.mu.Unlock()
}

// Index runs one import job over ref and returns its summary. Per-item failures
// are counted as skips and never abort the job. A systemic failure (store or index
// unusable) ends the job in the failed state and is returned together with the
// summary of the work done before it. Cancelling ctx stops pulling new items;
// work already stored is still built and persisted, and ctx's error is returned.
func (ix *Indexer) Index(ctx context.Context, ref string) (*models.JobSummary, error) {
	return ix.run(ctx, ref, ix.buildOnFinish)
}

func (ix *Indexer) run(ctx context.Context, ref string, buildOnFinish bool) (*models.JobSummary, error) {
	j := &job{summary: &models.JobSummary{
		JobID:     uuid.New().String(),
		Reference: ref,
		State:     models.JobStarting,
		Skipped:   make(map[models.SkipReason]int),
		StartedAt: time.Now().UTC(),
	}}
	j.logger = ix.logger.With(zap.String("job", j.summary.JobID))
	j.logger.Info("Import started", zap.String("ref", ref))

	j.setState(models.JobResolving)
	seq, desc, err := ix.source.Open(ctx, ref)
	if err != nil {
		return ix.finish(j, err)
	}
	j.summary.Source = desc.Kind.String()

	j.setState(models.JobProcessing)
	runErr := ix.process(ctx, j, seq)
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	j.setState(models.JobFinalizing)
	// already stored items must reach the snapshot even when ctx is cancelled
	if buildOnFinish {
		if err := ix.build(j); err != nil && runErr == nil {
			runErr = err
		}
	}
	if err := ix.persist(); err != nil && runErr == nil {
		runErr = err
	}
	return ix.finish(j, runErr)
}

// process pulls the sequence on the calling goroutine and hands each image to a
// bounded pool. errgroup's limit blocks the pull while every worker is busy.
func (ix *Indexer) process(ctx context.Context, j *job, seq iter.Seq2[*source.Image, error]) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)

	for img, err := range seq {
		if gctx.Err() != nil {
			break
		}
		if err != nil {
			j.skip(refOf(err), classify(err), err)
			continue
		}
		g.Go(func() error {
			return ix.processItem(gctx, j, img)
		})
	}
	return g.Wait()
}

// processItem runs Extracting -> Storing -> Indexing for one image. Cancellation is
// honored only before Storing; a stored record is always indexed.
func (ix *Indexer) processItem(ctx context.Context, j *job, img *source.Image) error {
	ref := img.Provenance.Reference

	vec, err := ix.extractor.Extract(ctx, img.Data)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		j.skip(ref, models.SkipExtractionFailed, err)
		return nil
	}
	if len(vec) != ix.index.Dimensions() {
		return fmt.Errorf("extract %s: %w", ref, &vector.ErrDimensionMismatch{Expected: ix.index.Dimensions(), Actual: len(vec)})
	}
	if ctx.Err() != nil {
		return nil
	}

	rec, err := ix.store.AllocateAndPersist(context.WithoutCancel(ctx), img.Data, img.Provenance, j.summary.JobID)
	if err != nil {
		if storage.IsRejected(err) {
			j.skip(ref, models.SkipStorageRejected, err)
			return nil
		}
		return fmt.Errorf("store %s: %w", ref, err)
	}

	if err := ix.index.Add(rec.ID, vec); err != nil {
		return fmt.Errorf("index %d: %w", rec.ID, err)
	}
	j.succeed(rec.ID)
	j.logger.Debug("Image indexed", zap.Uint64("id", rec.ID), zap.String("ref", ref))

	if ix.catalog != nil {
		if err := ix.catalog.Index(context.WithoutCancel(ctx), rec); err != nil {
			j.logger.Warn("Catalog update failed", zap.Uint64("id", rec.ID), zap.Error(err))
		}
	}
	return ix.maybeBuild(j)
}

// maybeBuild rebuilds once the staging buffer reaches the build_every threshold.
func (ix *Indexer) maybeBuild(j *job) error {
	if ix.buildEvery <= 0 || ix.index.Stats().Staged < ix.buildEvery {
		return nil
	}
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()
	// another worker may have built while we waited
	if ix.index.Stats().Staged < ix.buildEvery {
		return nil
	}
	if err := ix.buildLocked(j); err != nil {
		return err
	}
	return ix.persistLocked()
}

func (ix *Indexer) build(j *job) error {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()
	return ix.buildLocked(j)
}

func (ix *Indexer) buildLocked(j *job) error {
	if ix.index.Stats().Staged == 0 {
		return nil
	}
	if err := ix.index.Build(); err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	if j != nil {
		j.built()
	}
	return nil
}

func (ix *Indexer) persist() error {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()
	return ix.persistLocked()
}

func (ix *Indexer) persistLocked() error {
	if ix.persistPath == "" {
		return nil
	}
	if err := ix.index.Persist(ix.persistPath); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}

// Flush builds any staged vectors into the index and persists it. It returns
// the number of vectors that were staged.
func (ix *Indexer) Flush() (int, error) {
	ix.buildMu.Lock()
	defer ix.buildMu.Unlock()
	staged := ix.index.Stats().Staged
	if err := ix.buildLocked(nil); err != nil {
		return 0, err
	}
	return staged, ix.persistLocked()
}

// finish records the terminal state and logs the summary.
func (ix *Indexer) finish(j *job, err error) (*models.JobSummary, error) {
	j.mu.Lock()
	s := j.summary
	s.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		s.State = models.JobCompleted
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.State = models.JobCancelled
		s.Error = err.Error()
	default:
		s.State = models.JobFailed
		s.Error = err.Error()
	}
	j.mu.Unlock()

	fields := []zap.Field{
		zap.String("state", string(s.State)),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("skipped", s.TotalSkipped()),
		zap.Int("builds", s.Builds),
		zap.Duration("duration", s.Duration()),
	}
	if err != nil {
		j.logger.Warn("Import finished", append(fields, zap.Error(err))...)
	} else {
		j.logger.Info("Import finished", fields...)
	}

	ix.mu.Lock()
	ix.recent = append(ix.recent, s)
	if len(ix.recent) > maxRecent {
		ix.recent = ix.recent[len(ix.recent)-maxRecent:]
	}
	ix.mu.Unlock()
	return s, err
}

// Recent returns the summaries of the last finished jobs, oldest first.
func (ix *Indexer) Recent() []*models.JobSummary {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]*models.JobSummary, len(ix.recent))
	copy(out, ix.recent)
	return out
}

// classify maps a per-item error to its skip reason.
func classify(err error) models.SkipReason {
	switch {
	case source.IsFetchError(err):
		return models.SkipFetchFailed
	case errors.Is(err, source.ErrNotImage):
		return models.SkipNotImage
	case errors.Is(err, embedding.ErrExtraction):
		return models.SkipExtractionFailed
	case storage.IsRejected(err):
		return models.SkipStorageRejected
	}
	return models.SkipResolutionFailed
}

func refOf(err error) string {
	var re *source.ResolutionError
	if errors.As(err, &re) {
		return re.Ref
	}
	return ""
}

// IndexFile ingests a single local file without rebuilding the index; the vector
// stays staged until the next build. Files whose extension is not in allowedExts
// (when non-empty) and files already recorded under the same path return a nil
// summary.
func (ix *Indexer) IndexFile(ctx context.Context, path string, allowedExts []string) (*models.JobSummary, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	if len(allowedExts) > 0 && !extensionAllowed(filepath.Ext(absPath), allowedExts) {
		return nil, nil
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", absPath)
	}
	known, err := ix.store.HasReference(ctx, absPath)
	if err != nil {
		return nil, err
	}
	if known {
		ix.logger.Debug("Skipping known file", zap.String("path", absPath))
		return nil, nil
	}
	return ix.run(ctx, absPath, false)
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}

// Reconcile indexes stored records that have no vector, such as records written
// before a crash that lost the last snapshot. Vectors are extracted from the
// stored normalized copy. It returns the number of records recovered.
func (ix *Indexer) Reconcile(ctx context.Context) (int, error) {
	const page = 500
	recovered := 0
	for offset := 0; ; offset += page {
		recs, err := ix.store.List(ctx, offset, page)
		if err != nil {
			return recovered, err
		}
		for _, rec := range recs {
			if ctx.Err() != nil {
				return recovered, ctx.Err()
			}
			if ix.index.Contains(rec.ID) {
				continue
			}
			if err := ix.recover(ctx, rec); err != nil {
				var dm *vector.ErrDimensionMismatch
				if errors.As(err, &dm) {
					return recovered, err
				}
				ix.logger.Warn("Cannot recover vector", zap.Uint64("id", rec.ID), zap.Error(err))
				continue
			}
			recovered++
		}
		if len(recs) < page {
			break
		}
	}
	if recovered > 0 {
		ix.logger.Info("Recovered missing vectors", zap.Int("count", recovered))
		if err := ix.build(nil); err != nil {
			return recovered, err
		}
		if err := ix.persist(); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

func (ix *Indexer) recover(ctx context.Context, rec *models.ImageRecord) error {
	rc, _, err := ix.store.OpenImage(ctx, rec.ID)
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	vec, err := ix.extractor.Extract(ctx, data)
	if err != nil {
		return err
	}
	return ix.index.Add(rec.ID, vec)
}
