package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/iris/internal/config"
	"github.com/hyperjump/iris/internal/embedding"
	"github.com/hyperjump/iris/internal/models"
	"github.com/hyperjump/iris/internal/search"
	"github.com/hyperjump/iris/internal/source"
	"github.com/hyperjump/iris/internal/storage"
	"github.com/hyperjump/iris/internal/vector"
	"go.uber.org/zap"
)

const defaultMaxUploadBytes = 32 << 20

type indexRequest struct {
	Reference string `json:"reference"`
	Async     bool   `json:"async,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reference == "" {
		s.respondError(w, http.StatusBadRequest, "reference is required")
		return
	}
	s.logger.Debug("index request", zap.String("reference", req.Reference), zap.Bool("async", req.Async))

	if req.Async {
		s.jobs.Add(1)
		go func() {
			defer s.jobs.Done()
			if _, err := s.indexer.Index(s.baseCtx, req.Reference); err != nil {
				s.logger.Error("background import failed", zap.String("reference", req.Reference), zap.Error(err))
			}
		}()
		s.respondJSON(w, http.StatusAccepted, map[string]string{"reference": req.Reference, "status": "accepted"})
		return
	}

	summary, err := s.indexer.Index(r.Context(), req.Reference)
	if err != nil {
		s.logger.Error("import failed", zap.String("reference", req.Reference), zap.Error(err))
	}
	s.respondJSON(w, summaryStatus(summary, err), summary)
}

// summaryStatus maps a finished job to a response code. The summary body is
// returned regardless.
func summaryStatus(summary *models.JobSummary, err error) int {
	if summary == nil {
		return statusFor(err)
	}
	switch summary.State {
	case models.JobCompleted:
		return http.StatusOK
	case models.JobCancelled:
		return http.StatusServiceUnavailable
	default:
		return statusFor(err)
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request", zap.String("reference", query.Reference), zap.Int("k", query.K))
	s.search(r.Context(), w, &query)
}

// handleSearchUpload searches with an image sent either as the raw body or as
// the "image" field of a multipart form. k and metadata are query parameters.
func (s *Server) handleSearchUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.config.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var data []byte
	var err error
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, _, ferr := r.FormFile("image")
		if ferr != nil {
			s.respondError(w, http.StatusBadRequest, "multipart field \"image\" is required")
			return
		}
		defer file.Close()
		data, err = io.ReadAll(file)
	} else {
		data, err = io.ReadAll(r.Body)
	}
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "image too large")
			return
		}
		s.respondError(w, http.StatusBadRequest, "failed to read image")
		return
	}

	query := models.SearchQuery{Data: data}
	if k := r.URL.Query().Get("k"); k != "" {
		n, err := strconv.Atoi(k)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid k")
			return
		}
		query.K = n
	}
	query.ReturnMetadata, _ = strconv.ParseBool(r.URL.Query().Get("metadata"))
	s.logger.Debug("upload search request", zap.Int("bytes", len(data)), zap.Int("k", query.K))
	s.search(r.Context(), w, &query)
}

func (s *Server) search(ctx context.Context, w http.ResponseWriter, query *models.SearchQuery) {
	response, err := s.engine.Search(ctx, query)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("search failed", zap.Error(err))
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		s.respondError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.engine.Lookup(r.Context(), q, limit)
	if err != nil {
		s.logger.Error("lookup failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"images": records, "total": len(records)})
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.imageID(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetImageFile(w http.ResponseWriter, r *http.Request) {
	id, ok := s.imageID(w, r)
	if !ok {
		return
	}
	rc, rec, err := s.store.OpenImage(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	defer rc.Close()
	if rec.MimeType != "" {
		w.Header().Set("Content-Type", rec.MimeType)
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("image copy interrupted", zap.Uint64("id", id), zap.Error(err))
	}
}

func (s *Server) imageID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid image id")
		return 0, false
	}
	return id, true
}

func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "image not found")
		return
	}
	s.logger.Error("store read failed", zap.Error(err))
	s.respondError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	count, err := s.store.Count(ctx)
	if err != nil {
		s.logger.Error("status: count images failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"images": count,
		"index":  s.index.Stats(),
		"jobs":   s.indexer.Recent(),
	}
	if highest, ok, err := s.store.HighestID(ctx); err == nil && ok {
		resp["highest_id"] = highest
	}
	if len(s.diskPaths) > 0 {
		if diskBytes, err := storage.DiskUsageBytes(s.diskPaths...); err == nil {
			resp["disk_usage_bytes"] = diskBytes
		}
	}
	if s.watch != nil {
		resp["watch_directories"] = s.watch.Directories()
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	dirs := s.watch.Directories()
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": dirs})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.saveWatchConfig()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.saveWatchConfig()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) saveWatchConfig() {
	if s.configPath == "" || s.watchConfig == nil {
		return
	}
	s.watchConfigMu.Lock()
	defer s.watchConfigMu.Unlock()
	s.watchConfig.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.watchConfig); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	var resErr *source.ResolutionError
	var dimErr *vector.ErrDimensionMismatch
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, search.ErrInvalidQuery):
		return http.StatusBadRequest
	case errors.As(err, &dimErr):
		return http.StatusInternalServerError
	case errors.As(err, &resErr), source.IsFetchError(err),
		errors.Is(err, source.ErrNotImage), errors.Is(err, embedding.ErrExtraction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
