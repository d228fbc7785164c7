// Package server provides the HTTP API for Iris.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/iris/internal/config"
	"github.com/hyperjump/iris/internal/indexer"
	"github.com/hyperjump/iris/internal/search"
	"github.com/hyperjump/iris/internal/storage"
	"github.com/hyperjump/iris/internal/vector"
	"go.uber.org/zap"
)

// WatchService manages watched directories.
type WatchService interface {
	Directories() []string
	AddDirectory(path string, syncExisting bool) error
	RemoveDirectory(path string) error
}

// Server is the HTTP server for the Iris API.
type Server struct {
	engine  *search.Engine
	indexer *indexer.Indexer
	store   storage.Store
	index   *vector.Manager
	config  *config.ServerConfig
	logger  *zap.Logger
	server  *http.Server

	watch         WatchService
	configPath    string
	watchConfig   *config.Config
	watchConfigMu sync.Mutex
	diskPaths     []string

	// jobs started with async run under baseCtx and are cancelled by Stop.
	baseCtx    context.Context
	cancelJobs context.CancelFunc
	jobs       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWatch enables the watch directory endpoints. When configPath is set,
// directory changes are saved back to cfg at that path.
func WithWatch(ws WatchService, configPath string, cfg *config.Config) Option {
	return func(s *Server) {
		s.watch = ws
		s.configPath = configPath
		s.watchConfig = cfg
	}
}

// WithDiskPaths sets the paths whose size is reported by the status endpoint.
func WithDiskPaths(paths ...string) Option {
	return func(s *Server) { s.diskPaths = paths }
}

// NewServer creates a server with the given dependencies.
func NewServer(
	engine *search.Engine,
	idx *indexer.Indexer,
	store storage.Store,
	index *vector.Manager,
	cfg *config.ServerConfig,
	opts ...Option,
) *Server {
	s := &Server{
		engine:  engine,
		indexer: idx,
		store:   store,
		index:   index,
		config:  cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.baseCtx, s.cancelJobs = context.WithCancel(context.Background())
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		// imports may run far longer than a query
		r.Post("/index", s.handleIndex)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Use(middleware.Compress(5))
			r.Post("/search", s.handleSearch)
			r.Post("/search/upload", s.handleSearchUpload)
			r.Get("/images", s.handleLookup)
			r.Get("/images/{id}", s.handleGetImage)
			r.Get("/images/{id}/file", s.handleGetImageFile)
			r.Get("/status", s.handleStatus)
			r.Get("/watch/directories", s.handleWatchDirectoriesList)
			r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
			r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
		})
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server and cancels running background imports.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.cancelJobs()
	s.jobs.Wait()
	return err
}
