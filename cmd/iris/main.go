// Package main is the Iris CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/hyperjump/iris/internal/catalog"
	"github.com/hyperjump/iris/internal/cli"
	"github.com/hyperjump/iris/internal/config"
	"github.com/hyperjump/iris/internal/embedding"
	"github.com/hyperjump/iris/internal/imageio"
	"github.com/hyperjump/iris/internal/indexer"
	"github.com/hyperjump/iris/internal/models"
	"github.com/hyperjump/iris/internal/search"
	"github.com/hyperjump/iris/internal/server"
	"github.com/hyperjump/iris/internal/source"
	"github.com/hyperjump/iris/internal/storage"
	"github.com/hyperjump/iris/internal/vector"
	"github.com/hyperjump/iris/internal/watcher"
	"github.com/hyperjump/iris/pkg/utils"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/iris/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded (for saving, etc.).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "index":
		runIndex()
	case "search":
		runSearch()
	case "get":
		runGet()
	case "status":
		runStatus()
	case "export":
		runExport()
	case "import":
		runImport()
	case "version", "--version", "-v":
		fmt.Printf("iris version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// setup loads config and builds a logger. Long-running commands log JSON to
// stdout; one-shot commands keep stdout for their output.
func setup(configPath string, debugFlag, cliLogger bool) (*config.Config, string, *zap.Logger) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || debugFlag
	var logger *zap.Logger
	if cliLogger {
		logger, err = utils.NewCLILogger(debugMode)
	} else {
		logger, err = utils.NewLogger(debugMode)
	}
	if err != nil {
		fail("Failed to create logger: %v", err)
	}
	return cfg, resolved, logger
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, logger := setup(*configPath, *debug, false)
	defer logger.Sync()
	logger.Info("config loaded", zap.String("config_path", resolvedConfigPath), zap.Bool("debug", cfg.Debug || *debug))

	ctx, stop := signalContext()
	defer stop()

	components, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	watchSvc := watcher.NewWatcher(
		components.Indexer,
		cfg.Watch.Directories,
		cfg.Watch.Extensions,
		cfg.Watch.RecursiveOrDefault(),
		watcher.WithLogger(logger.Named("watcher")),
	)
	if err := watchSvc.Start(ctx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	go watchSvc.SyncExistingFiles()

	srv := server.NewServer(
		components.Engine,
		components.Indexer,
		components.Store,
		components.Index,
		&cfg.Server,
		server.WithLogger(logger.Named("server")),
		server.WithWatch(watchSvc, resolvedConfigPath, cfg),
		server.WithDiskPaths(cfg.Storage.DatabasePath, cfg.Storage.ImagesPath, cfg.Storage.CatalogPath, cfg.Index.PersistPath),
	)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")
	watchSvc.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(shutdownCtx)
	// vectors ingested by the watcher may still be staged
	if _, err := components.Indexer.Flush(); err != nil {
		logger.Warn("final index build failed", zap.Error(err))
	}
}

func runIndex() {
	fs := flag.NewFlagSet("index", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	serverURL := fs.String("server", "", "server URL (empty = ingest directly into local storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fail("Usage: iris index [flags] <file|directory|archive|list|url>")
	}
	ref := fs.Arg(0)
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fail("%v", err)
	}

	var summary *models.JobSummary
	if *serverURL != "" {
		summary, err = indexViaHTTP(*serverURL, absIfLocal(ref))
	} else {
		cfg, _, logger := setup(*configPath, *debug, true)
		defer logger.Sync()
		ctx, stop := signalContext()
		defer stop()
		components, cerr := initializeComponents(ctx, cfg, logger)
		if cerr != nil {
			fail("Failed to initialize: %v", cerr)
		}
		defer components.Close()
		summary, err = components.Indexer.Index(ctx, ref)
	}
	if summary != nil {
		_ = cli.WriteJobSummary(os.Stdout, summary, format)
	}
	if err != nil {
		fail("Import failed: %v", err)
	}
}

// absIfLocal turns an existing local path into an absolute one so a server
// running elsewhere on the host resolves the same file.
func absIfLocal(ref string) string {
	if _, err := os.Stat(ref); err != nil {
		return ref
	}
	if abs, err := filepath.Abs(ref); err == nil {
		return abs
	}
	return ref
}

func indexViaHTTP(serverURL, ref string) (*models.JobSummary, error) {
	body, err := json.Marshal(map[string]string{"reference": ref})
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/index", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	var summary models.JobSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return &summary, fmt.Errorf("server returned %d: %s", resp.StatusCode, summary.Error)
	}
	return &summary, nil
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = use direct storage when server is not running)")
	k := fs.Int("k", 0, "number of neighbors (default from config)")
	metadata := fs.Bool("metadata", true, "include stored metadata of each result")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fail("Usage: iris search [flags] <image path or url>")
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fail("%v", err)
	}
	query := &models.SearchQuery{Reference: fs.Arg(0), K: *k, ReturnMetadata: *metadata}

	var response *models.SearchResponse
	if *serverURL != "" {
		response, err = searchViaHTTP(*serverURL, query)
	} else {
		cfg, _, logger := setup(*configPath, false, true)
		defer logger.Sync()
		ctx, stop := signalContext()
		defer stop()
		components, cerr := initializeComponents(ctx, cfg, logger)
		if cerr != nil {
			fail("Failed to initialize: %v", cerr)
		}
		defer components.Close()
		response, err = components.Engine.Search(ctx, query)
	}
	if err != nil {
		fail("Search failed: %v", err)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fail("Output failed: %v", err)
	}
}

// searchViaHTTP uploads local files and passes other references through, so
// the query image need not be readable by the server.
func searchViaHTTP(serverURL string, query *models.SearchQuery) (*models.SearchResponse, error) {
	var resp *http.Response
	var err error
	if data, rerr := os.ReadFile(query.Reference); rerr == nil {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, werr := mw.CreateFormFile("image", filepath.Base(query.Reference))
		if werr != nil {
			return nil, werr
		}
		if _, werr := fw.Write(data); werr != nil {
			return nil, werr
		}
		if werr := mw.Close(); werr != nil {
			return nil, werr
		}
		target := fmt.Sprintf("%s/api/v1/search/upload?metadata=%t", serverURL, query.ReturnMetadata)
		if query.K > 0 {
			target += "&k=" + strconv.Itoa(query.K)
		}
		resp, err = http.Post(target, mw.FormDataContentType(), &body)
	} else {
		body, merr := json.Marshal(query)
		if merr != nil {
			return nil, merr
		}
		resp, err = http.Post(serverURL+"/api/v1/search", "application/json", bytes.NewReader(body))
	}
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var response models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

func runGet() {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fail("Usage: iris get [flags] <id>")
	}
	id, err := strconv.ParseUint(fs.Arg(0), 10, 64)
	if err != nil {
		fail("Invalid id %q", fs.Arg(0))
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fail("%v", err)
	}

	cfg, _, logger := setup(*configPath, false, true)
	defer logger.Sync()
	store, err := openStore(cfg, logger)
	if err != nil {
		fail("Failed to open storage: %v", err)
	}
	defer store.Close()
	rec, err := store.Get(context.Background(), id)
	if errors.Is(err, storage.ErrNotFound) {
		fail("Image %d not found", id)
	}
	if err != nil {
		fail("Lookup failed: %v", err)
	}
	_ = cli.WriteImageRecord(os.Stdout, rec, format)
}

// statusResponse is the shape of GET /api/v1/status response.
type statusResponse struct {
	Images         int64                `json:"images"`
	HighestID      *uint64              `json:"highest_id,omitempty"`
	Index          vector.Stats         `json:"index"`
	DiskUsageBytes *int64               `json:"disk_usage_bytes,omitempty"`
	Jobs           []*models.JobSummary `json:"jobs,omitempty"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	var status *statusResponse
	var err error
	if *serverURL != "" {
		status, err = statusViaHTTP(*serverURL)
		if err != nil {
			fail("Status failed: %v", err)
		}
	} else {
		cfg, _, logger := setup(*configPath, false, true)
		defer logger.Sync()
		status, err = localStatus(context.Background(), cfg, logger)
		if err != nil {
			fail("Status failed: %v", err)
		}
	}

	switch *outputFormat {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fail("Output failed: %v", err)
		}
	case "text":
		writeStatusText(os.Stdout, status)
	default:
		fail("Unknown output format %q; use text or json", *outputFormat)
	}
}

// localStatus reads the store and the persisted index without starting an import.
func localStatus(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*statusResponse, error) {
	store, err := openStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	count, err := store.Count(ctx)
	if err != nil {
		return nil, err
	}
	st := &statusResponse{Images: count}
	if highest, ok, err := store.HighestID(ctx); err == nil && ok {
		st.HighestID = &highest
	}
	dims := cfg.Embedding.Dimensions
	if v, ok, _ := store.GetSetting(ctx, settingDimensions); ok {
		dims, _ = strconv.Atoi(v)
	}
	if dims > 0 {
		index, err := vector.NewManager(cfg.Index.Engine, dims, vector.WithEngineOptions(engineOptions(cfg)))
		if err == nil {
			if err := index.Load(cfg.Index.PersistPath); err != nil {
				logger.Warn("index snapshot unreadable", zap.Error(err))
			}
			st.Index = index.Stats()
			_ = index.Close()
		}
	}
	if n, err := storage.DiskUsageBytes(cfg.Storage.DatabasePath, cfg.Storage.ImagesPath, cfg.Storage.CatalogPath, cfg.Index.PersistPath); err == nil {
		st.DiskUsageBytes = &n
	}
	return st, nil
}

func writeStatusText(w io.Writer, s *statusResponse) {
	fmt.Fprintf(w, "images:            %d   # stored records\n", s.Images)
	if s.HighestID != nil {
		fmt.Fprintf(w, "highest_id:        %d\n", *s.HighestID)
	}
	fmt.Fprintf(w, "index_state:       %s\n", s.Index.State)
	fmt.Fprintf(w, "index_engine:      %s (%d dims)\n", s.Index.Engine, s.Index.Dimensions)
	fmt.Fprintf(w, "index_vectors:     %d built, %d staged\n", s.Index.Frozen, s.Index.Staged)
	fmt.Fprintf(w, "index_generation:  %d\n", s.Index.Generation)
	if s.DiskUsageBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:  %d   # storage + indices on disk\n", *s.DiskUsageBytes)
	}
	if len(s.Jobs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "# recent jobs")
		for _, j := range s.Jobs {
			fmt.Fprintf(w, "%s  %-10s %5d ok %5d skipped  %s\n", j.StartedAt.Format(time.DateTime), j.State, j.Succeeded, j.TotalSkipped(), j.Reference)
		}
	}
}

func statusViaHTTP(serverURL string) (*statusResponse, error) {
	resp, err := http.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

func runExport() {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fail("Usage: iris export [flags] <out.tar.xz>")
	}
	cfg, _, logger := setup(*configPath, false, true)
	defer logger.Sync()
	n, err := exportBundle(cfg, fs.Arg(0))
	if err != nil {
		fail("Export failed: %v", err)
	}
	fmt.Printf("Exported %d file(s) to %s\n", n, fs.Arg(0))
}

func runImport() {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	force := fs.Bool("force", false, "replace existing data")
	_ = fs.Parse(os.Args[2:])
	if fs.NArg() < 1 {
		fail("Usage: iris import [flags] <bundle.tar.xz>")
	}
	cfg, _, logger := setup(*configPath, false, true)
	defer logger.Sync()
	n, err := importBundle(cfg, fs.Arg(0), *force)
	if err != nil {
		fail("Import failed: %v", err)
	}
	fmt.Printf("Imported %d file(s) from %s\n", n, fs.Arg(0))
}

// Settings keys pinning the extractor a database was built with.
const (
	settingExtractor  = "extractor"
	settingDimensions = "dimensions"
)

// Components holds initialized services.
type Components struct {
	Store     *storage.SQLiteStorage
	Extractor embedding.Extractor
	Index     *vector.Manager
	Catalog   *catalog.Catalog
	Resolver  *source.Resolver
	Engine    *search.Engine
	Indexer   *indexer.Indexer
}

func (c *Components) Close() {
	if c.Index != nil {
		_ = c.Index.Close()
	}
	if c.Catalog != nil {
		_ = c.Catalog.Close()
	}
	if c.Extractor != nil {
		_ = c.Extractor.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

func openStore(cfg *config.Config, logger *zap.Logger) (*storage.SQLiteStorage, error) {
	return storage.NewSQLiteStorage(cfg.Storage.DatabasePath,
		storage.WithLogger(logger.Named("storage")),
		storage.WithImagesDir(cfg.Storage.ImagesPath),
		storage.WithBucketSize(cfg.Storage.BucketSize),
		storage.WithImportImages(cfg.Storage.ImportImagesOrDefault()),
		storage.WithNormalization(cfg.Storage.ImageWidth, cfg.Storage.ImageHeight,
			imageio.ParseFormat(cfg.Storage.ImageFormat), cfg.Storage.ImageQuality),
	)
}

func engineOptions(cfg *config.Config) vector.EngineOptions {
	return vector.EngineOptions{
		Trees:    cfg.Index.Trees,
		SearchK:  cfg.Index.SearchK,
		LeafSize: cfg.Index.LeafSize,
		Seed:     cfg.Index.Seed,
	}
}

// newExtractor returns the ONNX extractor when a model is configured and loads,
// else the histogram extractor. The name identifies the vector space.
func newExtractor(cfg *config.Config, logger *zap.Logger) (embedding.Extractor, string) {
	if cfg.Embedding.ModelPath != "" {
		ex, err := embedding.NewONNXExtractor(embedding.ONNXConfig{
			ModelPath:  cfg.Embedding.ModelPath,
			Dimensions: cfg.Embedding.Dimensions,
			InputSize:  cfg.Embedding.InputSize,
			InputName:  cfg.Embedding.InputName,
			OutputName: cfg.Embedding.OutputName,
		})
		if err == nil {
			return ex, "onnx:" + filepath.Base(cfg.Embedding.ModelPath)
		}
		logger.Warn("ONNX model unavailable, using histogram extractor", zap.String("model", cfg.Embedding.ModelPath), zap.Error(err))
	}
	return embedding.NewHistogramExtractor(), "histogram"
}

// pinExtractor records the extractor of a fresh database and refuses to mix
// vector spaces afterwards.
func pinExtractor(ctx context.Context, store storage.Store, name string, dims int) error {
	storedName, ok, err := store.GetSetting(ctx, settingExtractor)
	if err != nil {
		return err
	}
	if !ok {
		if err := store.SetSetting(ctx, settingExtractor, name); err != nil {
			return err
		}
		return store.SetSetting(ctx, settingDimensions, strconv.Itoa(dims))
	}
	storedDims, _, err := store.GetSetting(ctx, settingDimensions)
	if err != nil {
		return err
	}
	if storedName != name || storedDims != strconv.Itoa(dims) {
		return fmt.Errorf("database was built with extractor %s (%s dims), configured extractor is %s (%d dims)",
			storedName, storedDims, name, dims)
	}
	return nil
}

func newS3Client(cfg config.S3Config) (*minio.Client, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (c *Components, err error) {
	c = &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Store, err = openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	inner, name := newExtractor(cfg, logger)
	var persistent embedding.Cache
	if cfg.Embedding.CacheDir != "" {
		bc, berr := embedding.NewBadgerCache(cfg.Embedding.CacheDir, name, logger.Named("cache"))
		if berr != nil {
			logger.Warn("persistent vector cache disabled", zap.Error(berr))
		} else {
			persistent = bc
		}
	}
	c.Extractor = embedding.NewCachedExtractor(inner, logger, embedding.NewEmbeddingCache(cfg.Embedding.CacheSize), persistent)
	dims := c.Extractor.Dimensions()
	if err = pinExtractor(ctx, c.Store, name, dims); err != nil {
		return nil, err
	}

	c.Index, err = vector.NewManager(cfg.Index.Engine, dims,
		vector.WithLogger(logger.Named("index")),
		vector.WithEngineOptions(engineOptions(cfg)))
	if err != nil {
		if vector.EngineType(cfg.Index.Engine) == vector.EngineForest {
			return nil, fmt.Errorf("failed to initialize index: %w", err)
		}
		logger.Warn("index engine unavailable, falling back to forest", zap.String("requested", cfg.Index.Engine), zap.Error(err))
		c.Index, err = vector.NewManager(string(vector.EngineForest), dims,
			vector.WithLogger(logger.Named("index")),
			vector.WithEngineOptions(engineOptions(cfg)))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize index: %w", err)
		}
	}
	if err = c.Index.Load(cfg.Index.PersistPath); err != nil {
		return nil, fmt.Errorf("failed to load index snapshot: %w", err)
	}

	c.Catalog, err = catalog.Open(cfg.Storage.CatalogPath, catalog.WithFuzziness(cfg.Search.CatalogFuzziness))
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	srcOpts := []source.Option{
		source.WithLogger(logger.Named("source")),
		source.WithMaxDepth(cfg.Source.MaxDepth),
		source.WithFetchTimeout(cfg.Source.FetchTimeout),
		source.WithRateLimit(cfg.Source.RequestsPerSecond, cfg.Source.Burst),
		source.WithMaxBytes(cfg.Source.MaxBytes),
	}
	if cfg.Source.S3.Endpoint != "" {
		s3, serr := newS3Client(cfg.Source.S3)
		if serr != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", serr)
		}
		srcOpts = append(srcOpts, source.WithS3Client(s3))
	}
	c.Resolver = source.NewResolver(srcOpts...)

	c.Indexer = indexer.NewIndexer(c.Resolver, c.Extractor, c.Store, c.Index,
		indexer.WithLogger(logger.Named("indexer")),
		indexer.WithWorkers(cfg.Indexer.Workers),
		indexer.WithBuildEvery(cfg.Index.BuildEvery),
		indexer.WithBuildOnFinish(cfg.Index.BuildOnFinishOrDefault()),
		indexer.WithPersistPath(cfg.Index.PersistPath),
		indexer.WithCatalog(c.Catalog),
	)
	c.Engine = search.NewEngine(c.Resolver, c.Extractor, c.Index, c.Store,
		search.WithLogger(logger.Named("search")),
		search.WithLimits(cfg.Search.DefaultK, cfg.Search.MaxK),
		search.WithCatalog(c.Catalog),
	)

	// records written after the last snapshot (e.g. a crash mid-job) are re-indexed
	if n, rerr := c.Indexer.Reconcile(ctx); rerr != nil {
		logger.Warn("index reconciliation failed", zap.Error(rerr))
	} else if n > 0 {
		logger.Info("index reconciled with store", zap.Int("recovered", n))
	}
	logger.Debug("components initialized",
		zap.String("extractor", name),
		zap.Int("dimensions", dims),
		zap.Any("index", c.Index.Stats()))
	return c, nil
}

func printUsage() {
	fmt.Println(`iris - reverse image search

Usage:
  iris server [flags]              Start the HTTP server and directory watcher
  iris index [flags] <reference>   Ingest a file, directory, archive, list or URL
  iris search [flags] <image>      Find the most similar stored images
  iris get [flags] <id>            Show the stored metadata of an image
  iris status [flags]              Show storage and index status
  iris export [flags] <out.tar.xz> Export the database, images and indices
  iris import [flags] <bundle>     Restore an exported bundle
  iris version                     Show version
  iris help                        Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/iris/config.yaml)
  --output string    Output format: text or json (index, search, get, status)

Index Flags:
  --server string    Send the job to a running server instead of local storage
  --debug            Enable debug logging

Search Flags:
  --server string    Server URL (default: http://localhost:8080). Use empty (--server "") for direct storage.
  --k int            Number of neighbors (default from config)
  --metadata         Include stored metadata (default: true)

Status Flags:
  --server string    Server URL (default: http://localhost:8080). Use empty (--server "") for direct storage.

Import Flags:
  --force            Replace existing data

Examples:
  iris server
  iris index ~/Pictures
  iris index https://example.com/photos.tar.gz
  iris search ~/Pictures/cat.jpg
  iris search --k 10 --output json https://example.com/query.jpg
  iris get 42
  iris export backup.tar.xz`)
}
