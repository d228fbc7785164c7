package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/iris/internal/imageio"
	"github.com/hyperjump/iris/internal/models"
)

const (
	DefaultBucketSize = 1000
	DefaultMaxWidth   = 800
	DefaultMaxHeight  = 600
	DefaultQuality    = 80
)

// SQLiteStorage implements Store with SQLite records and a bucketed directory
// of normalized image copies.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string

	imagesDir    string
	bucketSize   uint64
	importImages bool
	maxW, maxH   int
	format       imageio.Format
	quality      int

	// mu serializes identifier allocation for this instance.
	mu     sync.Mutex
	logger *zap.Logger
}

// Option configures SQLiteStorage.
type Option func(*SQLiteStorage)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *SQLiteStorage) { s.logger = logger }
}

// WithImagesDir sets the root of the bucketed image copies.
func WithImagesDir(dir string) Option {
	return func(s *SQLiteStorage) { s.imagesDir = dir }
}

// WithBucketSize sets how many identifiers share one directory.
func WithBucketSize(n int) Option {
	return func(s *SQLiteStorage) {
		if n > 0 {
			s.bucketSize = uint64(n)
		}
	}
}

// WithImportImages controls whether normalized copies are written.
func WithImportImages(v bool) Option {
	return func(s *SQLiteStorage) { s.importImages = v }
}

// WithNormalization sets the bounding box and encoding of normalized copies.
func WithNormalization(maxW, maxH int, format imageio.Format, quality int) Option {
	return func(s *SQLiteStorage) {
		if maxW > 0 && maxH > 0 {
			s.maxW, s.maxH = maxW, maxH
		}
		s.format = format
		if quality > 0 {
			s.quality = quality
		}
	}
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. Image copies default to an
// "images" directory next to the database.
func NewSQLiteStorage(dbPath string, opts ...Option) (*SQLiteStorage, error) {
	s := &SQLiteStorage{
		dbPath:       dbPath,
		bucketSize:   DefaultBucketSize,
		importImages: true,
		maxW:         DefaultMaxWidth,
		maxH:         DefaultMaxHeight,
		format:       imageio.FormatJPEG,
		quality:      DefaultQuality,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	memory := dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:")
	if s.imagesDir == "" && !memory {
		s.imagesDir = filepath.Join(filepath.Dir(dbPath), "images")
	}
	if !memory {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	if s.imagesDir == "" {
		s.importImages = false
	}

	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.db = db
	return s, nil
}

func dsn(dbPath string) string {
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return dbPath + sep + "_txlock=immediate&_busy_timeout=5000"
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY,
		reference TEXT NOT NULL,
		file_name TEXT NOT NULL,
		original_path TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL,
		accessed_at TIMESTAMP NOT NULL,
		ingested_at TIMESTAMP NOT NULL,
		stored_path TEXT NOT NULL DEFAULT '',
		mime_type TEXT NOT NULL DEFAULT '',
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		job_id TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_images_reference ON images(reference);
	CREATE INDEX IF NOT EXISTS idx_images_job_id ON images(job_id);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := db.Exec(schema)
	return err
}

// bucketPath returns the path of id's copy relative to the images directory.
func (s *SQLiteStorage) bucketPath(id uint64) string {
	return filepath.Join(strconv.FormatUint(id/s.bucketSize, 10), strconv.FormatUint(id, 10)+s.format.Ext())
}

// AllocateAndPersist decodes and normalizes data, then reserves the next identifier
// and writes the copy and record under the allocation lock.
func (s *SQLiteStorage) AllocateAndPersist(ctx context.Context, data []byte, prov models.Provenance, jobID string) (*models.ImageRecord, error) {
	norm, err := imageio.Normalize(data, s.maxW, s.maxH, s.format, s.quality)
	if err != nil {
		return nil, &StorageError{Op: "normalize", Err: fmt.Errorf("%w: %v", ErrUnsupportedImage, err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	var next uint64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id) + 1, 0) FROM images`).Scan(&next); err != nil {
		return nil, &StorageError{Op: "allocate", Err: err}
	}

	rec := &models.ImageRecord{
		ID:           next,
		Reference:    prov.Reference,
		FileName:     prov.FileName,
		OriginalPath: prov.OriginalPath,
		Size:         prov.Size,
		AccessedAt:   prov.AccessedAt.UTC(),
		IngestedAt:   time.Now().UTC(),
		MimeType:     norm.Mime,
		Width:        norm.Width,
		Height:       norm.Height,
		JobID:        jobID,
	}
	if rec.Size == 0 {
		rec.Size = int64(len(data))
	}

	var written string
	if s.importImages {
		rec.StoredPath = s.bucketPath(next)
		written = filepath.Join(s.imagesDir, rec.StoredPath)
		if err := writeAtomic(written, norm.Data); err != nil {
			return nil, &StorageError{Op: "write image", Err: err}
		}
	} else {
		// no copy is kept, so the record describes the source
		rec.MimeType = norm.Source
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO images (id, reference, file_name, original_path, size, accessed_at, ingested_at, stored_path, mime_type, width, height, job_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Reference, rec.FileName, rec.OriginalPath, rec.Size, rec.AccessedAt, rec.IngestedAt,
		rec.StoredPath, rec.MimeType, rec.Width, rec.Height, rec.JobID,
	)
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		if written != "" {
			_ = os.Remove(written)
		}
		return nil, &StorageError{Op: "insert", Err: err}
	}
	return rec, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

const selectImage = `SELECT id, reference, file_name, original_path, size, accessed_at, ingested_at, stored_path, mime_type, width, height, job_id FROM images`

type scanner interface {
	Scan(dest ...any) error
}

func scanImage(row scanner) (*models.ImageRecord, error) {
	var rec models.ImageRecord
	err := row.Scan(&rec.ID, &rec.Reference, &rec.FileName, &rec.OriginalPath, &rec.Size, &rec.AccessedAt,
		&rec.IngestedAt, &rec.StoredPath, &rec.MimeType, &rec.Width, &rec.Height, &rec.JobID)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns the record for id.
func (s *SQLiteStorage) Get(ctx context.Context, id uint64) (*models.ImageRecord, error) {
	rec, err := scanImage(s.db.QueryRowContext(ctx, selectImage+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Err: err}
	}
	return rec, nil
}

// HighestID returns the largest identifier in the store.
func (s *SQLiteStorage) HighestID(ctx context.Context) (uint64, bool, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM images`).Scan(&id); err != nil {
		return 0, false, &StorageError{Op: "highest id", Err: err}
	}
	if !id.Valid {
		return 0, false, nil
	}
	return uint64(id.Int64), true, nil
}

// List returns records ordered by identifier.
func (s *SQLiteStorage) List(ctx context.Context, offset, limit int) ([]*models.ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectImage+` ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, &StorageError{Op: "list", Err: err}
	}
	defer rows.Close()

	var recs []*models.ImageRecord
	for rows.Next() {
		rec, err := scanImage(rows)
		if err != nil {
			return nil, &StorageError{Op: "list", Err: err}
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Count returns the number of records.
func (s *SQLiteStorage) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images`).Scan(&count)
	return count, err
}

// HasReference reports whether any record was ingested from ref.
func (s *SQLiteStorage) HasReference(ctx context.Context, ref string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM images WHERE reference = ? LIMIT 1`, ref).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// ImagePath returns the absolute path of rec's normalized copy, or "" when copies are not kept.
func (s *SQLiteStorage) ImagePath(rec *models.ImageRecord) string {
	if rec.StoredPath == "" || s.imagesDir == "" {
		return ""
	}
	return filepath.Join(s.imagesDir, rec.StoredPath)
}

// OpenImage opens the normalized copy of id.
func (s *SQLiteStorage) OpenImage(ctx context.Context, id uint64) (io.ReadCloser, *models.ImageRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p := s.ImagePath(rec)
	if p == "" {
		return nil, rec, fmt.Errorf("%w: no stored copy for %d", ErrNotFound, id)
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rec, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return nil, rec, &StorageError{Op: "open image", Err: err}
	}
	return f, rec, nil
}

// GetSetting reads a persisted setting.
func (s *SQLiteStorage) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetSetting writes a persisted setting.
func (s *SQLiteStorage) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	return err
}

// DiskUsage returns the bytes used by the database and image copies.
func (s *SQLiteStorage) DiskUsage() (int64, error) {
	return DiskUsageBytes(s.dbPath, s.dbPath+"-wal", s.imagesDir)
}

// ImagesDir returns the root of the bucketed image copies.
func (s *SQLiteStorage) ImagesDir() string {
	return s.imagesDir
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
