// Package models defines core data structures for images, queries, jobs and search results.
package models

import "time"

// ImageRecord is the persisted metadata of one ingested image.
// Records are immutable once written.
type ImageRecord struct {
	ID           uint64    `json:"id" db:"id"`
	Reference    string    `json:"reference" db:"reference"`
	FileName     string    `json:"original_file_name" db:"file_name"`
	OriginalPath string    `json:"original_path" db:"original_path"`
	Size         int64     `json:"original_file_size" db:"size"`
	AccessedAt   time.Time `json:"original_access_time" db:"accessed_at"`
	IngestedAt   time.Time `json:"ingested_at" db:"ingested_at"`
	StoredPath   string    `json:"stored_path,omitempty" db:"stored_path"`
	MimeType     string    `json:"mime_type" db:"mime_type"`
	Width        int       `json:"width" db:"width"`
	Height       int       `json:"height" db:"height"`
	JobID        string    `json:"job_id,omitempty" db:"job_id"`
}

// HumanSize formats Size the way the image catalog shows it, in whole kilobytes.
func (r *ImageRecord) HumanSize() string {
	return formatKB(r.Size)
}

// Provenance describes where a resolved image came from.
type Provenance struct {
	// Reference is the path or URI the bytes were read from.
	Reference    string
	FileName     string
	OriginalPath string
	Size         int64
	AccessedAt   time.Time
	// Via lists enclosing containers (archives, lists), outermost first.
	Via []string
}
