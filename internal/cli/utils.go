// Package cli formats Iris results for the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/hyperjump/iris/internal/models"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat maps a flag value to a format, defaulting to text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text":
		return OutputText, nil
	case "json":
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d similar images in %dms\n\n", response.Total, response.QueryTime)
	for _, r := range response.Results {
		fmt.Fprintf(w, "%3d. id=%-8d distance=%.4f", r.Rank, r.ID, r.Distance)
		if r.Image != nil {
			fmt.Fprintf(w, "  %s", Truncate(displayPath(r.Image), 80))
		}
		fmt.Fprintln(w)
	}
	for _, warn := range response.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	return nil
}

// WriteJobSummary writes the outcome of an import job.
func WriteJobSummary(w io.Writer, s *models.JobSummary, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, s)
	}
	fmt.Fprintf(w, "Job %s %s (%s) in %s\n", s.JobID, s.State, s.Reference, s.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  ingested: %d", s.Succeeded)
	if s.FirstID != nil && s.LastID != nil {
		fmt.Fprintf(w, " (ids %d-%d)", *s.FirstID, *s.LastID)
	}
	fmt.Fprintln(w)
	if n := s.TotalSkipped(); n > 0 {
		reasons := make([]string, 0, len(s.Skipped))
		for r := range s.Skipped {
			reasons = append(reasons, string(r))
		}
		slices.Sort(reasons)
		parts := make([]string, 0, len(reasons))
		for _, r := range reasons {
			parts = append(parts, fmt.Sprintf("%s=%d", r, s.Skipped[models.SkipReason(r)]))
		}
		fmt.Fprintf(w, "  skipped:  %d (%s)\n", n, strings.Join(parts, ", "))
		for _, it := range s.Samples {
			fmt.Fprintf(w, "    %-18s %s: %s\n", it.Reason, Truncate(it.Reference, 60), it.Error)
		}
	}
	fmt.Fprintf(w, "  builds:   %d\n", s.Builds)
	if s.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", s.Error)
	}
	return nil
}

// WriteImageRecord writes one stored record.
func WriteImageRecord(w io.Writer, rec *models.ImageRecord, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, rec)
	}
	fmt.Fprintf(w, "ID:          %d\n", rec.ID)
	fmt.Fprintf(w, "File name:   %s\n", rec.FileName)
	fmt.Fprintf(w, "Origin:      %s\n", rec.OriginalPath)
	fmt.Fprintf(w, "Reference:   %s\n", rec.Reference)
	fmt.Fprintf(w, "Size:        %s\n", rec.HumanSize())
	fmt.Fprintf(w, "Accessed:    %s\n", rec.AccessedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Ingested:    %s\n", rec.IngestedAt.Format("2006-01-02 15:04:05"))
	if rec.Width > 0 {
		fmt.Fprintf(w, "Dimensions:  %dx%d %s\n", rec.Width, rec.Height, rec.MimeType)
	}
	if rec.StoredPath != "" {
		fmt.Fprintf(w, "Stored copy: %s\n", rec.StoredPath)
	}
	return nil
}

// PrintSearchResults prints search results to stdout in text format.
func PrintSearchResults(response *models.SearchResponse) {
	_ = WriteSearchResults(os.Stdout, response, OutputText)
}

func displayPath(rec *models.ImageRecord) string {
	if rec.OriginalPath == "" {
		return rec.FileName
	}
	if strings.Contains(rec.OriginalPath, "://") {
		return strings.TrimSuffix(rec.OriginalPath, "/") + "/" + rec.FileName
	}
	return rec.OriginalPath + string(os.PathSeparator) + rec.FileName
}

// Truncate shortens s to maxLen, keeping the tail, which for paths is the
// informative end.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 || len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-(maxLen-3):]
}
