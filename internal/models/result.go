package models

// SearchResult is one ranked neighbor of the query image.
type SearchResult struct {
	ID       uint64       `json:"id"`
	Distance float32      `json:"distance"`
	Rank     int          `json:"rank"`
	Image    *ImageRecord `json:"metadata,omitempty"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Results []*SearchResult `json:"results"`
	Total   int             `json:"total"`
	// Warnings lists identifiers returned by the index that have no stored record.
	Warnings  []string `json:"warnings,omitempty"`
	QueryTime int64    `json:"query_time_ms"`
	Query     string   `json:"query,omitempty"`
}
