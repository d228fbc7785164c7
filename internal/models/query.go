package models

import "fmt"

// SearchQuery is a reverse image search request. Exactly one of Reference or Data is set.
type SearchQuery struct {
	Reference      string `json:"reference,omitempty"`
	Data           []byte `json:"-"`
	K              int    `json:"k,omitempty"`
	ReturnMetadata bool   `json:"metadata,omitempty"`
}

// Validate checks the query and clamps K into [1, maxK], using defaultK when unset.
func (q *SearchQuery) Validate(defaultK, maxK int) error {
	if q.Reference == "" && len(q.Data) == 0 {
		return fmt.Errorf("query image cannot be empty")
	}
	if q.Reference != "" && len(q.Data) > 0 {
		return fmt.Errorf("query must have either a reference or image data, not both")
	}
	if q.K <= 0 {
		q.K = defaultK
	}
	if maxK > 0 && q.K > maxK {
		q.K = maxK
	}
	return nil
}
