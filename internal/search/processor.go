package search

import (
	"errors"
	"fmt"

	"github.com/hyperjump/iris/internal/models"
)

// ErrInvalidQuery marks a query rejected before any work was done.
var ErrInvalidQuery = errors.New("invalid query")

const (
	// DefaultK is the number of neighbors returned when a query does not ask.
	DefaultK = 4
	// DefaultMaxK caps the neighbors of a single query.
	DefaultMaxK = 100
)

// ProcessQuery validates and applies defaults to the search query.
func ProcessQuery(query *models.SearchQuery, defaultK, maxK int) error {
	if query == nil {
		return fmt.Errorf("%w: nil query", ErrInvalidQuery)
	}
	if defaultK <= 0 {
		defaultK = DefaultK
	}
	if err := query.Validate(defaultK, maxK); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return nil
}
