package source

import (
	"errors"
	"fmt"
)

var (
	// ErrNotImage marks an item that is not an image, container or reference list.
	ErrNotImage = errors.New("not an image")
	// ErrTooDeep marks a container nested deeper than the configured limit.
	ErrTooDeep = errors.New("maximum nesting depth exceeded")
	// ErrUnsupported marks a reference whose scheme or format cannot be resolved.
	ErrUnsupported = errors.New("unsupported reference")
	// ErrTooLarge marks a payload larger than the configured read limit.
	ErrTooLarge = errors.New("payload too large")
)

// ResolutionError reports a reference that could not be resolved.
type ResolutionError struct {
	Ref string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Ref, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// FetchError reports a failed remote read.
type FetchError struct {
	Ref        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.Ref, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.Ref, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError reports whether err was caused by a remote read.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
