package store

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers map these to RPC wire codes;
// the store itself never retries.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvariant     = errors.New("invariant violation")
)

// AmbiguousPrefixError reports a short-id prefix matching several rows.
type AmbiguousPrefixError struct {
	Prefix     string
	Candidates []string
}

func (e *AmbiguousPrefixError) Error() string {
	return fmt.Sprintf("id prefix %q is ambiguous (%d candidates)", e.Prefix, len(e.Candidates))
}

// notFound wraps ErrNotFound with a resource description.
func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// alreadyExists wraps ErrAlreadyExists with a resource description.
func alreadyExists(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrAlreadyExists)
}
