// Package fetcher resolves media resources to variant catalogs from remote
// catalog services, HLS master playlists, or precomputed inline payloads.
package fetcher

import (
	"context"
	"errors"

	"github.com/agleyzer/flexrate/internal/variant"
)

var (
	// ErrNoSources is returned when a catalog lists no usable variants.
	ErrNoSources = errors.New("catalog contains no sources")
	// ErrBadPayload is returned when a catalog body cannot be decoded.
	ErrBadPayload = errors.New("malformed catalog payload")
)

// Result is a fetched catalog before normalization.
type Result struct {
	// Records are the variants as reported by the source
	Records []variant.Record

	// Metadata is carried through to the catalog untouched
	Metadata variant.Metadata
}

// Fetcher resolves a resource identifier to its raw variant list.
type Fetcher interface {
	Fetch(ctx context.Context, resourceID, hostURL string) (*Result, error)
}

// InlineFetcher serves precomputed catalogs without a network round trip.
// It reports false when the payload is absent or malformed.
type InlineFetcher interface {
	FetchInline(payloadID string) (*Result, bool)
}
