// Package source lists and fetches documents from the two ingestion origins.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/mfenderov/specialist/pkg/models"
)

// Reader is the capability shared by both origins. ListCandidates is cheap and
// never fetches bodies; FetchBody returns the full normalized document.
// ListCandidates may return candidates together with an ErrPartialListing error.
type Reader interface {
	Origin() models.Origin
	ListCandidates(ctx context.Context) ([]models.Candidate, error)
	FetchBody(ctx context.Context, c models.Candidate) (*models.RawDocument, error)
}

// ErrPartialListing marks a ListCandidates error returned together with the
// candidates that could be listed. Callers may ingest them but must not treat
// a missing source as deleted.
var ErrPartialListing = errors.New("partial listing")

func partial(op string, err error) error {
	return &models.Error{Kind: models.KindOriginUnavailable, Op: op, Err: fmt.Errorf("%w: %w", ErrPartialListing, err)}
}

func unavailable(op string, err error) error {
	return &models.Error{Kind: models.KindOriginUnavailable, Op: op, Err: err}
}

func fetchFailed(op, sourceID string, err error) error {
	return &models.Error{Kind: models.KindOriginUnavailable, Op: op, SourceID: sourceID, Err: err}
}
