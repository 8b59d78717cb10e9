// Package storage persists assets, renditions, and owner links behind a
// Store contract with in-memory and Postgres backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"assetpipe/internal/models"
)

// ErrPersistenceFailed marks datastore failures so callers can classify them
// as transient and retry.
var ErrPersistenceFailed = errors.New("persistence failed")

func wrapPersistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistenceFailed, op, err)
}

// Store is the persistence contract the ingestion pipeline runs against.
// Lookups that find nothing return ok=false with a nil error; genuine
// datastore failures wrap ErrPersistenceFailed.
type Store interface {
	Ping(ctx context.Context) error

	// WithTx runs fn against a transaction-scoped view of the store. A nil
	// return commits; any error rolls every write back.
	WithTx(ctx context.Context, fn func(Store) error) error

	// InsertAsset assigns the id and creation timestamps in place.
	InsertAsset(ctx context.Context, asset *models.Asset) error
	UpdateAsset(ctx context.Context, asset *models.Asset) error
	GetAsset(ctx context.Context, id int64) (models.Asset, bool, error)
	DeleteAsset(ctx context.Context, id int64) error

	// ClaimAsset executes the conditional status update that serialises
	// concurrent workers: queued or failed rows move to processing and the
	// claim is granted; any other state leaves the row untouched.
	ClaimAsset(ctx context.Context, id int64) (bool, error)

	FindReadyByChecksum(ctx context.Context, sha1 string) (models.Asset, bool, error)
	FindFailedOlderThan(ctx context.Context, cutoff time.Time) ([]models.Asset, error)
	FindQueuedOlderThan(ctx context.Context, cutoff time.Time) ([]models.Asset, error)

	InsertRendition(ctx context.Context, rendition *models.Rendition) error
	ListRenditionsByAsset(ctx context.Context, assetID int64) ([]models.Rendition, error)
	CountRenditionsByAsset(ctx context.Context, assetID int64) (int, error)
	DeleteRendition(ctx context.Context, id int64) error

	InsertOwnerLink(ctx context.Context, link *models.OwnerLink) error
	ListOwnerLinksByAsset(ctx context.Context, assetID int64) ([]models.OwnerLink, error)
	DeleteOwnerLink(ctx context.Context, id int64) error
}
