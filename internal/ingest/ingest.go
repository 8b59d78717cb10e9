// Package ingest orchestrates the media pipeline: it validates incoming
// bytes, renders the configured variants, uploads them as an atomic batch,
// and persists the resulting asset rows. Synchronous operations do all of
// that inline; enqueue operations persist a queued row and hand the heavy
// work to a worker via the message bus.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"assetpipe/internal/bus"
	"assetpipe/internal/dedup"
	"assetpipe/internal/models"
	"assetpipe/internal/objectstore"
	"assetpipe/internal/profile"
	"assetpipe/internal/render"
	"assetpipe/internal/storage"
)

// ObjectStore is the slice of the object store the pipeline uses.
type ObjectStore interface {
	PutMultiple(ctx context.Context, files []objectstore.File) error
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

// Publisher pushes processing jobs onto the message bus.
type Publisher interface {
	PublishProcess(ctx context.Context, msg bus.ProcessMessage) error
}

// Downloader fetches remote source bytes.
type Downloader interface {
	Download(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Spool parks upload bytes on disk between enqueue and processing.
type Spool interface {
	SaveBytes(data []byte, ext string) (string, error)
	Remove(path string)
}

// Owner identifies the entity an ingested asset belongs to. Type is a
// free-form entity name ("user", "channel"), Role distinguishes multiple
// assets on the same owner ("avatar", "banner"), and Sort orders galleries.
type Owner struct {
	Type string
	ID   int64
	Role string
	Sort int
}

// Deps collects the collaborators a Service runs against. Store, Profiles,
// Engine, and Objects are required. Publisher and Spool gate the enqueue
// operations, Downloader gates the remote ones; leaving any of them nil
// turns the dependent operations into errors.
type Deps struct {
	Store      storage.Store
	Profiles   *profile.Registry
	Engine     *render.Engine
	Objects    ObjectStore
	Publisher  Publisher
	Downloader Downloader
	Spool      Spool
	Cache      dedup.Cache
	Logger     *slog.Logger
}

// Service is the ingestion pipeline. All operations are safe for concurrent
// use.
type Service struct {
	store     storage.Store
	profiles  *profile.Registry
	engine    *render.Engine
	objects   ObjectStore
	publisher Publisher
	download  Downloader
	spool     Spool
	cache     dedup.Cache
	logger    *slog.Logger
}

// New validates the dependency set and builds a Service.
func New(deps Deps) (*Service, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("ingest: store is required")
	case deps.Profiles == nil:
		return nil, errors.New("ingest: profile registry is required")
	case deps.Engine == nil:
		return nil, errors.New("ingest: render engine is required")
	case deps.Objects == nil:
		return nil, errors.New("ingest: object store is required")
	}
	cache := deps.Cache
	if cache == nil {
		cache = dedup.Noop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     deps.Store,
		profiles:  deps.Profiles,
		engine:    deps.Engine,
		objects:   deps.Objects,
		publisher: deps.Publisher,
		download:  deps.Downloader,
		spool:     deps.Spool,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Profile exposes the registry lookup so callers can validate profile names
// before building requests.
func (s *Service) Profile(name string) (profile.Profile, error) {
	return s.profiles.Get(name)
}

// PublicURL resolves an object key to its public address.
func (s *Service) PublicURL(key string) string {
	return s.objects.PublicURL(key)
}

// RenditionURLs maps every stored rendition of an asset to its public URL,
// keyed "variant.codec".
func (s *Service) RenditionURLs(ctx context.Context, assetID int64) (map[string]string, error) {
	renditions, err := s.store.ListRenditionsByAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	urls := make(map[string]string, len(renditions))
	for _, r := range renditions {
		urls[r.Variant+"."+string(r.Codec)] = s.objects.PublicURL(r.Key)
	}
	return urls, nil
}

func (s *Service) requireDownloader() error {
	if s.download == nil {
		return errors.New("ingest: no downloader configured")
	}
	return nil
}

func (s *Service) requirePublisher() error {
	if s.publisher == nil {
		return errors.New("ingest: no publisher configured")
	}
	return nil
}

func (s *Service) requireSpool() error {
	if s.spool == nil {
		return errors.New("ingest: no temp spool configured")
	}
	return nil
}

func ownerLinkFor(owner Owner, assetID int64) models.OwnerLink {
	return models.OwnerLink{
		OwnerType: owner.Type,
		OwnerID:   owner.ID,
		AssetID:   assetID,
		Role:      owner.Role,
		Sort:      owner.Sort,
	}
}
