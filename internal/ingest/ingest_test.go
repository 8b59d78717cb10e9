package ingest

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"assetpipe/internal/bus"
	"assetpipe/internal/models"
	"assetpipe/internal/objectstore"
	"assetpipe/internal/profile"
	"assetpipe/internal/render"
	"assetpipe/internal/spool"
	"assetpipe/internal/storage"
)

type fakeObjects struct {
	mu            sync.Mutex
	objects       map[string][]byte
	deletes       []string
	batches       int
	failPut       error
	failDeleteKey string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (f *fakeObjects) PutMultiple(ctx context.Context, files []objectstore.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
	if f.failPut != nil {
		// A failed batch deletes whatever it uploaded, so nothing lands.
		return f.failPut
	}
	for _, file := range files {
		f.objects[file.Key] = file.Body
	}
	return nil
}

func (f *fakeObjects) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key == f.failDeleteKey {
		return errors.New("delete refused")
	}
	delete(f.objects, key)
	f.deletes = append(f.deletes, key)
	return nil
}

func (f *fakeObjects) PublicURL(key string) string {
	return "https://cdn.test/" + key
}

func (f *fakeObjects) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []bus.ProcessMessage
	err      error
}

func (f *fakePublisher) PublishProcess(ctx context.Context, msg bus.ProcessMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakePublisher) published() []bus.ProcessMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.ProcessMessage(nil), f.messages...)
}

type fakeDownloader struct {
	mu       sync.Mutex
	payloads map[string][]byte
	err      error
	calls    int
}

func (f *fakeDownloader) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, "", f.err
	}
	data, ok := f.payloads[rawURL]
	if !ok {
		return nil, "", errors.New("no payload for " + rawURL)
	}
	return data, "image/jpeg", nil
}

func (f *fakeDownloader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]int64
	stores  int
	forgets int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]int64)}
}

func (c *fakeCache) Lookup(ctx context.Context, checksum string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.entries[checksum]
	return id, ok
}

func (c *fakeCache) Store(ctx context.Context, checksum string, assetID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[checksum] = assetID
	c.stores++
}

func (c *fakeCache) Forget(ctx context.Context, checksum string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, checksum)
	c.forgets++
}

func (c *fakeCache) Close() error { return nil }

// hookedStore lets a test fail a single store method while everything else
// passes through, inside and outside transactions.
type hookedStore struct {
	storage.Store
	insertOwnerLinkErr error
}

func (h *hookedStore) WithTx(ctx context.Context, fn func(storage.Store) error) error {
	return h.Store.WithTx(ctx, func(tx storage.Store) error {
		return fn(&hookedStore{Store: tx, insertOwnerLinkErr: h.insertOwnerLinkErr})
	})
}

func (h *hookedStore) InsertOwnerLink(ctx context.Context, link *models.OwnerLink) error {
	if h.insertOwnerLinkErr != nil {
		return h.insertOwnerLinkErr
	}
	return h.Store.InsertOwnerLink(ctx, link)
}

type fixture struct {
	service    *Service
	store      *storage.Memory
	objects    *fakeObjects
	publisher  *fakePublisher
	downloader *fakeDownloader
	spool      *spool.Spool
	cache      *fakeCache
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testProfiles configures "avatar": a single 100x100 contain variant named
// "t" under prefix "p", JPEG only, no retained original.
func testProfiles() map[string]profile.Config {
	return map[string]profile.Config{
		"avatar": {
			Prefix: "p",
			Codecs: []string{"jpeg"},
			Variants: profile.VariantList{
				{Name: "t", Width: 100, Height: 100, Fit: "contain"},
			},
		},
	}
}

func newFixture(t *testing.T, profiles map[string]profile.Config) *fixture {
	t.Helper()
	registry, err := profile.Parse(profiles)
	if err != nil {
		t.Fatalf("parse profiles: %v", err)
	}
	engine, err := render.New(render.Config{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	sp, err := spool.New(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("new spool: %v", err)
	}
	f := &fixture{
		store:      storage.NewMemory(),
		objects:    newFakeObjects(),
		publisher:  &fakePublisher{},
		downloader: &fakeDownloader{payloads: make(map[string][]byte)},
		spool:      sp,
		cache:      newFakeCache(),
	}
	f.service, err = New(Deps{
		Store:      f.store,
		Profiles:   registry,
		Engine:     engine,
		Objects:    f.objects,
		Publisher:  f.publisher,
		Downloader: f.downloader,
		Spool:      f.spool,
		Cache:      f.cache,
		Logger:     discardLogger(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return f
}

// allowHost routes URL checks for the given host to a public address for the
// duration of the test.
func allowHost(t *testing.T, host string) {
	t.Helper()
	prev := lookupIP
	lookupIP = func(ctx context.Context, h string) ([]net.IP, error) {
		if h == host {
			return []net.IP{net.ParseIP("203.0.113.10")}, nil
		}
		return prev(ctx, h)
	}
	t.Cleanup(func() { lookupIP = prev })
}

// spoolFiles counts the regular files below the spool root.
func spoolFiles(t *testing.T, root string) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk spool: %v", err)
	}
	return count
}

func TestNewRequiresCoreDependencies(t *testing.T) {
	registry, err := profile.Parse(testProfiles())
	if err != nil {
		t.Fatalf("parse profiles: %v", err)
	}
	engine, err := render.New(render.Config{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	base := Deps{
		Store:    storage.NewMemory(),
		Profiles: registry,
		Engine:   engine,
		Objects:  newFakeObjects(),
	}
	if _, err := New(base); err != nil {
		t.Fatalf("minimal deps rejected: %v", err)
	}

	for name, mutate := range map[string]func(*Deps){
		"store":    func(d *Deps) { d.Store = nil },
		"profiles": func(d *Deps) { d.Profiles = nil },
		"engine":   func(d *Deps) { d.Engine = nil },
		"objects":  func(d *Deps) { d.Objects = nil },
	} {
		deps := base
		mutate(&deps)
		if _, err := New(deps); err == nil {
			t.Errorf("missing %s accepted", name)
		}
	}
}

func TestOptionalDependenciesGateOperations(t *testing.T) {
	registry, err := profile.Parse(testProfiles())
	if err != nil {
		t.Fatalf("parse profiles: %v", err)
	}
	engine, err := render.New(render.Config{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	svc, err := New(Deps{
		Store:    storage.NewMemory(),
		Profiles: registry,
		Engine:   engine,
		Objects:  newFakeObjects(),
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	if _, err := svc.UploadRemote(ctx, "https://example.com/a.jpg", "avatar", Owner{}); err == nil {
		t.Error("UploadRemote without downloader succeeded")
	}
	if _, err := svc.EnqueueRemote(ctx, "https://example.com/a.jpg", "avatar", Owner{}); err == nil {
		t.Error("EnqueueRemote without publisher succeeded")
	}
	if _, err := svc.EnqueueLocal(ctx, []byte("x"), "avatar", Owner{}); err == nil {
		t.Error("EnqueueLocal without spool succeeded")
	}
}
