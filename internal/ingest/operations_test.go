package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"assetpipe/internal/models"
	"assetpipe/internal/profile"
	"assetpipe/internal/testsupport"
)

func TestUploadLocal(t *testing.T) {
	f := newFixture(t, testProfiles())
	data := testsupport.EncodeJPEG(t, 400, 200)

	asset, err := f.service.UploadLocal(context.Background(), data, "avatar", Owner{Type: "T", ID: 7, Role: "avatar"})
	if err != nil {
		t.Fatalf("UploadLocal: %v", err)
	}

	if asset.Status != models.AssetStatusReady {
		t.Fatalf("status = %q, want ready", asset.Status)
	}
	if asset.Source != models.SourceUpload {
		t.Fatalf("source = %q", asset.Source)
	}

	wantKey := fmt.Sprintf("p/T/7/%d/t.jpg", asset.ID)
	keys := f.objects.keys()
	if len(keys) != 1 || keys[0] != wantKey {
		t.Fatalf("uploaded keys = %v, want [%s]", keys, wantKey)
	}

	renditions, err := f.store.ListRenditionsByAsset(context.Background(), asset.ID)
	if err != nil {
		t.Fatalf("list renditions: %v", err)
	}
	if len(renditions) != 1 {
		t.Fatalf("rendition rows = %d, want 1", len(renditions))
	}
	r := renditions[0]
	if r.Key != wantKey || r.Variant != "t" || r.Codec != models.CodecJPEG {
		t.Fatalf("rendition = %+v", r)
	}
	// 400x200 contained in 100x100 keeps the aspect ratio.
	if r.Width != 100 || r.Height != 50 {
		t.Fatalf("rendition is %dx%d, want 100x50", r.Width, r.Height)
	}

	links, err := f.store.ListOwnerLinksByAsset(context.Background(), asset.ID)
	if err != nil {
		t.Fatalf("list owner links: %v", err)
	}
	if len(links) != 1 || links[0].OwnerType != "T" || links[0].OwnerID != 7 || links[0].Role != "avatar" {
		t.Fatalf("owner links = %+v", links)
	}

	if got := len(f.publisher.published()); got != 0 {
		t.Fatalf("synchronous upload published %d messages", got)
	}
	if id, ok := f.cache.Lookup(context.Background(), asset.ChecksumSHA1); !ok || id != asset.ID {
		t.Fatalf("cache entry = (%d, %t), want (%d, true)", id, ok, asset.ID)
	}
}

func TestUploadLocalRejectsBadInput(t *testing.T) {
	f := newFixture(t, testProfiles())

	if _, err := f.service.UploadLocal(context.Background(), []byte("not an image"), "avatar", Owner{}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("garbage bytes: %v", err)
	}
	if _, err := f.service.UploadLocal(context.Background(), nil, "avatar", Owner{}); !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("empty bytes: %v", err)
	}
	data := testsupport.EncodeJPEG(t, 8, 8)
	if _, err := f.service.UploadLocal(context.Background(), data, "ghost", Owner{}); !errors.Is(err, profile.ErrUnknown) {
		t.Fatalf("unknown profile: %v", err)
	}
	if got := len(f.objects.keys()); got != 0 {
		t.Fatalf("rejected uploads still stored %d objects", got)
	}
}

func TestUploadBatchFailureLeavesNothingBehind(t *testing.T) {
	f := newFixture(t, testProfiles())
	f.objects.failPut = errors.New("bucket on fire")
	data := testsupport.EncodeJPEG(t, 400, 200)

	_, err := f.service.UploadLocal(context.Background(), data, "avatar", Owner{Type: "T", ID: 7})
	if err == nil {
		t.Fatal("UploadLocal succeeded despite failing uploads")
	}

	if got := len(f.objects.keys()); got != 0 {
		t.Fatalf("%d objects survived the failed batch", got)
	}
	if _, found, err := f.store.GetAsset(context.Background(), 1); err != nil {
		t.Fatalf("get asset: %v", err)
	} else if found {
		t.Fatal("asset row survived the rollback")
	}
	if _, found, err := f.store.FindReadyByChecksum(context.Background(), checksumOf(data)); err != nil {
		t.Fatalf("find by checksum: %v", err)
	} else if found {
		t.Fatal("checksum lookup finds a rolled-back asset")
	}
}

func TestUploadRemote(t *testing.T) {
	f := newFixture(t, testProfiles())
	allowHost(t, "images.example.com")
	const source = "https://images.example.com/cat.jpg"
	data := testsupport.EncodeJPEG(t, 400, 200)
	f.downloader.payloads[source] = data

	asset, err := f.service.UploadRemote(context.Background(), source, "avatar", Owner{Type: "T", ID: 7})
	if err != nil {
		t.Fatalf("UploadRemote: %v", err)
	}
	if asset.Source != models.SourceRemote || asset.SourceURL != source {
		t.Fatalf("asset source = %q %q", asset.Source, asset.SourceURL)
	}
	if asset.Status != models.AssetStatusReady {
		t.Fatalf("status = %q", asset.Status)
	}
	if f.downloader.callCount() != 1 {
		t.Fatalf("downloads = %d, want 1", f.downloader.callCount())
	}
}

func TestUploadRemoteBlocksPrivateTargets(t *testing.T) {
	f := newFixture(t, testProfiles())

	_, err := f.service.UploadRemote(context.Background(), "http://10.0.0.1/secret.jpg", "avatar", Owner{})
	if !errors.Is(err, ErrValidationFailed) {
		t.Fatalf("private target: %v", err)
	}
	if f.downloader.callCount() != 0 {
		t.Fatalf("downloader was called %d times for a blocked url", f.downloader.callCount())
	}
}

func TestEnqueueRemote(t *testing.T) {
	f := newFixture(t, testProfiles())
	allowHost(t, "images.example.com")
	const source = "https://images.example.com/cat.jpg"

	asset, err := f.service.EnqueueRemote(context.Background(), source, "avatar", Owner{Type: "T", ID: 7, Role: "avatar"})
	if err != nil {
		t.Fatalf("EnqueueRemote: %v", err)
	}
	if asset.Status != models.AssetStatusQueued {
		t.Fatalf("status = %q, want queued", asset.Status)
	}
	if f.downloader.callCount() != 0 {
		t.Fatalf("enqueue downloaded %d times", f.downloader.callCount())
	}

	messages := f.publisher.published()
	if len(messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(messages))
	}
	if messages[0].AssetID != asset.ID || messages[0].TempFilePath != "" {
		t.Fatalf("message = %+v", messages[0])
	}

	links, err := f.store.ListOwnerLinksByAsset(context.Background(), asset.ID)
	if err != nil {
		t.Fatalf("list owner links: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("owner links = %d, want 1", len(links))
	}
	if got := len(f.objects.keys()); got != 0 {
		t.Fatalf("enqueue uploaded %d objects", got)
	}
}

func TestEnqueueRemotePublishFailureKeepsRow(t *testing.T) {
	f := newFixture(t, testProfiles())
	allowHost(t, "images.example.com")
	f.publisher.err = errors.New("broker down")

	asset, err := f.service.EnqueueRemote(context.Background(), "https://images.example.com/cat.jpg", "avatar", Owner{Type: "T", ID: 7})
	if err != nil {
		t.Fatalf("EnqueueRemote: %v", err)
	}

	stored, found, err := f.store.GetAsset(context.Background(), asset.ID)
	if err != nil || !found {
		t.Fatalf("get asset: found=%t err=%v", found, err)
	}
	if stored.Status != models.AssetStatusQueued {
		t.Fatalf("status = %q, want queued", stored.Status)
	}
}

func TestEnqueueLocal(t *testing.T) {
	f := newFixture(t, testProfiles())
	data := testsupport.EncodePNG(t, 64, 64)

	asset, err := f.service.EnqueueLocal(context.Background(), data, "avatar", Owner{Type: "T", ID: 7})
	if err != nil {
		t.Fatalf("EnqueueLocal: %v", err)
	}
	if asset.Status != models.AssetStatusQueued || asset.Source != models.SourceUpload {
		t.Fatalf("asset = %q %q", asset.Status, asset.Source)
	}

	messages := f.publisher.published()
	if len(messages) != 1 {
		t.Fatalf("published %d messages, want 1", len(messages))
	}
	if messages[0].AssetID != asset.ID || messages[0].TempFilePath == "" {
		t.Fatalf("message = %+v", messages[0])
	}
	spooled, err := os.ReadFile(messages[0].TempFilePath)
	if err != nil {
		t.Fatalf("read spool file: %v", err)
	}
	if string(spooled) != string(data) {
		t.Fatal("spool file does not hold the upload bytes")
	}
}

func TestEnqueueLocalRemovesSpoolFileOnFailure(t *testing.T) {
	f := newFixture(t, testProfiles())
	hooked := &hookedStore{Store: f.store, insertOwnerLinkErr: errors.New("link refused")}
	svc := *f.service
	svc.store = hooked
	data := testsupport.EncodePNG(t, 64, 64)

	if _, err := svc.EnqueueLocal(context.Background(), data, "avatar", Owner{Type: "T", ID: 7}); err == nil {
		t.Fatal("EnqueueLocal succeeded despite failing transaction")
	}
	if got := spoolFiles(t, f.spool.Root()); got != 0 {
		t.Fatalf("%d spool files left behind", got)
	}
	if _, found, err := f.store.GetAsset(context.Background(), 1); err != nil {
		t.Fatalf("get asset: %v", err)
	} else if found {
		t.Fatal("asset row survived the rollback")
	}
}

func TestFindDuplicateVerifiesCacheHint(t *testing.T) {
	f := newFixture(t, testProfiles())
	data := testsupport.EncodeJPEG(t, 64, 64)
	asset, err := f.service.UploadLocal(context.Background(), data, "avatar", Owner{Type: "T", ID: 7})
	if err != nil {
		t.Fatalf("UploadLocal: %v", err)
	}
	checksum := asset.ChecksumSHA1

	// Poison the cache with an id that does not exist; the stale hint must
	// not surface.
	f.cache.entries[checksum] = asset.ID + 1000

	found, ok, err := f.service.FindDuplicate(context.Background(), checksum)
	if err != nil {
		t.Fatalf("FindDuplicate: %v", err)
	}
	if !ok || found.ID != asset.ID {
		t.Fatalf("duplicate = (%d, %t), want (%d, true)", found.ID, ok, asset.ID)
	}
	if f.cache.entries[checksum] != asset.ID {
		t.Fatalf("cache not repaired: %d", f.cache.entries[checksum])
	}

	if _, ok, err := f.service.FindDuplicate(context.Background(), ""); err != nil || ok {
		t.Fatalf("empty checksum = (%t, %v), want miss", ok, err)
	}
	if _, ok, err := f.service.FindDuplicate(context.Background(), "feedfeed"); err != nil || ok {
		t.Fatalf("unknown checksum = (%t, %v), want miss", ok, err)
	}
}

func TestUploadLocalWithDedupSharesOneAsset(t *testing.T) {
	f := newFixture(t, testProfiles())
	data := testsupport.EncodeJPEG(t, 400, 200)

	first, err := f.service.UploadLocalWithDedup(context.Background(), data, "avatar", Owner{Type: "T", ID: 7, Role: "avatar"})
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := f.service.UploadLocalWithDedup(context.Background(), data, "avatar", Owner{Type: "T", ID: 8, Role: "avatar"})
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}

	if first.ID != second.ID {
		t.Fatalf("duplicate upload created asset %d, want %d", second.ID, first.ID)
	}
	if f.objects.batches != 1 {
		t.Fatalf("upload batches = %d, want 1", f.objects.batches)
	}

	renditions, err := f.store.ListRenditionsByAsset(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("list renditions: %v", err)
	}
	if len(renditions) != 1 {
		t.Fatalf("rendition rows = %d, want 1", len(renditions))
	}

	links, err := f.store.ListOwnerLinksByAsset(context.Background(), first.ID)
	if err != nil {
		t.Fatalf("list owner links: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("owner links = %d, want 2", len(links))
	}
	owners := map[int64]bool{}
	for _, link := range links {
		owners[link.OwnerID] = true
	}
	if !owners[7] || !owners[8] {
		t.Fatalf("owner ids = %+v", links)
	}
}

func TestUploadLocalWithDedupMissCreatesNewAsset(t *testing.T) {
	f := newFixture(t, testProfiles())

	first, err := f.service.UploadLocalWithDedup(context.Background(), testsupport.EncodeJPEG(t, 400, 200), "avatar", Owner{Type: "T", ID: 7})
	if err != nil {
		t.Fatalf("first upload: %v", err)
	}
	second, err := f.service.UploadLocalWithDedup(context.Background(), testsupport.EncodeJPEG(t, 300, 300), "avatar", Owner{Type: "T", ID: 7})
	if err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("distinct bytes deduplicated into one asset")
	}
}

func TestEnqueueLocalWithDedupSkipsQueue(t *testing.T) {
	f := newFixture(t, testProfiles())
	data := testsupport.EncodeJPEG(t, 400, 200)

	first, err := f.service.UploadLocal(context.Background(), data, "avatar", Owner{Type: "T", ID: 7})
	if err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	linked, err := f.service.EnqueueLocalWithDedup(context.Background(), data, "avatar", Owner{Type: "T", ID: 8})
	if err != nil {
		t.Fatalf("EnqueueLocalWithDedup: %v", err)
	}
	if linked.ID != first.ID {
		t.Fatalf("linked asset = %d, want %d", linked.ID, first.ID)
	}
	if got := len(f.publisher.published()); got != 0 {
		t.Fatalf("dedup hit still published %d messages", got)
	}
	if got := spoolFiles(t, f.spool.Root()); got != 0 {
		t.Fatalf("dedup hit spooled %d files", got)
	}
}

func TestEnqueueRemoteWithDedup(t *testing.T) {
	f := newFixture(t, testProfiles())
	allowHost(t, "images.example.com")
	const source = "https://images.example.com/cat.jpg"
	data := testsupport.EncodeJPEG(t, 400, 200)
	f.downloader.payloads[source] = data

	seed, err := f.service.UploadLocal(context.Background(), data, "avatar", Owner{Type: "T", ID: 7})
	if err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	linked, err := f.service.EnqueueRemoteWithDedup(context.Background(), source, "avatar", Owner{Type: "T", ID: 8})
	if err != nil {
		t.Fatalf("EnqueueRemoteWithDedup hit: %v", err)
	}
	if linked.ID != seed.ID {
		t.Fatalf("linked asset = %d, want %d", linked.ID, seed.ID)
	}
	if got := len(f.publisher.published()); got != 0 {
		t.Fatalf("dedup hit still published %d messages", got)
	}

	const fresh = "https://images.example.com/dog.jpg"
	f.downloader.payloads[fresh] = testsupport.EncodeJPEG(t, 320, 240)
	queued, err := f.service.EnqueueRemoteWithDedup(context.Background(), fresh, "avatar", Owner{Type: "T", ID: 9})
	if err != nil {
		t.Fatalf("EnqueueRemoteWithDedup miss: %v", err)
	}
	if queued.Status != models.AssetStatusQueued {
		t.Fatalf("miss status = %q, want queued", queued.Status)
	}
	messages := f.publisher.published()
	if len(messages) != 1 || messages[0].AssetID != queued.ID {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestUploadRemoteWithDedupDownloadsOnce(t *testing.T) {
	f := newFixture(t, testProfiles())
	allowHost(t, "images.example.com")
	const source = "https://images.example.com/cat.jpg"
	data := testsupport.EncodeJPEG(t, 400, 200)
	f.downloader.payloads[source] = data

	seed, err := f.service.UploadLocal(context.Background(), data, "avatar", Owner{Type: "T", ID: 7})
	if err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	linked, err := f.service.UploadRemoteWithDedup(context.Background(), source, "avatar", Owner{Type: "T", ID: 8})
	if err != nil {
		t.Fatalf("UploadRemoteWithDedup: %v", err)
	}
	if linked.ID != seed.ID {
		t.Fatalf("linked asset = %d, want %d", linked.ID, seed.ID)
	}
	if f.downloader.callCount() != 1 {
		t.Fatalf("downloads = %d, want 1", f.downloader.callCount())
	}
	if f.objects.batches != 1 {
		t.Fatalf("upload batches = %d, want 1", f.objects.batches)
	}
}

func TestRenditionURLs(t *testing.T) {
	f := newFixture(t, testProfiles())
	data := testsupport.EncodeJPEG(t, 400, 200)

	asset, err := f.service.UploadLocal(context.Background(), data, "avatar", Owner{Type: "T", ID: 7})
	if err != nil {
		t.Fatalf("UploadLocal: %v", err)
	}
	urls, err := f.service.RenditionURLs(context.Background(), asset.ID)
	if err != nil {
		t.Fatalf("RenditionURLs: %v", err)
	}
	want := fmt.Sprintf("https://cdn.test/p/T/7/%d/t.jpg", asset.ID)
	if urls["t.jpeg"] != want {
		t.Fatalf("urls = %+v, want t.jpeg=%s", urls, want)
	}
}
