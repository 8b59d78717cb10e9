package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"assetpipe/internal/models"
)

type dataset struct {
	Assets     map[int64]models.Asset
	Renditions map[int64]models.Rendition
	OwnerLinks map[int64]models.OwnerLink
}

func newDataset() dataset {
	return dataset{
		Assets:     make(map[int64]models.Asset),
		Renditions: make(map[int64]models.Rendition),
		OwnerLinks: make(map[int64]models.OwnerLink),
	}
}

func (d dataset) clone() dataset {
	out := dataset{
		Assets:     make(map[int64]models.Asset, len(d.Assets)),
		Renditions: make(map[int64]models.Rendition, len(d.Renditions)),
		OwnerLinks: make(map[int64]models.OwnerLink, len(d.OwnerLinks)),
	}
	for id, asset := range d.Assets {
		out.Assets[id] = asset
	}
	for id, rendition := range d.Renditions {
		out.Renditions[id] = rendition
	}
	for id, link := range d.OwnerLinks {
		out.OwnerLinks[id] = link
	}
	return out
}

// Memory is an in-process Store used by tests and single-node setups. WithTx
// snapshots the dataset and restores it when the callback fails.
type Memory struct {
	mu   sync.RWMutex
	txMu sync.Mutex
	data dataset

	nextAssetID     int64
	nextRenditionID int64
	nextOwnerLinkID int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: newDataset()}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// WithTx serialises writers and restores the pre-transaction snapshot when fn
// returns an error. The callback receives the store itself and must not call
// WithTx again.
func (m *Memory) WithTx(ctx context.Context, fn func(Store) error) error {
	if err := ctx.Err(); err != nil {
		return wrapPersistence("begin tx", err)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snapshot := m.data.clone()
	assetID, renditionID, linkID := m.nextAssetID, m.nextRenditionID, m.nextOwnerLinkID
	m.mu.Unlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.nextAssetID, m.nextRenditionID, m.nextOwnerLinkID = assetID, renditionID, linkID
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) InsertAsset(ctx context.Context, asset *models.Asset) error {
	if err := ctx.Err(); err != nil {
		return wrapPersistence("insert asset", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAssetID++
	now := time.Now().UTC()
	asset.ID = m.nextAssetID
	asset.CreatedAt = now
	asset.UpdatedAt = now
	m.data.Assets[asset.ID] = *asset
	return nil
}

func (m *Memory) UpdateAsset(ctx context.Context, asset *models.Asset) error {
	if err := ctx.Err(); err != nil {
		return wrapPersistence("update asset", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Assets[asset.ID]; !ok {
		return wrapPersistence("update asset", fmt.Errorf("asset %d not found", asset.ID))
	}
	asset.UpdatedAt = time.Now().UTC()
	m.data.Assets[asset.ID] = *asset
	return nil
}

func (m *Memory) GetAsset(ctx context.Context, id int64) (models.Asset, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, false, wrapPersistence("get asset", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	asset, ok := m.data.Assets[id]
	return asset, ok, nil
}

// DeleteAsset removes the asset and cascades to its renditions and owner
// links, mirroring the Postgres foreign keys.
func (m *Memory) DeleteAsset(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return wrapPersistence("delete asset", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.Assets, id)
	for renditionID, rendition := range m.data.Renditions {
		if rendition.AssetID == id {
			delete(m.data.Renditions, renditionID)
		}
	}
	for linkID, link := range m.data.OwnerLinks {
		if link.AssetID == id {
			delete(m.data.OwnerLinks, linkID)
		}
	}
	return nil
}

func (m *Memory) ClaimAsset(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrapPersistence("claim asset", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	asset, ok := m.data.Assets[id]
	if !ok {
		return false, nil
	}
	if asset.Status != models.AssetStatusQueued && asset.Status != models.AssetStatusFailed {
		return false, nil
	}
	asset.Status = models.AssetStatusProcessing
	asset.UpdatedAt = time.Now().UTC()
	m.data.Assets[id] = asset
	return true, nil
}

func (m *Memory) FindReadyByChecksum(ctx context.Context, sha1 string) (models.Asset, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, false, wrapPersistence("find by checksum", err)
	}
	if sha1 == "" {
		return models.Asset{}, false, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found models.Asset
		ok    bool
	)
	for _, asset := range m.data.Assets {
		if asset.ChecksumSHA1 != sha1 || asset.Status != models.AssetStatusReady {
			continue
		}
		if !ok || asset.ID < found.ID {
			found = asset
			ok = true
		}
	}
	return found, ok, nil
}

func (m *Memory) FindFailedOlderThan(ctx context.Context, cutoff time.Time) ([]models.Asset, error) {
	return m.findByStatusOlderThan(ctx, models.AssetStatusFailed, cutoff)
}

func (m *Memory) FindQueuedOlderThan(ctx context.Context, cutoff time.Time) ([]models.Asset, error) {
	return m.findByStatusOlderThan(ctx, models.AssetStatusQueued, cutoff)
}

func (m *Memory) findByStatusOlderThan(ctx context.Context, status models.AssetStatus, cutoff time.Time) ([]models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapPersistence("find by status", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Asset
	for _, asset := range m.data.Assets {
		if asset.Status == status && asset.UpdatedAt.Before(cutoff) {
			out = append(out, asset)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) InsertRendition(ctx context.Context, rendition *models.Rendition) error {
	if err := ctx.Err(); err != nil {
		return wrapPersistence("insert rendition", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Assets[rendition.AssetID]; !ok {
		return wrapPersistence("insert rendition", fmt.Errorf("asset %d not found", rendition.AssetID))
	}
	for _, existing := range m.data.Renditions {
		if existing.AssetID == rendition.AssetID && existing.Variant == rendition.Variant && existing.Codec == rendition.Codec {
			return wrapPersistence("insert rendition", fmt.Errorf("duplicate rendition %s/%s for asset %d", rendition.Variant, rendition.Codec, rendition.AssetID))
		}
	}
	m.nextRenditionID++
	rendition.ID = m.nextRenditionID
	rendition.CreatedAt = time.Now().UTC()
	m.data.Renditions[rendition.ID] = *rendition
	return nil
}

func (m *Memory) ListRenditionsByAsset(ctx context.Context, assetID int64) ([]models.Rendition, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapPersistence("list renditions", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Rendition
	for _, rendition := range m.data.Renditions {
		if rendition.AssetID == assetID {
			out = append(out, rendition)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CountRenditionsByAsset(ctx context.Context, assetID int64) (int, error) {
	renditions, err := m.ListRenditionsByAsset(ctx, assetID)
	if err != nil {
		return 0, err
	}
	return len(renditions), nil
}

func (m *Memory) DeleteRendition(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return wrapPersistence("delete rendition", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.Renditions, id)
	return nil
}

func (m *Memory) InsertOwnerLink(ctx context.Context, link *models.OwnerLink) error {
	if err := ctx.Err(); err != nil {
		return wrapPersistence("insert owner link", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data.Assets[link.AssetID]; !ok {
		return wrapPersistence("insert owner link", fmt.Errorf("asset %d not found", link.AssetID))
	}
	for _, existing := range m.data.OwnerLinks {
		if existing.OwnerType == link.OwnerType && existing.OwnerID == link.OwnerID && existing.Role == link.Role && existing.AssetID == link.AssetID {
			return wrapPersistence("insert owner link", fmt.Errorf("duplicate owner link %s/%d/%s for asset %d", link.OwnerType, link.OwnerID, link.Role, link.AssetID))
		}
	}
	m.nextOwnerLinkID++
	link.ID = m.nextOwnerLinkID
	link.CreatedAt = time.Now().UTC()
	m.data.OwnerLinks[link.ID] = *link
	return nil
}

func (m *Memory) ListOwnerLinksByAsset(ctx context.Context, assetID int64) ([]models.OwnerLink, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapPersistence("list owner links", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OwnerLink
	for _, link := range m.data.OwnerLinks {
		if link.AssetID == assetID {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteOwnerLink(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return wrapPersistence("delete owner link", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data.OwnerLinks, id)
	return nil
}
