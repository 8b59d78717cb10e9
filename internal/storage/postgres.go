package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"assetpipe/internal/models"
)

// querier is the slice of pgx shared by *pgxpool.Pool and pgx.Tx, letting the
// same statements run pooled or transaction-scoped.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	db     querier
	tables TableNames
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens a Postgres-backed store. Migrations must have been
// applied before the store serves traffic; see Migrate.
func NewPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn required")
	}
	if err := cfg.Tables.validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &Postgres{pool: pool, db: pool, tables: cfg.Tables}, nil
}

// Pool exposes the underlying pool for migrations.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// Close releases the pool, bounded by the context deadline.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p.pool == nil {
		return wrapPersistence("ping", errors.New("pool not configured"))
	}
	if err := p.pool.Ping(ctx); err != nil {
		return wrapPersistence("ping", err)
	}
	return nil
}

// WithTx begins a transaction and runs fn against a tx-scoped store. Commit
// on nil, rollback otherwise; a rollback after the driver already aborted the
// transaction is not treated as a second failure.
func (p *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	if p.pool == nil {
		return wrapPersistence("begin tx", errors.New("pool not configured"))
	}
	if _, ok := p.db.(pgx.Tx); ok {
		return wrapPersistence("begin tx", errors.New("already inside a transaction"))
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return wrapPersistence("begin tx", err)
	}
	scoped := &Postgres{pool: p.pool, db: tx, tables: p.tables}
	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapPersistence("commit tx", err)
	}
	return nil
}

const assetColumns = "id, profile, source, source_url, original_jpeg_key, original_webp_key, original_avif_key, original_png_key, original_width, original_height, checksum_sha1, status, attempts, last_error, created_at, updated_at"

func scanAsset(row pgx.Row) (models.Asset, error) {
	var asset models.Asset
	err := row.Scan(
		&asset.ID,
		&asset.Profile,
		&asset.Source,
		&asset.SourceURL,
		&asset.OriginalJPEGKey,
		&asset.OriginalWebPKey,
		&asset.OriginalAVIFKey,
		&asset.OriginalPNGKey,
		&asset.OriginalWidth,
		&asset.OriginalHeight,
		&asset.ChecksumSHA1,
		&asset.Status,
		&asset.Attempts,
		&asset.LastError,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	)
	return asset, err
}

func (p *Postgres) InsertAsset(ctx context.Context, asset *models.Asset) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
INSERT INTO %s (profile, source, source_url, original_jpeg_key, original_webp_key, original_avif_key, original_png_key, original_width, original_height, checksum_sha1, status, attempts, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
RETURNING id
`, p.tables.Asset)
	row := p.db.QueryRow(ctx, query,
		asset.Profile,
		asset.Source,
		asset.SourceURL,
		asset.OriginalJPEGKey,
		asset.OriginalWebPKey,
		asset.OriginalAVIFKey,
		asset.OriginalPNGKey,
		asset.OriginalWidth,
		asset.OriginalHeight,
		asset.ChecksumSHA1,
		asset.Status,
		asset.Attempts,
		asset.LastError,
		now,
		now,
	)
	if err := row.Scan(&asset.ID); err != nil {
		return wrapPersistence("insert asset", err)
	}
	asset.CreatedAt = now
	asset.UpdatedAt = now
	return nil
}

func (p *Postgres) UpdateAsset(ctx context.Context, asset *models.Asset) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
UPDATE %s
SET profile = $2, source = $3, source_url = $4, original_jpeg_key = $5, original_webp_key = $6, original_avif_key = $7, original_png_key = $8, original_width = $9, original_height = $10, checksum_sha1 = $11, status = $12, attempts = $13, last_error = $14, updated_at = $15
WHERE id = $1
`, p.tables.Asset)
	tag, err := p.db.Exec(ctx, query,
		asset.ID,
		asset.Profile,
		asset.Source,
		asset.SourceURL,
		asset.OriginalJPEGKey,
		asset.OriginalWebPKey,
		asset.OriginalAVIFKey,
		asset.OriginalPNGKey,
		asset.OriginalWidth,
		asset.OriginalHeight,
		asset.ChecksumSHA1,
		asset.Status,
		asset.Attempts,
		asset.LastError,
		now,
	)
	if err != nil {
		return wrapPersistence("update asset", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapPersistence("update asset", fmt.Errorf("asset %d not found", asset.ID))
	}
	asset.UpdatedAt = now
	return nil
}

func (p *Postgres) GetAsset(ctx context.Context, id int64) (models.Asset, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", assetColumns, p.tables.Asset)
	asset, err := scanAsset(p.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Asset{}, false, nil
		}
		return models.Asset{}, false, wrapPersistence("get asset", err)
	}
	return asset, true, nil
}

// DeleteAsset removes the asset row; renditions and owner links cascade via
// their foreign keys.
func (p *Postgres) DeleteAsset(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", p.tables.Asset)
	if _, err := p.db.Exec(ctx, query, id); err != nil {
		return wrapPersistence("delete asset", err)
	}
	return nil
}

func (p *Postgres) ClaimAsset(ctx context.Context, id int64) (bool, error) {
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2, updated_at = $3
WHERE id = $1 AND status IN ($4, $5)
`, p.tables.Asset)
	tag, err := p.db.Exec(ctx, query, id, models.AssetStatusProcessing, time.Now().UTC(), models.AssetStatusQueued, models.AssetStatusFailed)
	if err != nil {
		return false, wrapPersistence("claim asset", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) FindReadyByChecksum(ctx context.Context, sha1 string) (models.Asset, bool, error) {
	if sha1 == "" {
		return models.Asset{}, false, nil
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE checksum_sha1 = $1 AND status = $2 ORDER BY id LIMIT 1", assetColumns, p.tables.Asset)
	asset, err := scanAsset(p.db.QueryRow(ctx, query, sha1, models.AssetStatusReady))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Asset{}, false, nil
		}
		return models.Asset{}, false, wrapPersistence("find by checksum", err)
	}
	return asset, true, nil
}

func (p *Postgres) FindFailedOlderThan(ctx context.Context, cutoff time.Time) ([]models.Asset, error) {
	return p.findByStatusOlderThan(ctx, models.AssetStatusFailed, cutoff)
}

func (p *Postgres) FindQueuedOlderThan(ctx context.Context, cutoff time.Time) ([]models.Asset, error) {
	return p.findByStatusOlderThan(ctx, models.AssetStatusQueued, cutoff)
}

func (p *Postgres) findByStatusOlderThan(ctx context.Context, status models.AssetStatus, cutoff time.Time) ([]models.Asset, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE status = $1 AND updated_at < $2 ORDER BY id", assetColumns, p.tables.Asset)
	rows, err := p.db.Query(ctx, query, status, cutoff.UTC())
	if err != nil {
		return nil, wrapPersistence("find by status", err)
	}
	defer rows.Close()
	var out []models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, wrapPersistence("scan asset", err)
		}
		out = append(out, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPersistence("find by status", err)
	}
	return out, nil
}

const renditionColumns = "id, asset_id, variant, format, object_key, width, height, byte_size, created_at"

func scanRendition(row pgx.Row) (models.Rendition, error) {
	var rendition models.Rendition
	err := row.Scan(
		&rendition.ID,
		&rendition.AssetID,
		&rendition.Variant,
		&rendition.Codec,
		&rendition.Key,
		&rendition.Width,
		&rendition.Height,
		&rendition.ByteSize,
		&rendition.CreatedAt,
	)
	return rendition, err
}

func (p *Postgres) InsertRendition(ctx context.Context, rendition *models.Rendition) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
INSERT INTO %s (asset_id, variant, format, object_key, width, height, byte_size, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id
`, p.tables.Rendition)
	row := p.db.QueryRow(ctx, query,
		rendition.AssetID,
		rendition.Variant,
		rendition.Codec,
		rendition.Key,
		rendition.Width,
		rendition.Height,
		rendition.ByteSize,
		now,
	)
	if err := row.Scan(&rendition.ID); err != nil {
		return wrapPersistence("insert rendition", err)
	}
	rendition.CreatedAt = now
	return nil
}

func (p *Postgres) ListRenditionsByAsset(ctx context.Context, assetID int64) ([]models.Rendition, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE asset_id = $1 ORDER BY id", renditionColumns, p.tables.Rendition)
	rows, err := p.db.Query(ctx, query, assetID)
	if err != nil {
		return nil, wrapPersistence("list renditions", err)
	}
	defer rows.Close()
	var out []models.Rendition
	for rows.Next() {
		rendition, err := scanRendition(rows)
		if err != nil {
			return nil, wrapPersistence("scan rendition", err)
		}
		out = append(out, rendition)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPersistence("list renditions", err)
	}
	return out, nil
}

func (p *Postgres) CountRenditionsByAsset(ctx context.Context, assetID int64) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE asset_id = $1", p.tables.Rendition)
	var count int
	if err := p.db.QueryRow(ctx, query, assetID).Scan(&count); err != nil {
		return 0, wrapPersistence("count renditions", err)
	}
	return count, nil
}

func (p *Postgres) DeleteRendition(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", p.tables.Rendition)
	if _, err := p.db.Exec(ctx, query, id); err != nil {
		return wrapPersistence("delete rendition", err)
	}
	return nil
}

const ownerLinkColumns = "id, owner_type, owner_id, asset_id, role, sort, created_at"

func scanOwnerLink(row pgx.Row) (models.OwnerLink, error) {
	var link models.OwnerLink
	err := row.Scan(
		&link.ID,
		&link.OwnerType,
		&link.OwnerID,
		&link.AssetID,
		&link.Role,
		&link.Sort,
		&link.CreatedAt,
	)
	return link, err
}

func (p *Postgres) InsertOwnerLink(ctx context.Context, link *models.OwnerLink) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
INSERT INTO %s (owner_type, owner_id, asset_id, role, sort, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id
`, p.tables.OwnerLink)
	row := p.db.QueryRow(ctx, query,
		link.OwnerType,
		link.OwnerID,
		link.AssetID,
		link.Role,
		link.Sort,
		now,
	)
	if err := row.Scan(&link.ID); err != nil {
		return wrapPersistence("insert owner link", err)
	}
	link.CreatedAt = now
	return nil
}

func (p *Postgres) ListOwnerLinksByAsset(ctx context.Context, assetID int64) ([]models.OwnerLink, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE asset_id = $1 ORDER BY id", ownerLinkColumns, p.tables.OwnerLink)
	rows, err := p.db.Query(ctx, query, assetID)
	if err != nil {
		return nil, wrapPersistence("list owner links", err)
	}
	defer rows.Close()
	var out []models.OwnerLink
	for rows.Next() {
		link, err := scanOwnerLink(rows)
		if err != nil {
			return nil, wrapPersistence("scan owner link", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPersistence("list owner links", err)
	}
	return out, nil
}

func (p *Postgres) DeleteOwnerLink(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", p.tables.OwnerLink)
	if _, err := p.db.Exec(ctx, query, id); err != nil {
		return wrapPersistence("delete owner link", err)
	}
	return nil
}
