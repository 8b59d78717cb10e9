package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"assetpipe/internal/models"
	"assetpipe/internal/objectstore"
	"assetpipe/internal/observability/metrics"
	"assetpipe/internal/profile"
	"assetpipe/internal/render"
	"assetpipe/internal/storage"
)

// sanitizeOwnerType keeps [A-Za-z0-9_-] and replaces everything else with an
// underscore so owner types can never introduce path separators into keys.
func sanitizeOwnerType(ownerType string) string {
	var b strings.Builder
	b.Grow(len(ownerType))
	for _, r := range ownerType {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ownerBaseKey builds the object key prefix for an asset attached to a known
// owner: prefix/ownerType/ownerID/assetID, with the owner type segment
// dropped when it sanitizes away to nothing.
func ownerBaseKey(prefix, ownerType string, ownerID, assetID int64) string {
	cleaned := strings.TrimRight(strings.TrimSpace(prefix), "/")
	segment := sanitizeOwnerType(strings.TrimSpace(ownerType))
	if segment == "" || segment == "_" {
		return fmt.Sprintf("%s/%d/%d", cleaned, ownerID, assetID)
	}
	return fmt.Sprintf("%s/%s/%d/%d", cleaned, segment, ownerID, assetID)
}

// assetBaseKey builds the ownerless key prefix used when processing runs
// before any owner link exists.
func assetBaseKey(prefix string, assetID int64) string {
	cleaned := strings.TrimRight(strings.TrimSpace(prefix), "/")
	return fmt.Sprintf("%s/_asset/%d", cleaned, assetID)
}

func checksumOf(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func qualityFor(codec models.Codec) int {
	if codec == models.CodecJPEG {
		return render.DefaultJPEGQuality
	}
	return render.DefaultAltQuality
}

// renderAndUpload produces every output the profile asks for, uploads them
// as one atomic batch, and persists the rendition rows and original
// bookkeeping on the asset. The store is expected to be transaction-scoped;
// when anything here fails the batch has already deleted its own uploads and
// the surrounding transaction rolls the row writes back.
//
// Rendition rows are insert-only. Outputs whose (variant, codec) pair
// already has a row are re-uploaded under the same key but no second row is
// written, so reprocessing converges instead of accumulating.
func (s *Service) renderAndUpload(ctx context.Context, store storage.Store, asset *models.Asset, data []byte, prof profile.Profile, base string) error {
	checksum := checksumOf(data)

	var batch []objectstore.File
	var pendingRows []models.Rendition

	var original render.Original
	if prof.KeepOriginal {
		var err error
		original, err = s.engine.RenderOriginal(data, prof.MaxOriginalLongEdge, prof.Codecs, render.DefaultJPEGQuality, render.DefaultAltQuality)
		if err != nil {
			return err
		}
		batch = append(batch, objectstore.File{
			Key:         base + "/original.jpg",
			Body:        original.JPEG,
			ContentType: models.CodecJPEG.ContentType(),
		})
		for _, codec := range []models.Codec{models.CodecWebP, models.CodecAVIF, models.CodecPNG} {
			body := original.Body(codec)
			if body == nil || !prof.HasCodec(codec) {
				continue
			}
			batch = append(batch, objectstore.File{
				Key:         base + "/original." + codec.Extension(),
				Body:        body,
				ContentType: codec.ContentType(),
			})
		}
	}

	existing, err := store.ListRenditionsByAsset(ctx, asset.ID)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, r := range existing {
		seen[r.Variant+"|"+string(r.Codec)] = struct{}{}
	}

	for _, variant := range prof.Variants {
		for _, codec := range prof.Codecs {
			if !s.engine.Supports(codec) {
				continue
			}
			result, err := s.engine.RenderVariant(data, variant, codec, qualityFor(codec), true)
			if err != nil {
				return err
			}
			metrics.ObserveRendition(string(codec))
			key := fmt.Sprintf("%s/%s.%s", base, variant.Name, codec.Extension())
			batch = append(batch, objectstore.File{Key: key, Body: result.Body, ContentType: result.ContentType})
			if _, ok := seen[variant.Name+"|"+string(codec)]; ok {
				continue
			}
			pendingRows = append(pendingRows, models.Rendition{
				AssetID:  asset.ID,
				Variant:  variant.Name,
				Codec:    codec,
				Key:      key,
				Width:    result.Width,
				Height:   result.Height,
				ByteSize: int64(len(result.Body)),
			})
		}
	}

	if err := s.objects.PutMultiple(ctx, batch); err != nil {
		return err
	}

	if prof.KeepOriginal {
		asset.OriginalJPEGKey = base + "/original.jpg"
		if prof.HasCodec(models.CodecWebP) && original.WebP != nil {
			asset.OriginalWebPKey = base + "/original.webp"
		}
		if prof.HasCodec(models.CodecAVIF) && original.AVIF != nil {
			asset.OriginalAVIFKey = base + "/original.avif"
		}
		if prof.HasCodec(models.CodecPNG) && original.PNG != nil {
			asset.OriginalPNGKey = base + "/original.png"
		}
		asset.OriginalWidth = original.Width
		asset.OriginalHeight = original.Height
	}
	// The checksum is stamped even when no original is kept; deduplication
	// keys on it.
	asset.ChecksumSHA1 = checksum

	for i := range pendingRows {
		if err := store.InsertRendition(ctx, &pendingRows[i]); err != nil {
			return err
		}
	}
	return store.UpdateAsset(ctx, asset)
}
