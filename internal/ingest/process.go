package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"

	"assetpipe/internal/models"
	"assetpipe/internal/storage"
)

// ProcessResult reports one processing attempt to the consumer loop, which
// turns it into an ack, a requeue, or a dead letter.
type ProcessResult struct {
	// Success means the message is done: the asset is ready, gone, or
	// already being handled elsewhere.
	Success bool
	// ExceededRetries means the asset burned through its retry budget and
	// must not be requeued.
	ExceededRetries bool
	// Attempts is the asset's attempt counter after this run.
	Attempts int
	// Err is the failure that ended the attempt, nil on success.
	Err error
}

// ProcessAsset executes one queued job. The claim is a conditional status
// update, so exactly one of any number of workers holding the same message
// proceeds past it; everyone else reports success and acks.
//
// tempFilePath carries the spool location for upload-sourced assets and is
// empty for remote ones.
func (s *Service) ProcessAsset(ctx context.Context, assetID int64, retryMax int, tempFilePath string) ProcessResult {
	asset, found, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		return ProcessResult{Err: err}
	}
	if !found {
		// Deleted while queued. Nothing to do.
		s.logger.Info("asset gone, dropping job", "assetId", assetID)
		return ProcessResult{Success: true}
	}
	if asset.Status == models.AssetStatusReady {
		return ProcessResult{Success: true, Attempts: asset.Attempts}
	}
	if retryMax > 0 && asset.Attempts >= retryMax {
		lastErr := asset.LastError
		if lastErr == "" {
			lastErr = "retry budget exhausted"
		}
		return ProcessResult{
			ExceededRetries: true,
			Attempts:        asset.Attempts,
			Err:             errors.New(lastErr),
		}
	}

	claimed, err := s.store.ClaimAsset(ctx, assetID)
	if err != nil {
		return ProcessResult{Attempts: asset.Attempts, Err: err}
	}
	if !claimed {
		// Another worker holds the claim; its outcome supersedes this
		// delivery.
		s.logger.Info("claim lost, dropping job", "assetId", assetID)
		return ProcessResult{Success: true, Attempts: asset.Attempts}
	}

	asset, found, err = s.store.GetAsset(ctx, assetID)
	if err != nil {
		return ProcessResult{Err: err}
	}
	if !found {
		return ProcessResult{Success: true}
	}

	if err := s.processClaimed(ctx, &asset, tempFilePath); err != nil {
		return s.markFailed(ctx, asset, retryMax, err)
	}
	s.logger.Info("asset processed", "assetId", asset.ID, "profile", asset.Profile)
	return ProcessResult{Success: true, Attempts: asset.Attempts}
}

// processClaimed runs the pipeline for an asset this worker owns. The spool
// file is removed only after the transaction commits, so a crash between
// the two leaves a harmless stale file for the retention sweep.
func (s *Service) processClaimed(ctx context.Context, asset *models.Asset, tempFilePath string) error {
	prof, err := s.profiles.Get(asset.Profile)
	if err != nil {
		return err
	}

	var data []byte
	var base string
	switch asset.Source {
	case models.SourceRemote:
		if asset.SourceURL == "" {
			return failValidation("remote asset %d has no source url", asset.ID)
		}
		data, err = s.fetchValidated(ctx, asset.SourceURL)
		if err != nil {
			return err
		}
		base = assetBaseKey(prof.Prefix, asset.ID)
	case models.SourceUpload:
		if tempFilePath == "" {
			return failValidation("upload asset %d arrived without a temp file path", asset.ID)
		}
		data, err = os.ReadFile(tempFilePath)
		if err != nil {
			return fmt.Errorf("read spooled upload: %w", err)
		}
		if _, err := ValidateImageBytes(data); err != nil {
			return err
		}
		links, err := s.store.ListOwnerLinksByAsset(ctx, asset.ID)
		if err != nil {
			return err
		}
		if len(links) > 0 {
			base = ownerBaseKey(prof.Prefix, links[0].OwnerType, links[0].OwnerID, asset.ID)
		} else {
			base = assetBaseKey(prof.Prefix, asset.ID)
		}
	default:
		return fmt.Errorf("asset %d has unknown source %q", asset.ID, asset.Source)
	}

	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		if err := s.renderAndUpload(ctx, tx, asset, data, prof, base); err != nil {
			return err
		}
		asset.Status = models.AssetStatusReady
		return tx.UpdateAsset(ctx, asset)
	})
	if err != nil {
		return err
	}

	if asset.Source == models.SourceUpload && s.spool != nil {
		s.spool.Remove(tempFilePath)
	}
	s.cache.Store(ctx, asset.ChecksumSHA1, asset.ID)
	return nil
}

// markFailed books a failed attempt on a fresh copy of the row. Rereading
// keeps fields the rolled-back transaction mutated in memory from leaking
// into the database.
func (s *Service) markFailed(ctx context.Context, stale models.Asset, retryMax int, cause error) ProcessResult {
	attempts := stale.Attempts + 1
	asset, found, err := s.store.GetAsset(ctx, stale.ID)
	if err != nil || !found {
		s.logger.Error("cannot record processing failure",
			"assetId", stale.ID, "cause", cause, "error", err)
	} else {
		asset.Attempts++
		asset.Status = models.AssetStatusFailed
		asset.LastError = cause.Error()
		attempts = asset.Attempts
		if err := s.store.UpdateAsset(ctx, &asset); err != nil {
			s.logger.Error("cannot record processing failure",
				"assetId", asset.ID, "cause", cause, "error", err)
		}
	}
	s.logger.Warn("asset processing failed",
		"assetId", stale.ID, "attempts", attempts, "error", cause)
	return ProcessResult{
		ExceededRetries: retryMax > 0 && attempts >= retryMax,
		Attempts:        attempts,
		Err:             cause,
	}
}

// DeleteAsset removes the asset row and every object it owns. Object
// deletions are best effort: a missing or failing key is logged and skipped
// so storage hiccups cannot wedge the database delete. Deleting an unknown
// id is a no-op.
func (s *Service) DeleteAsset(ctx context.Context, assetID int64) error {
	asset, found, err := s.store.GetAsset(ctx, assetID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	keys := asset.OriginalKeys()
	renditions, err := s.store.ListRenditionsByAsset(ctx, assetID)
	if err != nil {
		return err
	}
	for _, r := range renditions {
		keys = append(keys, r.Key)
	}
	for _, key := range keys {
		if err := s.objects.Delete(ctx, key); err != nil {
			s.logger.Warn("object delete failed", "assetId", assetID, "key", key, "error", err)
		}
	}

	if err := s.store.DeleteAsset(ctx, assetID); err != nil {
		return err
	}
	if asset.ChecksumSHA1 != "" {
		s.cache.Forget(ctx, asset.ChecksumSHA1)
	}
	s.logger.Info("asset deleted", "assetId", assetID, "objects", len(keys))
	return nil
}
