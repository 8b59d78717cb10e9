package ingest

import (
	"context"

	"assetpipe/internal/bus"
	"assetpipe/internal/models"
	"assetpipe/internal/profile"
	"assetpipe/internal/storage"
)

// UploadLocal ingests raw bytes synchronously. The asset is inserted in
// processing state, every rendition is rendered and uploaded, and the row is
// committed as ready together with its owner link. The caller gets the
// finished asset back.
func (s *Service) UploadLocal(ctx context.Context, data []byte, profileName string, owner Owner) (models.Asset, error) {
	if _, err := ValidateImageBytes(data); err != nil {
		return models.Asset{}, err
	}
	prof, err := s.profiles.Get(profileName)
	if err != nil {
		return models.Asset{}, err
	}
	return s.ingestValidated(ctx, data, prof, owner, models.SourceUpload, "")
}

// UploadRemote fetches a remote image and ingests it synchronously. The URL
// is checked against the fetch policy before any bytes move.
func (s *Service) UploadRemote(ctx context.Context, rawURL, profileName string, owner Owner) (models.Asset, error) {
	prof, err := s.profiles.Get(profileName)
	if err != nil {
		return models.Asset{}, err
	}
	data, err := s.fetchValidated(ctx, rawURL)
	if err != nil {
		return models.Asset{}, err
	}
	return s.ingestValidated(ctx, data, prof, owner, models.SourceRemote, rawURL)
}

// fetchValidated applies the URL policy, downloads the bytes, and validates
// them.
func (s *Service) fetchValidated(ctx context.Context, rawURL string) ([]byte, error) {
	if err := s.requireDownloader(); err != nil {
		return nil, err
	}
	if err := ValidateURL(ctx, rawURL); err != nil {
		return nil, err
	}
	data, _, err := s.download.Download(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if _, err := ValidateImageBytes(data); err != nil {
		return nil, err
	}
	return data, nil
}

// ingestValidated runs the synchronous pipeline over bytes that already
// passed validation: insert the row as processing, render and upload, mark
// ready, and link the owner, all in one transaction.
func (s *Service) ingestValidated(ctx context.Context, data []byte, prof profile.Profile, owner Owner, source models.SourceKind, sourceURL string) (models.Asset, error) {
	var finished models.Asset
	err := s.store.WithTx(ctx, func(tx storage.Store) error {
		asset := models.Asset{
			Profile:   prof.Name,
			Source:    source,
			SourceURL: sourceURL,
			Status:    models.AssetStatusProcessing,
		}
		if err := tx.InsertAsset(ctx, &asset); err != nil {
			return err
		}
		base := ownerBaseKey(prof.Prefix, owner.Type, owner.ID, asset.ID)
		if err := s.renderAndUpload(ctx, tx, &asset, data, prof, base); err != nil {
			return err
		}
		asset.Status = models.AssetStatusReady
		if err := tx.UpdateAsset(ctx, &asset); err != nil {
			return err
		}
		link := ownerLinkFor(owner, asset.ID)
		if err := tx.InsertOwnerLink(ctx, &link); err != nil {
			return err
		}
		finished = asset
		return nil
	})
	if err != nil {
		return models.Asset{}, err
	}
	s.cache.Store(ctx, finished.ChecksumSHA1, finished.ID)
	s.logger.Info("asset ingested",
		"assetId", finished.ID,
		"profile", finished.Profile,
		"source", string(finished.Source))
	return finished, nil
}

// EnqueueRemote records a remote image for asynchronous processing. The
// queued row and its owner link are committed before the message is
// published; when the publish fails the row stays queued and the requeue
// sweep picks it up.
func (s *Service) EnqueueRemote(ctx context.Context, rawURL, profileName string, owner Owner) (models.Asset, error) {
	if err := s.requirePublisher(); err != nil {
		return models.Asset{}, err
	}
	if err := ValidateURL(ctx, rawURL); err != nil {
		return models.Asset{}, err
	}
	prof, err := s.profiles.Get(profileName)
	if err != nil {
		return models.Asset{}, err
	}

	var queued models.Asset
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		asset := models.Asset{
			Profile:   prof.Name,
			Source:    models.SourceRemote,
			SourceURL: rawURL,
			Status:    models.AssetStatusQueued,
		}
		if err := tx.InsertAsset(ctx, &asset); err != nil {
			return err
		}
		link := ownerLinkFor(owner, asset.ID)
		if err := tx.InsertOwnerLink(ctx, &link); err != nil {
			return err
		}
		queued = asset
		return nil
	})
	if err != nil {
		return models.Asset{}, err
	}

	if err := s.publisher.PublishProcess(ctx, bus.ProcessMessage{AssetID: queued.ID}); err != nil {
		s.logger.Warn("process publish failed, row stays queued",
			"assetId", queued.ID, "error", err)
	}
	return queued, nil
}

// EnqueueLocal spools raw bytes to disk and records them for asynchronous
// processing. The spool file is removed again if the database write fails,
// so a failed enqueue leaves nothing behind.
func (s *Service) EnqueueLocal(ctx context.Context, data []byte, profileName string, owner Owner) (models.Asset, error) {
	if err := s.requireSpool(); err != nil {
		return models.Asset{}, err
	}
	if err := s.requirePublisher(); err != nil {
		return models.Asset{}, err
	}
	contentType, err := ValidateImageBytes(data)
	if err != nil {
		return models.Asset{}, err
	}
	prof, err := s.profiles.Get(profileName)
	if err != nil {
		return models.Asset{}, err
	}

	tempPath, err := s.spool.SaveBytes(data, extensionForMIME(contentType))
	if err != nil {
		return models.Asset{}, err
	}

	var queued models.Asset
	err = s.store.WithTx(ctx, func(tx storage.Store) error {
		asset := models.Asset{
			Profile: prof.Name,
			Source:  models.SourceUpload,
			Status:  models.AssetStatusQueued,
		}
		if err := tx.InsertAsset(ctx, &asset); err != nil {
			return err
		}
		link := ownerLinkFor(owner, asset.ID)
		if err := tx.InsertOwnerLink(ctx, &link); err != nil {
			return err
		}
		queued = asset
		return nil
	})
	if err != nil {
		s.spool.Remove(tempPath)
		return models.Asset{}, err
	}

	msg := bus.ProcessMessage{AssetID: queued.ID, TempFilePath: tempPath}
	if err := s.publisher.PublishProcess(ctx, msg); err != nil {
		// The spool file stays put: the enqueue tool can republish the
		// message with the path by hand.
		s.logger.Warn("process publish failed, row stays queued",
			"assetId", queued.ID, "tempFilePath", tempPath, "error", err)
	}
	return queued, nil
}

// FindDuplicate looks for a ready asset whose source bytes hashed to the
// given checksum. The cache is consulted first as a hint; hits are verified
// against the store before they are trusted.
func (s *Service) FindDuplicate(ctx context.Context, checksum string) (models.Asset, bool, error) {
	if checksum == "" {
		return models.Asset{}, false, nil
	}
	if id, ok := s.cache.Lookup(ctx, checksum); ok {
		asset, found, err := s.store.GetAsset(ctx, id)
		if err == nil && found && asset.Status == models.AssetStatusReady && asset.ChecksumSHA1 == checksum {
			return asset, true, nil
		}
	}
	asset, found, err := s.store.FindReadyByChecksum(ctx, checksum)
	if err != nil || !found {
		return models.Asset{}, false, err
	}
	s.cache.Store(ctx, checksum, asset.ID)
	return asset, true, nil
}

// linkDuplicate attaches the owner to an existing ready asset carrying the
// checksum. The second return reports whether a duplicate was found.
func (s *Service) linkDuplicate(ctx context.Context, checksum string, owner Owner) (models.Asset, bool, error) {
	existing, found, err := s.FindDuplicate(ctx, checksum)
	if err != nil || !found {
		return models.Asset{}, false, err
	}
	link := ownerLinkFor(owner, existing.ID)
	if err := s.store.InsertOwnerLink(ctx, &link); err != nil {
		return models.Asset{}, false, err
	}
	s.logger.Info("duplicate upload linked to existing asset",
		"assetId", existing.ID,
		"ownerType", owner.Type,
		"ownerId", owner.ID)
	return existing, true, nil
}

// UploadLocalWithDedup is UploadLocal with content deduplication: when the
// exact bytes were ingested before, the owner is linked to the existing
// asset and nothing is re-rendered.
func (s *Service) UploadLocalWithDedup(ctx context.Context, data []byte, profileName string, owner Owner) (models.Asset, error) {
	if _, err := ValidateImageBytes(data); err != nil {
		return models.Asset{}, err
	}
	if existing, found, err := s.linkDuplicate(ctx, checksumOf(data), owner); err != nil {
		return models.Asset{}, err
	} else if found {
		return existing, nil
	}
	return s.UploadLocal(ctx, data, profileName, owner)
}

// UploadRemoteWithDedup is UploadRemote with content deduplication. The
// download happens once; its bytes feed both the duplicate check and, on a
// miss, the ingest itself.
func (s *Service) UploadRemoteWithDedup(ctx context.Context, rawURL, profileName string, owner Owner) (models.Asset, error) {
	prof, err := s.profiles.Get(profileName)
	if err != nil {
		return models.Asset{}, err
	}
	data, err := s.fetchValidated(ctx, rawURL)
	if err != nil {
		return models.Asset{}, err
	}
	if existing, found, err := s.linkDuplicate(ctx, checksumOf(data), owner); err != nil {
		return models.Asset{}, err
	} else if found {
		return existing, nil
	}
	return s.ingestValidated(ctx, data, prof, owner, models.SourceRemote, rawURL)
}

// EnqueueRemoteWithDedup downloads the remote bytes once to probe for a
// duplicate. On a hit the owner is linked immediately and no job is queued;
// on a miss it degrades to a plain EnqueueRemote and the worker fetches the
// URL again when the job runs.
func (s *Service) EnqueueRemoteWithDedup(ctx context.Context, rawURL, profileName string, owner Owner) (models.Asset, error) {
	if err := s.requirePublisher(); err != nil {
		return models.Asset{}, err
	}
	data, err := s.fetchValidated(ctx, rawURL)
	if err != nil {
		return models.Asset{}, err
	}
	if existing, found, err := s.linkDuplicate(ctx, checksumOf(data), owner); err != nil {
		return models.Asset{}, err
	} else if found {
		return existing, nil
	}
	return s.EnqueueRemote(ctx, rawURL, profileName, owner)
}

// EnqueueLocalWithDedup is EnqueueLocal with content deduplication: known
// bytes link the owner to the existing asset and skip the queue entirely.
func (s *Service) EnqueueLocalWithDedup(ctx context.Context, data []byte, profileName string, owner Owner) (models.Asset, error) {
	if _, err := ValidateImageBytes(data); err != nil {
		return models.Asset{}, err
	}
	if existing, found, err := s.linkDuplicate(ctx, checksumOf(data), owner); err != nil {
		return models.Asset{}, err
	} else if found {
		return existing, nil
	}
	return s.EnqueueLocal(ctx, data, profileName, owner)
}
