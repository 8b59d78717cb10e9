package models

import (
	"strings"
	"time"
)

// AssetStatus tracks an asset through the ingestion state machine.
type AssetStatus string

const (
	AssetStatusQueued     AssetStatus = "queued"
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusReady      AssetStatus = "ready"
	AssetStatusFailed     AssetStatus = "failed"
)

// SourceKind distinguishes locally uploaded bytes from remote fetches.
type SourceKind string

const (
	SourceUpload SourceKind = "upload"
	SourceRemote SourceKind = "remote"
)

// Codec identifies an output image encoding.
type Codec string

const (
	CodecJPEG Codec = "jpeg"
	CodecWebP Codec = "webp"
	CodecAVIF Codec = "avif"
	CodecPNG  Codec = "png"
)

// ParseCodec normalises a codec label from configuration. The second return
// reports whether the label named a known codec.
func ParseCodec(raw string) (Codec, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "jpeg", "jpg":
		return CodecJPEG, true
	case "webp":
		return CodecWebP, true
	case "avif":
		return CodecAVIF, true
	case "png":
		return CodecPNG, true
	default:
		return "", false
	}
}

// Extension returns the object-key file extension for the codec.
func (c Codec) Extension() string {
	if c == CodecJPEG {
		return "jpg"
	}
	return string(c)
}

// ContentType returns the MIME type emitted alongside uploads of this codec.
func (c Codec) ContentType() string {
	return "image/" + string(c)
}

// Asset is one logical image together with the bookkeeping the pipeline
// needs: where it came from, how far processing got, and the checksum used
// for deduplication.
type Asset struct {
	ID              int64       `json:"id"`
	Profile         string      `json:"profile"`
	Source          SourceKind  `json:"source"`
	SourceURL       string      `json:"sourceUrl,omitempty"`
	OriginalJPEGKey string      `json:"originalJpegKey,omitempty"`
	OriginalWebPKey string      `json:"originalWebpKey,omitempty"`
	OriginalAVIFKey string      `json:"originalAvifKey,omitempty"`
	OriginalPNGKey  string      `json:"originalPngKey,omitempty"`
	OriginalWidth   int         `json:"originalWidth,omitempty"`
	OriginalHeight  int         `json:"originalHeight,omitempty"`
	ChecksumSHA1    string      `json:"checksumSha1,omitempty"`
	Status          AssetStatus `json:"status"`
	Attempts        int         `json:"attempts"`
	LastError       string      `json:"lastError,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// OriginalKeys lists the object keys holding downscaled originals, one per
// codec that was actually uploaded.
func (a Asset) OriginalKeys() []string {
	keys := make([]string, 0, 4)
	for _, key := range []string{a.OriginalJPEGKey, a.OriginalWebPKey, a.OriginalAVIFKey, a.OriginalPNGKey} {
		if key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// Rendition is one resized, recoded output of an asset. The (AssetID,
// Variant, Codec) triple is unique.
type Rendition struct {
	ID        int64     `json:"id"`
	AssetID   int64     `json:"assetId"`
	Variant   string    `json:"variant"`
	Codec     Codec     `json:"format"`
	Key       string    `json:"key"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	ByteSize  int64     `json:"byteSize"`
	CreatedAt time.Time `json:"createdAt"`
}

// OwnerLink attaches an asset to an owning entity identified by a free-form
// type name and integer id. A single asset may be shared by many owners.
type OwnerLink struct {
	ID        int64     `json:"id"`
	OwnerType string    `json:"ownerType"`
	OwnerID   int64     `json:"ownerId"`
	AssetID   int64     `json:"assetId"`
	Role      string    `json:"role"`
	Sort      int       `json:"sort"`
	CreatedAt time.Time `json:"createdAt"`
}
