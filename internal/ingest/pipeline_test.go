package ingest

import (
	"context"
	"fmt"
	"testing"

	"assetpipe/internal/models"
	"assetpipe/internal/profile"
	"assetpipe/internal/testsupport"
)

func TestSanitizeOwnerType(t *testing.T) {
	tests := map[string]string{
		"user":         "user",
		"User":         "User",
		"channel-page": "channel-page",
		"a_b":          "a_b",
		"channel page": "channel_page",
		"über":         "_ber",
		"a/b":          "a_b",
		"..":           "__",
		"":             "",
	}
	for in, want := range tests {
		if got := sanitizeOwnerType(in); got != want {
			t.Errorf("sanitizeOwnerType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOwnerBaseKey(t *testing.T) {
	tests := []struct {
		name      string
		prefix    string
		ownerType string
		ownerID   int64
		assetID   int64
		want      string
	}{
		{name: "plain", prefix: "p", ownerType: "T", ownerID: 7, assetID: 9, want: "p/T/7/9"},
		{name: "trailing slash", prefix: "media/", ownerType: "user", ownerID: 1, assetID: 2, want: "media/user/1/2"},
		{name: "empty type", prefix: "p", ownerType: "", ownerID: 7, assetID: 9, want: "p/7/9"},
		{name: "type sanitizes away", prefix: "p", ownerType: "¡", ownerID: 7, assetID: 9, want: "p/7/9"},
		{name: "type needs cleaning", prefix: "p", ownerType: "channel page", ownerID: 3, assetID: 4, want: "p/channel_page/3/4"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ownerBaseKey(tc.prefix, tc.ownerType, tc.ownerID, tc.assetID)
			if got != tc.want {
				t.Fatalf("ownerBaseKey = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAssetBaseKey(t *testing.T) {
	if got := assetBaseKey("p", 12); got != "p/_asset/12" {
		t.Fatalf("assetBaseKey = %q", got)
	}
	if got := assetBaseKey("media/", 3); got != "media/_asset/3" {
		t.Fatalf("assetBaseKey with trailing slash = %q", got)
	}
}

func TestUploadKeepsOriginals(t *testing.T) {
	profiles := map[string]profile.Config{
		"banner": {
			Prefix:              "media",
			KeepOriginal:        true,
			MaxOriginalLongEdge: 300,
			Codecs:              []string{"jpeg", "png"},
			Variants: profile.VariantList{
				{Name: "wide", Width: 200, Height: 100, Fit: "cover"},
			},
		},
	}
	f := newFixture(t, profiles)
	data := testsupport.EncodePNG(t, 600, 300)

	asset, err := f.service.UploadLocal(context.Background(), data, "banner", Owner{Type: "channel", ID: 5, Role: "banner"})
	if err != nil {
		t.Fatalf("UploadLocal: %v", err)
	}

	base := fmt.Sprintf("media/channel/5/%d", asset.ID)
	if asset.OriginalJPEGKey != base+"/original.jpg" {
		t.Fatalf("original jpeg key = %q", asset.OriginalJPEGKey)
	}
	if asset.OriginalPNGKey != base+"/original.png" {
		t.Fatalf("original png key = %q", asset.OriginalPNGKey)
	}
	if asset.OriginalWebPKey != "" || asset.OriginalAVIFKey != "" {
		t.Fatalf("unrequested codecs stamped: webp=%q avif=%q", asset.OriginalWebPKey, asset.OriginalAVIFKey)
	}
	// 600x300 downscaled to a 300 long edge.
	if asset.OriginalWidth != 300 || asset.OriginalHeight != 150 {
		t.Fatalf("original dimensions = %dx%d, want 300x150", asset.OriginalWidth, asset.OriginalHeight)
	}
	if asset.ChecksumSHA1 != checksumOf(data) {
		t.Fatalf("checksum = %q, want %q", asset.ChecksumSHA1, checksumOf(data))
	}

	wantKeys := []string{
		base + "/original.jpg",
		base + "/original.png",
		base + "/wide.jpg",
		base + "/wide.png",
	}
	got := f.objects.keys()
	if len(got) != len(wantKeys) {
		t.Fatalf("uploaded keys = %v, want %v", got, wantKeys)
	}
	for i, key := range wantKeys {
		if got[i] != key {
			t.Fatalf("uploaded keys = %v, want %v", got, wantKeys)
		}
	}

	renditions, err := f.store.ListRenditionsByAsset(context.Background(), asset.ID)
	if err != nil {
		t.Fatalf("list renditions: %v", err)
	}
	if len(renditions) != 2 {
		t.Fatalf("rendition rows = %d, want 2", len(renditions))
	}
	for _, r := range renditions {
		if r.Variant != "wide" {
			t.Fatalf("unexpected variant %q", r.Variant)
		}
		if r.Width != 200 || r.Height != 100 {
			t.Fatalf("rendition %s is %dx%d, want 200x100", r.Codec, r.Width, r.Height)
		}
		if r.ByteSize <= 0 {
			t.Fatalf("rendition %s has byte size %d", r.Codec, r.ByteSize)
		}
	}
}

func TestChecksumStampedWithoutOriginal(t *testing.T) {
	f := newFixture(t, testProfiles())
	data := testsupport.EncodeJPEG(t, 120, 80)

	asset, err := f.service.UploadLocal(context.Background(), data, "avatar", Owner{Type: "T", ID: 7})
	if err != nil {
		t.Fatalf("UploadLocal: %v", err)
	}
	if asset.OriginalJPEGKey != "" {
		t.Fatalf("original retained despite keepOriginal=false: %q", asset.OriginalJPEGKey)
	}
	if asset.ChecksumSHA1 != checksumOf(data) {
		t.Fatalf("checksum = %q, want %q", asset.ChecksumSHA1, checksumOf(data))
	}
	if asset.Status != models.AssetStatusReady {
		t.Fatalf("status = %q", asset.Status)
	}
}
