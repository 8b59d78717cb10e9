// Package profile parses named rendition profiles from configuration and
// serves immutable copies to the ingestion pipeline.
package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"assetpipe/internal/models"
)

// ErrUnknown is returned when a caller names a profile that was never
// configured.
var ErrUnknown = errors.New("unknown media profile")

// defaultOriginalLongEdge bounds the downscaled original when the profile
// keeps one but does not size it.
const defaultOriginalLongEdge = 2000

// Fit selects how a variant's target box is applied to the source image.
type Fit string

const (
	FitCover   Fit = "cover"
	FitContain Fit = "contain"
)

func parseFit(raw string) Fit {
	if strings.EqualFold(strings.TrimSpace(raw), string(FitContain)) {
		return FitContain
	}
	return FitCover
}

// Config is the configuration shape of a single profile.
type Config struct {
	Prefix              string      `json:"prefix"`
	KeepOriginal        bool        `json:"keepOriginal"`
	MaxOriginalLongEdge int         `json:"maxOriginalLongEdge"`
	Codecs              []string    `json:"codecs"`
	Variants            VariantList `json:"variants"`
}

// VariantConfig is one entry of a profile's variants object.
type VariantConfig struct {
	Name   string `json:"-"`
	Width  int    `json:"w"`
	Height int    `json:"h"`
	Fit    string `json:"fit"`
}

// VariantList decodes a JSON object while preserving the declaration order of
// its keys. Rendering iterates variants in exactly this order.
type VariantList []VariantConfig

func (l *VariantList) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode variants: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("decode variants: expected object, got %v", tok)
	}
	entries := make([]VariantConfig, 0, 4)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode variants: %w", err)
		}
		name, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("decode variants: non-string key %v", keyTok)
		}
		var entry VariantConfig
		if err := dec.Decode(&entry); err != nil {
			return fmt.Errorf("decode variant %q: %w", name, err)
		}
		entry.Name = name
		entries = append(entries, entry)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode variants: %w", err)
	}
	*l = entries
	return nil
}

// MarshalJSON renders the list back as a JSON object in declaration order.
func (l VariantList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, entry := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(entry.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(struct {
			Width  int    `json:"w"`
			Height int    `json:"h"`
			Fit    string `json:"fit,omitempty"`
		}{entry.Width, entry.Height, entry.Fit})
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Variant is one resolved rendition target.
type Variant struct {
	Name   string
	Width  int
	Height int
	Fit    Fit
}

// Profile is an immutable rendering policy handed out by the registry.
type Profile struct {
	Name                string
	Prefix              string
	KeepOriginal        bool
	MaxOriginalLongEdge int
	Codecs              []models.Codec
	Variants            []Variant
}

// HasCodec reports whether the profile requests the given codec.
func (p Profile) HasCodec(codec models.Codec) bool {
	for _, c := range p.Codecs {
		if c == codec {
			return true
		}
	}
	return false
}

// Registry holds the parsed profiles. It is immutable after Parse.
type Registry struct {
	profiles map[string]Profile
}

// Parse validates the configured profiles and builds the registry. Unknown
// codec labels are dropped silently; JPEG always leads the codec order.
func Parse(configs map[string]Config) (*Registry, error) {
	profiles := make(map[string]Profile, len(configs))
	for name, cfg := range configs {
		parsed, err := parseProfile(name, cfg)
		if err != nil {
			return nil, err
		}
		profiles[name] = parsed
	}
	return &Registry{profiles: profiles}, nil
}

func parseProfile(name string, cfg Config) (Profile, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return Profile{}, errors.New("profile name is required")
	}

	codecs := []models.Codec{models.CodecJPEG}
	for _, raw := range cfg.Codecs {
		codec, ok := models.ParseCodec(raw)
		if !ok || codec == models.CodecJPEG {
			continue
		}
		duplicate := false
		for _, existing := range codecs {
			if existing == codec {
				duplicate = true
				break
			}
		}
		if !duplicate {
			codecs = append(codecs, codec)
		}
	}

	variants := make([]Variant, 0, len(cfg.Variants))
	seen := make(map[string]struct{}, len(cfg.Variants))
	for _, vc := range cfg.Variants {
		variantName := strings.TrimSpace(vc.Name)
		if variantName == "" {
			return Profile{}, fmt.Errorf("profile %q: variant name is required", trimmedName)
		}
		if _, dup := seen[variantName]; dup {
			return Profile{}, fmt.Errorf("profile %q: duplicate variant %q", trimmedName, variantName)
		}
		seen[variantName] = struct{}{}
		if vc.Width <= 0 || vc.Height <= 0 {
			return Profile{}, fmt.Errorf("profile %q: variant %q needs positive dimensions", trimmedName, variantName)
		}
		variants = append(variants, Variant{
			Name:   variantName,
			Width:  vc.Width,
			Height: vc.Height,
			Fit:    parseFit(vc.Fit),
		})
	}

	longEdge := cfg.MaxOriginalLongEdge
	if cfg.KeepOriginal && longEdge <= 0 {
		longEdge = defaultOriginalLongEdge
	}

	return Profile{
		Name:                trimmedName,
		Prefix:              strings.TrimRight(strings.TrimSpace(cfg.Prefix), "/"),
		KeepOriginal:        cfg.KeepOriginal,
		MaxOriginalLongEdge: longEdge,
		Codecs:              codecs,
		Variants:            variants,
	}, nil
}

// Get looks up a profile by name; the returned value owns its slices so
// callers cannot mutate registry state.
func (r *Registry) Get(name string) (Profile, error) {
	if r == nil {
		return Profile{}, fmt.Errorf("profile %q: %w", name, ErrUnknown)
	}
	prof, ok := r.profiles[strings.TrimSpace(name)]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q: %w", name, ErrUnknown)
	}
	out := prof
	out.Codecs = append([]models.Codec(nil), prof.Codecs...)
	out.Variants = append([]Variant(nil), prof.Variants...)
	return out, nil
}

// Names lists the configured profile names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
