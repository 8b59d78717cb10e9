// Package render decodes source images and produces downscaled originals and
// per-variant renditions in the requested codecs.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"runtime"
	"strconv"
	"strings"
	"sync"

	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/webp"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/jpegli"
	"github.com/gen2brain/webp"

	"assetpipe/internal/models"
	"assetpipe/internal/profile"
)

var (
	// ErrDecodeFailed is returned when the source bytes do not decode as an
	// image.
	ErrDecodeFailed = errors.New("image decode failed")
	// ErrInsufficientMemory is returned when the decoded pixel buffer would
	// exceed the configured memory headroom.
	ErrInsufficientMemory = errors.New("insufficient memory for image decode")
)

const (
	// DefaultJPEGQuality applies when the caller passes no JPEG quality.
	DefaultJPEGQuality = 82
	// DefaultAltQuality applies to WEBP, AVIF, and PNG outputs.
	DefaultAltQuality = 80

	// bytesPerPixel approximates the decode cost of one source pixel.
	bytesPerPixel = 5
)

// Result is one rendered output body with its dimensions and MIME type.
type Result struct {
	Body        []byte
	Width       int
	Height      int
	ContentType string
}

// Original carries the downscaled original in every codec that was requested
// and supported. JPEG is always present.
type Original struct {
	JPEG   []byte
	WebP   []byte
	AVIF   []byte
	PNG    []byte
	Width  int
	Height int
}

// Body returns the encoded original for the codec, or nil when it was not
// produced.
func (o Original) Body(codec models.Codec) []byte {
	switch codec {
	case models.CodecJPEG:
		return o.JPEG
	case models.CodecWebP:
		return o.WebP
	case models.CodecAVIF:
		return o.AVIF
	case models.CodecPNG:
		return o.PNG
	default:
		return nil
	}
}

// Config tunes the engine.
type Config struct {
	// MemoryLimit bounds decode memory; accepts K/M/G suffixes (factor
	// 1024). Empty or "0" disables the guard.
	MemoryLimit string
}

// Engine is a stateless transcoder safe for concurrent use.
type Engine struct {
	memoryLimit int64

	webpOnce sync.Once
	webpOK   bool
	avifOnce sync.Once
	avifOK   bool
}

// New parses the configuration and returns an Engine.
func New(cfg Config) (*Engine, error) {
	limit, err := ParseByteSize(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("parse memory limit: %w", err)
	}
	return &Engine{memoryLimit: limit}, nil
}

// ParseByteSize parses a byte count with an optional K, M, or G suffix
// (factors of 1024). An empty string means unbounded and parses to zero.
func ParseByteSize(raw string) (int64, error) {
	trimmed := strings.TrimSpace(strings.ToUpper(raw))
	if trimmed == "" {
		return 0, nil
	}
	trimmed = strings.TrimSuffix(trimmed, "B")
	factor := int64(1)
	switch {
	case strings.HasSuffix(trimmed, "K"):
		factor = 1024
		trimmed = strings.TrimSuffix(trimmed, "K")
	case strings.HasSuffix(trimmed, "M"):
		factor = 1024 * 1024
		trimmed = strings.TrimSuffix(trimmed, "M")
	case strings.HasSuffix(trimmed, "G"):
		factor = 1024 * 1024 * 1024
		trimmed = strings.TrimSuffix(trimmed, "G")
	}
	value, err := strconv.ParseInt(strings.TrimSpace(trimmed), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q", raw)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid byte size %q", raw)
	}
	return value * factor, nil
}

// Supports reports whether the engine can encode the codec. JPEG and PNG are
// always available; WEBP and AVIF are probed once per process by encoding a
// single pixel.
func (e *Engine) Supports(codec models.Codec) bool {
	switch codec {
	case models.CodecJPEG, models.CodecPNG:
		return true
	case models.CodecWebP:
		e.webpOnce.Do(func() {
			e.webpOK = probeEncode(func(w io.Writer, img image.Image) error {
				return webp.Encode(w, img, webp.Options{Quality: DefaultAltQuality})
			})
		})
		return e.webpOK
	case models.CodecAVIF:
		e.avifOnce.Do(func() {
			e.avifOK = probeEncode(func(w io.Writer, img image.Image) error {
				return avif.Encode(w, img, avif.Options{Quality: DefaultAltQuality})
			})
		})
		return e.avifOK
	default:
		return false
	}
}

func probeEncode(encode func(io.Writer, image.Image) error) bool {
	pixel := image.NewNRGBA(image.Rect(0, 0, 1, 1))
	pixel.SetNRGBA(0, 0, color.NRGBA{R: 127, G: 127, B: 127, A: 255})
	return encode(io.Discard, pixel) == nil
}

// RenderOriginal downscales the source so its longer edge fits maxLongEdge
// (never enlarging) and encodes it as JPEG plus every requested codec the
// engine supports.
func (e *Engine) RenderOriginal(data []byte, maxLongEdge int, codecs []models.Codec, jpegQuality, altQuality int) (Original, error) {
	img, err := e.decode(data)
	if err != nil {
		return Original{}, err
	}
	if jpegQuality <= 0 {
		jpegQuality = DefaultJPEGQuality
	}
	if altQuality <= 0 {
		altQuality = DefaultAltQuality
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	outW, outH := srcW, srcH
	if maxLongEdge > 0 {
		longEdge := srcW
		if srcH > longEdge {
			longEdge = srcH
		}
		scale := float64(maxLongEdge) / float64(longEdge)
		if scale < 1 {
			outW = atLeastOne(int(math.Floor(float64(srcW) * scale)))
			outH = atLeastOne(int(math.Floor(float64(srcH) * scale)))
			img = imaging.Resize(img, outW, outH, imaging.Lanczos)
		}
	}

	bounds = img.Bounds()
	original := Original{Width: bounds.Dx(), Height: bounds.Dy()}
	jpegBody, err := e.encode(img, models.CodecJPEG, jpegQuality)
	if err != nil {
		return Original{}, err
	}
	original.JPEG = jpegBody

	for _, codec := range codecs {
		if codec == models.CodecJPEG || !e.Supports(codec) {
			continue
		}
		body, err := e.encode(img, codec, altQuality)
		if err != nil {
			return Original{}, err
		}
		switch codec {
		case models.CodecWebP:
			original.WebP = body
		case models.CodecAVIF:
			original.AVIF = body
		case models.CodecPNG:
			original.PNG = body
		}
	}
	return original, nil
}

// RenderVariant produces one rendition from the source bytes. With noUpscale
// set, target dimensions are clamped to the source before the geometry is
// computed, so no output edge exceeds the source.
func (e *Engine) RenderVariant(data []byte, variant profile.Variant, codec models.Codec, quality int, noUpscale bool) (Result, error) {
	img, err := e.decode(data)
	if err != nil {
		return Result{}, err
	}
	if quality <= 0 {
		if codec == models.CodecJPEG {
			quality = DefaultJPEGQuality
		} else {
			quality = DefaultAltQuality
		}
	}

	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	targetW, targetH := variant.Width, variant.Height
	if noUpscale {
		if targetW > srcW {
			targetW = srcW
		}
		if targetH > srcH {
			targetH = srcH
		}
	}

	var rendered image.Image
	switch variant.Fit {
	case profile.FitContain:
		scale := math.Min(float64(targetW)/float64(srcW), float64(targetH)/float64(srcH))
		outW := atLeastOne(int(math.Floor(float64(srcW) * scale)))
		outH := atLeastOne(int(math.Floor(float64(srcH) * scale)))
		rendered = imaging.Resize(img, outW, outH, imaging.Lanczos)
	default:
		cropW, cropH := coverCrop(srcW, srcH, targetW, targetH)
		x0 := (srcW - cropW + 1) / 2
		y0 := (srcH - cropH + 1) / 2
		cropped := imaging.Crop(img, image.Rect(x0, y0, x0+cropW, y0+cropH))
		rendered = imaging.Resize(cropped, targetW, targetH, imaging.Lanczos)
	}

	body, err := e.encode(rendered, codec, quality)
	if err != nil {
		return Result{}, err
	}
	outBounds := rendered.Bounds()
	return Result{
		Body:        body,
		Width:       outBounds.Dx(),
		Height:      outBounds.Dy(),
		ContentType: codec.ContentType(),
	}, nil
}

// coverCrop sizes the largest centered rectangle of the target aspect that
// fits inside the source.
func coverCrop(srcW, srcH, targetW, targetH int) (int, int) {
	cropW, cropH := srcW, srcH
	if srcW*targetH > srcH*targetW {
		cropW = atLeastOne(int(math.Round(float64(srcH) * float64(targetW) / float64(targetH))))
	} else {
		cropH = atLeastOne(int(math.Round(float64(srcW) * float64(targetH) / float64(targetW))))
	}
	if cropW > srcW {
		cropW = srcW
	}
	if cropH > srcH {
		cropH = srcH
	}
	return cropW, cropH
}

func (e *Engine) decode(data []byte) (image.Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if err := e.checkMemory(cfg.Width, cfg.Height); err != nil {
		return nil, err
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	return img, nil
}

func (e *Engine) checkMemory(width, height int) error {
	if e.memoryLimit <= 0 {
		return nil
	}
	need := int64(width) * int64(height) * bytesPerPixel
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	used := int64(stats.HeapAlloc)
	if used >= e.memoryLimit || need > e.memoryLimit-used {
		return fmt.Errorf("%w: need %d bytes for %dx%d source", ErrInsufficientMemory, need, width, height)
	}
	return nil
}

func (e *Engine) encode(img image.Image, codec models.Codec, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch codec {
	case models.CodecJPEG:
		flattened := flattenToWhite(img)
		if err := jpegli.Encode(&buf, flattened, &jpegli.EncodingOptions{Quality: quality, ProgressiveLevel: 2}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case models.CodecWebP:
		if err := webp.Encode(&buf, img, webp.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
	case models.CodecAVIF:
		if err := avif.Encode(&buf, img, avif.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode avif: %w", err)
		}
	case models.CodecPNG:
		encoder := png.Encoder{CompressionLevel: pngCompression(quality)}
		if err := encoder.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
	return buf.Bytes(), nil
}

// pngCompression maps a 0..100 quality onto the encoder's compression levels
// via the 0..9 scale 9-round(q/100*9): 100 stays uncompressed-fast, 0
// compresses hardest.
func pngCompression(quality int) png.CompressionLevel {
	if quality < 0 {
		quality = 0
	}
	if quality > 100 {
		quality = 100
	}
	level := 9 - int(math.Round(float64(quality)/100*9))
	switch {
	case level <= 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

// flattenToWhite composites the image over an opaque white background for
// codecs that cannot carry alpha.
func flattenToWhite(img image.Image) image.Image {
	if opaquer, ok := img.(interface{ Opaque() bool }); ok && opaquer.Opaque() {
		return img
	}
	bounds := img.Bounds()
	flattened := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(flattened, flattened.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flattened, flattened.Bounds(), img, bounds.Min, draw.Over)
	return flattened
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
