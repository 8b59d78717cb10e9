// Package testsupport provides deterministic image fixtures shared by the
// pipeline's tests.
package testsupport

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"
)

// gradient paints a deterministic pattern so resampled outputs are not
// uniform and codec round trips stay non-trivial.
func gradient(width, height int, alpha uint8) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8((x * 255) / max(width-1, 1)),
				G: uint8((y * 255) / max(height-1, 1)),
				B: uint8(((x + y) * 255) / max(width+height-2, 1)),
				A: alpha,
			})
		}
	}
	return img
}

// EncodeJPEG returns JPEG bytes of the given dimensions.
func EncodeJPEG(tb testing.TB, width, height int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gradient(width, height, 255), &jpeg.Options{Quality: 90}); err != nil {
		tb.Fatalf("encode jpeg fixture: %v", err)
	}
	return buf.Bytes()
}

// EncodePNG returns fully opaque PNG bytes of the given dimensions.
func EncodePNG(tb testing.TB, width, height int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, gradient(width, height, 255)); err != nil {
		tb.Fatalf("encode png fixture: %v", err)
	}
	return buf.Bytes()
}

// EncodePNGWithAlpha returns PNG bytes with a translucent pattern.
func EncodePNGWithAlpha(tb testing.TB, width, height int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, gradient(width, height, 128)); err != nil {
		tb.Fatalf("encode translucent png fixture: %v", err)
	}
	return buf.Bytes()
}

// EncodeGIF returns single-frame GIF bytes of the given dimensions.
func EncodeGIF(tb testing.TB, width, height int) []byte {
	tb.Helper()
	var buf bytes.Buffer
	if err := gif.Encode(&buf, gradient(width, height, 255), nil); err != nil {
		tb.Fatalf("encode gif fixture: %v", err)
	}
	return buf.Bytes()
}
