// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package imaging shrinks image attachments into bounded JPEG previews.
//
// Large images are downscaled and re-encoded until they fit the preview
// budget. GIFs pass through untouched so animations survive.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"

	_ "image/gif" // register decoders
	_ "image/png"
)

// PreviewBudget is the byte ceiling for a recompressed preview.
const PreviewBudget = 1 << 20 // 1 MiB

// ErrNotImage is returned when the payload does not decode as an image.
var ErrNotImage = errors.New("payload is not a decodable image")

// IsImageMime reports whether mimeType names an image format.
func IsImageMime(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}

// IsGIF reports whether mimeType is a GIF. GIFs are never recompressed.
func IsGIF(mimeType string) bool {
	return mimeType == "image/gif"
}

// Preview re-encodes data as a JPEG no larger than PreviewBudget. It first
// walks the JPEG quality down, then halves the dimensions and tries again.
// The result replaces the original in the send pipeline; the mime type of
// the stored message becomes image/jpeg.
func Preview(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	for {
		for _, quality := range []int{85, 70, 55, 40} {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
				return nil, fmt.Errorf("failed to encode preview: %w", err)
			}
			if buf.Len() <= PreviewBudget {
				return buf.Bytes(), nil
			}
		}

		b := img.Bounds()
		if b.Dx() <= 64 || b.Dy() <= 64 {
			// Quality 40 at thumbnail size always fits in practice; if it
			// somehow does not, give the caller the smallest attempt.
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 40}); err != nil {
				return nil, fmt.Errorf("failed to encode preview: %w", err)
			}
			return buf.Bytes(), nil
		}
		img = halve(img)
	}
}

// halve box-filters the image down to half its dimensions.
func halve(src image.Image) image.Image {
	b := src.Bounds()
	w, h := b.Dx()/2, b.Dy()/2
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var r, g, bl, a uint32
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					pr, pg, pb, pa := src.At(b.Min.X+x*2+dx, b.Min.Y+y*2+dy).RGBA()
					r += pr
					g += pg
					bl += pb
					a += pa
				}
			}
			i := dst.PixOffset(x, y)
			dst.Pix[i+0] = uint8(r / 4 >> 8)
			dst.Pix[i+1] = uint8(g / 4 >> 8)
			dst.Pix[i+2] = uint8(bl / 4 >> 8)
			dst.Pix[i+3] = uint8(a / 4 >> 8)
		}
	}
	return dst
}
