// SPDX-License-Identifier: AGPL-3.0-only

// Package screenshot bounds screenshot dimensions for the model and computes
// the viewport-to-image scale factors needed to convert coordinates the model
// measures on the image back into real viewport coordinates.
package screenshot

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// Normalized is the outcome of bounding one screenshot.
type Normalized struct {
	// Data is PNG-encoded image data, resized if the input exceeded the bound.
	Data []byte
	// Width and Height are the dimensions of Data.
	Width  int
	Height int
	// ScaleX and ScaleY satisfy viewportDimension / imageDimension per axis.
	// A click at image coordinate (x, y) lands at viewport coordinate
	// (x*ScaleX, y*ScaleY).
	ScaleX float64
	ScaleY float64
}

// Normalize decodes data (PNG or JPEG), resizes it if either dimension
// exceeds maxDim (aspect ratio preserved), and computes per-axis scale
// factors against the given viewport dimensions. Zero viewport dimensions
// default to the original image dimensions, so an unresized image yields
// scale factors of exactly 1.0.
func Normalize(data []byte, viewportW, viewportH, maxDim int) (*Normalized, error) {
	if maxDim <= 0 {
		return nil, fmt.Errorf("invalid max dimension: %d", maxDim)
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	bounds := src.Bounds()
	origW, origH := bounds.Dx(), bounds.Dy()
	if origW == 0 || origH == 0 {
		return nil, fmt.Errorf("empty screenshot: %dx%d", origW, origH)
	}
	if viewportW <= 0 {
		viewportW = origW
	}
	if viewportH <= 0 {
		viewportH = origH
	}

	if origW <= maxDim && origH <= maxDim {
		return &Normalized{
			Data:   data,
			Width:  origW,
			Height: origH,
			ScaleX: float64(viewportW) / float64(origW),
			ScaleY: float64(viewportH) / float64(origH),
		}, nil
	}

	outW, outH := fit(origW, origH, maxDim)
	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode screenshot: %w", err)
	}

	return &Normalized{
		Data:   buf.Bytes(),
		Width:  outW,
		Height: outH,
		ScaleX: float64(viewportW) / float64(outW),
		ScaleY: float64(viewportH) / float64(outH),
	}, nil
}

// ScaleNote renders the scale factors as text the model can apply to convert
// measured image coordinates into viewport coordinates.
func (n *Normalized) ScaleNote() string {
	return fmt.Sprintf(
		"Screenshot is %dx%d. Multiply measured image coordinates by x=%.4f, y=%.4f to get viewport coordinates.",
		n.Width, n.Height, n.ScaleX, n.ScaleY)
}

// fit shrinks (w, h) so the longer side equals maxDim, preserving aspect
// ratio and never returning a zero dimension.
func fit(w, h, maxDim int) (int, int) {
	if w >= h {
		outH := h * maxDim / w
		if outH < 1 {
			outH = 1
		}
		return maxDim, outH
	}
	outW := w * maxDim / h
	if outW < 1 {
		outW = 1
	}
	return outW, maxDim
}
