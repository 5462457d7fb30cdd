// Copyright 2025 The Dreambot Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package imagegen

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

var captionFont = mustLoadFont(goitalic.TTF)

func mustLoadFont(b []byte) *opentype.Font {
	f, err := opentype.Parse(b)
	if err != nil {
		panic(err)
	}
	return f
}

// CaptionPNG decodes a PNG, draws text near the bottom edge and re-encodes
// it. Used to stamp the seed and model on a generated image.
func CaptionPNG(b []byte, text string) ([]byte, error) {
	img, err := decodePNG(b)
	if err != nil {
		return nil, err
	}
	drawCaption(img, text)
	w := bytes.Buffer{}
	if err := png.Encode(&w, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return w.Bytes(), nil
}

// drawCaption draws a single line of white text with a crude black outline
// so it stays readable on any background.
func drawCaption(img *image.NRGBA, text string) {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	d := font.Drawer{Dst: img, Src: image.Black}

	// Measure once with an oversized face, then scale down to fit the width.
	// opentype.NewFace() never returns an error.
	face, _ := opentype.NewFace(captionFont, &opentype.FaceOptions{Size: 1000, DPI: 72})
	d.Face = face
	textWidth := d.MeasureString(text).Round()
	size := 1000. * float64(w) / (2000. + float64(textWidth)*4.)
	face, _ = opentype.NewFace(captionFont, &opentype.FaceOptions{Size: size, DPI: 72})
	d.Face = face
	textHeight := d.Face.Metrics().Height.Ceil()
	x := 10
	y := h - textHeight/2
	radius := 2.
	for i := 0; i < 360; i += 30 {
		a := math.Pi / 180. * float64(i)
		dx := math.Cos(a) * radius
		dy := math.Sin(a) * radius
		dot := fixed.Point26_6{X: fixed.Int26_6((float64(x) + dx) * 64), Y: fixed.Int26_6((float64(y) + dy) * 64)}
		if dot != d.Dot {
			d.Dot = dot
			d.DrawString(text)
		}
	}
	d.Src = image.White
	d.Dot = fixed.P(x, y)
	d.DrawString(text)
}

// decodePNG decodes a PNG and ensures it is returned as a NRGBA image.
func decodePNG(b []byte) (*image.NRGBA, error) {
	img, err := png.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to decode PNG: %w", err)
	}
	switch n := img.(type) {
	case *image.NRGBA:
		return n, nil
	case *image.RGBA:
		// Convert.
		b := n.Bounds()
		dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), n, b.Min, draw.Src)
		return dst, nil
	default:
		return nil, fmt.Errorf("failed to decode PNG: expected NRGBA, got %T", img)
	}
}
