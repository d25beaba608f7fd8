package main

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

const (
	DefaultJPEGQuality = 90
	jpegContentType    = "image/jpeg"

	// same decompression bomb threshold as PIL
	DefaultMaxSourcePixels int64 = 89478485

	// largest side image/jpeg can encode
	maxJPEGDimension = 65535
)

// ToGrayscaleJPEG decodes data, converts it to a single channel and encodes it
// as a JPEG. Decode failures, including images whose declared size exceeds
// maxPixels or the JPEG limits, wrap ErrUndecodableImage. Encoder failures wrap
// ErrEncodeFailed.
func ToGrayscaleJPEG(data []byte, quality int, maxPixels int64) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUndecodableImage)
	}
	if err := checkDimensions(data, maxPixels); err != nil {
		return nil, err
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodableImage, err)
	}

	gray := Grayscale(src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gray, &jpeg.Options{Quality: clampQuality(quality)}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	return buf.Bytes(), nil
}

// checkDimensions reads only the image header so oversized images are rejected
// before any pixel buffer is allocated
func checkDimensions(data []byte, maxPixels int64) error {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxSourcePixels
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUndecodableImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: %s has empty dimensions %dx%d", ErrUndecodableImage, format, cfg.Width, cfg.Height)
	}
	if cfg.Width > maxJPEGDimension || cfg.Height > maxJPEGDimension {
		return fmt.Errorf("%w: %dx%d exceeds the maximum side of %d pixels", ErrUndecodableImage, cfg.Width, cfg.Height, maxJPEGDimension)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return fmt.Errorf("%w: %dx%d is %d pixels, limit %d", ErrUndecodableImage, cfg.Width, cfg.Height, pixels, maxPixels)
	}
	return nil
}

// Grayscale returns img as an *image.Gray. Images that already are single
// channel come back unchanged.
func Grayscale(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	gray := image.NewGray(b)
	draw.Draw(gray, b, img, b.Min, draw.Src)
	return gray
}

func clampQuality(q int) int {
	switch {
	case q <= 0:
		return DefaultJPEGQuality
	case q > 100:
		return 100
	default:
		return q
	}
}
