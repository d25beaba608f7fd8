package main

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(c color.Color, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestToGrayscaleJPEG(t *testing.T) {
	tests := []struct {
		name   string
		input  color.Color
		expect uint8 // luma of the input colour
	}{
		{name: "red", input: color.RGBA{R: 255, A: 255}, expect: 76},
		{name: "green", input: color.RGBA{G: 255, A: 255}, expect: 150},
		{name: "blue", input: color.RGBA{B: 255, A: 255}, expect: 29},
		{name: "white", input: color.White, expect: 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ToGrayscaleJPEG(testPNG(t, solidImage(tt.input, 16, 16)), DefaultJPEGQuality, 0)
			require.NoError(t, err)

			cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
			require.NoError(t, err)
			assert.Equal(t, color.GrayModel, cfg.ColorModel)

			img, err := jpeg.Decode(bytes.NewReader(out))
			require.NoError(t, err)
			gray, ok := img.(*image.Gray)
			require.True(t, ok)
			assert.InDelta(t, tt.expect, gray.GrayAt(8, 8).Y, 3)
		})
	}
}

func TestToGrayscaleJPEGRejectsUndecodableInput(t *testing.T) {
	for name, input := range map[string][]byte{
		"empty":     nil,
		"text":      []byte("hello world"),
		"truncated": testJPEG(t, 32, 32)[:20],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ToGrayscaleJPEG(input, DefaultJPEGQuality, 0)
			assert.ErrorIs(t, err, ErrUndecodableImage)
		})
	}
}

func TestToGrayscaleJPEGRejectsOversizedImages(t *testing.T) {
	tests := []struct {
		name      string
		input     image.Image
		maxPixels int64
	}{
		{name: "too wide for jpeg", input: image.NewGray(image.Rect(0, 0, 70000, 1))},
		{name: "too tall for jpeg", input: image.NewGray(image.Rect(0, 0, 1, 70000))},
		{name: "over the pixel limit", input: image.NewGray(image.Rect(0, 0, 20, 20)), maxPixels: 399},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToGrayscaleJPEG(testPNG(t, tt.input), DefaultJPEGQuality, tt.maxPixels)
			assert.ErrorIs(t, err, ErrUndecodableImage)
			assert.NotErrorIs(t, err, ErrEncodeFailed)
		})
	}

	out, err := ToGrayscaleJPEG(testPNG(t, image.NewGray(image.Rect(0, 0, 20, 20))), DefaultJPEGQuality, 400)
	require.NoError(t, err, "exactly at the pixel limit is accepted")
	assert.NotEmpty(t, out)
}

func TestToGrayscaleJPEGIsDeterministic(t *testing.T) {
	input := testJPEG(t, 40, 30)

	first, err := ToGrayscaleJPEG(input, 80, 0)
	require.NoError(t, err)
	second, err := ToGrayscaleJPEG(input, 80, 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestToGrayscaleJPEGQuality(t *testing.T) {
	input := testJPEG(t, 64, 64)

	low, err := ToGrayscaleJPEG(input, 10, 0)
	require.NoError(t, err)
	high, err := ToGrayscaleJPEG(input, 100, 0)
	require.NoError(t, err)

	assert.Less(t, len(low), len(high))
}

func TestGrayscalePassesGrayThrough(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 4, 4))
	assert.Same(t, g, Grayscale(g))

	converted := Grayscale(solidImage(color.White, 4, 4))
	assert.Equal(t, uint8(255), converted.GrayAt(1, 1).Y)
}

func TestClampQuality(t *testing.T) {
	tests := []struct {
		in, out int
	}{
		{0, DefaultJPEGQuality},
		{-5, DefaultJPEGQuality},
		{1, 1},
		{75, 75},
		{100, 100},
		{101, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.out, clampQuality(tt.in), "quality %d", tt.in)
	}
}
