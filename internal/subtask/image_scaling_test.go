package subtask

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 100, A: 255})
		}
	}
	return img
}

func TestResizeCapsLongestSide(t *testing.T) {
	resized := resizeToLongestSide(solidImage(2560, 1280), 1280)
	b := resized.Bounds()
	assert.Equal(t, 1280, b.Dx())
	assert.Equal(t, 640, b.Dy())
}

func TestResizeNeverUpscales(t *testing.T) {
	img := solidImage(640, 480)
	resized := resizeToLongestSide(img, 1280)
	assert.Equal(t, img.Bounds(), resized.Bounds())
}

func TestResizeZeroLimitIsPassthrough(t *testing.T) {
	img := solidImage(4000, 3000)
	resized := resizeToLongestSide(img, 0)
	assert.Equal(t, img.Bounds(), resized.Bounds())
}

func TestScaleAndEncodeStaysUnderByteBudget(t *testing.T) {
	encoded := scaleAndEncode(solidImage(2000, 1500), maxLongestSide)
	require.NotEmpty(t, encoded)
	assert.LessOrEqual(t, len(encoded), targetByteLimit)

	img, err := jpeg.Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Bounds().Dx(), maxLongestSide)
	assert.LessOrEqual(t, img.Bounds().Dy(), maxLongestSide)
}
