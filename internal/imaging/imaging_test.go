package imaging

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidRGBA(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestEncodeDecode_JPEG(t *testing.T) {
	src := solidRGBA(32, 24, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	data, err := EncodeJPEG(src, 90)
	require.NoError(t, err)

	img, format, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 24, img.Bounds().Dy())
}

func TestEncodeDecode_PNG(t *testing.T) {
	src := solidRGBA(16, 16, color.RGBA{R: 10, G: 20, B: 30, A: 255})

	data, err := EncodePNG(src)
	require.NoError(t, err)

	img, format, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestDecode_Garbage(t *testing.T) {
	_, _, err := Decode([]byte("not an image"))
	assert.Error(t, err)
}

func TestResize(t *testing.T) {
	src := solidRGBA(100, 50, color.RGBA{R: 255, A: 255})
	dst := Resize(src, 20, 10)
	assert.Equal(t, 20, dst.Bounds().Dx())
	assert.Equal(t, 10, dst.Bounds().Dy())
}

func TestCenterCropResize(t *testing.T) {
	// Left half red, right half blue. Cropping a wide image to square keeps
	// the middle, so both colors survive.
	src := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			if x < 100 {
				src.SetRGBA(x, y, color.RGBA{R: 255, A: 255})
			} else {
				src.SetRGBA(x, y, color.RGBA{B: 255, A: 255})
			}
		}
	}

	dst := CenterCropResize(src, 50, 50)
	assert.Equal(t, 50, dst.Bounds().Dx())
	assert.Equal(t, 50, dst.Bounds().Dy())

	left := dst.RGBAAt(5, 25)
	right := dst.RGBAAt(45, 25)
	assert.Greater(t, left.R, uint8(128))
	assert.Greater(t, right.B, uint8(128))
}

func TestAspectDelta(t *testing.T) {
	assert.Equal(t, 0.0, AspectDelta(1600, 1200, 800, 600))
	assert.InDelta(t, 0.5, AspectDelta(100, 100, 150, 100), 1e-9)
	assert.Equal(t, 1.0, AspectDelta(100, 0, 100, 100))
}

func TestMeanLuminance(t *testing.T) {
	dark := solidRGBA(8, 8, color.RGBA{A: 255})
	bright := solidRGBA(8, 8, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	assert.InDelta(t, 0, MeanLuminance(dark), 1.0)
	assert.InDelta(t, 255, MeanLuminance(bright), 1.0)
}

func TestPercentile(t *testing.T) {
	// 75% dark, 25% bright.
	gray := image.NewGray(image.Rect(0, 0, 4, 1))
	gray.Pix[0], gray.Pix[1], gray.Pix[2], gray.Pix[3] = 10, 10, 10, 240

	assert.Equal(t, uint8(10), Percentile(gray, 0.5))
	assert.Equal(t, uint8(240), Percentile(gray, 0.9))
	assert.Equal(t, uint8(0), Percentile(gray, 0))
	assert.Equal(t, uint8(255), Percentile(gray, 1))
}

func TestGreenRatio(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			if y < 5 {
				img.SetRGBA(x, y, color.RGBA{G: 200, A: 255}) // grass
			} else {
				img.SetRGBA(x, y, color.RGBA{R: 128, G: 128, B: 128, A: 255}) // pavement
			}
		}
	}

	assert.InDelta(t, 0.5, GreenRatio(img, img.Bounds()), 0.05)
	assert.InDelta(t, 1.0, GreenRatio(img, image.Rect(0, 0, 10, 5)), 0.01)
	assert.Equal(t, 0.0, GreenRatio(img, image.Rect(0, 5, 10, 10)))
	assert.Equal(t, 0.0, GreenRatio(img, image.Rect(50, 50, 60, 60)), "rect outside bounds")
}

func TestCentralBand(t *testing.T) {
	band := CentralBand(image.Rect(0, 0, 100, 90), 1.0/3.0)
	assert.Equal(t, 100, band.Dx())
	assert.Equal(t, 30, band.Dy())
	assert.Equal(t, 30, band.Min.Y)
}

func TestBoxBlur_FlattensNoise(t *testing.T) {
	gray := image.NewGray(image.Rect(0, 0, 5, 5))
	gray.SetGray(2, 2, color.Gray{Y: 255})

	blurred := BoxBlur(gray)
	center := blurred.GrayAt(2, 2).Y
	assert.Less(t, center, uint8(50), "single hot pixel spreads out")
	assert.Greater(t, blurred.GrayAt(1, 1).Y, uint8(0))
}
