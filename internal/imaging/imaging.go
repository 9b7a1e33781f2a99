// Package imaging wraps the image primitives the validators build on:
// decode/encode, resize, grayscale, Sobel edges, histograms and simple
// morphology. Everything here is pure and deterministic.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Decode decodes JPEG or PNG bytes.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// EncodeJPEG encodes an image as JPEG at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNG encodes an image as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// ToGray converts any image to 8-bit grayscale.
func ToGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, img, bounds.Min, draw.Src)
	return gray
}

// Resize scales an image to w×h with bilinear interpolation.
func Resize(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// CenterCropResize brings an image to exactly w×h: it first center-crops to
// the target aspect ratio, then resizes. Used to canonicalize candidates
// whose dimensions differ from the base while the aspect matches.
func CenterCropResize(img image.Image, w, h int) *image.RGBA {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	targetAspect := float64(w) / float64(h)
	srcAspect := float64(srcW) / float64(srcH)

	cropW, cropH := srcW, srcH
	if srcAspect > targetAspect {
		cropW = int(math.Round(float64(srcH) * targetAspect))
	} else if srcAspect < targetAspect {
		cropH = int(math.Round(float64(srcW) / targetAspect))
	}

	x0 := bounds.Min.X + (srcW-cropW)/2
	y0 := bounds.Min.Y + (srcH-cropH)/2
	crop := image.Rect(x0, y0, x0+cropW, y0+cropH)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, crop, xdraw.Src, nil)
	return dst
}

// AspectDelta returns the relative aspect-ratio difference between two sizes.
func AspectDelta(w1, h1, w2, h2 int) float64 {
	if h1 == 0 || h2 == 0 {
		return 1
	}
	a1 := float64(w1) / float64(h1)
	a2 := float64(w2) / float64(h2)
	if a1 == 0 {
		return 1
	}
	return math.Abs(a1-a2) / a1
}

// MeanLuminance returns the mean gray level (0..255) of an image.
func MeanLuminance(img image.Image) float64 {
	gray := ToGray(img)
	bounds := gray.Bounds()
	total := 0.0
	count := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		row := gray.Pix[(y-bounds.Min.Y)*gray.Stride:]
		for x := 0; x < bounds.Dx(); x++ {
			total += float64(row[x])
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// Histogram returns the 256-bin gray level histogram.
func Histogram(gray *image.Gray) [256]int {
	var hist [256]int
	bounds := gray.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+bounds.Dx()]
		for _, v := range row {
			hist[v]++
		}
	}
	return hist
}

// Percentile returns the gray level at or below which the given fraction of
// pixels fall. p is clamped to (0,1).
func Percentile(gray *image.Gray, p float64) uint8 {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return 255
	}
	hist := Histogram(gray)
	bounds := gray.Bounds()
	total := bounds.Dx() * bounds.Dy()
	target := int(float64(total) * p)
	cum := 0
	for v := 0; v < 256; v++ {
		cum += hist[v]
		if cum >= target {
			return uint8(v)
		}
	}
	return 255
}

// GreenRatio returns the fraction of pixels inside rect whose hue falls in
// the HSV green band (roughly 60°–180°) with saturation and brightness
// floors. Used for exterior landcover comparison.
func GreenRatio(img image.Image, rect image.Rectangle) float64 {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return 0
	}
	green := 0
	total := 0
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			h, s, v := rgbToHSV(uint8(r>>8), uint8(g>>8), uint8(b>>8))
			if h >= 60 && h <= 180 && s >= 0.15 && v >= 0.15 {
				green++
			}
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(green) / float64(total)
}

// CentralBand returns the horizontal middle band of an image's bounds,
// covering the given fraction of its height.
func CentralBand(bounds image.Rectangle, fraction float64) image.Rectangle {
	h := bounds.Dy()
	bandH := int(float64(h) * fraction)
	y0 := bounds.Min.Y + (h-bandH)/2
	return image.Rect(bounds.Min.X, y0, bounds.Max.X, y0+bandH)
}

// rgbToHSV converts 8-bit RGB to (hue degrees 0..360, saturation 0..1, value 0..1).
func rgbToHSV(r, g, b uint8) (float64, float64, float64) {
	rf, gf, bf := float64(r)/255, float64(g)/255, float64(b)/255
	max := math.Max(rf, math.Max(gf, bf))
	min := math.Min(rf, math.Min(gf, bf))
	v := max
	d := max - min

	var s float64
	if max > 0 {
		s = d / max
	}

	var h float64
	switch {
	case d == 0:
		h = 0
	case max == rf:
		h = 60 * math.Mod((gf-bf)/d, 6)
	case max == gf:
		h = 60 * ((bf-rf)/d + 2)
	default:
		h = 60 * ((rf-gf)/d + 4)
	}
	if h < 0 {
		h += 360
	}
	return h, s, v
}

// grayAt is a bounds-checked helper for convolution edges.
func grayAt(g *image.Gray, x, y, w, h int) float64 {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x >= w {
		x = w - 1
	}
	if y >= h {
		y = h - 1
	}
	return float64(g.Pix[y*g.Stride+x])
}

// BoxBlur applies a single-pass 3×3 box blur.
func BoxBlur(g *image.Gray) *image.Gray {
	bounds := g.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					sum += grayAt(g, x+dx, y+dy, w, h)
				}
			}
			out.Pix[y*out.Stride+x] = uint8(sum / 9)
		}
	}
	return out
}
