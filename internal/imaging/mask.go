package imaging

import (
	"image"
	"math"
)

// Mask is a binary pixel mask with row-major storage.
type Mask struct {
	W, H int
	Bits []bool
}

// NewMask allocates an all-false mask.
func NewMask(w, h int) *Mask {
	return &Mask{W: w, H: h, Bits: make([]bool, w*h)}
}

// At reads a bit; out-of-range coordinates are false.
func (m *Mask) At(x, y int) bool {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return false
	}
	return m.Bits[y*m.W+x]
}

// Set writes a bit.
func (m *Mask) Set(x, y int, v bool) {
	if x < 0 || y < 0 || x >= m.W || y >= m.H {
		return
	}
	m.Bits[y*m.W+x] = v
}

// Count returns the number of true bits.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// And intersects two equal-size masks into a new mask.
func (m *Mask) And(other *Mask) *Mask {
	out := NewMask(m.W, m.H)
	for i := range m.Bits {
		out.Bits[i] = m.Bits[i] && other.Bits[i]
	}
	return out
}

// IoU computes intersection-over-union of two equal-size masks. Two empty
// masks agree perfectly and score 1.
func IoU(a, b *Mask) float64 {
	inter := 0
	union := 0
	for i := range a.Bits {
		if a.Bits[i] && b.Bits[i] {
			inter++
		}
		if a.Bits[i] || b.Bits[i] {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// MaskedIoU computes IoU of a and b restricted to pixels where region is true.
func MaskedIoU(a, b, region *Mask) float64 {
	inter := 0
	union := 0
	for i := range region.Bits {
		if !region.Bits[i] {
			continue
		}
		if a.Bits[i] && b.Bits[i] {
			inter++
		}
		if a.Bits[i] || b.Bits[i] {
			union++
		}
	}
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}

// SobelEdges computes the Sobel gradient magnitude of a grayscale image and
// thresholds it into a binary edge mask.
func SobelEdges(gray *image.Gray, threshold float64) *Mask {
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	mask := NewMask(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := -grayAt(gray, x-1, y-1, w, h) + grayAt(gray, x+1, y-1, w, h) +
				-2*grayAt(gray, x-1, y, w, h) + 2*grayAt(gray, x+1, y, w, h) +
				-grayAt(gray, x-1, y+1, w, h) + grayAt(gray, x+1, y+1, w, h)
			gy := -grayAt(gray, x-1, y-1, w, h) - 2*grayAt(gray, x, y-1, w, h) - grayAt(gray, x+1, y-1, w, h) +
				grayAt(gray, x-1, y+1, w, h) + 2*grayAt(gray, x, y+1, w, h) + grayAt(gray, x+1, y+1, w, h)
			if math.Sqrt(gx*gx+gy*gy) >= threshold {
				mask.Bits[y*w+x] = true
			}
		}
	}
	return mask
}

// ThresholdAbove marks pixels at or above the gray level.
func ThresholdAbove(gray *image.Gray, level uint8) *Mask {
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	mask := NewMask(w, h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+w]
		for x, v := range row {
			if v >= level {
				mask.Bits[y*w+x] = true
			}
		}
	}
	return mask
}

// Dilate grows true regions by one pixel (4-neighborhood).
func Dilate(m *Mask) *Mask {
	out := NewMask(m.W, m.H)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if m.At(x, y) || m.At(x-1, y) || m.At(x+1, y) || m.At(x, y-1) || m.At(x, y+1) {
				out.Bits[y*m.W+x] = true
			}
		}
	}
	return out
}

// Erode shrinks true regions by one pixel (4-neighborhood).
func Erode(m *Mask) *Mask {
	out := NewMask(m.W, m.H)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			if m.At(x, y) && m.At(x-1, y) && m.At(x+1, y) && m.At(x, y-1) && m.At(x, y+1) {
				out.Bits[y*m.W+x] = true
			}
		}
	}
	return out
}

// Close applies morphological closing (dilate then erode), bridging small
// gaps in edge chains.
func Close(m *Mask) *Mask {
	return Erode(Dilate(m))
}

// MajoritySmooth runs one smoothing pass: each pixel takes the majority value
// of its 3×3 neighborhood.
func MajoritySmooth(m *Mask) *Mask {
	out := NewMask(m.W, m.H)
	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			on := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if m.At(x+dx, y+dy) {
						on++
					}
				}
			}
			out.Bits[y*m.W+x] = on >= 5
		}
	}
	return out
}

// Region is a connected component found by flood fill.
type Region struct {
	Area int
	Min  image.Point
	Max  image.Point // exclusive
}

// Width returns the bounding-box width.
func (r Region) Width() int { return r.Max.X - r.Min.X }

// Height returns the bounding-box height.
func (r Region) Height() int { return r.Max.Y - r.Min.Y }

// Aspect returns the bounding-box width/height ratio.
func (r Region) Aspect() float64 {
	if r.Height() == 0 {
		return 0
	}
	return float64(r.Width()) / float64(r.Height())
}

// Regions extracts 4-connected components from a mask via iterative flood
// fill. Iteration order is row-major, so results are deterministic.
func Regions(m *Mask) []Region {
	visited := make([]bool, len(m.Bits))
	var regions []Region
	stack := make([]image.Point, 0, 256)

	for y := 0; y < m.H; y++ {
		for x := 0; x < m.W; x++ {
			idx := y*m.W + x
			if !m.Bits[idx] || visited[idx] {
				continue
			}

			region := Region{Min: image.Pt(x, y), Max: image.Pt(x+1, y+1)}
			stack = append(stack[:0], image.Pt(x, y))
			visited[idx] = true

			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				region.Area++
				if p.X < region.Min.X {
					region.Min.X = p.X
				}
				if p.Y < region.Min.Y {
					region.Min.Y = p.Y
				}
				if p.X+1 > region.Max.X {
					region.Max.X = p.X + 1
				}
				if p.Y+1 > region.Max.Y {
					region.Max.Y = p.Y + 1
				}

				for _, d := range [4]image.Point{{1, 0}, {-1, 0}, {0, 1}, {0, -1}} {
					nx, ny := p.X+d.X, p.Y+d.Y
					if nx < 0 || ny < 0 || nx >= m.W || ny >= m.H {
						continue
					}
					nidx := ny*m.W + nx
					if m.Bits[nidx] && !visited[nidx] {
						visited[nidx] = true
						stack = append(stack, image.Pt(nx, ny))
					}
				}
			}

			regions = append(regions, region)
		}
	}
	return regions
}
