package validation

import (
	"image"
	"sort"

	"github.com/relume-ai/relume/internal/imaging"
)

// CountWindows detects bright rectangular regions that read as windows:
// grayscale, percentile threshold, one majority-smoothing pass, 4-connected
// flood fill, then area and aspect filters, keeping the largest six.
func CountWindows(img image.Image, percentile float64) int {
	if percentile <= 0 || percentile >= 1 {
		percentile = defaultWindowPctl
	}

	gray := imaging.ToGray(img)
	level := imaging.Percentile(gray, percentile)
	mask := imaging.ThresholdAbove(gray, level)
	mask = imaging.MajoritySmooth(mask)

	bounds := img.Bounds()
	total := bounds.Dx() * bounds.Dy()
	minArea := int(float64(total) * windowMinAreaFrac)
	maxArea := int(float64(total) * windowMaxAreaFrac)

	regions := imaging.Regions(mask)
	kept := regions[:0]
	for _, r := range regions {
		if r.Area < minArea || r.Area > maxArea {
			continue
		}
		aspect := r.Aspect()
		if aspect < windowMinAspect || aspect > windowMaxAspect {
			continue
		}
		kept = append(kept, r)
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Area > kept[j].Area })
	if len(kept) > windowMaxCount {
		kept = kept[:windowMaxCount]
	}
	return len(kept)
}
