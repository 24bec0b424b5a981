package plugins

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"math"
)

// ImageProcessor analyzes the frames captured by a camera plugin. It finds
// the first `image` raw-byte field among the point's results, decodes it and
// reports geometry, brightness, contrast and sharpness figures.
type ImageProcessor struct {
	Base
	ready bool
}

func NewImageProcessor() Plugin {
	defs := map[string]ParamDef{
		"binary_threshold": {
			Type: ParamInt, Default: 128, Min: limit(0), Max: limit(255),
			Description: "Intensity threshold for the binary white ratio",
		},
		"enable_edges": {
			Type: ParamBool, Default: true,
			Description: "Report edge strength and sharpness (Laplacian based)",
		},
		"decimal_places": {
			Type: ParamInt, Default: 2, Min: limit(0), Max: limit(6),
			Description: "Decimal places in reported figures",
		},
	}
	return &ImageProcessor{
		Base: NewBase("ImageProcessor", "1.0", "Analyzes captured camera frames", TypeProcessing, defs),
	}
}

func (p *ImageProcessor) Initialize() error {
	p.ready = true
	p.MarkInitialized()
	return nil
}

func (p *ImageProcessor) Cleanup() error {
	p.ready = false
	p.MarkCleaned()
	return nil
}

func (p *ImageProcessor) RequiredInputs() []string {
	return []string{"CameraPlugin"}
}

// Process analyzes the first frame found at this point. A point without an
// image field yields an empty result rather than an error, so the processor
// can stay active across mixed sequences.
func (p *ImageProcessor) Process(results map[string]map[string]any) (map[string]any, error) {
	if !p.ready {
		return nil, fmt.Errorf("%s: processor not initialized", p.Name())
	}

	var frame []byte
	for _, plugin := range sortedKeys(results) {
		if raw, ok := results[plugin]["image"].([]byte); ok {
			frame = raw
			break
		}
	}
	if frame == nil {
		return map[string]any{}, nil
	}

	img, format, err := image.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%s: decode frame: %w", p.Name(), err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	n := w * h
	if n == 0 {
		return nil, fmt.Errorf("%s: empty frame", p.Name())
	}

	gray := make([]float64, 0, n)
	var histogram [256]int
	var sum float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			v := float64(color.GrayModel.Convert(img.At(x, y)).(color.Gray).Y)
			gray = append(gray, v)
			histogram[int(v)]++
			sum += v
		}
	}

	mean := sum / float64(n)
	var sq float64
	for _, v := range gray {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(n))

	digits := p.IntParameter("decimal_places")
	out := map[string]any{
		"image_width":        w,
		"image_height":       h,
		"image_format":       format,
		"brightness_mean":    round(mean, digits),
		"brightness_std":     round(std, digits),
		"dominant_intensity": dominantBin(histogram),
		"contrast_range":     percentile(histogram, n, 0.95) - percentile(histogram, n, 0.05),
	}

	threshold := float64(p.IntParameter("binary_threshold"))
	white := 0
	for _, v := range gray {
		if v > threshold {
			white++
		}
	}
	out["binary_white_ratio"] = round(float64(white)/float64(n), 4)

	if p.BoolParameter("enable_edges") {
		edgeMean, edgeVar := laplacianStats(gray, w, h)
		out["edge_strength"] = round(edgeMean, digits)
		out["sharpness"] = round(edgeVar, digits)
	}
	return out, nil
}

// dominantBin returns the lowest intensity holding the histogram maximum.
func dominantBin(histogram [256]int) int {
	best := 0
	for i, c := range histogram {
		if c > histogram[best] {
			best = i
		}
	}
	return best
}

// percentile returns the intensity below which the given fraction of pixels
// falls, walking the cumulative histogram.
func percentile(histogram [256]int, n int, fraction float64) int {
	target := int(float64(n) * fraction)
	cum := 0
	for i, c := range histogram {
		cum += c
		if cum > target {
			return i
		}
	}
	return 255
}

// laplacianStats applies a 3x3 Laplacian over the interior pixels, clamps to
// the 0..255 range like an 8-bit filter pass, and returns mean and variance.
// The mean approximates edge strength; the variance is the usual
// variance-of-Laplacian sharpness estimate.
func laplacianStats(gray []float64, w, h int) (mean, variance float64) {
	if w < 3 || h < 3 {
		return 0, 0
	}
	values := make([]float64, 0, (w-2)*(h-2))
	var sum float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			v := 8*gray[y*w+x] -
				gray[(y-1)*w+x-1] - gray[(y-1)*w+x] - gray[(y-1)*w+x+1] -
				gray[y*w+x-1] - gray[y*w+x+1] -
				gray[(y+1)*w+x-1] - gray[(y+1)*w+x] - gray[(y+1)*w+x+1]
			v = math.Max(0, math.Min(255, v))
			values = append(values, v)
			sum += v
		}
	}
	mean = sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, sq / float64(len(values))
}
