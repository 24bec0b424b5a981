package plugins

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"time"
)

// CameraPlugin is a simulated camera. Every measurement renders a synthetic
// frame, encodes it as PNG and reports the raw bytes as the `image` field
// together with brightness statistics over the frame.
type CameraPlugin struct {
	Base
	connected  bool
	frameCount int
	rng        *rand.Rand
}

func NewCameraPlugin() Plugin {
	defs := map[string]ParamDef{
		"resolution_width": {
			Type: ParamInt, Default: 160, Min: limit(16), Max: limit(1920),
			Description: "Frame width in pixels",
		},
		"resolution_height": {
			Type: ParamInt, Default: 120, Min: limit(16), Max: limit(1080),
			Description: "Frame height in pixels",
		},
		"exposure": {
			Type: ParamFloat, Default: 100.0, Min: limit(1), Max: limit(1000),
			Unit: "ms", Description: "Exposure time, scales the frame brightness",
		},
		"gain": {
			Type: ParamFloat, Default: 1.0, Min: limit(0.1), Max: limit(10),
			Description: "Analog gain applied to the frame",
		},
		"noise_sigma": {
			Type: ParamFloat, Default: 4.0, Min: limit(0), Max: limit(64),
			Description: "Per-pixel Gaussian noise",
		},
	}
	return &CameraPlugin{
		Base: NewBase("CameraPlugin", "2.0", "Simulated camera producing PNG frames with brightness statistics", TypeMeasurement, defs),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *CameraPlugin) Initialize() error {
	c.connected = true
	c.frameCount = 0
	c.MarkInitialized()
	return nil
}

func (c *CameraPlugin) Cleanup() error {
	c.connected = false
	c.MarkCleaned()
	return nil
}

func (c *CameraPlugin) SetParameters(params map[string]float64) error {
	if v, ok := params["exposure"]; ok {
		return c.SetParameter("exposure", v)
	}
	return nil
}

func (c *CameraPlugin) Measure() (map[string]any, error) {
	if !c.connected {
		return nil, fmt.Errorf("%s: camera not initialized", c.Name())
	}

	w := c.IntParameter("resolution_width")
	h := c.IntParameter("resolution_height")
	exposure := c.FloatParameter("exposure")
	gain := c.FloatParameter("gain")
	sigma := c.FloatParameter("noise_sigma")

	// Brightness scales logarithmically with exposure, like a real sensor
	// approaching saturation.
	base := 32 + 48*math.Log10(exposure)*gain

	img := image.NewGray(image.Rect(0, 0, w, h))
	var sum, sumSq float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			// Horizontal gradient test pattern plus sensor noise.
			v := base + 64*float64(x)/float64(w) + c.rng.NormFloat64()*sigma
			v = math.Max(0, math.Min(255, v))
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
			sum += v
			sumSq += v * v
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%s: encode frame: %w", c.Name(), err)
	}
	c.frameCount++

	n := float64(w * h)
	mean := sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}

	return map[string]any{
		"image":           buf.Bytes(),
		"brightness_mean": mean,
		"brightness_std":  math.Sqrt(variance),
		"frame_number":    c.frameCount,
		"unit_info":       c.Units(),
	}, nil
}

func (c *CameraPlugin) Units() map[string]string {
	return map[string]string{
		"brightness_mean": "counts",
		"brightness_std":  "counts",
		"frame_number":    "",
	}
}
