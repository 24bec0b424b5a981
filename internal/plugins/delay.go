package plugins

import (
	"time"
)

// DelayPlugin waits for a configurable time at every point. Sequences use it
// to give real hardware extra stabilization time beyond the engine's settle
// delay. A `delay` point parameter overrides the configured default.
type DelayPlugin struct {
	Base
	delay time.Duration
}

func NewDelayPlugin() Plugin {
	defs := map[string]ParamDef{
		"default_delay": {
			Type: ParamFloat, Default: 1.0, Min: limit(0), Max: limit(300),
			Unit: "s", Description: "Wait time applied at every point",
		},
	}
	return &DelayPlugin{
		Base: NewBase("DelayPlugin", "2.0", "Waits a configurable time at every measurement point", TypeMeasurement, defs),
	}
}

func (d *DelayPlugin) Initialize() error {
	d.delay = time.Duration(d.FloatParameter("default_delay") * float64(time.Second))
	d.MarkInitialized()
	return nil
}

func (d *DelayPlugin) Cleanup() error {
	d.MarkCleaned()
	return nil
}

func (d *DelayPlugin) SetParameters(params map[string]float64) error {
	if v, ok := params["delay"]; ok {
		d.delay = time.Duration(v * float64(time.Second))
	}
	return nil
}

func (d *DelayPlugin) Measure() (map[string]any, error) {
	start := time.Now()
	time.Sleep(d.delay)
	return map[string]any{
		"requested_delay": d.delay.Seconds(),
		"actual_delay":    time.Since(start).Seconds(),
		"unit_info":       d.Units(),
	}, nil
}

func (d *DelayPlugin) Units() map[string]string {
	return map[string]string{
		"requested_delay": "s",
		"actual_delay":    "s",
	}
}
