package plugins

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ElectricalMeter is a simulated multimeter. Point parameters `voltage` and
// `current` command the source values; the measurement adds configurable
// noise and an optional AC component.
type ElectricalMeter struct {
	Base
	voltage   float64
	current   float64
	connected bool
	rng       *rand.Rand
}

func NewElectricalMeter() Plugin {
	defs := map[string]ParamDef{
		"voltage_noise": {
			Type: ParamFloat, Default: 0.001, Min: limit(0), Max: limit(1),
			Unit: "V", Description: "Gaussian noise level of the voltage reading",
		},
		"current_noise": {
			Type: ParamFloat, Default: 0.0001, Min: limit(0), Max: limit(0.1),
			Unit: "A", Description: "Gaussian noise level of the current reading",
		},
		"measurement_delay": {
			Type: ParamFloat, Default: 0.0, Min: limit(0), Max: limit(1),
			Unit: "s", Description: "Simulated integration time per reading",
		},
		"enable_power": {
			Type: ParamBool, Default: true,
			Description: "Report the computed power field",
		},
		"enable_resistance": {
			Type: ParamBool, Default: true,
			Description: "Report the computed resistance field",
		},
		"digits": {
			Type: ParamInt, Default: 4, Min: limit(1), Max: limit(9),
			Description: "Decimal places in reported readings",
		},
		"measurement_mode": {
			Type: ParamChoice, Default: "DC",
			Choices:     []string{"DC", "AC", "DC+AC"},
			Description: "Measurement coupling mode",
		},
	}
	return &ElectricalMeter{
		Base: NewBase("ElectricalMeter", "2.0", "Simulated multimeter for electrical measurements", TypeMeasurement, defs),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *ElectricalMeter) Initialize() error {
	m.connected = true
	m.MarkInitialized()
	return nil
}

func (m *ElectricalMeter) Cleanup() error {
	m.connected = false
	m.MarkCleaned()
	return nil
}

func (m *ElectricalMeter) SetParameters(params map[string]float64) error {
	if v, ok := params["voltage"]; ok {
		m.voltage = v
	}
	if v, ok := params["current"]; ok {
		m.current = v
	}
	return nil
}

func (m *ElectricalMeter) Measure() (map[string]any, error) {
	if !m.connected {
		return nil, fmt.Errorf("%s: meter not initialized", m.Name())
	}

	if d := m.FloatParameter("measurement_delay"); d > 0 {
		time.Sleep(time.Duration(d * float64(time.Second)))
	}

	v := m.voltage + m.rng.NormFloat64()*m.FloatParameter("voltage_noise")
	i := m.current + m.rng.NormFloat64()*m.FloatParameter("current_noise")

	mode := m.StringParameter("measurement_mode")
	if mode == "AC" || mode == "DC+AC" {
		phase := m.rng.Float64() * 2 * math.Pi
		acV := m.voltage * 0.01 * math.Sin(phase)
		acI := m.current * 0.01 * math.Sin(phase)
		if mode == "AC" {
			v, i = acV, acI
		} else {
			v += acV
			i += acI
		}
	}

	digits := m.IntParameter("digits")
	result := map[string]any{
		"voltage":          round(v, digits),
		"current":          round(i, digits),
		"measurement_mode": mode,
		"unit_info":        m.Units(),
	}
	if m.BoolParameter("enable_power") {
		result["power"] = round(v*i, digits)
	}
	if m.BoolParameter("enable_resistance") && i != 0 {
		result["resistance"] = round(v/i, digits)
	}
	return result, nil
}

func (m *ElectricalMeter) Units() map[string]string {
	return map[string]string{
		"voltage":    "V",
		"current":    "A",
		"power":      "W",
		"resistance": "Ω",
	}
}

func round(v float64, digits int) float64 {
	scale := math.Pow10(digits)
	return math.Round(v*scale) / scale
}
