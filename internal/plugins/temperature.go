package plugins

import (
	"fmt"
	"log"
	"math/rand"
	"time"
)

// TemperatureSensor is a simulated PT100-class temperature probe. It follows
// a commanded `temperature` point parameter with a first-order settling model
// and configurable measurement noise.
type TemperatureSensor struct {
	Base
	current   float64
	target    float64
	connected bool
	rng       *rand.Rand
}

func NewTemperatureSensor() Plugin {
	defs := map[string]ParamDef{
		"noise_level": {
			Type: ParamFloat, Default: 0.1, Min: limit(0), Max: limit(5),
			Unit: "°C", Description: "Gaussian noise level of the temperature reading",
		},
		"response_time": {
			Type: ParamFloat, Default: 0.3, Min: limit(0), Max: limit(1),
			Unit: "s", Description: "Thermal time constant of the sensor",
		},
		"pt100_enabled": {
			Type: ParamBool, Default: true,
			Description: "Report the PT100 resistance alongside the temperature",
		},
		"sensor_type": {
			Type: ParamChoice, Default: "PT100",
			Choices:     []string{"PT100", "PT1000", "Thermocouple K", "NTC"},
			Description: "Sensor element type",
		},
		"offset": {
			Type: ParamFloat, Default: 0.0, Min: limit(-10), Max: limit(10),
			Unit: "°C", Description: "Calibration offset added to every reading",
		},
		"settling_steps": {
			Type: ParamInt, Default: 3, Min: limit(1), Max: limit(10),
			Description: "Internal settling iterations before the reading is taken",
		},
	}
	return &TemperatureSensor{
		Base:    NewBase("TemperatureSensor", "2.0", "Simulated temperature sensor with PT100 characteristic", TypeMeasurement, defs),
		current: 25.0,
		target:  25.0,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (t *TemperatureSensor) Initialize() error {
	t.connected = true
	t.current = 25.0
	t.MarkInitialized()
	log.Printf("%s: connected (%s)", t.Name(), t.StringParameter("sensor_type"))
	return nil
}

func (t *TemperatureSensor) Cleanup() error {
	t.connected = false
	t.MarkCleaned()
	return nil
}

func (t *TemperatureSensor) SetParameters(params map[string]float64) error {
	if v, ok := params["temperature"]; ok {
		t.target = v
	}
	return nil
}

func (t *TemperatureSensor) Measure() (map[string]any, error) {
	if !t.connected {
		return nil, fmt.Errorf("%s: sensor not initialized", t.Name())
	}

	steps := t.IntParameter("settling_steps")
	tau := t.FloatParameter("response_time")
	start := time.Now()
	for i := 0; i < steps; i++ {
		// First-order approach to the commanded target.
		t.current += (t.target - t.current) * (1 - tau)
	}

	noise := t.rng.NormFloat64() * t.FloatParameter("noise_level")
	reading := t.current + noise + t.FloatParameter("offset")

	result := map[string]any{
		"temperature":   reading,
		"settling_time": time.Since(start).Seconds(),
		"unit_info":     t.Units(),
	}
	if t.BoolParameter("pt100_enabled") {
		// Callendar–Van Dusen linear term: R = R0 * (1 + alpha*T).
		result["resistance_pt100"] = 100.0 * (1 + 0.00385*reading)
	}
	return result, nil
}

func (t *TemperatureSensor) Units() map[string]string {
	return map[string]string{
		"temperature":      "°C",
		"resistance_pt100": "Ω",
		"settling_time":    "s",
	}
}
