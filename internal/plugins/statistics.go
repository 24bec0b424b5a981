package plugins

import (
	"fmt"
	"math"
)

// StatisticsProcessor derives running statistics for every numeric field a
// measurement plugin reported at this point, accumulated over all points seen
// since Initialize. Output fields are keyed `<plugin>_<field>_<stat>`.
type StatisticsProcessor struct {
	Base
	history map[string][]float64
}

func NewStatisticsProcessor() Plugin {
	defs := map[string]ParamDef{
		"window_size": {
			Type: ParamInt, Default: 10, Min: limit(2), Max: limit(100),
			Description: "Window length for the moving average",
		},
		"enable_moving_avg": {
			Type: ParamBool, Default: true,
			Description: "Report a moving average over the window",
		},
		"max_history": {
			Type: ParamInt, Default: 1000, Min: limit(10), Max: limit(10000),
			Description: "Values retained per field for the running statistics",
		},
		"decimal_places": {
			Type: ParamInt, Default: 6, Min: limit(1), Max: limit(10),
			Description: "Decimal places in reported statistics",
		},
	}
	return &StatisticsProcessor{
		Base: NewBase("StatisticsProcessor", "3.0", "Running statistics over every numeric measurement field", TypeProcessing, defs),
	}
}

func (s *StatisticsProcessor) Initialize() error {
	s.history = make(map[string][]float64)
	s.MarkInitialized()
	return nil
}

func (s *StatisticsProcessor) Cleanup() error {
	s.history = nil
	s.MarkCleaned()
	return nil
}

// RequiredInputs is empty: the processor consumes whatever numeric fields are
// present rather than depending on specific plugins.
func (s *StatisticsProcessor) RequiredInputs() []string {
	return nil
}

func (s *StatisticsProcessor) Process(results map[string]map[string]any) (map[string]any, error) {
	if s.history == nil {
		return nil, fmt.Errorf("%s: processor not initialized", s.Name())
	}

	maxHistory := s.IntParameter("max_history")
	window := s.IntParameter("window_size")
	digits := s.IntParameter("decimal_places")
	movingAvg := s.BoolParameter("enable_moving_avg")

	out := make(map[string]any)
	for _, plugin := range sortedKeys(results) {
		fields := results[plugin]
		for _, field := range sortedKeys(fields) {
			if field == "unit_info" {
				continue
			}
			v, ok := floatValue(fields[field])
			if !ok {
				continue
			}

			key := plugin + "_" + field
			hist := append(s.history[key], v)
			if len(hist) > maxHistory {
				hist = hist[len(hist)-maxHistory:]
			}
			s.history[key] = hist

			mean, std := meanStd(hist)
			out[key+"_mean"] = round(mean, digits)
			out[key+"_std"] = round(std, digits)
			out[key+"_min"] = round(minOf(hist), digits)
			out[key+"_max"] = round(maxOf(hist), digits)
			out[key+"_count"] = len(hist)
			if movingAvg {
				w := hist
				if len(w) > window {
					w = w[len(w)-window:]
				}
				avg, _ := meanStd(w)
				out[key+"_moving_avg"] = round(avg, digits)
			}
		}
	}
	return out, nil
}

func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func minOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxOf(values []float64) float64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
