// Package sequence holds the in-memory model of a measurement campaign:
// parameter ranges, the measurement points generated from them and the
// plugins selected to run them. The JSON layout matches previously stored
// sequence files, so existing definitions keep loading.
package sequence

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
)

// ParameterRange is a named numeric sweep: Steps values linearly spaced from
// Start to End inclusive.
type ParameterRange struct {
	ParameterName string  `json:"parameter_name"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	Steps         int     `json:"steps"`
	Unit          string  `json:"unit"`
}

// Values produces the ordered sweep values. Steps <= 1 yields just Start;
// otherwise the first element is exactly Start and the last exactly End.
func (r ParameterRange) Values() []float64 {
	if r.Steps <= 1 {
		return []float64{r.Start}
	}
	step := (r.End - r.Start) / float64(r.Steps-1)
	values := make([]float64, r.Steps)
	for i := range values {
		values[i] = r.Start + float64(i)*step
	}
	values[r.Steps-1] = r.End
	return values
}

// Point is one concrete parameter combination plus the results collected when
// it executed. Timestamp stays empty until the engine runs the point.
type Point struct {
	Name       string                    `json:"name"`
	Parameters map[string]float64        `json:"parameters"`
	Timestamp  string                    `json:"timestamp"`
	Results    map[string]map[string]any `json:"results"`
}

func NewPoint(name string, parameters map[string]float64) *Point {
	return &Point{
		Name:       name,
		Parameters: parameters,
		Results:    map[string]map[string]any{},
	}
}

// Sequence is an ordered campaign of measurement points plus the plugins
// selected to run them.
type Sequence struct {
	Name              string           `json:"name"`
	Description       string           `json:"description"`
	ParameterRanges   []ParameterRange `json:"parameter_ranges"`
	Points            []*Point         `json:"measurement_points"`
	ActivePlugins     []string         `json:"active_plugins"`
	ProcessingPlugins []string         `json:"processing_plugins"`
	Metadata          map[string]any   `json:"metadata"`
}

func New(name, description string) *Sequence {
	return &Sequence{
		Name:              name,
		Description:       description,
		ParameterRanges:   []ParameterRange{},
		Points:            []*Point{},
		ActivePlugins:     []string{},
		ProcessingPlugins: []string{},
		Metadata:          map[string]any{},
	}
}

func (s *Sequence) AddParameterRange(r ParameterRange) {
	s.ParameterRanges = append(s.ParameterRanges, r)
}

func (s *Sequence) AddPoint(p *Point) {
	s.Points = append(s.Points, p)
}

// GeneratePoints replaces the point list with the Cartesian product of all
// range values in declaration order, the last range varying fastest. Points
// are named Point_1..Point_N in product order. Editing ranges afterwards does
// not regenerate points until this is called again.
func (s *Sequence) GeneratePoints() int {
	if len(s.ParameterRanges) == 0 {
		return 0
	}

	values := make([][]float64, len(s.ParameterRanges))
	total := 1
	for i, r := range s.ParameterRanges {
		values[i] = r.Values()
		total *= len(values[i])
	}

	s.Points = make([]*Point, 0, total)
	idx := make([]int, len(values))
	for n := 1; n <= total; n++ {
		params := make(map[string]float64, len(values))
		for i, r := range s.ParameterRanges {
			params[r.ParameterName] = values[i][idx[i]]
		}
		s.AddPoint(NewPoint(fmt.Sprintf("Point_%d", n), params))

		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(values[i]) {
				break
			}
			idx[i] = 0
		}
	}

	log.Printf("generated %d measurement points for sequence %q", total, s.Name)
	return total
}

// Marshal serializes the sequence to pretty-printed JSON.
func (s *Sequence) Marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Unmarshal restores a sequence from its JSON form. Missing optional fields
// default to empty.
func Unmarshal(data []byte) (*Sequence, error) {
	seq := New("", "")
	if err := json.Unmarshal(data, seq); err != nil {
		return nil, fmt.Errorf("parse sequence: %w", err)
	}
	for _, p := range seq.Points {
		if p.Results == nil {
			p.Results = map[string]map[string]any{}
		}
	}
	return seq, nil
}

// SaveToFile writes the sequence definition as a JSON file.
func (s *Sequence) SaveToFile(path string) error {
	data, err := s.Marshal()
	if err != nil {
		return fmt.Errorf("serialize sequence %q: %w", s.Name, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("save sequence %q: %w", s.Name, err)
	}
	return nil
}

// LoadFromFile reads a sequence definition file.
func LoadFromFile(path string) (*Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load sequence: %w", err)
	}
	return Unmarshal(data)
}
