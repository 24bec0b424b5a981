package plugins

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Type identifies a plugin's capability class.
type Type string

const (
	TypeMeasurement Type = "measurement"
	TypeProcessing  Type = "processing"
)

// Plugin is the base contract every plugin implements.
type Plugin interface {
	Name() string
	Version() string
	Description() string
	PluginType() Type
	Initialize() error
	Cleanup() error
	ParameterDefinitions() map[string]ParamDef
	AllParameters() map[string]any
	SetAllParameters(values map[string]any) error
	SaveParametersToFile(path string) error
	LoadParametersFromFile(path string) (bool, error)
}

// MeasurementPlugin is a plugin that drives an instrument: it receives the
// point parameters, performs a measurement and reports named result fields.
type MeasurementPlugin interface {
	Plugin
	SetParameters(params map[string]float64) error
	Measure() (map[string]any, error)
	Units() map[string]string
}

// ProcessingPlugin consumes the results collected by measurement plugins for
// one point and derives additional fields from them.
type ProcessingPlugin interface {
	Plugin
	Process(results map[string]map[string]any) (map[string]any, error)
	RequiredInputs() []string
}

// Info is a plugin summary for catalogue listings.
type Info struct {
	Name           string `json:"name"`
	Version        string `json:"version"`
	Description    string `json:"description"`
	Type           Type   `json:"type"`
	ParameterCount int    `json:"parameter_count"`
}

// paramFile is the on-disk layout of a per-plugin parameter configuration.
type paramFile struct {
	PluginName    string         `yaml:"plugin_name"`
	PluginVersion string         `yaml:"plugin_version"`
	Parameters    map[string]any `yaml:"parameters"`
}

// Base carries the bookkeeping shared by all plugins: identity, the parameter
// schema and the live parameter map. Concrete plugins embed it and keep their
// instrument state alongside.
type Base struct {
	name        string
	version     string
	description string
	ptype       Type
	defs        map[string]ParamDef
	params      map[string]any
	initialized bool
}

// NewBase builds the shared plugin state with every parameter set to its
// schema default.
func NewBase(name, version, description string, ptype Type, defs map[string]ParamDef) Base {
	params := make(map[string]any, len(defs))
	for n, d := range defs {
		params[n] = d.Default
	}
	return Base{
		name:        name,
		version:     version,
		description: description,
		ptype:       ptype,
		defs:        defs,
		params:      params,
	}
}

func (b *Base) Name() string        { return b.name }
func (b *Base) Version() string     { return b.version }
func (b *Base) Description() string { return b.description }
func (b *Base) PluginType() Type    { return b.ptype }

// Initialized reports whether Initialize has run since the last Cleanup.
func (b *Base) Initialized() bool { return b.initialized }

// MarkInitialized records a successful Initialize call.
func (b *Base) MarkInitialized() { b.initialized = true }

// MarkCleaned records a Cleanup call.
func (b *Base) MarkCleaned() { b.initialized = false }

func (b *Base) ParameterDefinitions() map[string]ParamDef {
	return b.defs
}

// Info summarizes the plugin for catalogue listings.
func (b *Base) Info() Info {
	return Info{
		Name:           b.name,
		Version:        b.version,
		Description:    b.description,
		Type:           b.ptype,
		ParameterCount: len(b.defs),
	}
}

// AllParameters returns a copy of the live parameter map.
func (b *Base) AllParameters() map[string]any {
	out := make(map[string]any, len(b.params))
	for k, v := range b.params {
		out[k] = v
	}
	return out
}

// Parameter returns the current value of one parameter, or its schema default
// when it was never set.
func (b *Base) Parameter(name string) any {
	if v, ok := b.params[name]; ok {
		return v
	}
	if d, ok := b.defs[name]; ok {
		return d.Default
	}
	return nil
}

// FloatParameter is a convenience accessor for float-typed parameters.
func (b *Base) FloatParameter(name string) float64 {
	f, _ := floatValue(b.Parameter(name))
	return f
}

// IntParameter is a convenience accessor for int-typed parameters.
func (b *Base) IntParameter(name string) int {
	n, _ := intValue(b.Parameter(name))
	return n
}

// BoolParameter is a convenience accessor for bool-typed parameters.
func (b *Base) BoolParameter(name string) bool {
	v, _ := b.Parameter(name).(bool)
	return v
}

// StringParameter is a convenience accessor for string and choice parameters.
func (b *Base) StringParameter(name string) string {
	s, _ := b.Parameter(name).(string)
	return s
}

// SetParameter validates and writes a single parameter value.
func (b *Base) SetParameter(name string, value any) error {
	def, ok := b.defs[name]
	if !ok {
		return &ValidationError{Plugin: b.name, Field: name, Reason: "not declared in parameter schema"}
	}
	v, reason := checkValue(def, value)
	if reason != "" {
		return &ValidationError{Plugin: b.name, Field: name, Reason: reason}
	}
	b.params[name] = v
	return nil
}

// SetAllParameters validates every entry against the schema and applies them
// all-or-nothing: the first rejected field fails the call and no field is
// written.
func (b *Base) SetAllParameters(values map[string]any) error {
	staged := make(map[string]any, len(values))
	for _, name := range sortedKeys(values) {
		def, ok := b.defs[name]
		if !ok {
			return &ValidationError{Plugin: b.name, Field: name, Reason: "not declared in parameter schema"}
		}
		v, reason := checkValue(def, values[name])
		if reason != "" {
			return &ValidationError{Plugin: b.name, Field: name, Reason: reason}
		}
		staged[name] = v
	}
	for k, v := range staged {
		b.params[k] = v
	}
	return nil
}

// SaveParametersToFile writes the current parameter map plus the plugin's
// identity as a YAML configuration file.
func (b *Base) SaveParametersToFile(path string) error {
	cfg := paramFile{
		PluginName:    b.name,
		PluginVersion: b.version,
		Parameters:    b.AllParameters(),
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal parameters for %s: %w", b.name, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write parameters for %s: %w", b.name, err)
	}
	log.Printf("%s: parameters saved to %s", b.name, path)
	return nil
}

// LoadParametersFromFile reads a saved configuration. A file written for a
// different plugin is skipped with a warning. Individual values that no
// longer validate against the schema are skipped so one stale field cannot
// block the rest.
func (b *Base) LoadParametersFromFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var cfg paramFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return false, fmt.Errorf("parse parameters for %s: %w", b.name, err)
	}
	if cfg.PluginName != b.name {
		log.Printf("%s: config file %s belongs to plugin %q, skipping", b.name, path, cfg.PluginName)
		return false, nil
	}
	for _, name := range sortedKeys(cfg.Parameters) {
		if err := b.SetParameter(name, cfg.Parameters[name]); err != nil {
			log.Printf("%s: skipping saved parameter: %v", b.name, err)
		}
	}
	return true, nil
}
