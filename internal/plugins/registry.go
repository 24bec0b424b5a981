package plugins

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// Factory constructs a fresh plugin instance.
type Factory func() Plugin

// NotFoundError reports a request for a plugin name that was never
// registered.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("plugin not found: %s", e.Name)
}

// LoadError reports a registered plugin whose factory could not produce a
// usable instance. Discovery logs it and moves on.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load plugin %s: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Registry manages the set of available plugins: a static table of compiled-in
// factories and at most one live instance per name. Saved parameter
// configurations live as one YAML file per plugin under configDir.
type Registry struct {
	factories map[string]Factory
	instances map[string]Plugin
	configDir string
}

func NewRegistry(configDir string) *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Plugin),
		configDir: configDir,
	}
}

// Register adds a plugin factory to the table. Registering the same name
// twice keeps the first factory.
func (r *Registry) Register(name string, f Factory) {
	if _, exists := r.factories[name]; exists {
		log.Printf("plugin %q already registered, ignoring duplicate", name)
		return
	}
	r.factories[name] = f
}

// Discover probes every registered factory and drops entries that cannot
// produce a valid instance. One broken plugin never aborts discovery of the
// rest. It returns the number of usable plugins.
func (r *Registry) Discover() int {
	for _, name := range sortedKeys(r.factories) {
		if err := probeFactory(name, r.factories[name]); err != nil {
			log.Printf("discovery: %v", err)
			delete(r.factories, name)
		}
	}
	log.Printf("discovered %d plugins", len(r.factories))
	return len(r.factories)
}

func probeFactory(name string, f Factory) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &LoadError{Name: name, Err: fmt.Errorf("factory panicked: %v", rec)}
		}
	}()
	p := f()
	if p == nil {
		return &LoadError{Name: name, Err: fmt.Errorf("factory returned nil")}
	}
	if p.Name() != name {
		return &LoadError{Name: name, Err: fmt.Errorf("plugin reports name %q", p.Name())}
	}
	switch p.PluginType() {
	case TypeMeasurement, TypeProcessing:
	default:
		return &LoadError{Name: name, Err: fmt.Errorf("unknown plugin type %q", p.PluginType())}
	}
	return nil
}

// GetOrCreate returns the single live instance for name, creating it on first
// request. A saved parameter configuration for that name is applied when
// present; its absence is not an error.
func (r *Registry) GetOrCreate(name string) (Plugin, error) {
	if p, ok := r.instances[name]; ok {
		return p, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	p, err := makeInstance(name, f)
	if err != nil {
		return nil, err
	}
	cfgPath := r.configPath(name)
	if _, statErr := os.Stat(cfgPath); statErr == nil {
		if _, loadErr := p.LoadParametersFromFile(cfgPath); loadErr != nil {
			log.Printf("%s: could not load saved parameters: %v", name, loadErr)
		}
	}
	r.instances[name] = p
	return p, nil
}

func makeInstance(name string, f Factory) (p Plugin, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p, err = nil, &LoadError{Name: name, Err: fmt.Errorf("factory panicked: %v", rec)}
		}
	}()
	return f(), nil
}

// Measurement returns the live instance for name as a measurement plugin.
func (r *Registry) Measurement(name string) (MeasurementPlugin, error) {
	p, err := r.GetOrCreate(name)
	if err != nil {
		return nil, err
	}
	mp, ok := p.(MeasurementPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement the measurement capability", name)
	}
	return mp, nil
}

// Processor returns the live instance for name as a processing plugin.
func (r *Registry) Processor(name string) (ProcessingPlugin, error) {
	p, err := r.GetOrCreate(name)
	if err != nil {
		return nil, err
	}
	pp, ok := p.(ProcessingPlugin)
	if !ok {
		return nil, fmt.Errorf("plugin %q does not implement the processing capability", name)
	}
	return pp, nil
}

// SaveInstanceConfig serializes the instance's current parameters to its
// per-plugin configuration file.
func (r *Registry) SaveInstanceConfig(name string) error {
	p, err := r.GetOrCreate(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.configDir, 0755); err != nil {
		return fmt.Errorf("create plugin config dir: %w", err)
	}
	return p.SaveParametersToFile(r.configPath(name))
}

// ListByType returns the registered plugin names implementing the given
// capability, alphabetically ordered.
func (r *Registry) ListByType(t Type) []string {
	var names []string
	for name, f := range r.factories {
		p, err := makeInstance(name, f)
		if err != nil {
			continue
		}
		if p.PluginType() == t {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Available summarizes every registered plugin for catalogue listings.
func (r *Registry) Available() []Info {
	var infos []Info
	for _, name := range sortedKeys(r.factories) {
		p, err := makeInstance(name, r.factories[name])
		if err != nil {
			continue
		}
		infos = append(infos, Info{
			Name:           p.Name(),
			Version:        p.Version(),
			Description:    p.Description(),
			Type:           p.PluginType(),
			ParameterCount: len(p.ParameterDefinitions()),
		})
	}
	return infos
}

// CleanupAll calls Cleanup on every live instance, isolating individual
// failures so one broken plugin cannot block teardown of the rest.
func (r *Registry) CleanupAll() {
	for _, name := range sortedKeys(r.instances) {
		cleanupOne(r.instances[name])
	}
}

func cleanupOne(p Plugin) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("cleanup panic in %s: %v", p.Name(), rec)
		}
	}()
	if err := p.Cleanup(); err != nil {
		log.Printf("cleanup error in %s: %v", p.Name(), err)
	}
}

func (r *Registry) configPath(name string) string {
	return filepath.Join(r.configDir, name+".yaml")
}
