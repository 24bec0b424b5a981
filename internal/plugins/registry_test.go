package plugins

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

type fakeProbe struct {
	Base
	cleanupLog   *[]string
	cleanupPanic bool
}

func newFakeProbe(name, version string, defs map[string]ParamDef) *fakeProbe {
	return &fakeProbe{Base: NewBase(name, version, "fake probe", TypeMeasurement, defs)}
}

func (f *fakeProbe) Initialize() error {
	f.MarkInitialized()
	return nil
}

func (f *fakeProbe) Cleanup() error {
	if f.cleanupLog != nil {
		*f.cleanupLog = append(*f.cleanupLog, f.Name())
	}
	f.MarkCleaned()
	if f.cleanupPanic {
		panic("hardware gone")
	}
	return nil
}

func (f *fakeProbe) SetParameters(params map[string]float64) error { return nil }

func (f *fakeProbe) Measure() (map[string]any, error) {
	return map[string]any{"value": 1.0}, nil
}

func (f *fakeProbe) Units() map[string]string { return map[string]string{"value": "u"} }

type fakeFilter struct {
	Base
}

func newFakeFilter(name string) *fakeFilter {
	return &fakeFilter{Base: NewBase(name, "1.0", "fake filter", TypeProcessing, nil)}
}

func (f *fakeFilter) Initialize() error { f.MarkInitialized(); return nil }
func (f *fakeFilter) Cleanup() error    { f.MarkCleaned(); return nil }

func (f *fakeFilter) Process(results map[string]map[string]any) (map[string]any, error) {
	return map[string]any{"filtered": 1.0}, nil
}

func (f *fakeFilter) RequiredInputs() []string { return nil }

func TestRegistry_RegisterDuplicateKeepsFirst(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.Register("Probe", func() Plugin { return newFakeProbe("Probe", "1.0", nil) })
	r.Register("Probe", func() Plugin { return newFakeProbe("Probe", "2.0", nil) })

	p, err := r.GetOrCreate("Probe")
	if err != nil {
		t.Fatal(err)
	}
	if p.Version() != "1.0" {
		t.Errorf("duplicate registration replaced the first factory: version %s", p.Version())
	}
}

func TestRegistry_DiscoverDropsBrokenFactories(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.Register("Good", func() Plugin { return newFakeProbe("Good", "1.0", nil) })
	r.Register("Panics", func() Plugin { panic("bad wiring") })
	r.Register("Nil", func() Plugin { return nil })
	r.Register("WrongName", func() Plugin { return newFakeProbe("SomethingElse", "1.0", nil) })

	if n := r.Discover(); n != 1 {
		t.Fatalf("expected 1 usable plugin, got %d", n)
	}
	if _, err := r.GetOrCreate("Good"); err != nil {
		t.Errorf("good plugin lost in discovery: %v", err)
	}
	var nf *NotFoundError
	if _, err := r.GetOrCreate("Panics"); !errors.As(err, &nf) {
		t.Errorf("broken plugin still resolvable: %v", err)
	}
}

func TestRegistry_GetOrCreateSingleton(t *testing.T) {
	r := NewRegistry(t.TempDir())
	calls := 0
	r.Register("Probe", func() Plugin {
		calls++
		return newFakeProbe("Probe", "1.0", nil)
	})

	a, err := r.GetOrCreate("Probe")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.GetOrCreate("Probe")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected the same live instance on repeated requests")
	}
	if calls != 1 {
		t.Errorf("factory called %d times", calls)
	}
}

func TestRegistry_GetOrCreateUnknown(t *testing.T) {
	r := NewRegistry(t.TempDir())
	_, err := r.GetOrCreate("Nope")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if nf.Name != "Nope" {
		t.Errorf("error names %q", nf.Name)
	}
}

func TestRegistry_CapabilityMismatch(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.Register("Probe", func() Plugin { return newFakeProbe("Probe", "1.0", nil) })
	r.Register("Filter", func() Plugin { return newFakeFilter("Filter") })

	if _, err := r.Measurement("Probe"); err != nil {
		t.Errorf("measurement capability: %v", err)
	}
	if _, err := r.Processor("Filter"); err != nil {
		t.Errorf("processing capability: %v", err)
	}
	if _, err := r.Measurement("Filter"); err == nil {
		t.Error("processing plugin must not satisfy the measurement capability")
	}
	if _, err := r.Processor("Probe"); err == nil {
		t.Error("measurement plugin must not satisfy the processing capability")
	}
}

func TestRegistry_ListByType(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.Register("Zeta", func() Plugin { return newFakeProbe("Zeta", "1.0", nil) })
	r.Register("Alpha", func() Plugin { return newFakeProbe("Alpha", "1.0", nil) })
	r.Register("Filter", func() Plugin { return newFakeFilter("Filter") })

	meas := r.ListByType(TypeMeasurement)
	proc := r.ListByType(TypeProcessing)
	if !reflect.DeepEqual(meas, []string{"Alpha", "Zeta"}) {
		t.Errorf("measurement list: %v", meas)
	}
	if !reflect.DeepEqual(proc, []string{"Filter"}) {
		t.Errorf("processing list: %v", proc)
	}
}

func TestRegistry_SavedConfigAppliedOnCreate(t *testing.T) {
	dir := t.TempDir()
	defs := map[string]ParamDef{
		"gain": {Type: ParamFloat, Default: 1.0, Min: limit(0), Max: limit(10)},
	}
	cfg := []byte("plugin_name: Probe\nplugin_version: \"1.0\"\nparameters:\n  gain: 4.5\n")
	if err := os.WriteFile(filepath.Join(dir, "Probe.yaml"), cfg, 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(dir)
	r.Register("Probe", func() Plugin { return newFakeProbe("Probe", "1.0", defs) })

	p, err := r.GetOrCreate("Probe")
	if err != nil {
		t.Fatal(err)
	}
	if got := p.AllParameters()["gain"]; got != 4.5 {
		t.Errorf("saved config not applied: gain=%v", got)
	}
}

func TestRegistry_SaveInstanceConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plugin_configs")
	defs := map[string]ParamDef{
		"gain": {Type: ParamFloat, Default: 1.0, Min: limit(0), Max: limit(10)},
	}
	r := NewRegistry(dir)
	r.Register("Probe", func() Plugin { return newFakeProbe("Probe", "1.0", defs) })

	p, err := r.GetOrCreate("Probe")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.SetAllParameters(map[string]any{"gain": 3.0}); err != nil {
		t.Fatal(err)
	}
	if err := r.SaveInstanceConfig("Probe"); err != nil {
		t.Fatal(err)
	}

	r2 := NewRegistry(dir)
	r2.Register("Probe", func() Plugin { return newFakeProbe("Probe", "1.0", defs) })
	p2, err := r2.GetOrCreate("Probe")
	if err != nil {
		t.Fatal(err)
	}
	if got := p2.AllParameters()["gain"]; got != 3.0 {
		t.Errorf("round trip through instance config lost gain: %v", got)
	}
}

func TestRegistry_CleanupAllIsolatesFailures(t *testing.T) {
	r := NewRegistry(t.TempDir())
	var cleaned []string
	for _, name := range []string{"A", "B", "C"} {
		name := name
		r.Register(name, func() Plugin {
			p := newFakeProbe(name, "1.0", nil)
			p.cleanupLog = &cleaned
			p.cleanupPanic = name == "B"
			return p
		})
	}
	for _, name := range []string{"A", "B", "C"} {
		if _, err := r.GetOrCreate(name); err != nil {
			t.Fatal(err)
		}
	}

	r.CleanupAll()
	if !reflect.DeepEqual(cleaned, []string{"A", "B", "C"}) {
		t.Errorf("cleanup order/coverage: %v", cleaned)
	}
}

func TestRegistry_AvailableSorted(t *testing.T) {
	r := NewRegistry(t.TempDir())
	r.Register("Zeta", func() Plugin { return newFakeProbe("Zeta", "1.0", nil) })
	r.Register("Alpha", func() Plugin { return newFakeProbe("Alpha", "2.0", nil) })

	infos := r.Available()
	if len(infos) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(infos))
	}
	if infos[0].Name != "Alpha" || infos[1].Name != "Zeta" {
		t.Errorf("listing not sorted: %v", infos)
	}
	if infos[0].Version != "2.0" || infos[0].Type != TypeMeasurement {
		t.Errorf("entry fields wrong: %+v", infos[0])
	}
}
