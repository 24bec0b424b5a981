package engine

import "fmt"

// NotLoadedError is returned by Start when no sequence is set.
type NotLoadedError struct{}

func (e *NotLoadedError) Error() string {
	return "no sequence loaded"
}

// AlreadyRunningError is returned by Start while a sequence is executing.
// The running sequence is unaffected.
type AlreadyRunningError struct {
	Sequence string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("sequence %q is already running", e.Sequence)
}

// MeasurementError wraps a failure inside a measurement plugin during a
// point. It aborts the whole sequence.
type MeasurementError struct {
	Plugin string
	Point  string
	Err    error
}

func (e *MeasurementError) Error() string {
	return fmt.Sprintf("measurement plugin %s failed at %s: %v", e.Plugin, e.Point, e.Err)
}

func (e *MeasurementError) Unwrap() error { return e.Err }

// ProcessingError wraps a failure inside a processing plugin during a point.
// It aborts the whole sequence.
type ProcessingError struct {
	Plugin string
	Point  string
	Err    error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("processing plugin %s failed at %s: %v", e.Plugin, e.Point, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
