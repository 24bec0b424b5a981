package observability

import (
	"sync"
	"time"
)

// EngineState mirrors the execution engine's lifecycle state for display.
type EngineState string

const (
	StateIdle      EngineState = "IDLE"
	StateRunning   EngineState = "RUNNING"
	StatePaused    EngineState = "PAUSED"
	StateCompleted EngineState = "COMPLETED"
	StateStopped   EngineState = "STOPPED"
	StateError     EngineState = "ERROR"
)

type SystemStatus struct {
	mu             sync.RWMutex
	State          EngineState
	ActiveSequence string
	PointIndex     int
	PointTotal     int
	LastHeartbeat  time.Time
}

var globalStatus = &SystemStatus{
	State:         StateIdle,
	LastHeartbeat: time.Now(),
}

// SetStatus updates the displayed engine state and active sequence.
func SetStatus(state EngineState, sequence string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.State = state
	globalStatus.ActiveSequence = sequence
}

// SetProgress updates the displayed point counters.
func SetProgress(index, total int) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.PointIndex = index
	globalStatus.PointTotal = total
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() (EngineState, string, int, int, time.Time) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.State, globalStatus.ActiveSequence,
		globalStatus.PointIndex, globalStatus.PointTotal, globalStatus.LastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
