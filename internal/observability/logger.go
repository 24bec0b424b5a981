package observability

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypeSequenceStart    EventType = "sequence_start"
	EventTypePointComplete    EventType = "point_complete"
	EventTypeProgress         EventType = "progress"
	EventTypeSequenceComplete EventType = "sequence_complete"
	EventTypeSequenceError    EventType = "sequence_error"
	EventTypeHeartbeat        EventType = "heartbeat"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	Sequence  string    `json:"sequence,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging. Point-level events additionally go to a
// jsonl file so a finished run leaves a durable trace next to the database.
type Logger struct {
	runLogPath string
	maxSize    int64
}

func NewLogger() *Logger {
	return &Logger{
		runLogPath: filepath.Join("logs", "measurements.jsonl"),
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// Log emits a structured JSON event to stdout.
func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Printf("{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Println(string(data))

	if evt.Type == EventTypePointComplete || evt.Type == EventTypeSequenceError {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.runLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.runLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.runLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.runLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.runLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogSequenceStart(runID, sequenceName string, totalPoints int) {
	l.Log(Event{
		Type:     EventTypeSequenceStart,
		Sequence: sequenceName,
		RunID:    runID,
		Data:     map[string]any{"total_points": totalPoints},
	})
}

func (l *Logger) LogPointComplete(runID, sequenceName, pointName string, parameters map[string]float64, fieldCount int) {
	l.Log(Event{
		Type:     EventTypePointComplete,
		Sequence: sequenceName,
		RunID:    runID,
		Data: map[string]any{
			"point":       pointName,
			"parameters":  parameters,
			"field_count": fieldCount,
		},
	})
}

func (l *Logger) LogProgress(runID string, index, total int, percent float64) {
	l.Log(Event{
		Type:  EventTypeProgress,
		RunID: runID,
		Data: map[string]any{
			"index":   index,
			"total":   total,
			"percent": percent,
		},
	})
}

func (l *Logger) LogSequenceComplete(runID, sequenceName string) {
	l.Log(Event{
		Type:     EventTypeSequenceComplete,
		Sequence: sequenceName,
		RunID:    runID,
		Data:     map[string]string{"status": "completed"},
	})
}

func (l *Logger) LogSequenceError(runID, sequenceName string, err error) {
	l.Log(Event{
		Type:     EventTypeSequenceError,
		Sequence: sequenceName,
		RunID:    runID,
		Data:     map[string]string{"error": err.Error()},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}
