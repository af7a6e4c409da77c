package framework

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// EventType categorizes telemetry events.
type EventType string

const (
	EventToolLoaded     EventType = "tool_loaded"
	EventToolSkipped    EventType = "tool_skipped"
	EventToolDuplicate  EventType = "tool_duplicate"
	EventUnitFailed     EventType = "unit_failed"
	EventBuildStart     EventType = "build_start"
	EventBuildFinish    EventType = "build_finish"
	EventBuildFailed    EventType = "build_failed"
	EventTunnelInstall  EventType = "tunnel_install"
	EventTunnelStarting EventType = "tunnel_starting"
	EventTunnelLive     EventType = "tunnel_live"
	EventTunnelFailed   EventType = "tunnel_failed"
	EventTunnelStopped  EventType = "tunnel_stopped"
	EventSession        EventType = "session"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
)

// Level grades an event for human-facing sinks.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event captures structured telemetry data.
type Event struct {
	Type      EventType              `json:"type"`
	Level     Level                  `json:"level"`
	Unit      string                 `json:"unit,omitempty"`
	Tool      string                 `json:"tool,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Telemetry receives discovery, build, tunnel and tool-call events. Discovery
// problems are reported here instead of being returned as errors.
type Telemetry interface {
	Emit(event Event)
}

// EmitTo stamps the event and forwards it. A nil sink drops the event.
func EmitTo(t Telemetry, event Event) {
	if t == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	t.Emit(event)
}

// MultiplexTelemetry broadcasts events to multiple sinks.
type MultiplexTelemetry struct {
	Sinks []Telemetry
}

// Emit forwards the event to all registered sinks.
func (m MultiplexTelemetry) Emit(event Event) {
	for _, s := range m.Sinks {
		if s != nil {
			s.Emit(event)
		}
	}
}

// JSONFileTelemetry writes events as newline-delimited JSON to a file so
// external tools can tail the stream.
type JSONFileTelemetry struct {
	path string
	file *os.File
	enc  *json.Encoder
	mu   sync.Mutex
}

// NewJSONFileTelemetry opens (or creates) the log file.
func NewJSONFileTelemetry(path string) (*JSONFileTelemetry, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &JSONFileTelemetry{
		path: path,
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

// Emit writes the JSON record.
func (j *JSONFileTelemetry) Emit(event Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.enc != nil {
		_ = j.enc.Encode(event)
	}
}

// Close releases the file handle.
func (j *JSONFileTelemetry) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file != nil {
		return j.file.Close()
	}
	return nil
}

// LoggerTelemetry prints events as one-line diagnostics tagged [OK],
// [WARNING] or [ERROR].
type LoggerTelemetry struct {
	Logger *log.Logger
}

// Emit logs the event.
func (t LoggerTelemetry) Emit(event Event) {
	logger := t.Logger
	if logger == nil {
		logger = log.Default()
	}
	tag := "[INFO]"
	switch {
	case event.Level == LevelError:
		tag = "[ERROR]"
	case event.Level == LevelWarning:
		tag = "[WARNING]"
	case event.Type == EventToolLoaded:
		tag = "[OK]"
	}
	logger.Printf("%s %s", tag, event.Message)
}

// MemoryTelemetry keeps events in memory. Useful in tests and for summaries.
type MemoryTelemetry struct {
	mu     sync.Mutex
	events []Event
}

// Emit records the event.
func (m *MemoryTelemetry) Emit(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a copy of the recorded events.
func (m *MemoryTelemetry) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// ByLevel returns the recorded events at the given level.
func (m *MemoryTelemetry) ByLevel(level Level) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Event
	for _, ev := range m.events {
		if ev.Level == level {
			res = append(res, ev)
		}
	}
	return res
}
