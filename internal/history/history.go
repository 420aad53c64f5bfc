package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventAppStart        EventType = "app_start"
	EventAppStop         EventType = "app_stop"
	EventAppRestart      EventType = "app_restart"
	EventMonitorStop     EventType = "monitor_stop"
	EventCaptureRestart  EventType = "capture_restart"
	EventCaptureFallback EventType = "capture_fallback"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Target     string    `json:"target"`
	PID        string    `json:"pid,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
