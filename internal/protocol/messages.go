package protocol

import "time"

// EventType identifies stream payload variants pushed to listeners.
type EventType string

const (
	// TypeMessage carries a new transcript message.
	TypeMessage EventType = "message"
	// TypeUpdate carries an in-place edit of an existing transcript message.
	TypeUpdate EventType = "update"
	// TypeStatus carries a controller status snapshot.
	TypeStatus EventType = "status"
	// TypeStep carries one completed task step.
	TypeStep EventType = "step"
	// TypeReset tells listeners to clear their local state.
	TypeReset EventType = "reset"
)

// StreamEvent is the envelope forwarded verbatim to connected clients,
// preserving arrival order per listener.
type StreamEvent struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Task is one unit of submitted work. Immutable once created.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// StatusSnapshot mirrors the controller's externally visible state.
type StatusSnapshot struct {
	State         string `json:"state"`
	Paused        bool   `json:"paused"`
	ActiveTaskID  string `json:"active_task_id,omitempty"`
	ActiveTask    string `json:"active_task,omitempty"`
	QueuedTasks   int    `json:"queued_tasks"`
	BusGeneration uint64 `json:"bus_generation"`
	StepsExecuted int    `json:"steps_executed"`
	LastError     string `json:"last_error,omitempty"`
}
