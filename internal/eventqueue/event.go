package eventqueue

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Kind is the A2A event discriminator carried in the "kind" field
type Kind string

const (
	KindTask           Kind = "task"
	KindMessage        Kind = "message"
	KindStatusUpdate   Kind = "status-update"
	KindArtifactUpdate Kind = "artifact-update"
)

// TaskState mirrors the A2A task lifecycle states
type TaskState string

const (
	StateSubmitted     TaskState = "submitted"
	StateWorking       TaskState = "working"
	StateInputRequired TaskState = "input-required"
	StateCompleted     TaskState = "completed"
	StateCanceled      TaskState = "canceled"
	StateFailed        TaskState = "failed"
	StateRejected      TaskState = "rejected"
	StateAuthRequired  TaskState = "auth-required"
	StateUnknown       TaskState = "unknown"
)

// Terminal reports whether no further transitions are possible from s
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateCanceled, StateFailed, StateRejected:
		return true
	}
	return false
}

// Event is one entry of a task's event stream.
type Event struct {
	Kind      Kind           `json:"kind" validate:"required,oneof=task message status-update artifact-update"`
	TaskID    string         `json:"taskId,omitempty"`
	ContextID string         `json:"contextId,omitempty"`
	State     TaskState      `json:"state,omitempty" validate:"omitempty,oneof=submitted working input-required completed canceled failed rejected auth-required unknown"`
	Final     bool           `json:"final,omitempty"`
	Text      string         `json:"text,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	// TraceHeaders carries the producer's trace context across the relay
	TraceHeaders map[string]string `json:"traceHeaders,omitempty"`
}

// IsFinal reports whether the event ends the stream from a consumer's point of view
func (e Event) IsFinal() bool {
	switch e.Kind {
	case KindMessage:
		return true
	case KindStatusUpdate:
		return e.Final
	case KindTask:
		return e.State.Terminal()
	}
	return false
}

// StatusUpdate is a shorthand for a status-update event
func StatusUpdate(taskID string, state TaskState, text string) Event {
	return Event{
		Kind:   KindStatusUpdate,
		TaskID: taskID,
		State:  state,
		Final:  state.Terminal(),
		Text:   text,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the event against its struct constraints
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	return nil
}

// Encode returns the transport-safe form used on relay channels
func (e Event) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses a relay payload back into an Event
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
