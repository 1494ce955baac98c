package model

import (
	"encoding/json"
	"fmt"
)

// EventType is the discriminator of a job progress event.
type EventType string

const (
	EventPhase     EventType = "phase"
	EventLog       EventType = "log"
	EventProgress  EventType = "progress"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
)

// Event is one step of a job's progress stream. The concrete types below
// are the only implementations.
type Event interface {
	Type() EventType
}

// PhaseEvent marks the start of a coarse job phase.
type PhaseEvent struct {
	Phase    string `json:"phase"`
	Message  string `json:"message"`
	Progress *int   `json:"progress,omitempty"`
}

// LogEvent carries one line of command output. Progress is null when the
// line holds no recognizable progress marker.
type LogEvent struct {
	Message  string `json:"message"`
	Progress *int   `json:"progress"`
}

// ProgressEvent reports a bare percentage.
type ProgressEvent struct {
	Progress int `json:"progress"`
}

// CompleteEvent ends a successful job.
type CompleteEvent struct {
	Message string `json:"message"`
	Result  any    `json:"result"`
}

// ErrorEvent ends a failed job.
type ErrorEvent struct {
	Message string `json:"message"`
}

// CancelledEvent ends a job stopped by its owner.
type CancelledEvent struct {
	Message string `json:"message"`
}

func (PhaseEvent) Type() EventType     { return EventPhase }
func (LogEvent) Type() EventType       { return EventLog }
func (ProgressEvent) Type() EventType  { return EventProgress }
func (CompleteEvent) Type() EventType  { return EventComplete }
func (ErrorEvent) Type() EventType     { return EventError }
func (CancelledEvent) Type() EventType { return EventCancelled }

func (e PhaseEvent) MarshalJSON() ([]byte, error) {
	type plain PhaseEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventPhase, plain(e)})
}

func (e LogEvent) MarshalJSON() ([]byte, error) {
	type plain LogEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventLog, plain(e)})
}

func (e ProgressEvent) MarshalJSON() ([]byte, error) {
	type plain ProgressEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventProgress, plain(e)})
}

func (e CompleteEvent) MarshalJSON() ([]byte, error) {
	type plain CompleteEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventComplete, plain(e)})
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type plain ErrorEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventError, plain(e)})
}

func (e CancelledEvent) MarshalJSON() ([]byte, error) {
	type plain CancelledEvent
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventCancelled, plain(e)})
}

// IsTerminal reports whether ev ends a job's stream.
func IsTerminal(ev Event) bool {
	switch ev.Type() {
	case EventComplete, EventError, EventCancelled:
		return true
	}
	return false
}

// Phase builds a PhaseEvent.
func Phase(phase, message string) PhaseEvent {
	return PhaseEvent{Phase: phase, Message: message}
}

// Envelope is the message published to a job's room: the event's own fields
// with the job and circuit ids merged in.
type Envelope struct {
	JobID     string
	CircuitID string
	Event     Event
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if fields["jobId"], err = json.Marshal(e.JobID); err != nil {
		return nil, err
	}
	if fields["circuitId"], err = json.Marshal(e.CircuitID); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// DecodeEvent parses a published event back into its concrete type. Extra
// fields such as jobId are ignored.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var ev Event
	var err error
	switch head.Type {
	case EventPhase:
		var e PhaseEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventLog:
		var e LogEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventProgress:
		var e ProgressEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventComplete:
		var e CompleteEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventError:
		var e ErrorEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventCancelled:
		var e CancelledEvent
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}
