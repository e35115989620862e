// Package adapter wraps the external agent CLIs (codex, claude, gemini)
// behind one event-stream interface. Each adapter spawns its binary, reads
// stream-json lines from stdout and normalises them into typed Events.
package adapter

import (
	"context"
	"fmt"
	"time"
)

// Event types an adapter may emit. Every run ends with exactly one
// turn_completed; its payload carries status success|error|cancelled.
const (
	EventThreadStarted    = "thread_started"
	EventTurnStarted      = "turn_started"
	EventReasoning        = "reasoning"
	EventCommandStarted   = "command_started"
	EventCommandCompleted = "command_completed"
	EventBridgeStatus     = "bridge_status"
	EventAssistantMessage = "assistant_message"
	EventArtifact         = "artifact"
	EventError            = "error"
	EventTurnCompleted    = "turn_completed"
	EventDeliveryError    = "delivery_error"
)

// Run completion statuses.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Event is one tagged record from the agent's stream. Seq is assigned by
// the consumer (the run worker owns sequence allocation), not the adapter.
type Event struct {
	Seq     int
	TS      time.Time
	Type    string
	Payload map[string]interface{}
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType string, payload map[string]interface{}) Event {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Event{TS: time.Now().UTC(), Type: eventType, Payload: payload}
}

// Text returns a string payload field, empty when absent.
func (e Event) Text(key string) string {
	value, _ := e.Payload[key].(string)
	return value
}

// ThreadID extracts the resumable thread id from a thread_started event.
func (e Event) ThreadID() string {
	if e.Type != EventThreadStarted {
		return ""
	}
	return e.Text("thread_id")
}

// RunRequest describes one turn handed to an adapter. A non-empty ThreadID
// resumes the agent's own conversation memory; Preamble is prepended to the
// prompt on thread-less turns.
type RunRequest struct {
	Prompt   string
	ThreadID string
	Model    string
	Sandbox  string
	WorkDir  string
	Preamble string
}

// Adapter runs one turn against an external agent binary. The returned
// channel is a lazy finite sequence: it closes after the terminal
// turn_completed event. Cancelling ctx raises SIGTERM on the subprocess,
// escalating to SIGKILL after the grace window.
type Adapter interface {
	Name() string
	Binary() string
	Run(ctx context.Context, req RunRequest) <-chan Event
}

// composePrompt joins the recovery preamble and the user prompt.
func composePrompt(preamble, prompt string) string {
	if preamble == "" {
		return prompt
	}
	return preamble + "\n\n[User Message]\n" + prompt
}

// Get returns the adapter registered under name.
func Get(name string) (Adapter, error) {
	switch name {
	case "codex":
		return NewCodex(""), nil
	case "claude":
		return NewClaude(""), nil
	case "gemini":
		return NewGemini(""), nil
	case "echo":
		return NewEcho(), nil
	}
	return nil, fmt.Errorf("adapter: unsupported adapter: %s", name)
}
