package adapter

import "context"

// Echo is the extension-testing adapter: no subprocess, it answers with
// the prompt it was given. Useful for exercising the full pipeline offline.
type Echo struct{}

// NewEcho creates the echo adapter.
func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Name() string   { return "echo" }
func (e *Echo) Binary() string { return "" }

// Run yields the canonical minimal event sequence.
func (e *Echo) Run(ctx context.Context, req RunRequest) <-chan Event {
	events := make(chan Event, 4)
	go func() {
		defer close(events)

		threadID := req.ThreadID
		if threadID == "" {
			threadID = "echo-thread"
		}
		prefix := "echo: "
		if req.ThreadID != "" {
			prefix = "echo-resume: "
		}

		events <- NewEvent(EventThreadStarted, map[string]interface{}{"thread_id": threadID})
		events <- NewEvent(EventTurnStarted, nil)
		if ctx.Err() != nil {
			events <- NewEvent(EventTurnCompleted, map[string]interface{}{"status": StatusCancelled})
			return
		}
		events <- NewEvent(EventAssistantMessage, map[string]interface{}{"text": prefix + req.Prompt})
		events <- NewEvent(EventTurnCompleted, map[string]interface{}{"status": StatusSuccess})
	}()
	return events
}
