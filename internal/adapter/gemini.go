package adapter

import (
	"context"
	"encoding/json"
	"strings"
)

// Gemini drives the gemini CLI in stream-json output mode.
type Gemini struct {
	bin string
}

// NewGemini creates a Gemini adapter; bin defaults to "gemini".
func NewGemini(bin string) *Gemini {
	if bin == "" {
		bin = "gemini"
	}
	return &Gemini{bin: bin}
}

func (g *Gemini) Name() string   { return "gemini" }
func (g *Gemini) Binary() string { return g.bin }

// Run spawns gemini. Approval mode is pinned to yolo: non-interactive
// worker runs must never block on an approval prompt.
func (g *Gemini) Run(ctx context.Context, req RunRequest) <-chan Event {
	prompt := composePrompt(req.Preamble, req.Prompt)
	args := []string{g.bin}
	if req.ThreadID != "" {
		args = append(args, "--resume", req.ThreadID)
	}
	args = append(args, "--approval-mode", "yolo", "-o", "stream-json")
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, "-p", prompt)
	return runProcess(ctx, g.Name(), args, req.WorkDir, g.normalize)
}

func (g *Gemini) normalize(rawLine string) []Event {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return []Event{NewEvent(EventError, map[string]interface{}{
			"message":  "invalid gemini json event",
			"raw_line": rawLine,
		})}
	}

	eventType, _ := parsed["type"].(string)
	switch eventType {
	case "init":
		var events []Event
		if sessionID, _ := parsed["session_id"].(string); sessionID != "" {
			events = append(events, NewEvent(EventThreadStarted, map[string]interface{}{"thread_id": sessionID}))
		}
		events = append(events, NewEvent(EventTurnStarted, nil))
		return events

	case "message":
		if role, _ := parsed["role"].(string); role != "assistant" {
			return nil
		}
		content, _ := parsed["content"].(string)
		if strings.TrimSpace(content) == "" {
			return nil
		}
		return []Event{NewEvent(EventAssistantMessage, map[string]interface{}{"text": content})}

	case "result":
		status, _ := parsed["status"].(string)
		if status == "" {
			status = StatusSuccess
		}
		return []Event{NewEvent(EventTurnCompleted, map[string]interface{}{"status": status})}

	case "error":
		message, _ := parsed["message"].(string)
		if message == "" {
			message = "gemini error"
		}
		return []Event{NewEvent(EventError, map[string]interface{}{"message": message, "raw": parsed})}
	}

	return []Event{NewEvent(EventReasoning, map[string]interface{}{"raw": parsed})}
}
