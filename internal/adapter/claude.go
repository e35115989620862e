package adapter

import (
	"context"
	"encoding/json"
	"strings"
)

// Claude drives the claude CLI in stream-json print mode.
type Claude struct {
	bin string
}

// NewClaude creates a Claude adapter; bin defaults to "claude".
func NewClaude(bin string) *Claude {
	if bin == "" {
		bin = "claude"
	}
	return &Claude{bin: bin}
}

func (c *Claude) Name() string   { return "claude" }
func (c *Claude) Binary() string { return c.bin }

// Run spawns claude -p. A non-empty ThreadID resumes via -r.
func (c *Claude) Run(ctx context.Context, req RunRequest) <-chan Event {
	prompt := composePrompt(req.Preamble, req.Prompt)
	args := []string{c.bin, "-p", "--verbose", "--output-format", "stream-json"}
	if req.ThreadID != "" {
		args = append(args, "-r", req.ThreadID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, prompt)
	return runProcess(ctx, c.Name(), args, req.WorkDir, c.normalize)
}

func (c *Claude) normalize(rawLine string) []Event {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return []Event{NewEvent(EventError, map[string]interface{}{
			"message":  "invalid claude json event",
			"raw_line": rawLine,
		})}
	}

	eventType, _ := parsed["type"].(string)
	switch eventType {
	case "system":
		if subtype, _ := parsed["subtype"].(string); subtype == "init" {
			var events []Event
			if sessionID, _ := parsed["session_id"].(string); sessionID != "" {
				events = append(events, NewEvent(EventThreadStarted, map[string]interface{}{"thread_id": sessionID}))
			}
			events = append(events, NewEvent(EventTurnStarted, nil))
			return events
		}
		return []Event{NewEvent(EventBridgeStatus, map[string]interface{}{"raw": parsed})}

	case "assistant":
		text := extractClaudeText(parsed["message"])
		if text == "" {
			return nil
		}
		return []Event{NewEvent(EventAssistantMessage, map[string]interface{}{"text": text})}

	case "result":
		isError, _ := parsed["is_error"].(bool)
		subtype, _ := parsed["subtype"].(string)
		status := StatusSuccess
		if isError || (subtype != "" && subtype != "success") {
			status = StatusError
		}
		return []Event{NewEvent(EventTurnCompleted, map[string]interface{}{"status": status})}

	case "error":
		message, _ := parsed["message"].(string)
		if message == "" {
			message = "claude error"
		}
		return []Event{NewEvent(EventError, map[string]interface{}{"message": message, "raw": parsed})}
	}

	return []Event{NewEvent(EventReasoning, map[string]interface{}{"raw": parsed})}
}

// extractClaudeText flattens an assistant message's content blocks.
func extractClaudeText(message interface{}) string {
	obj, ok := message.(map[string]interface{})
	if !ok {
		return ""
	}
	content, ok := obj["content"].([]interface{})
	if !ok {
		return ""
	}
	var parts []string
	for _, piece := range content {
		block, ok := piece.(map[string]interface{})
		if !ok {
			continue
		}
		if blockType, _ := block["type"].(string); blockType != "" && blockType != "text" {
			continue
		}
		if text, ok := block["text"].(string); ok && strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}
