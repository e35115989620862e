package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Codex drives the codex CLI in exec --json mode.
type Codex struct {
	bin string
}

// NewCodex creates a Codex adapter; bin defaults to "codex".
func NewCodex(bin string) *Codex {
	if bin == "" {
		bin = "codex"
	}
	return &Codex{bin: bin}
}

func (c *Codex) Name() string   { return "codex" }
func (c *Codex) Binary() string { return c.bin }

// Run spawns codex exec. A non-empty ThreadID resumes the prior codex
// conversation.
func (c *Codex) Run(ctx context.Context, req RunRequest) <-chan Event {
	prompt := composePrompt(req.Preamble, req.Prompt)
	// Pin reasoning effort so a user's global codex config cannot break
	// non-interactive worker runs.
	args := []string{c.bin, "exec", "--json", "--skip-git-repo-check", "-c", `model_reasoning_effort="high"`}
	if req.Model != "" {
		args = append(args, "-m", req.Model)
	}
	if req.Sandbox != "" {
		args = append(args, "-s", req.Sandbox)
	}
	if req.ThreadID != "" {
		args = append(args, "resume", req.ThreadID, prompt)
	} else {
		args = append(args, prompt)
	}
	return runProcess(ctx, c.Name(), args, req.WorkDir, c.normalize)
}

func (c *Codex) normalize(rawLine string) []Event {
	line := strings.TrimSpace(rawLine)
	if line == "" {
		return nil
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return []Event{NewEvent(EventError, map[string]interface{}{
			"message":  "invalid codex json event",
			"raw_line": rawLine,
		})}
	}

	eventType, _ := parsed["type"].(string)
	switch eventType {
	case "thread.started":
		threadID, _ := parsed["thread_id"].(string)
		if threadID == "" {
			if thread, ok := parsed["thread"].(map[string]interface{}); ok {
				threadID, _ = thread["id"].(string)
			}
		}
		return []Event{NewEvent(EventThreadStarted, map[string]interface{}{"thread_id": threadID})}

	case "turn.started":
		return []Event{NewEvent(EventTurnStarted, nil)}

	case "turn.completed":
		status, _ := parsed["status"].(string)
		if status == "" {
			status = StatusSuccess
		}
		payload := map[string]interface{}{"status": status}
		if usage, ok := parsed["usage"]; ok {
			payload["usage"] = usage
		}
		return []Event{NewEvent(EventTurnCompleted, payload)}

	case "item.started", "item.completed":
		return c.normalizeItem(eventType, parsed)

	case "error":
		message, _ := parsed["message"].(string)
		if message == "" {
			message = "codex error"
		}
		return []Event{NewEvent(EventError, map[string]interface{}{"message": message, "raw": parsed})}
	}

	return []Event{NewEvent(EventReasoning, map[string]interface{}{"raw": parsed})}
}

func (c *Codex) normalizeItem(eventType string, parsed map[string]interface{}) []Event {
	item, _ := parsed["item"].(map[string]interface{})
	itemType, _ := item["type"].(string)
	status, _ := item["status"].(string)

	switch {
	case itemType == "reasoning":
		return []Event{NewEvent(EventReasoning, map[string]interface{}{"text": extractItemText(item)})}

	case itemType == "agent_message" || itemType == "assistant_message" || itemType == "message":
		return []Event{NewEvent(EventAssistantMessage, map[string]interface{}{"text": extractItemText(item)})}

	case itemType == "command_execution" && eventType == "item.started":
		if status == "" {
			status = "in_progress"
		}
		return []Event{NewEvent(EventCommandStarted, map[string]interface{}{
			"command": extractItemCommand(item),
			"status":  status,
		})}

	case itemType == "command_execution" && eventType == "item.completed":
		if status == "" {
			status = "completed"
		}
		payload := map[string]interface{}{
			"command": extractItemCommand(item),
			"status":  status,
		}
		if code, ok := item["exit_code"]; ok {
			payload["exit_code"] = code
		}
		if output, ok := item["aggregated_output"].(string); ok {
			payload["aggregated_output"] = output
		}
		return []Event{NewEvent(EventCommandCompleted, payload)}
	}

	return []Event{NewEvent(EventReasoning, map[string]interface{}{"raw": parsed})}
}

func extractItemText(item map[string]interface{}) string {
	if text, ok := item["text"].(string); ok {
		return text
	}
	content, ok := item["content"].([]interface{})
	if !ok {
		return ""
	}
	var parts []string
	for _, piece := range content {
		if obj, ok := piece.(map[string]interface{}); ok {
			if text, ok := obj["text"].(string); ok {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func extractItemCommand(item map[string]interface{}) string {
	switch command := item["command"].(type) {
	case string:
		return command
	case []interface{}:
		parts := make([]string, 0, len(command))
		for _, part := range command {
			parts = append(parts, fmt.Sprintf("%v", part))
		}
		return strings.Join(parts, " ")
	}
	return ""
}
