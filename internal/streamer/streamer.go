// Package streamer turns a turn's ordered event stream into Telegram
// messages: one live message edited in place until the size cap, then a
// continuation, with rate-limit-aware retries. Ordering is strict per
// turn — event N is never sent before N-1 was accepted by the platform.
package streamer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/semaphore/internal/adapter"
	"github.com/zulandar/semaphore/internal/telegram"
)

// MaxMessageLen is the per-message size cap before a continuation message
// is started.
const MaxMessageLen = 3800

// maxRetries bounds the send attempts per call; rate-limited attempts count
// toward it too.
const maxRetries = 5

var fencedCodeRe = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)\r?\n(.*?)```")

type turnState struct {
	chatID    int64
	messageID int64
	text      string
}

// Streamer delivers events for any number of concurrent turns. Live-message
// state is in-memory only; after a restart delivery simply starts a new
// message (the full history is reconstructable from CliEvents).
type Streamer struct {
	client telegram.API
	sleep  func(time.Duration)

	mu     sync.Mutex
	states map[string]*turnState
}

// Opts holds parameters for New.
type Opts struct {
	Client telegram.API
	Sleep  func(time.Duration) // test hook; defaults to time.Sleep
}

// New creates a Streamer.
func New(opts Opts) (*Streamer, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("streamer: client is required")
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	return &Streamer{
		client: opts.Client,
		sleep:  sleep,
		states: make(map[string]*turnState),
	}, nil
}

// AppendEvent renders the event and appends it to the turn's live message,
// starting a continuation when the cap would be exceeded.
func (s *Streamer) AppendEvent(ctx context.Context, turnID string, chatID int64, event adapter.Event) error {
	for _, line := range formatEventLines(event) {
		if err := s.appendLine(ctx, turnID, chatID, line); err != nil {
			return err
		}
	}
	return nil
}

// AppendDeliveryError surfaces a delivery failure into the chat as a
// synthetic delivery_error event line.
func (s *Streamer) AppendDeliveryError(ctx context.Context, turnID string, chatID int64, message string) error {
	if len(message) > 500 {
		message = message[:500]
	}
	event := adapter.NewEvent(adapter.EventDeliveryError, map[string]interface{}{"message": message})
	return s.AppendEvent(ctx, turnID, chatID, event)
}

// CloseTurn drops the live-message state for a finished turn.
func (s *Streamer) CloseTurn(turnID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, turnID)
}

func (s *Streamer) appendLine(ctx context.Context, turnID string, chatID int64, line string) error {
	s.mu.Lock()
	state := s.states[turnID]
	s.mu.Unlock()

	if state == nil {
		messageID, err := s.sendWithRetry(ctx, chatID, line)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.states[turnID] = &turnState{chatID: chatID, messageID: messageID, text: line}
		s.mu.Unlock()
		return nil
	}

	candidate := state.text + "\n" + line
	if len(candidate) <= MaxMessageLen {
		if err := s.editWithRetry(ctx, state.chatID, state.messageID, candidate); err != nil {
			return err
		}
		state.text = candidate
		return nil
	}

	continuation := "[continued]\n" + line
	messageID, err := s.sendWithRetry(ctx, state.chatID, continuation)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.states[turnID] = &turnState{chatID: chatID, messageID: messageID, text: continuation}
	s.mu.Unlock()
	return nil
}

func (s *Streamer) sendWithRetry(ctx context.Context, chatID int64, text string) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		rendered, opts := renderForTelegram(clipMessage(text))
		messageID, err := s.client.SendMessage(ctx, chatID, rendered, opts)
		if err == nil {
			return messageID, nil
		}
		lastErr = err
		var rateLimited *telegram.RateLimitError
		if errors.As(err, &rateLimited) {
			s.sleep(time.Duration(rateLimited.RetryAfter) * time.Second)
			continue
		}
		if attempt >= maxRetries-1 {
			break
		}
		s.sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	return 0, fmt.Errorf("streamer: send after retries: %w", lastErr)
}

func (s *Streamer) editWithRetry(ctx context.Context, chatID, messageID int64, text string) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		rendered, opts := renderForTelegram(clipMessage(text))
		err := s.client.EditMessageText(ctx, chatID, messageID, rendered, opts)
		if err == nil {
			return nil
		}
		lastErr = err
		var rateLimited *telegram.RateLimitError
		if errors.As(err, &rateLimited) {
			s.sleep(time.Duration(rateLimited.RetryAfter) * time.Second)
			continue
		}
		if attempt >= maxRetries-1 {
			break
		}
		s.sleep(time.Duration(attempt+1) * 500 * time.Millisecond)
	}
	return fmt.Errorf("streamer: edit after retries: %w", lastErr)
}

// formatEventLines renders "[seq][HH:MM:SS][type] body", splitting bodies
// that would overflow a message into "(i/n)" chunks.
func formatEventLines(event adapter.Event) []string {
	prefix := fmt.Sprintf("[%d][%s][%s] ", event.Seq, event.TS.UTC().Format("15:04:05"), event.Type)
	body := eventPayloadText(event)
	if body == "" {
		return []string{strings.TrimSpace(prefix)}
	}

	const markerSize = 16
	maxBody := MaxMessageLen - len(prefix) - markerSize
	if maxBody < 200 {
		maxBody = 200
	}
	chunks := splitChunks(body, maxBody)
	if len(chunks) == 1 {
		return []string{strings.TrimSpace(prefix + chunks[0])}
	}
	lines := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		lines = append(lines, strings.TrimSpace(fmt.Sprintf("%s(%d/%d) %s", prefix, i+1, len(chunks), chunk)))
	}
	return lines
}

func eventPayloadText(event adapter.Event) string {
	switch event.Type {
	case adapter.EventAssistantMessage, adapter.EventReasoning:
		if text := event.Text("text"); strings.TrimSpace(text) != "" {
			return text
		}

	case adapter.EventCommandStarted, adapter.EventCommandCompleted:
		var parts []string
		if command := event.Text("command"); command != "" {
			parts = append(parts, command)
		}
		if event.Type == adapter.EventCommandCompleted {
			if code, ok := event.Payload["exit_code"]; ok {
				parts = append(parts, fmt.Sprintf("exit_code=%v", code))
			}
			if output := event.Text("aggregated_output"); output != "" {
				parts = append(parts, output)
			}
		}
		return strings.TrimSpace(strings.Join(parts, "\n"))

	case adapter.EventError, adapter.EventDeliveryError:
		if message, ok := event.Payload["message"].(string); ok {
			return message
		}
	}

	data, err := json.Marshal(event.Payload)
	if err != nil {
		return ""
	}
	return string(data)
}

// renderForTelegram upgrades fenced code blocks to HTML <pre><code> when
// the rendered form still fits the cap; otherwise the raw text is sent
// without a parse mode.
func renderForTelegram(text string) (string, *telegram.SendOptions) {
	if !strings.Contains(text, "```") {
		return text, nil
	}
	rendered := renderFencedCodeBlocks(text)
	if len(rendered) > MaxMessageLen {
		return text, nil
	}
	return rendered, &telegram.SendOptions{ParseMode: "HTML"}
}

func renderFencedCodeBlocks(text string) string {
	var result []string
	cursor := 0

	for _, match := range fencedCodeRe.FindAllStringSubmatchIndex(text, -1) {
		if before := text[cursor:match[0]]; before != "" {
			result = append(result, escapeForTelegram(before))
		}
		language := strings.TrimSpace(text[match[2]:match[3]])
		code := html.EscapeString(text[match[4]:match[5]])
		if language != "" {
			result = append(result, fmt.Sprintf(`<pre><code class="language-%s">%s</code></pre>`, html.EscapeString(language), code))
		} else {
			result = append(result, "<pre><code>"+code+"</code></pre>")
		}
		cursor = match[1]
	}

	if tail := text[cursor:]; tail != "" {
		result = append(result, escapeForTelegram(tail))
	}
	if len(result) == 0 {
		return html.EscapeString(text)
	}
	return strings.Join(result, "")
}

func escapeForTelegram(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
}

func splitChunks(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(text); start += size {
		end := start + size
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
	}
	return chunks
}

func clipMessage(text string) string {
	if len(text) <= MaxMessageLen {
		return text
	}
	return text[:MaxMessageLen]
}
