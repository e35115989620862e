package streamer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/semaphore/internal/adapter"
	"github.com/zulandar/semaphore/internal/telegram"
)

// fakeClient records sends/edits and can fail calls on a script.
type fakeClient struct {
	mu            sync.Mutex
	nextMessageID int64
	sends         []string
	edits         map[int64][]string
	failures      []error // popped per call, nil = success
}

func newFakeClient() *fakeClient {
	return &fakeClient{nextMessageID: 1, edits: map[int64][]string{}}
}

func (f *fakeClient) popFailure() error {
	if len(f.failures) == 0 {
		return nil
	}
	err := f.failures[0]
	f.failures = f.failures[1:]
	return err
}

func (f *fakeClient) SendMessage(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(); err != nil {
		return 0, err
	}
	id := f.nextMessageID
	f.nextMessageID++
	f.sends = append(f.sends, text)
	return id, nil
}

func (f *fakeClient) EditMessageText(ctx context.Context, chatID, messageID int64, text string, opts *telegram.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure(); err != nil {
		return err
	}
	f.edits[messageID] = append(f.edits[messageID], text)
	return nil
}

func (f *fakeClient) AnswerCallbackQuery(ctx context.Context, id, text string) error { return nil }
func (f *fakeClient) SendPhoto(ctx context.Context, chatID int64, path, caption string) error {
	return nil
}
func (f *fakeClient) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	return nil
}

func newTestStreamer(t *testing.T, client *fakeClient) (*Streamer, *[]time.Duration) {
	t.Helper()
	var slept []time.Duration
	s, err := New(Opts{
		Client: client,
		Sleep:  func(d time.Duration) { slept = append(slept, d) },
	})
	if err != nil {
		t.Fatalf("new streamer: %v", err)
	}
	return s, &slept
}

func event(seq int, eventType, text string) adapter.Event {
	e := adapter.NewEvent(eventType, map[string]interface{}{"text": text})
	e.Seq = seq
	e.TS = time.Date(2026, 3, 1, 12, 30, 45, 0, time.UTC)
	return e
}

func TestAppendEvent_LiveMessageEdits(t *testing.T) {
	client := newFakeClient()
	s, _ := newTestStreamer(t, client)
	ctx := context.Background()

	if err := s.AppendEvent(ctx, "turn-1", 1001, event(1, adapter.EventReasoning, "first")); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := s.AppendEvent(ctx, "turn-1", 1001, event(2, adapter.EventReasoning, "second")); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	if len(client.sends) != 1 {
		t.Fatalf("sends = %d, want 1 (second event edits in place)", len(client.sends))
	}
	if got := client.sends[0]; got != "[1][12:30:45][reasoning] first" {
		t.Fatalf("first line = %q", got)
	}
	edits := client.edits[1]
	if len(edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(edits))
	}
	want := "[1][12:30:45][reasoning] first\n[2][12:30:45][reasoning] second"
	if edits[0] != want {
		t.Fatalf("edited text = %q, want %q", edits[0], want)
	}
}

func TestAppendEvent_ContinuationPastCap(t *testing.T) {
	client := newFakeClient()
	s, _ := newTestStreamer(t, client)
	ctx := context.Background()

	big := strings.Repeat("a", 3000)
	s.AppendEvent(ctx, "turn-1", 1001, event(1, adapter.EventReasoning, big))
	s.AppendEvent(ctx, "turn-1", 1001, event(2, adapter.EventReasoning, big))

	if len(client.sends) != 2 {
		t.Fatalf("sends = %d, want 2 (continuation message)", len(client.sends))
	}
	if !strings.HasPrefix(client.sends[1], "[continued]\n") {
		t.Fatalf("continuation prefix missing: %q", client.sends[1][:30])
	}
	for _, sent := range client.sends {
		if len(sent) > MaxMessageLen {
			t.Fatalf("message over cap: %d", len(sent))
		}
	}
}

func TestAppendEvent_RateLimitRetry(t *testing.T) {
	client := newFakeClient()
	client.failures = []error{&telegram.RateLimitError{Method: "sendMessage", RetryAfter: 2}}
	s, slept := newTestStreamer(t, client)

	if err := s.AppendEvent(context.Background(), "turn-1", 1001, event(1, adapter.EventReasoning, "hi")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(client.sends) != 1 {
		t.Fatalf("sends = %d, want 1 after retry", len(client.sends))
	}
	if len(*slept) != 1 || (*slept)[0] != 2*time.Second {
		t.Fatalf("slept = %v, want [2s]", *slept)
	}
}

func TestAppendEvent_NonRateLimitErrorSurfaces(t *testing.T) {
	client := newFakeClient()
	for i := 0; i < maxRetries; i++ {
		client.failures = append(client.failures, &telegram.APIError{Method: "sendMessage", Description: "boom"})
	}
	s, _ := newTestStreamer(t, client)

	err := s.AppendEvent(context.Background(), "turn-1", 1001, event(1, adapter.EventReasoning, "hi"))
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
}

func TestFormatEventLines_Chunking(t *testing.T) {
	big := event(3, adapter.EventAssistantMessage, strings.Repeat("b", 9000))
	lines := formatEventLines(big)
	if len(lines) < 3 {
		t.Fatalf("chunks = %d, want >= 3", len(lines))
	}
	if !strings.Contains(lines[0], fmt.Sprintf("(1/%d)", len(lines))) {
		t.Fatalf("chunk marker missing: %q", lines[0][:60])
	}
}

func TestFormatEventLines_CommandCompleted(t *testing.T) {
	e := adapter.NewEvent(adapter.EventCommandCompleted, map[string]interface{}{
		"command":           "go vet ./...",
		"exit_code":         0,
		"aggregated_output": "ok",
	})
	e.Seq = 4
	lines := formatEventLines(e)
	if len(lines) != 1 {
		t.Fatalf("lines = %d", len(lines))
	}
	for _, fragment := range []string{"go vet ./...", "exit_code=0", "ok"} {
		if !strings.Contains(lines[0], fragment) {
			t.Errorf("line missing %q: %q", fragment, lines[0])
		}
	}
}

func TestRenderForTelegram_CodeFences(t *testing.T) {
	text := "before\n```go\nfmt.Println(1)\n```\nafter"
	rendered, opts := renderForTelegram(text)
	if opts == nil || opts.ParseMode != "HTML" {
		t.Fatal("fenced code should render as HTML")
	}
	if !strings.Contains(rendered, `<pre><code class="language-go">`) {
		t.Fatalf("rendered = %q", rendered)
	}

	plain, opts := renderForTelegram("no fences here")
	if opts != nil || plain != "no fences here" {
		t.Fatal("plain text must pass through")
	}
}

func TestCloseTurn_DropsState(t *testing.T) {
	client := newFakeClient()
	s, _ := newTestStreamer(t, client)
	ctx := context.Background()

	s.AppendEvent(ctx, "turn-1", 1001, event(1, adapter.EventReasoning, "a"))
	s.CloseTurn("turn-1")
	s.AppendEvent(ctx, "turn-1", 1001, event(2, adapter.EventReasoning, "b"))

	if len(client.sends) != 2 {
		t.Fatalf("sends = %d, want 2 (fresh message after close)", len(client.sends))
	}
}
