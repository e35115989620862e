package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/zulandar/semaphore/internal/db"
	"github.com/zulandar/semaphore/internal/models"
	"github.com/zulandar/semaphore/internal/session"
	"github.com/zulandar/semaphore/internal/store"
	"github.com/zulandar/semaphore/internal/telegram"
	"github.com/zulandar/semaphore/internal/youtube"
)

// fakeTelegram records outbound calls.
type fakeTelegram struct {
	mu            sync.Mutex
	nextMessageID int64
	sends         []string
	markups       []interface{}
	acks          []string
	ackErr        error
}

func (f *fakeTelegram) SendMessage(ctx context.Context, chatID int64, text string, opts *telegram.SendOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMessageID++
	f.sends = append(f.sends, text)
	if opts != nil {
		f.markups = append(f.markups, opts.ReplyMarkup)
	} else {
		f.markups = append(f.markups, nil)
	}
	return f.nextMessageID, nil
}

func (f *fakeTelegram) EditMessageText(ctx context.Context, chatID, messageID int64, text string, opts *telegram.SendOptions) error {
	return nil
}

func (f *fakeTelegram) AnswerCallbackQuery(ctx context.Context, id, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ackErr != nil {
		return f.ackErr
	}
	f.acks = append(f.acks, id)
	return nil
}

func (f *fakeTelegram) SendPhoto(ctx context.Context, chatID int64, path, caption string) error {
	return nil
}
func (f *fakeTelegram) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	return nil
}

func (f *fakeTelegram) lastSend() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return ""
	}
	return f.sends[len(f.sends)-1]
}

type fakeYoutube struct {
	result *youtube.Result
	err    error
	query  string
}

func (f *fakeYoutube) SearchFirstVideo(ctx context.Context, query string) (*youtube.Result, error) {
	f.query = query
	return f.result, f.err
}

func newTestHandler(t *testing.T, owner int64) (*Handler, *store.Store, *fakeTelegram) {
	t.Helper()
	gormDB, err := db.Connect(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, _ := gormDB.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := store.New(gormDB)
	sessions, err := session.NewService(session.ServiceOpts{Store: s})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	client := &fakeTelegram{}
	handler, err := NewHandler(HandlerOpts{
		Bot: Identity{
			BotID:       "bot-1",
			BotName:     "Test Bot",
			Agent:       "codex",
			OwnerUserID: owner,
		},
		Store:    s,
		Sessions: sessions,
		Client:   client,
		Youtube:  &fakeYoutube{},
		LookPath: func(string) (string, error) { return "", fmt.Errorf("not found") },
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return handler, s, client
}

func textUpdate(updateID, chatID, userID int64, text string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"update_id": updateID,
		"message": map[string]interface{}{
			"message_id": updateID,
			"chat":       map[string]interface{}{"id": chatID},
			"from":       map[string]interface{}{"id": userID},
			"text":       text,
		},
	})
	return payload
}

func callbackUpdate(updateID, chatID, userID int64, callbackID, data string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"update_id": updateID,
		"callback_query": map[string]interface{}{
			"id":   callbackID,
			"from": map[string]interface{}{"id": userID},
			"data": data,
			"message": map[string]interface{}{
				"message_id": updateID,
				"chat":       map[string]interface{}{"id": chatID},
			},
		},
	})
	return payload
}

func TestOwnerGate(t *testing.T) {
	handler, s, client := newTestHandler(t, 9001)
	ctx := context.Background()

	if err := handler.HandleUpdate(ctx, textUpdate(1, 1001, 4242, "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := client.lastSend(); got != "Access denied: owner only." {
		t.Fatalf("reply = %q", got)
	}

	var turns int64
	s.DB().Model(&models.Turn{}).Count(&turns)
	if turns != 0 {
		t.Fatal("non-owner must not create turns")
	}

	// Callback from a stranger is still acknowledged.
	if err := handler.HandleUpdate(ctx, callbackUpdate(2, 1001, 4242, "cb-1", "act:zzz")); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if len(client.acks) != 1 || client.acks[0] != "cb-1" {
		t.Fatalf("acks = %v", client.acks)
	}
}

func TestPlainText_QueuesTurnWithKeyboard(t *testing.T) {
	handler, s, client := newTestHandler(t, 9001)

	if err := handler.HandleUpdate(context.Background(), textUpdate(1, 1001, 9001, "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	reply := client.lastSend()
	if !strings.HasPrefix(reply, "Queued turn: ") || !strings.Contains(reply, "agent=codex") {
		t.Fatalf("reply = %q", reply)
	}
	if client.markups[len(client.markups)-1] == nil {
		t.Fatal("queued-turn reply must carry the inline keyboard")
	}

	sess, err := s.GetActiveSession("bot-1", "1001")
	if err != nil || sess == nil {
		t.Fatalf("active session: %+v, %v", sess, err)
	}
	active, _ := s.HasActiveRun("bot-1", "1001")
	if !active {
		t.Fatal("expected a queued run job")
	}

	var tokens int64
	s.DB().Model(&models.ActionToken{}).Count(&tokens)
	if tokens != 4 {
		t.Fatalf("action tokens = %d, want 4", tokens)
	}
}

func TestPlainText_ActiveRunCollision(t *testing.T) {
	handler, s, client := newTestHandler(t, 9001)
	ctx := context.Background()

	handler.HandleUpdate(ctx, textUpdate(1, 1001, 9001, "task A"))
	handler.HandleUpdate(ctx, textUpdate(2, 1001, 9001, "task B"))

	if got := client.lastSend(); !strings.Contains(got, "run is already active") {
		t.Fatalf("reply = %q", got)
	}
	var turns int64
	s.DB().Model(&models.Turn{}).Count(&turns)
	if turns != 1 {
		t.Fatalf("turns = %d, want 1 (no turn for B)", turns)
	}
}

func TestModeSwitch_RefusedDuringRun(t *testing.T) {
	handler, s, client := newTestHandler(t, 9001)
	ctx := context.Background()

	handler.HandleUpdate(ctx, textUpdate(1, 1001, 9001, "task A"))
	handler.HandleUpdate(ctx, textUpdate(2, 1001, 9001, "/mode gemini"))

	if got := client.lastSend(); !strings.Contains(got, "A run is active") {
		t.Fatalf("reply = %q", got)
	}
	sess, _ := s.GetActiveSession("bot-1", "1001")
	if sess.AgentName != "codex" {
		t.Fatalf("agent = %q, must be unchanged", sess.AgentName)
	}
}

func TestModeSwitch_Succeeds(t *testing.T) {
	handler, s, client := newTestHandler(t, 9001)
	ctx := context.Background()

	handler.HandleUpdate(ctx, textUpdate(1, 1001, 9001, "task A"))
	if _, err := s.CancelActiveTurn("bot-1", "1001"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	sess, _ := s.GetActiveSession("bot-1", "1001")
	s.SetSessionThreadID(sess.SessionID, "th-1")
	s.UpsertSessionSummary(sess.SessionID, "bot-1", "t", "## Goal\n- x\n")

	handler.HandleUpdate(ctx, textUpdate(2, 1001, 9001, "/mode gemini"))

	reply := client.lastSend()
	if !strings.Contains(reply, "mode switched: codex -> gemini") {
		t.Fatalf("reply = %q", reply)
	}
	sess, _ = s.GetActiveSession("bot-1", "1001")
	if sess.AgentName != "gemini" {
		t.Fatalf("agent = %q", sess.AgentName)
	}
	if sess.AgentThreadID != "" {
		t.Fatal("thread id must reset on switch")
	}
	if sess.RollingSummaryMD == "" {
		t.Fatal("rolling summary must survive the switch")
	}

	count, err := s.MetricValue("bot-1", "provider_switch_total.gemini")
	if err != nil || count != 1 {
		t.Fatalf("switch metric = %d, %v", count, err)
	}
}

func TestStopCommand(t *testing.T) {
	handler, s, client := newTestHandler(t, 9001)
	ctx := context.Background()

	handler.HandleUpdate(ctx, textUpdate(1, 1001, 9001, "/stop"))
	if got := client.lastSend(); got != "No active run." {
		t.Fatalf("reply = %q", got)
	}

	handler.HandleUpdate(ctx, textUpdate(2, 1001, 9001, "task"))
	handler.HandleUpdate(ctx, textUpdate(3, 1001, 9001, "/stop"))
	if got := client.lastSend(); got != "Stop requested." {
		t.Fatalf("reply = %q", got)
	}
	active, _ := s.HasActiveRun("bot-1", "1001")
	if active {
		t.Fatal("run must be cancelled")
	}
}

func TestBasicCommands(t *testing.T) {
	handler, _, client := newTestHandler(t, 9001)
	ctx := context.Background()

	tests := []struct {
		text string
		want string
	}{
		{"/start", "Test Bot ready."},
		{"/help", "/start /help /new /status /reset /summary"},
		{"/echo hello world", "hello world"},
		{"/echo", "(empty)"},
		{"/status", "No session yet."},
		{"/summary", "No summary yet."},
		{"/providers", "codex: installed=no"},
		{"/bogus", "Unknown command: /bogus"},
		{"/mode", "usage: /mode <codex|gemini|claude>"},
	}
	for i, tt := range tests {
		handler.HandleUpdate(ctx, textUpdate(int64(i+1), 1001, 9001, tt.text))
		if got := client.lastSend(); !strings.Contains(got, tt.want) {
			t.Errorf("%s reply = %q, want contains %q", tt.text, got, tt.want)
		}
	}
}

func TestNewAndResetCreateFreshSessions(t *testing.T) {
	handler, s, client := newTestHandler(t, 9001)
	ctx := context.Background()

	handler.HandleUpdate(ctx, textUpdate(1, 1001, 9001, "/new"))
	if !strings.Contains(client.lastSend(), "New session created: ") {
		t.Fatalf("reply = %q", client.lastSend())
	}
	first, _ := s.GetActiveSession("bot-1", "1001")

	handler.HandleUpdate(ctx, textUpdate(2, 1001, 9001, "/reset"))
	if !strings.Contains(client.lastSend(), "Session reset. New session=") {
		t.Fatalf("reply = %q", client.lastSend())
	}
	second, _ := s.GetActiveSession("bot-1", "1001")
	if first.SessionID == second.SessionID {
		t.Fatal("reset must create a new session")
	}

	var active int64
	s.DB().Model(&models.Session{}).Where("status = ?", models.SessionActive).Count(&active)
	if active != 1 {
		t.Fatalf("active sessions = %d, want 1", active)
	}
}
