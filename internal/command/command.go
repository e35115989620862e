// Package command interprets inbound updates for one bot: slash commands,
// plain-text turns, natural-language intents and inline button callbacks.
package command

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/zulandar/semaphore/internal/adapter"
	"github.com/zulandar/semaphore/internal/session"
	"github.com/zulandar/semaphore/internal/store"
	"github.com/zulandar/semaphore/internal/telegram"
	"github.com/zulandar/semaphore/internal/youtube"
)

// Identity carries the static facts about the bot a handler serves.
type Identity struct {
	BotID         string
	BotName       string
	Agent         string
	OwnerUserID   int64
	DefaultModels map[string]string
}

// YoutubeSearcher is the deterministic search helper consumed by /youtube.
type YoutubeSearcher interface {
	SearchFirstVideo(ctx context.Context, query string) (*youtube.Result, error)
}

// Handler routes one bot's parsed updates.
type Handler struct {
	bot      Identity
	store    *store.Store
	sessions *session.Service
	client   telegram.API
	youtube  YoutubeSearcher
	lookPath func(string) (string, error)
	out      io.Writer
}

// HandlerOpts holds parameters for NewHandler.
type HandlerOpts struct {
	Bot      Identity
	Store    *store.Store
	Sessions *session.Service
	Client   telegram.API
	Youtube  YoutubeSearcher          // optional; disables /youtube when nil
	LookPath func(string) (string, error) // test hook; defaults to exec.LookPath
	Out      io.Writer
}

// NewHandler creates a Handler.
func NewHandler(opts HandlerOpts) (*Handler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("command: store is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("command: session service is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("command: telegram client is required")
	}
	if opts.Bot.BotID == "" {
		return nil, fmt.Errorf("command: bot id is required")
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Handler{
		bot:      opts.Bot,
		store:    opts.Store,
		sessions: opts.Sessions,
		client:   opts.Client,
		youtube:  opts.Youtube,
		lookPath: lookPath,
		out:      out,
	}, nil
}

// HandleUpdate processes one raw update envelope. Non-actionable payloads
// are ignored; callback queries are always acknowledged exactly once.
func (h *Handler) HandleUpdate(ctx context.Context, payload []byte) error {
	parsed := telegram.ParseUpdate(payload)
	if parsed == nil {
		return nil
	}

	// Owner gate: when the bot has an owner, everyone else gets a terse
	// denial and nothing more.
	if h.bot.OwnerUserID != 0 && parsed.UserID != h.bot.OwnerUserID {
		if parsed.CallbackQueryID != "" {
			h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Access denied")
		} else {
			h.send(ctx, parsed.ChatID, "Access denied: owner only.")
		}
		return nil
	}

	if parsed.CallbackQueryID != "" {
		return h.handleCallback(ctx, parsed)
	}

	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		return nil
	}

	if intent, query := parseYoutubeIntent(text); intent && h.youtube != nil {
		if query == "" {
			h.send(ctx, parsed.ChatID, "YouTube 검색어를 함께 입력해 주세요. 예: 파이썬 asyncio 유튜브 찾아줘")
			return nil
		}
		h.handleYoutubeSearch(ctx, parsed.ChatID, query)
		return nil
	}

	if strings.HasPrefix(text, "/") {
		return h.handleCommand(ctx, parsed.ChatID, text)
	}

	return h.queueTurn(ctx, parsed.ChatID, text)
}

// queueTurn creates the session if needed and enqueues a run for plain
// text. The active-run uniqueness conflict becomes an informative reply.
func (h *Handler) queueTurn(ctx context.Context, chatID int64, text string) error {
	agentName := h.resolveChatAgent(chatID)
	agentModel := adapter.ResolveProviderDefaultModel(agentName, h.bot.DefaultModels[agentName])

	sess, err := h.sessions.GetOrCreate(h.bot.BotID, chatKey(chatID), agentName, agentModel)
	if err != nil {
		return err
	}

	turnID, err := h.store.CreateTurnWithRunJob(sess.SessionID, h.bot.BotID, chatKey(chatID), text)
	if err != nil {
		if err == store.ErrActiveRunExists {
			h.send(ctx, chatID, "A run is already active in this chat. Use /stop first.")
			return nil
		}
		return err
	}

	fmt.Fprintf(h.out, "command: queued turn %s bot=%s chat=%d agent=%s\n", turnID, h.bot.BotID, chatID, agentName)
	keyboard := h.buildTurnActionKeyboard(chatID, sess.SessionID, turnID)
	reply := fmt.Sprintf("Queued turn: %s\nsession=%s\nagent=%s", turnID, sess.SessionID, agentName)
	h.sendWithMarkup(ctx, chatID, reply, keyboard)
	return nil
}

func (h *Handler) handleCommand(ctx context.Context, chatID int64, text string) error {
	command, arg := splitCommand(text)

	switch command {
	case "/start":
		h.send(ctx, chatID, h.welcomeText())

	case "/help":
		h.send(ctx, chatID, h.helpText())

	case "/youtube", "/yt":
		if h.youtube == nil {
			h.send(ctx, chatID, "YouTube search is not enabled.")
			return nil
		}
		if arg == "" {
			h.send(ctx, chatID, "Usage: /youtube <query>")
			return nil
		}
		h.handleYoutubeSearch(ctx, chatID, arg)

	case "/new":
		agentName := h.resolveChatAgent(chatID)
		agentModel := adapter.ResolveProviderDefaultModel(agentName, h.bot.DefaultModels[agentName])
		sess, err := h.sessions.CreateNew(h.bot.BotID, chatKey(chatID), agentName, agentModel)
		if err != nil {
			return err
		}
		h.send(ctx, chatID, fmt.Sprintf("New session created: %s (agent=%s)", sess.SessionID, agentName))

	case "/status":
		status, err := h.sessions.Status(h.bot.BotID, chatKey(chatID))
		if err != nil {
			return err
		}
		if status == nil {
			h.send(ctx, chatID, "No session yet. Send a message to start.")
			return nil
		}
		model := adapter.ResolveSelectedModel(status.AgentName, status.AgentModel, h.bot.DefaultModels)
		h.send(ctx, chatID, strings.Join([]string{
			"bot=" + h.bot.BotID,
			"agent=" + status.AgentName,
			"model=" + orDefault(model),
			"session=" + status.SessionID,
			"thread=" + orNoneStr(status.AgentThreadID),
			"summary=" + orNoneStr(status.SummaryPreview),
		}, "\n"))

	case "/reset":
		agentName := h.resolveChatAgent(chatID)
		agentModel := adapter.ResolveProviderDefaultModel(agentName, h.bot.DefaultModels[agentName])
		sess, err := h.sessions.CreateNew(h.bot.BotID, chatKey(chatID), agentName, agentModel)
		if err != nil {
			return err
		}
		h.send(ctx, chatID, fmt.Sprintf("Session reset. New session=%s (agent=%s)", sess.SessionID, agentName))

	case "/summary":
		summary, err := h.sessions.Summary(h.bot.BotID, chatKey(chatID))
		if err != nil {
			return err
		}
		if strings.TrimSpace(summary) == "" {
			h.send(ctx, chatID, "No summary yet.")
			return nil
		}
		if len(summary) > 3500 {
			summary = summary[:3500]
		}
		h.send(ctx, chatID, "Summary:\n"+summary)

	case "/mode":
		return h.handleModeCommand(ctx, chatID, arg)

	case "/model":
		return h.handleModelCommand(ctx, chatID, arg)

	case "/providers":
		h.handleProvidersCommand(ctx, chatID)

	case "/stop":
		turnID, err := h.store.CancelActiveTurn(h.bot.BotID, chatKey(chatID))
		if err != nil {
			return err
		}
		if turnID != "" {
			h.send(ctx, chatID, "Stop requested.")
		} else {
			h.send(ctx, chatID, "No active run.")
		}

	case "/echo":
		if arg == "" {
			arg = "(empty)"
		}
		h.send(ctx, chatID, arg)

	default:
		h.send(ctx, chatID, fmt.Sprintf("Unknown command: %s\n\n%s", command, h.helpText()))
	}
	return nil
}

func (h *Handler) handleModeCommand(ctx context.Context, chatID int64, arg string) error {
	status, err := h.sessions.Status(h.bot.BotID, chatKey(chatID))
	if err != nil {
		return err
	}
	currentAgent := h.bot.Agent
	sessionModel := ""
	if status != nil {
		currentAgent = status.AgentName
		sessionModel = status.AgentModel
	}
	currentModel := orDefault(adapter.ResolveSelectedModel(currentAgent, sessionModel, h.bot.DefaultModels))

	if arg == "" {
		h.send(ctx, chatID, strings.Join([]string{
			fmt.Sprintf("mode=cli agent=%s model=%s", currentAgent, currentModel),
			"usage: /mode <codex|gemini|claude>",
			"providers=" + strings.Join(adapter.SupportedProviders, ", "),
		}, "\n"))
		return nil
	}

	nextAgent := strings.ToLower(strings.TrimSpace(arg))
	if !adapter.IsSupportedProvider(nextAgent) {
		h.send(ctx, chatID, fmt.Sprintf("Unsupported provider: %s. Use one of: %s",
			arg, strings.Join(adapter.SupportedProviders, ", ")))
		return nil
	}
	if nextAgent == currentAgent {
		h.send(ctx, chatID, "mode unchanged: agent="+currentAgent)
		return nil
	}

	active, err := h.store.HasActiveRun(h.bot.BotID, chatKey(chatID))
	if err != nil {
		return err
	}
	if active {
		h.send(ctx, chatID, "A run is active. Use /stop first, then retry /mode.")
		return nil
	}

	nextModel := adapter.ResolveProviderDefaultModel(nextAgent, h.bot.DefaultModels[nextAgent])
	sessionID := ""
	if status == nil {
		sess, err := h.sessions.GetOrCreate(h.bot.BotID, chatKey(chatID), nextAgent, nextModel)
		if err != nil {
			return err
		}
		sessionID = sess.SessionID
	} else {
		sessionID = status.SessionID
	}
	if err := h.sessions.SwitchAgent(sessionID, nextAgent, nextModel); err != nil {
		return err
	}

	h.incrementMetric("provider_switch_total." + nextAgent)
	h.audit(chatID, sessionID, "mode_switch", "ok", fmt.Sprintf(`{"from":%q,"to":%q}`, currentAgent, nextAgent))
	log.Printf("command: provider switched bot=%s chat=%d from=%s to=%s", h.bot.BotID, chatID, currentAgent, nextAgent)

	h.send(ctx, chatID, strings.Join([]string{
		fmt.Sprintf("mode switched: %s -> %s", currentAgent, nextAgent),
		"model=" + orDefault(nextModel),
		"session=" + sessionID,
		"context continuity: rolling summary retained, provider thread reset.",
	}, "\n"))
	return nil
}

func (h *Handler) handleModelCommand(ctx context.Context, chatID int64, arg string) error {
	status, err := h.sessions.Status(h.bot.BotID, chatKey(chatID))
	if err != nil {
		return err
	}
	currentAgent := h.bot.Agent
	sessionModel := ""
	if status != nil {
		currentAgent = status.AgentName
		sessionModel = status.AgentModel
	}
	currentModel := orDefault(adapter.ResolveSelectedModel(currentAgent, sessionModel, h.bot.DefaultModels))
	allowed := adapter.AvailableModels(currentAgent)

	if arg == "" {
		h.send(ctx, chatID, strings.Join([]string{
			"agent=" + currentAgent,
			"model=" + currentModel,
			"available_models=" + modelsText(currentAgent),
			"usage: /model <model-name>",
		}, "\n"))
		return nil
	}

	nextModel := strings.TrimSpace(arg)
	if len(allowed) == 0 {
		h.send(ctx, chatID, "No selectable model for agent="+currentAgent)
		return nil
	}
	if !adapter.IsAllowedModel(currentAgent, nextModel) {
		h.send(ctx, chatID, fmt.Sprintf("Unsupported model for %s: %s\nallowed=%s",
			currentAgent, nextModel, modelsText(currentAgent)))
		return nil
	}

	active, err := h.store.HasActiveRun(h.bot.BotID, chatKey(chatID))
	if err != nil {
		return err
	}
	if active {
		h.send(ctx, chatID, "A run is active. Use /stop first, then retry /model.")
		return nil
	}

	sessionID := ""
	if status == nil {
		sess, err := h.sessions.GetOrCreate(h.bot.BotID, chatKey(chatID), currentAgent, nextModel)
		if err != nil {
			return err
		}
		sessionID = sess.SessionID
	} else {
		sessionID = status.SessionID
	}
	if err := h.sessions.SetModel(sessionID, nextModel); err != nil {
		return err
	}

	h.send(ctx, chatID, strings.Join([]string{
		fmt.Sprintf("model updated: %s -> %s", currentModel, nextModel),
		"agent=" + currentAgent,
		"model=" + nextModel,
		"session=" + sessionID,
	}, "\n"))
	return nil
}

func (h *Handler) handleProvidersCommand(ctx context.Context, chatID int64) {
	lines := []string{"Available CLI providers:"}
	for _, provider := range adapter.SupportedProviders {
		installed := "no"
		if _, err := h.lookPath(provider); err == nil {
			installed = "yes"
		}
		model := h.bot.DefaultModels[provider]
		if model == "" {
			model = "default"
		}
		lines = append(lines, fmt.Sprintf("- %s: installed=%s, model=%s", provider, installed, model))
	}
	h.send(ctx, chatID, strings.Join(lines, "\n"))
}

func (h *Handler) handleYoutubeSearch(ctx context.Context, chatID int64, query string) {
	normalized := strings.Join(strings.Fields(query), " ")
	if normalized == "" {
		h.send(ctx, chatID, "YouTube 검색어를 입력해 주세요.")
		return
	}
	result, err := h.youtube.SearchFirstVideo(ctx, normalized)
	if err != nil {
		h.send(ctx, chatID, "YouTube 검색 중 오류가 발생했습니다. 잠시 후 다시 시도해 주세요.")
		return
	}
	if result == nil {
		h.send(ctx, chatID, "YouTube 검색 결과를 찾지 못했습니다: "+normalized)
		return
	}
	// Watch URL only, so Telegram renders its native preview card.
	h.send(ctx, chatID, result.URL)
}

// resolveChatAgent prefers the chat's latest session agent over the bot
// default.
func (h *Handler) resolveChatAgent(chatID int64) string {
	status, err := h.sessions.Status(h.bot.BotID, chatKey(chatID))
	if err == nil && status != nil && status.AgentName != "" {
		return status.AgentName
	}
	return h.bot.Agent
}

func (h *Handler) welcomeText() string {
	return h.bot.BotName + " ready.\nSend a message to run CLI.\nUse /help for commands."
}

func (h *Handler) helpText() string {
	return "/start /help /new /status /reset /summary /mode /model /providers /stop /youtube\n" +
		"Plain text message => enqueue CLI turn"
}

func (h *Handler) send(ctx context.Context, chatID int64, text string) {
	if _, err := h.client.SendMessage(ctx, chatID, text, nil); err != nil {
		log.Printf("command: send reply bot=%s chat=%d: %v", h.bot.BotID, chatID, err)
	}
}

func (h *Handler) sendWithMarkup(ctx context.Context, chatID int64, text string, markup interface{}) {
	opts := &telegram.SendOptions{}
	if markup != nil {
		opts.ReplyMarkup = markup
	}
	if _, err := h.client.SendMessage(ctx, chatID, text, opts); err != nil {
		log.Printf("command: send reply bot=%s chat=%d: %v", h.bot.BotID, chatID, err)
	}
}

func (h *Handler) incrementMetric(key string) {
	if err := h.store.IncrementMetric(h.bot.BotID, key); err != nil {
		log.Printf("command: increment metric bot=%s key=%s: %v", h.bot.BotID, key, err)
	}
}

func (h *Handler) audit(chatID int64, sessionID, action, result, detail string) {
	if err := h.store.AppendAudit(h.bot.BotID, chatKey(chatID), sessionID, action, result, detail); err != nil {
		log.Printf("command: append audit bot=%s action=%s: %v", h.bot.BotID, action, err)
	}
}

func splitCommand(text string) (string, string) {
	parts := strings.SplitN(text, " ", 2)
	command := parts[0]
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return command, arg
}

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

func orDefault(model string) string {
	if model == "" {
		return "default"
	}
	return model
}

func orNoneStr(value string) string {
	if value == "" {
		return "none"
	}
	return value
}

func modelsText(provider string) string {
	candidates := adapter.AvailableModels(provider)
	if len(candidates) == 0 {
		return "none"
	}
	return strings.Join(candidates, ", ")
}
