package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/zulandar/semaphore/internal/session"
	"github.com/zulandar/semaphore/internal/store"
	"github.com/zulandar/semaphore/internal/telegram"
)

// Inline actions offered under every queued-turn reply.
var inlineActions = []string{"summary", "regen", "next", "stop"}

// Action token lifetime and the deferred-queue cap behind busy chats.
const (
	tokenTTLMS       = int64(24 * 60 * 60 * 1000)
	deferredMaxQueue = 10
)

type tokenPayload struct {
	ActionType   string `json:"action_type"`
	RunSource    string `json:"run_source"`
	ChatID       string `json:"chat_id"`
	SessionID    string `json:"session_id"`
	OriginTurnID string `json:"origin_turn_id"`
}

// handleCallback executes one inline button press. The strict contract:
// the callback query is acknowledged exactly once, whatever else happens.
func (h *Handler) handleCallback(ctx context.Context, parsed *telegram.Incoming) error {
	data := strings.TrimSpace(parsed.CallbackData)

	if data == "" {
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Unsupported action")
		return nil
	}

	if data == "stop_run" {
		turnID, err := h.store.CancelActiveTurn(h.bot.BotID, chatKey(parsed.ChatID))
		if err != nil {
			h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Action failed")
			return err
		}
		h.answerCallbackStatus(ctx, parsed.CallbackQueryID, turnID != "")
		return nil
	}

	if !strings.HasPrefix(data, "act:") {
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Unsupported action")
		return nil
	}

	token := strings.TrimSpace(strings.TrimPrefix(data, "act:"))
	if token == "" {
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Invalid action token")
		return nil
	}

	consumed, err := h.store.ConsumeActionToken(token, h.bot.BotID, chatKey(parsed.ChatID))
	if err != nil {
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Action failed")
		return err
	}
	if consumed == nil {
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Action expired or already used")
		return nil
	}

	payload, ok := decodeTokenPayload(consumed.PayloadJSON)
	if !ok {
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Invalid action token")
		return nil
	}

	if payload.RunSource == "direct_cancel" || payload.ActionType == "stop" {
		turnID, err := h.store.CancelActiveTurn(h.bot.BotID, chatKey(parsed.ChatID))
		if err != nil {
			h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Action failed")
			return err
		}
		h.answerCallbackStatus(ctx, parsed.CallbackQueryID, turnID != "")
		return nil
	}

	if payload.ActionType != "summary" && payload.ActionType != "regen" && payload.ActionType != "next" {
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Unknown action")
		return nil
	}

	promptText, err := h.buildPromptFromAction(payload)
	if err != nil {
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Action failed")
		return err
	}
	if promptText == "" {
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Cannot build prompt for action")
		return nil
	}

	active, err := h.store.HasActiveRun(h.bot.BotID, chatKey(parsed.ChatID))
	if err != nil {
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Action failed")
		return err
	}
	if active {
		return h.deferAction(ctx, parsed, payload, promptText)
	}

	turnID, err := h.store.CreateTurnWithRunJob(payload.SessionID, h.bot.BotID, chatKey(parsed.ChatID), promptText)
	if err != nil {
		if err == store.ErrActiveRunExists {
			return h.deferAction(ctx, parsed, payload, promptText)
		}
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Action failed")
		return err
	}

	h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Started")
	keyboard := h.buildTurnActionKeyboard(parsed.ChatID, payload.SessionID, turnID)
	h.sendWithMarkup(ctx, parsed.ChatID,
		fmt.Sprintf("[button] queued %s: %s", payload.ActionType, turnID), keyboard)
	return nil
}

func (h *Handler) deferAction(ctx context.Context, parsed *telegram.Incoming, payload tokenPayload, promptText string) error {
	_, err := h.store.EnqueueDeferredAction(
		h.bot.BotID, chatKey(parsed.ChatID), payload.SessionID,
		payload.ActionType, promptText, payload.OriginTurnID, deferredMaxQueue)
	if err != nil {
		h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Action failed")
		return err
	}
	h.safeAnswerCallback(ctx, parsed.CallbackQueryID, "Queued after current run")
	h.send(ctx, parsed.ChatID, fmt.Sprintf("[button] queued %s action.", payload.ActionType))
	return nil
}

func (h *Handler) buildPromptFromAction(payload tokenPayload) (string, error) {
	sess, err := h.store.GetSession(payload.SessionID)
	if err != nil || sess == nil {
		return "", err
	}
	originTurn, err := h.store.GetTurn(payload.OriginTurnID)
	if err != nil || originTurn == nil {
		return "", err
	}
	latest, err := h.store.GetLatestCompletedTurn(payload.SessionID)
	if err != nil {
		return "", err
	}

	switch payload.ActionType {
	case "summary":
		return session.BuildSummaryPrompt(sess, originTurn, latest), nil
	case "regen":
		return session.BuildRegenPrompt(sess, originTurn), nil
	case "next":
		latestAssistant := ""
		if latest != nil {
			latestAssistant = latest.AssistantText
		}
		return session.BuildNextPrompt(sess, originTurn, latestAssistant), nil
	}
	return "", nil
}

// buildTurnActionKeyboard issues one token per inline action and renders
// the 2x2 keyboard attached to queued-turn replies. Returns nil when token
// issuance fails — the reply is still sent, just without buttons.
func (h *Handler) buildTurnActionKeyboard(chatID int64, sessionID, originTurnID string) interface{} {
	tokens := map[string]string{}
	for _, action := range inlineActions {
		runSource := "agent_cli"
		if action == "stop" {
			runSource = "direct_cancel"
		}
		payload, err := json.Marshal(tokenPayload{
			ActionType:   action,
			RunSource:    runSource,
			ChatID:       chatKey(chatID),
			SessionID:    sessionID,
			OriginTurnID: originTurnID,
		})
		if err != nil {
			return nil
		}
		token := strings.ReplaceAll(uuid.NewString(), "-", "")
		expiresAt := h.store.NowMS() + tokenTTLMS
		if err := h.store.CreateActionToken(token, h.bot.BotID, chatKey(chatID), action, string(payload), expiresAt); err != nil {
			log.Printf("command: issue action token bot=%s action=%s: %v", h.bot.BotID, action, err)
			return nil
		}
		tokens[action] = token
	}

	button := func(label, action string) map[string]interface{} {
		return map[string]interface{}{"text": label, "callback_data": "act:" + tokens[action]}
	}
	return map[string]interface{}{
		"inline_keyboard": [][]map[string]interface{}{
			{button("요약", "summary"), button("다시생성", "regen")},
			{button("다음추천", "next"), button("중단", "stop")},
		},
	}
}

// answerCallbackStatus acknowledges a stop request with the right wording.
func (h *Handler) answerCallbackStatus(ctx context.Context, callbackQueryID string, stopped bool) {
	if stopped {
		h.safeAnswerCallback(ctx, callbackQueryID, "Stopping...")
	} else {
		h.safeAnswerCallback(ctx, callbackQueryID, "No active run")
	}
}

// safeAnswerCallback acknowledges a callback query, counting the outcome.
// callback_ack_failed only increments when the acknowledgement itself
// fails.
func (h *Handler) safeAnswerCallback(ctx context.Context, callbackQueryID, text string) {
	if err := h.client.AnswerCallbackQuery(ctx, callbackQueryID, text); err != nil {
		h.incrementMetric(store.MetricCallbackAckFailed)
		log.Printf("command: answer callback bot=%s id=%s: %v", h.bot.BotID, callbackQueryID, err)
		return
	}
	h.incrementMetric(store.MetricCallbackAckSuccess)
}

func decodeTokenPayload(raw string) (tokenPayload, bool) {
	var payload tokenPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return payload, false
	}
	if payload.ActionType == "" || payload.RunSource == "" || payload.ChatID == "" ||
		payload.SessionID == "" || payload.OriginTurnID == "" {
		return payload, false
	}
	return payload, true
}
