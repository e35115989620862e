package telegram

import (
	"encoding/json"
	"strconv"
)

// Incoming is the actionable subset of an update envelope: either a text
// message or a callback query. ParseUpdate returns nil for everything else
// (edits, joins, stickers), which workers treat as non-actionable.
type Incoming struct {
	UpdateID        int64
	ChatID          int64
	UserID          int64
	MessageID       int64
	Text            string
	CallbackQueryID string
	CallbackData    string
}

type rawChat struct {
	ID int64 `json:"id"`
}

type rawUser struct {
	ID int64 `json:"id"`
}

type rawMessage struct {
	MessageID int64    `json:"message_id"`
	Chat      *rawChat `json:"chat"`
	From      *rawUser `json:"from"`
	Text      string   `json:"text"`
}

type rawCallbackQuery struct {
	ID      string      `json:"id"`
	From    *rawUser    `json:"from"`
	Message *rawMessage `json:"message"`
	Data    string      `json:"data"`
}

type rawUpdate struct {
	UpdateID      int64             `json:"update_id"`
	Message       *rawMessage       `json:"message"`
	CallbackQuery *rawCallbackQuery `json:"callback_query"`
}

// ParseUpdate interprets a raw update envelope. Returns nil when the
// payload is not an actionable message or callback query.
func ParseUpdate(payload []byte) *Incoming {
	var update rawUpdate
	if err := json.Unmarshal(payload, &update); err != nil || update.UpdateID == 0 {
		return nil
	}

	if m := update.Message; m != nil && m.Chat != nil && m.From != nil {
		return &Incoming{
			UpdateID:  update.UpdateID,
			ChatID:    m.Chat.ID,
			UserID:    m.From.ID,
			MessageID: m.MessageID,
			Text:      m.Text,
		}
	}

	if cq := update.CallbackQuery; cq != nil && cq.ID != "" && cq.From != nil &&
		cq.Message != nil && cq.Message.Chat != nil {
		return &Incoming{
			UpdateID:        update.UpdateID,
			ChatID:          cq.Message.Chat.ID,
			UserID:          cq.From.ID,
			MessageID:       cq.Message.MessageID,
			CallbackQueryID: cq.ID,
			CallbackData:    cq.Data,
		}
	}

	return nil
}

// ExtractChatID pulls the chat id out of an arbitrary update envelope for
// indexing, empty when absent.
func ExtractChatID(payload []byte) string {
	var update rawUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return ""
	}
	if update.Message != nil && update.Message.Chat != nil {
		return formatInt(update.Message.Chat.ID)
	}
	if update.CallbackQuery != nil && update.CallbackQuery.Message != nil &&
		update.CallbackQuery.Message.Chat != nil {
		return formatInt(update.CallbackQuery.Message.Chat.ID)
	}
	return ""
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
