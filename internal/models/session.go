package models

// Session is the conversation state for one (bot, chat) pair. ActiveKey is
// "<bot_id>/<chat_id>" while the session is active and NULL otherwise, so
// the unique index admits at most one active session per chat regardless of
// how many reset rows accumulate.
type Session struct {
	SessionID        string  `gorm:"primaryKey;size:64"`
	BotID            string  `gorm:"size:64;not null;index:ix_sessions_bot_chat"`
	ChatID           string  `gorm:"size:255;not null;index:ix_sessions_bot_chat"`
	AgentName        string  `gorm:"size:32;not null"`
	AgentModel       string  `gorm:"size:128"`
	AgentThreadID    string  `gorm:"size:128"`
	Status           string  `gorm:"size:32;not null"`
	ActiveKey        *string `gorm:"size:320;uniqueIndex"`
	RollingSummaryMD string  `gorm:"type:text"`
	LastTurnAt       int64
	CreatedAt        int64
	UpdatedAt        int64
}

// Session statuses.
const (
	SessionActive = "active"
	SessionReset  = "reset"
)

// SessionSummary is an append-only snapshot of the rolling summary written
// after every completed turn.
type SessionSummary struct {
	ID        string `gorm:"primaryKey;size:64"`
	SessionID string `gorm:"size:64;not null;index"`
	BotID     string `gorm:"size:64;not null;index"`
	TurnID    string `gorm:"size:64;not null;index"`
	SummaryMD string `gorm:"type:text;not null"`
	CreatedAt int64
}
