package models

// ActionToken is an opaque short string bound to a pending inline-button
// callback. Consumed at most once; expired tokens are swept by the runtime
// maintenance job.
type ActionToken struct {
	Token       string `gorm:"primaryKey;size:64"`
	BotID       string `gorm:"size:64;not null;index"`
	ChatID      string `gorm:"size:255;not null;index"`
	Action      string `gorm:"size:32;not null"`
	PayloadJSON string `gorm:"type:text;not null"`
	ExpiresAt   int64  `gorm:"not null;index"`
	ConsumedAt  int64
	CreatedAt   int64
}

// DeferredButtonAction is a follow-up turn intent produced by a button press
// while a run was active. The run worker promotes the oldest queued action
// into a real Turn after each run finishes.
type DeferredButtonAction struct {
	ID           string `gorm:"primaryKey;size:64"`
	BotID        string `gorm:"size:64;not null;index:ix_deferred_bot_chat_status"`
	ChatID       string `gorm:"size:255;not null;index:ix_deferred_bot_chat_status"`
	SessionID    string `gorm:"size:64;not null;index"`
	ActionType   string `gorm:"size:32;not null"`
	PromptText   string `gorm:"type:text;not null"`
	OriginTurnID string `gorm:"size:64;not null;index"`
	Status       string `gorm:"size:32;not null;index:ix_deferred_bot_chat_status"`
	CreatedAt    int64
	UpdatedAt    int64
}

// Deferred action statuses.
const (
	DeferredQueued    = "queued"
	DeferredPromoted  = "promoted"
	DeferredCancelled = "cancelled"
)
