package models

// Turn is one user request to the agent, owned by a Session.
type Turn struct {
	TurnID        string `gorm:"primaryKey;size:64"`
	SessionID     string `gorm:"size:64;not null;index"`
	BotID         string `gorm:"size:64;not null;index"`
	ChatID        string `gorm:"size:255;not null;index"`
	UserText      string `gorm:"type:text;not null"`
	AssistantText string `gorm:"type:text"`
	Status        string `gorm:"size:32;not null"`
	ErrorText     string `gorm:"type:text"`
	StartedAt     int64
	FinishedAt    int64
	CreatedAt     int64
}

// Turn statuses.
const (
	TurnQueued    = "queued"
	TurnInFlight  = "in_flight"
	TurnCompleted = "completed"
	TurnFailed    = "failed"
	TurnCancelled = "cancelled"
)

// RunJob drives execution of one Turn through the run queue. ActiveKey is
// "<bot_id>/<chat_id>" while the job is in {queued, leased, in_flight} and
// NULL in terminal states; the unique index is what forbids two concurrent
// runs in a chat.
type RunJob struct {
	ID             string  `gorm:"primaryKey;size:64"`
	TurnID         string  `gorm:"size:64;not null;uniqueIndex"`
	BotID          string  `gorm:"size:64;not null;index"`
	ChatID         string  `gorm:"size:255;not null;index"`
	Status         string  `gorm:"size:32;not null;index"`
	ActiveKey      *string `gorm:"size:320;uniqueIndex"`
	LeaseOwner     string  `gorm:"size:255"`
	LeaseExpiresAt int64
	AvailableAt    int64  `gorm:"not null;index"`
	Attempts       int    `gorm:"not null;default:0"`
	LastError      string `gorm:"type:text"`
	CreatedAt      int64
	UpdatedAt      int64
}

// CliEvent is one ordered event emitted by the adapter for a turn.
// (turn_id, seq) is unique; seq starts at 1 and is allocated by the writer.
type CliEvent struct {
	ID          int64  `gorm:"primaryKey;autoIncrement"`
	TurnID      string `gorm:"size:64;not null;index:uq_cli_events_turn_seq,unique"`
	BotID       string `gorm:"size:64;not null;index"`
	Seq         int    `gorm:"not null;index:uq_cli_events_turn_seq,unique"`
	EventType   string `gorm:"size:64;not null"`
	PayloadJSON string `gorm:"type:text;not null"`
	CreatedAt   int64
}
