package models

// TelegramUpdate stores the verbatim inbound update envelope. The composite
// primary key (bot_id, update_id) is the deduplication mechanism: a second
// insert of the same update fails and the caller counts it as a duplicate.
type TelegramUpdate struct {
	BotID       string `gorm:"primaryKey;size:64"`
	UpdateID    int64  `gorm:"primaryKey;autoIncrement:false"`
	ChatID      string `gorm:"size:255"`
	PayloadJSON string `gorm:"type:text;not null"`
	ReceivedAt  int64
}

// UpdateJob drives processing of one accepted update through the ingress
// queue. State machine: queued -> leased -> (completed | failed), with
// expired leases reclaimable by any worker.
type UpdateJob struct {
	ID             string `gorm:"primaryKey;size:64"`
	BotID          string `gorm:"size:64;not null;index:uq_update_jobs_bot_update,unique"`
	UpdateID       int64  `gorm:"not null;index:uq_update_jobs_bot_update,unique"`
	Status         string `gorm:"size:32;not null;index"`
	LeaseOwner     string `gorm:"size:255"`
	LeaseExpiresAt int64
	AvailableAt    int64  `gorm:"not null;index"`
	Attempts       int    `gorm:"not null;default:0"`
	LastError      string `gorm:"type:text"`
	CreatedAt      int64
	UpdatedAt      int64
}

// Job statuses shared by both queues.
const (
	JobQueued    = "queued"
	JobLeased    = "leased"
	JobInFlight  = "in_flight"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)
