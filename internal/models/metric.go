package models

// MetricCounter is a monotonic per-bot counter, upserted with += on every
// increment. Readers query the table directly.
type MetricCounter struct {
	BotID       string `gorm:"primaryKey;size:64"`
	MetricKey   string `gorm:"primaryKey;size:128"`
	MetricValue int64  `gorm:"not null;default:0"`
	UpdatedAt   int64
}

// AuditLog records command and callback outcomes for operators.
type AuditLog struct {
	ID         string `gorm:"primaryKey;size:64"`
	BotID      string `gorm:"size:64;not null;index"`
	ChatID     string `gorm:"size:255;index"`
	SessionID  string `gorm:"size:64;index"`
	Action     string `gorm:"size:64;not null;index"`
	Result     string `gorm:"size:32;not null"`
	DetailJSON string `gorm:"type:text"`
	CreatedAt  int64
}
