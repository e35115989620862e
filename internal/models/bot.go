// Package models defines the GORM models shared by every Semaphore component.
package models

// Bot is the identity of one logical bot instance. Rows are upserted at
// process start and treated as immutable for the life of the run.
type Bot struct {
	BotID       string `gorm:"primaryKey;size:64"`
	Name        string `gorm:"size:255;not null"`
	Mode        string `gorm:"size:32;not null"`
	OwnerUserID int64
	AgentName   string `gorm:"size:32;not null"`
	CreatedAt   int64
	UpdatedAt   int64
}
