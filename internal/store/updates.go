package store

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/semaphore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LeasedUpdateJob identifies an update job claimed by a worker.
type LeasedUpdateJob struct {
	ID       string
	UpdateID int64
}

// InsertUpdate stores a raw update envelope. It returns false when the
// (bot_id, update_id) row already exists — the dedupe signal ingress
// counts and drops on.
func (s *Store) InsertUpdate(botID string, updateID int64, chatID, payloadJSON string) (bool, error) {
	row := models.TelegramUpdate{
		BotID:       botID,
		UpdateID:    updateID,
		ChatID:      chatID,
		PayloadJSON: payloadJSON,
		ReceivedAt:  s.now(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: insert update %s/%d: %w", botID, updateID, err)
	}
	return true, nil
}

// EnqueueUpdateJob inserts a queued job for an accepted update. A duplicate
// (bot_id, update_id) job is silently ignored.
func (s *Store) EnqueueUpdateJob(botID string, updateID int64) error {
	now := s.now()
	job := models.UpdateJob{
		ID:          uuid.NewString(),
		BotID:       botID,
		UpdateID:    updateID,
		Status:      models.JobQueued,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.Create(&job).Error; err != nil {
		if isDuplicate(err) {
			return nil
		}
		return fmt.Errorf("store: enqueue update job %s/%d: %w", botID, updateID, err)
	}
	return nil
}

// AcceptUpdate runs the ingress accept procedure in one transaction:
// store the raw envelope keyed by (bot_id, update_id), then enqueue the
// update job. Returns false on a duplicate update, with nothing written.
func (s *Store) AcceptUpdate(botID string, updateID int64, chatID, payloadJSON string) (bool, error) {
	now := s.now()
	accepted := false

	err := s.db.Transaction(func(tx *gorm.DB) error {
		row := models.TelegramUpdate{
			BotID:       botID,
			UpdateID:    updateID,
			ChatID:      chatID,
			PayloadJSON: payloadJSON,
			ReceivedAt:  now,
		}
		if err := tx.Create(&row).Error; err != nil {
			if isDuplicate(err) {
				return nil
			}
			return fmt.Errorf("store: accept update %s/%d: %w", botID, updateID, err)
		}
		job := models.UpdateJob{
			ID:          uuid.NewString(),
			BotID:       botID,
			UpdateID:    updateID,
			Status:      models.JobQueued,
			AvailableAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("store: accept update job %s/%d: %w", botID, updateID, err)
		}
		accepted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return accepted, nil
}

// LeaseNextUpdateJob atomically claims the oldest claimable update job for
// the bot: queued rows whose available_at has passed, or leased rows whose
// lease expired. Returns nil when nothing is claimable.
func (s *Store) LeaseNextUpdateJob(botID, owner string, leaseMS int64) (*LeasedUpdateJob, error) {
	now := s.now()
	var leased *LeasedUpdateJob

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var job models.UpdateJob
		q := tx.Where("bot_id = ? AND available_at <= ?", botID, now).
			Where("status = ? OR (status = ? AND lease_expires_at > 0 AND lease_expires_at < ?)",
				models.JobQueued, models.JobLeased, now).
			Order("available_at ASC, created_at ASC").
			Limit(1)
		if isMySQL(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		result := q.Find(&job)
		if result.Error != nil {
			return fmt.Errorf("store: find claimable update job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		claimed := tx.Model(&models.UpdateJob{}).
			Where("id = ? AND (status = ? OR (status = ? AND lease_expires_at > 0 AND lease_expires_at < ?))",
				job.ID, models.JobQueued, models.JobLeased, now).
			Updates(map[string]interface{}{
				"status":           models.JobLeased,
				"lease_owner":      owner,
				"lease_expires_at": now + leaseMS,
				"attempts":         gorm.Expr("attempts + 1"),
				"updated_at":       now,
			})
		if claimed.Error != nil {
			return fmt.Errorf("store: claim update job %s: %w", job.ID, claimed.Error)
		}
		if claimed.RowsAffected == 0 {
			// Lost the race to another worker; treat as nothing claimable.
			return nil
		}

		leased = &LeasedUpdateJob{ID: job.ID, UpdateID: job.UpdateID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// RenewUpdateJobLease extends a held lease. A job that has left the leased
// state is not touched.
func (s *Store) RenewUpdateJobLease(jobID string, leaseMS int64) error {
	now := s.now()
	err := s.db.Model(&models.UpdateJob{}).
		Where("id = ? AND status = ?", jobID, models.JobLeased).
		Updates(map[string]interface{}{
			"lease_expires_at": now + leaseMS,
			"updated_at":       now,
		}).Error
	if err != nil {
		return fmt.Errorf("store: renew update job lease %s: %w", jobID, err)
	}
	return nil
}

// CompleteUpdateJob moves a job to its terminal completed state.
func (s *Store) CompleteUpdateJob(jobID string) error {
	now := s.now()
	err := s.db.Model(&models.UpdateJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":           models.JobCompleted,
			"lease_owner":      "",
			"lease_expires_at": 0,
			"updated_at":       now,
		}).Error
	if err != nil {
		return fmt.Errorf("store: complete update job %s: %w", jobID, err)
	}
	return nil
}

// FailUpdateJob records the error and either re-queues the job with
// exponential backoff (attempts under the cap) or leaves it failed for
// good. Returns true when the job was re-queued.
func (s *Store) FailUpdateJob(jobID, errText string) (bool, error) {
	now := s.now()
	requeued := false

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var job models.UpdateJob
		result := tx.Where("id = ?", jobID).Limit(1).Find(&job)
		if result.Error != nil {
			return fmt.Errorf("store: load update job %s: %w", jobID, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		values := map[string]interface{}{
			"lease_owner":      "",
			"lease_expires_at": 0,
			"last_error":       clip(errText, 2000),
			"updated_at":       now,
		}
		if job.Attempts < MaxAttempts {
			values["status"] = models.JobQueued
			values["available_at"] = now + backoffMS(job.Attempts)
			requeued = true
		} else {
			values["status"] = models.JobFailed
		}
		if err := tx.Model(&models.UpdateJob{}).Where("id = ?", jobID).Updates(values).Error; err != nil {
			return fmt.Errorf("store: fail update job %s: %w", jobID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return requeued, nil
}

// FailUpdateJobTerminal marks a job failed without retry, used for payloads
// that can never be processed (missing row, malformed JSON).
func (s *Store) FailUpdateJobTerminal(jobID, errText string) error {
	now := s.now()
	err := s.db.Model(&models.UpdateJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":           models.JobFailed,
			"lease_owner":      "",
			"lease_expires_at": 0,
			"last_error":       clip(errText, 2000),
			"updated_at":       now,
		}).Error
	if err != nil {
		return fmt.Errorf("store: fail update job %s: %w", jobID, err)
	}
	return nil
}

// GetUpdate loads a stored raw update.
func (s *Store) GetUpdate(botID string, updateID int64) (*models.TelegramUpdate, error) {
	var row models.TelegramUpdate
	result := s.db.Where("bot_id = ? AND update_id = ?", botID, updateID).Limit(1).Find(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("store: get update %s/%d: %w", botID, updateID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &row, nil
}

// MaxUpdateID returns the highest stored update_id for the bot, used by the
// poller to resume its offset. ok is false when no updates exist.
func (s *Store) MaxUpdateID(botID string) (int64, bool, error) {
	var max *int64
	err := s.db.Model(&models.TelegramUpdate{}).
		Where("bot_id = ?", botID).
		Select("MAX(update_id)").
		Scan(&max).Error
	if err != nil {
		return 0, false, fmt.Errorf("store: max update id %s: %w", botID, err)
	}
	if max == nil {
		return 0, false, nil
	}
	return *max, true, nil
}

// ResetIngestState deletes all stored updates and update jobs for the bot.
// The poller calls this when pointed at a local mock server, whose
// update_id counter restarts from 1 on every mock restart.
func (s *Store) ResetIngestState(botID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("bot_id = ?", botID).Delete(&models.UpdateJob{}).Error; err != nil {
			return fmt.Errorf("store: reset update jobs %s: %w", botID, err)
		}
		if err := tx.Where("bot_id = ?", botID).Delete(&models.TelegramUpdate{}).Error; err != nil {
			return fmt.Errorf("store: reset updates %s: %w", botID, err)
		}
		return nil
	})
}

func clip(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max]
}
