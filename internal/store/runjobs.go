package store

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/semaphore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LeasedRunJob identifies a run job claimed by a worker.
type LeasedRunJob struct {
	ID     string
	TurnID string
	ChatID string
}

// CreateTurnWithRunJob inserts a queued Turn and its RunJob in one
// transaction. The run job carries the chat's active key, so a second live
// run in the same chat fails the unique index and maps to
// ErrActiveRunExists — the caller replies and drops the request.
func (s *Store) CreateTurnWithRunJob(sessionID, botID, chatID, userText string) (string, error) {
	now := s.now()
	turnID := uuid.NewString()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		turn := models.Turn{
			TurnID:    turnID,
			SessionID: sessionID,
			BotID:     botID,
			ChatID:    chatID,
			UserText:  userText,
			Status:    models.TurnQueued,
			CreatedAt: now,
		}
		if err := tx.Create(&turn).Error; err != nil {
			return fmt.Errorf("store: create turn: %w", err)
		}
		job := models.RunJob{
			ID:          uuid.NewString(),
			TurnID:      turnID,
			BotID:       botID,
			ChatID:      chatID,
			Status:      models.JobQueued,
			ActiveKey:   activeKey(botID, chatID),
			AvailableAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Create(&job).Error; err != nil {
			if isDuplicate(err) {
				return ErrActiveRunExists
			}
			return fmt.Errorf("store: create run job: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return turnID, nil
}

// LeaseNextRunJob atomically claims the oldest claimable run job for the
// bot. Expired leased and in_flight rows are reclaimable; their turn is
// rewound to queued so a crashed worker's half-processed turn re-runs with
// consistent state.
func (s *Store) LeaseNextRunJob(botID, owner string, leaseMS int64) (*LeasedRunJob, error) {
	now := s.now()
	var leased *LeasedRunJob

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var job models.RunJob
		q := tx.Where("bot_id = ? AND available_at <= ?", botID, now).
			Where("status = ? OR (status IN ? AND lease_expires_at > 0 AND lease_expires_at < ?)",
				models.JobQueued, []string{models.JobLeased, models.JobInFlight}, now).
			Order("available_at ASC, created_at ASC").
			Limit(1)
		if isMySQL(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		result := q.Find(&job)
		if result.Error != nil {
			return fmt.Errorf("store: find claimable run job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		claimed := tx.Model(&models.RunJob{}).
			Where("id = ? AND (status = ? OR (status IN ? AND lease_expires_at > 0 AND lease_expires_at < ?))",
				job.ID, models.JobQueued, []string{models.JobLeased, models.JobInFlight}, now).
			Updates(map[string]interface{}{
				"status":           models.JobLeased,
				"lease_owner":      owner,
				"lease_expires_at": now + leaseMS,
				"attempts":         gorm.Expr("attempts + 1"),
				"updated_at":       now,
			})
		if claimed.Error != nil {
			return fmt.Errorf("store: claim run job %s: %w", job.ID, claimed.Error)
		}
		if claimed.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&models.Turn{}).
			Where("turn_id = ? AND status = ?", job.TurnID, models.TurnInFlight).
			Update("status", models.TurnQueued).Error; err != nil {
			return fmt.Errorf("store: rewind turn %s: %w", job.TurnID, err)
		}

		leased = &LeasedRunJob{ID: job.ID, TurnID: job.TurnID, ChatID: job.ChatID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// MarkRunInFlight transitions the job and its turn to in_flight together.
func (s *Store) MarkRunInFlight(jobID, turnID string) error {
	now := s.now()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RunJob{}).Where("id = ?", jobID).
			Updates(map[string]interface{}{"status": models.JobInFlight, "updated_at": now}).Error; err != nil {
			return fmt.Errorf("store: mark run in flight %s: %w", jobID, err)
		}
		if err := tx.Model(&models.Turn{}).Where("turn_id = ?", turnID).
			Updates(map[string]interface{}{"status": models.TurnInFlight, "started_at": now}).Error; err != nil {
			return fmt.Errorf("store: mark turn in flight %s: %w", turnID, err)
		}
		return nil
	})
}

// RenewRunJobLease extends a held lease while the job is still live.
func (s *Store) RenewRunJobLease(jobID string, leaseMS int64) error {
	now := s.now()
	err := s.db.Model(&models.RunJob{}).
		Where("id = ? AND status IN ?", jobID, []string{models.JobLeased, models.JobInFlight}).
		Updates(map[string]interface{}{
			"lease_expires_at": now + leaseMS,
			"updated_at":       now,
		}).Error
	if err != nil {
		return fmt.Errorf("store: renew run job lease %s: %w", jobID, err)
	}
	return nil
}

// CompleteRunJobAndTurn finishes a successful run: job completed, turn
// completed with the aggregated assistant text, active key released.
func (s *Store) CompleteRunJobAndTurn(jobID, turnID, assistantText string) error {
	now := s.now()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RunJob{}).Where("id = ?", jobID).
			Updates(map[string]interface{}{
				"status":           models.JobCompleted,
				"active_key":       nil,
				"lease_owner":      "",
				"lease_expires_at": 0,
				"updated_at":       now,
			}).Error; err != nil {
			return fmt.Errorf("store: complete run job %s: %w", jobID, err)
		}
		if err := tx.Model(&models.Turn{}).Where("turn_id = ?", turnID).
			Updates(map[string]interface{}{
				"status":         models.TurnCompleted,
				"assistant_text": assistantText,
				"finished_at":    now,
			}).Error; err != nil {
			return fmt.Errorf("store: complete turn %s: %w", turnID, err)
		}
		return nil
	})
}

// FailRunJobAndTurn moves both rows to their failed terminal state.
func (s *Store) FailRunJobAndTurn(jobID, turnID, errText string) error {
	now := s.now()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RunJob{}).Where("id = ?", jobID).
			Updates(map[string]interface{}{
				"status":           models.JobFailed,
				"active_key":       nil,
				"lease_owner":      "",
				"lease_expires_at": 0,
				"last_error":       clip(errText, 2000),
				"updated_at":       now,
			}).Error; err != nil {
			return fmt.Errorf("store: fail run job %s: %w", jobID, err)
		}
		if err := tx.Model(&models.Turn{}).Where("turn_id = ?", turnID).
			Updates(map[string]interface{}{
				"status":      models.TurnFailed,
				"error_text":  clip(errText, 4000),
				"finished_at": now,
			}).Error; err != nil {
			return fmt.Errorf("store: fail turn %s: %w", turnID, err)
		}
		return nil
	})
}

// RetryRunJob re-queues a failed run with backoff when attempts remain,
// returning true; past the cap it delegates to FailRunJobAndTurn and
// returns false. The turn is rewound to queued for the retry.
func (s *Store) RetryRunJob(jobID, turnID, errText string) (bool, error) {
	now := s.now()
	var job models.RunJob
	result := s.db.Where("id = ?", jobID).Limit(1).Find(&job)
	if result.Error != nil {
		return false, fmt.Errorf("store: load run job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	if job.Attempts >= MaxAttempts {
		return false, s.FailRunJobAndTurn(jobID, turnID, errText)
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RunJob{}).Where("id = ?", jobID).
			Updates(map[string]interface{}{
				"status":           models.JobQueued,
				"lease_owner":      "",
				"lease_expires_at": 0,
				"available_at":     now + backoffMS(job.Attempts),
				"last_error":       clip(errText, 2000),
				"updated_at":       now,
			}).Error; err != nil {
			return fmt.Errorf("store: requeue run job %s: %w", jobID, err)
		}
		if err := tx.Model(&models.Turn{}).Where("turn_id = ?", turnID).
			Update("status", models.TurnQueued).Error; err != nil {
			return fmt.Errorf("store: rewind turn %s: %w", turnID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkRunCancelled moves both rows to cancelled. Idempotent: a job already
// cancelled by /stop stays cancelled.
func (s *Store) MarkRunCancelled(jobID, turnID string) error {
	now := s.now()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.RunJob{}).Where("id = ?", jobID).
			Updates(map[string]interface{}{
				"status":           models.JobCancelled,
				"active_key":       nil,
				"lease_owner":      "",
				"lease_expires_at": 0,
				"updated_at":       now,
			}).Error; err != nil {
			return fmt.Errorf("store: cancel run job %s: %w", jobID, err)
		}
		if err := tx.Model(&models.Turn{}).Where("turn_id = ?", turnID).
			Updates(map[string]interface{}{
				"status":      models.TurnCancelled,
				"finished_at": now,
			}).Error; err != nil {
			return fmt.Errorf("store: cancel turn %s: %w", turnID, err)
		}
		return nil
	})
}

// CancelActiveTurn records the soft stop signal for the chat's live run.
// The run worker observes the cancelled turn at its next event boundary
// and tears the adapter process down. Returns the cancelled turn id, or
// empty when no run was active.
func (s *Store) CancelActiveTurn(botID, chatID string) (string, error) {
	now := s.now()
	var turnID string

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var job models.RunJob
		result := tx.Where("bot_id = ? AND chat_id = ? AND status IN ?",
			botID, chatID, []string{models.JobQueued, models.JobLeased, models.JobInFlight}).
			Order("created_at DESC").
			Limit(1).
			Find(&job)
		if result.Error != nil {
			return fmt.Errorf("store: find active run %s/%s: %w", botID, chatID, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&models.RunJob{}).Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":           models.JobCancelled,
				"active_key":       nil,
				"lease_owner":      "",
				"lease_expires_at": 0,
				"updated_at":       now,
			}).Error; err != nil {
			return fmt.Errorf("store: cancel run job %s: %w", job.ID, err)
		}
		if err := tx.Model(&models.Turn{}).Where("turn_id = ?", job.TurnID).
			Updates(map[string]interface{}{
				"status":      models.TurnCancelled,
				"finished_at": now,
			}).Error; err != nil {
			return fmt.Errorf("store: cancel turn %s: %w", job.TurnID, err)
		}
		turnID = job.TurnID
		return nil
	})
	if err != nil {
		return "", err
	}
	return turnID, nil
}

// HasActiveRun reports whether the chat has a run job in a live state.
func (s *Store) HasActiveRun(botID, chatID string) (bool, error) {
	var count int64
	err := s.db.Model(&models.RunJob{}).
		Where("bot_id = ? AND chat_id = ? AND status IN ?",
			botID, chatID, []string{models.JobQueued, models.JobLeased, models.JobInFlight}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("store: count active runs %s/%s: %w", botID, chatID, err)
	}
	return count > 0, nil
}

// IsTurnCancelled reports whether the turn carries the stop signal.
func (s *Store) IsTurnCancelled(turnID string) (bool, error) {
	var status string
	result := s.db.Model(&models.Turn{}).Where("turn_id = ?", turnID).
		Select("status").Limit(1).Scan(&status)
	if result.Error != nil {
		return false, fmt.Errorf("store: turn status %s: %w", turnID, result.Error)
	}
	return status == models.TurnCancelled, nil
}

// GetTurn loads one turn, nil when absent.
func (s *Store) GetTurn(turnID string) (*models.Turn, error) {
	var turn models.Turn
	result := s.db.Where("turn_id = ?", turnID).Limit(1).Find(&turn)
	if result.Error != nil {
		return nil, fmt.Errorf("store: get turn %s: %w", turnID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &turn, nil
}

// GetLatestCompletedTurn returns the most recent completed turn of a
// session, nil when none exists.
func (s *Store) GetLatestCompletedTurn(sessionID string) (*models.Turn, error) {
	var turn models.Turn
	result := s.db.Where("session_id = ? AND status = ?", sessionID, models.TurnCompleted).
		Order("created_at DESC").
		Limit(1).
		Find(&turn)
	if result.Error != nil {
		return nil, fmt.Errorf("store: latest completed turn %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &turn, nil
}
