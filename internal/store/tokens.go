package store

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/semaphore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PromotedAction describes a deferred button action turned into a turn.
type PromotedAction struct {
	ActionID   string
	ActionType string
	TurnID     string
}

// CreateActionToken stores a new token row.
func (s *Store) CreateActionToken(token, botID, chatID, action, payloadJSON string, expiresAt int64) error {
	row := models.ActionToken{
		Token:       token,
		BotID:       botID,
		ChatID:      chatID,
		Action:      action,
		PayloadJSON: payloadJSON,
		ExpiresAt:   expiresAt,
		CreatedAt:   s.now(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("store: create action token: %w", err)
	}
	return nil
}

// ConsumeActionToken marks a token consumed and returns it, provided it
// exists, is bound to the same bot and chat, is unconsumed and unexpired.
// Returns nil for any invalid token — the caller answers the callback
// either way.
func (s *Store) ConsumeActionToken(token, botID, chatID string) (*models.ActionToken, error) {
	now := s.now()
	var consumed *models.ActionToken

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var row models.ActionToken
		q := tx.Where("token = ? AND bot_id = ? AND chat_id = ? AND consumed_at = 0 AND expires_at >= ?",
			token, botID, chatID, now).
			Limit(1)
		if isMySQL(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		result := q.Find(&row)
		if result.Error != nil {
			return fmt.Errorf("store: find action token: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		updated := tx.Model(&models.ActionToken{}).
			Where("token = ? AND consumed_at = 0", token).
			Update("consumed_at", now)
		if updated.Error != nil {
			return fmt.Errorf("store: consume action token: %w", updated.Error)
		}
		if updated.RowsAffected == 0 {
			return nil
		}
		row.ConsumedAt = now
		consumed = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return consumed, nil
}

// PurgeExpiredActionTokens deletes tokens past their TTL; the runtime runs
// this on the maintenance schedule. Returns the number removed.
func (s *Store) PurgeExpiredActionTokens() (int64, error) {
	result := s.db.Where("expires_at < ?", s.now()).Delete(&models.ActionToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("store: purge action tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// EnqueueDeferredAction queues a follow-up turn intent produced by a button
// press during an active run. The queue is capped: beyond maxQueue the
// oldest queued actions are cancelled.
func (s *Store) EnqueueDeferredAction(botID, chatID, sessionID, actionType, promptText, originTurnID string, maxQueue int) (string, error) {
	now := s.now()
	actionID := uuid.NewString()
	if maxQueue < 1 {
		maxQueue = 1
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		row := models.DeferredButtonAction{
			ID:           actionID,
			BotID:        botID,
			ChatID:       chatID,
			SessionID:    sessionID,
			ActionType:   actionType,
			PromptText:   promptText,
			OriginTurnID: originTurnID,
			Status:       models.DeferredQueued,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("store: enqueue deferred action: %w", err)
		}

		var queuedIDs []string
		if err := tx.Model(&models.DeferredButtonAction{}).
			Where("bot_id = ? AND chat_id = ? AND status = ?", botID, chatID, models.DeferredQueued).
			Order("created_at ASC").
			Pluck("id", &queuedIDs).Error; err != nil {
			return fmt.Errorf("store: list queued deferred actions: %w", err)
		}

		overflow := len(queuedIDs) - maxQueue
		if overflow > 0 {
			if err := tx.Model(&models.DeferredButtonAction{}).
				Where("id IN ?", queuedIDs[:overflow]).
				Updates(map[string]interface{}{
					"status":     models.DeferredCancelled,
					"updated_at": now,
				}).Error; err != nil {
				return fmt.Errorf("store: drop overflow deferred actions: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return actionID, nil
}

// PromoteNextDeferredAction converts the oldest queued deferred action into
// a real Turn + RunJob, but only when the chat has no active run. Returns
// nil when there is nothing to promote.
func (s *Store) PromoteNextDeferredAction(botID, chatID string) (*PromotedAction, error) {
	now := s.now()
	var promoted *PromotedAction

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&models.RunJob{}).
			Where("bot_id = ? AND chat_id = ? AND status IN ?",
				botID, chatID, []string{models.JobQueued, models.JobLeased, models.JobInFlight}).
			Count(&active).Error; err != nil {
			return fmt.Errorf("store: count active runs: %w", err)
		}
		if active > 0 {
			return nil
		}

		var action models.DeferredButtonAction
		q := tx.Where("bot_id = ? AND chat_id = ? AND status = ?", botID, chatID, models.DeferredQueued).
			Order("created_at ASC").
			Limit(1)
		if isMySQL(tx) {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		result := q.Find(&action)
		if result.Error != nil {
			return fmt.Errorf("store: find deferred action: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&models.DeferredButtonAction{}).Where("id = ?", action.ID).
			Updates(map[string]interface{}{
				"status":     models.DeferredPromoted,
				"updated_at": now,
			}).Error; err != nil {
			return fmt.Errorf("store: promote deferred action %s: %w", action.ID, err)
		}

		turnID := uuid.NewString()
		turn := models.Turn{
			TurnID:    turnID,
			SessionID: action.SessionID,
			BotID:     botID,
			ChatID:    chatID,
			UserText:  action.PromptText,
			Status:    models.TurnQueued,
			CreatedAt: now,
		}
		if err := tx.Create(&turn).Error; err != nil {
			return fmt.Errorf("store: create promoted turn: %w", err)
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
			return fmt.Errorf("store: create promoted run job: %w", err)
		}

		promoted = &PromotedAction{ActionID: action.ID, ActionType: action.ActionType, TurnID: turnID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}
