package store

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/semaphore/internal/models"
	"gorm.io/gorm"
)

// GetActiveSession returns the chat's active session, nil when none.
func (s *Store) GetActiveSession(botID, chatID string) (*models.Session, error) {
	var session models.Session
	result := s.db.Where("bot_id = ? AND chat_id = ? AND status = ?", botID, chatID, models.SessionActive).
		Order("updated_at DESC").
		Limit(1).
		Find(&session)
	if result.Error != nil {
		return nil, fmt.Errorf("store: get active session %s/%s: %w", botID, chatID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &session, nil
}

// GetLatestSession returns the chat's most relevant session: the active one
// if present, otherwise the most recently updated reset one.
func (s *Store) GetLatestSession(botID, chatID string) (*models.Session, error) {
	var session models.Session
	result := s.db.Where("bot_id = ? AND chat_id = ?", botID, chatID).
		Order("CASE WHEN status = 'active' THEN 0 ELSE 1 END, updated_at DESC, created_at DESC").
		Limit(1).
		Find(&session)
	if result.Error != nil {
		return nil, fmt.Errorf("store: get latest session %s/%s: %w", botID, chatID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &session, nil
}

// GetSession loads one session by id, nil when absent.
func (s *Store) GetSession(sessionID string) (*models.Session, error) {
	var session models.Session
	result := s.db.Where("session_id = ?", sessionID).Limit(1).Find(&session)
	if result.Error != nil {
		return nil, fmt.Errorf("store: get session %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &session, nil
}

// GetOrCreateActiveSession returns the chat's active session, creating one
// when absent. Two racing creators are serialised by the active-key unique
// index: the loser re-reads the winner's row.
func (s *Store) GetOrCreateActiveSession(botID, chatID, agentName, agentModel string) (*models.Session, error) {
	existing, err := s.GetActiveSession(botID, chatID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.now()
	session := models.Session{
		SessionID:  uuid.NewString(),
		BotID:      botID,
		ChatID:     chatID,
		AgentName:  agentName,
		AgentModel: agentModel,
		Status:     models.SessionActive,
		ActiveKey:  activeKey(botID, chatID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.db.Create(&session).Error; err != nil {
		if isDuplicate(err) {
			winner, rerr := s.GetActiveSession(botID, chatID)
			if rerr != nil {
				return nil, rerr
			}
			if winner != nil {
				return winner, nil
			}
		}
		return nil, fmt.Errorf("store: create session %s/%s: %w", botID, chatID, err)
	}
	return &session, nil
}

// CreateFreshSession resets any active session for the chat and creates a
// new active one that inherits the prior rolling summary, so the next turn
// can hand it to the agent as a recovery preamble.
func (s *Store) CreateFreshSession(botID, chatID, agentName, agentModel string) (*models.Session, error) {
	now := s.now()
	session := models.Session{
		SessionID:  uuid.NewString(),
		BotID:      botID,
		ChatID:     chatID,
		AgentName:  agentName,
		AgentModel: agentModel,
		Status:     models.SessionActive,
		ActiveKey:  activeKey(botID, chatID),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var prior models.Session
		result := tx.Where("bot_id = ? AND chat_id = ? AND status = ?", botID, chatID, models.SessionActive).
			Order("updated_at DESC").
			Limit(1).
			Find(&prior)
		if result.Error != nil {
			return fmt.Errorf("store: load prior session %s/%s: %w", botID, chatID, result.Error)
		}
		if result.RowsAffected > 0 {
			session.RollingSummaryMD = prior.RollingSummaryMD
		}

		if err := tx.Model(&models.Session{}).
			Where("bot_id = ? AND chat_id = ? AND status = ?", botID, chatID, models.SessionActive).
			Updates(map[string]interface{}{
				"status":          models.SessionReset,
				"active_key":      nil,
				"agent_thread_id": "",
				"updated_at":      now,
			}).Error; err != nil {
			return fmt.Errorf("store: reset prior sessions %s/%s: %w", botID, chatID, err)
		}

		if err := tx.Create(&session).Error; err != nil {
			return fmt.Errorf("store: create fresh session %s/%s: %w", botID, chatID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SetSessionThreadID records the agent's resumable thread identifier.
func (s *Store) SetSessionThreadID(sessionID, threadID string) error {
	now := s.now()
	err := s.db.Model(&models.Session{}).Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"agent_thread_id": threadID,
			"updated_at":      now,
		}).Error
	if err != nil {
		return fmt.Errorf("store: set thread id %s: %w", sessionID, err)
	}
	return nil
}

// SwitchSessionAgent changes the session's agent. Threads are per-agent,
// so the thread id is cleared; the rolling summary is preserved. Callers
// must have checked there is no active run.
func (s *Store) SwitchSessionAgent(sessionID, agentName, agentModel string) error {
	now := s.now()
	err := s.db.Model(&models.Session{}).Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"agent_name":      agentName,
			"agent_model":     agentModel,
			"agent_thread_id": "",
			"updated_at":      now,
		}).Error
	if err != nil {
		return fmt.Errorf("store: switch agent %s: %w", sessionID, err)
	}
	return nil
}

// SetSessionModel changes the model within the current agent. The thread is
// cleared: a resumed thread would keep answering with the old model.
func (s *Store) SetSessionModel(sessionID, agentModel string) error {
	now := s.now()
	err := s.db.Model(&models.Session{}).Where("session_id = ?", sessionID).
		Updates(map[string]interface{}{
			"agent_model":     agentModel,
			"agent_thread_id": "",
			"updated_at":      now,
		}).Error
	if err != nil {
		return fmt.Errorf("store: set model %s: %w", sessionID, err)
	}
	return nil
}

// UpsertSessionSummary writes the new rolling summary onto the session and
// appends a SessionSummary snapshot in the same transaction.
func (s *Store) UpsertSessionSummary(sessionID, botID, turnID, summaryMD string) error {
	now := s.now()
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Session{}).Where("session_id = ?", sessionID).
			Updates(map[string]interface{}{
				"rolling_summary_md": summaryMD,
				"last_turn_at":       now,
				"updated_at":         now,
			}).Error; err != nil {
			return fmt.Errorf("store: update rolling summary %s: %w", sessionID, err)
		}
		snapshot := models.SessionSummary{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			BotID:     botID,
			TurnID:    turnID,
			SummaryMD: summaryMD,
			CreatedAt: now,
		}
		if err := tx.Create(&snapshot).Error; err != nil {
			return fmt.Errorf("store: create summary snapshot %s: %w", sessionID, err)
		}
		return nil
	})
}
