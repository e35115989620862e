// Package session owns conversation state: one active session per chat,
// the rolling summary, and the agent-thread continuity rules.
package session

import (
	"fmt"

	"github.com/zulandar/semaphore/internal/models"
	"github.com/zulandar/semaphore/internal/store"
)

// Status is the condensed session view used by /status replies.
type Status struct {
	SessionID      string
	AgentName      string
	AgentModel     string
	AgentThreadID  string
	SummaryPreview string
}

// Service wraps the store's session operations with the policy the command
// handler and run worker share.
type Service struct {
	store *store.Store
}

// ServiceOpts holds parameters for NewService.
type ServiceOpts struct {
	Store *store.Store
}

// NewService creates a Service.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	return &Service{store: opts.Store}, nil
}

// GetOrCreate returns the chat's active session, creating one with the
// given agent when absent.
func (s *Service) GetOrCreate(botID, chatID, agentName, agentModel string) (*models.Session, error) {
	return s.store.GetOrCreateActiveSession(botID, chatID, agentName, agentModel)
}

// CreateNew resets the chat's active session and starts a fresh one that
// inherits the rolling summary.
func (s *Service) CreateNew(botID, chatID, agentName, agentModel string) (*models.Session, error) {
	return s.store.CreateFreshSession(botID, chatID, agentName, agentModel)
}

// SwitchAgent moves the session to a new agent. The agent-thread-id is
// cleared (threads are per-agent); the rolling summary is preserved.
// Callers must refuse the switch while a run is active.
func (s *Service) SwitchAgent(sessionID, agentName, agentModel string) error {
	return s.store.SwitchSessionAgent(sessionID, agentName, agentModel)
}

// SetModel changes the model within the current agent.
func (s *Service) SetModel(sessionID, agentModel string) error {
	return s.store.SetSessionModel(sessionID, agentModel)
}

// Status summarises the chat's latest session for /status, nil when the
// chat has never talked to the bot.
func (s *Service) Status(botID, chatID string) (*Status, error) {
	session, err := s.store.GetLatestSession(botID, chatID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	return &Status{
		SessionID:      session.SessionID,
		AgentName:      session.AgentName,
		AgentModel:     session.AgentModel,
		AgentThreadID:  session.AgentThreadID,
		SummaryPreview: SummaryPreview(session.RollingSummaryMD),
	}, nil
}

// Summary returns the chat's current rolling summary, empty when none.
func (s *Service) Summary(botID, chatID string) (string, error) {
	session, err := s.store.GetLatestSession(botID, chatID)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", nil
	}
	return session.RollingSummaryMD, nil
}

// AppendSummary folds a finished turn into the rolling summary and
// persists both the session row and a snapshot in one transaction.
func (s *Service) AppendSummary(session *models.Session, turnID string, in SummaryInput) (string, error) {
	summary := BuildSummary(in)
	if err := s.store.UpsertSessionSummary(session.SessionID, session.BotID, turnID, summary); err != nil {
		return "", err
	}
	return summary, nil
}
