package store

import (
	"fmt"

	"github.com/zulandar/semaphore/internal/models"
)

// AppendEvent persists one adapter event. The (turn_id, seq) unique index
// guards sequence allocation: the writer owns seq and a clash means a
// concurrent writer holds the turn, which is a caller bug worth surfacing.
func (s *Store) AppendEvent(turnID, botID string, seq int, eventType, payloadJSON string) error {
	event := models.CliEvent{
		TurnID:      turnID,
		BotID:       botID,
		Seq:         seq,
		EventType:   eventType,
		PayloadJSON: payloadJSON,
		CreatedAt:   s.now(),
	}
	if err := s.db.Create(&event).Error; err != nil {
		return fmt.Errorf("store: append event %s/%d: %w", turnID, seq, err)
	}
	return nil
}

// TurnEventCount returns how many events a turn already has. A run resumed
// after a worker crash continues from count+1 to keep seq contiguous.
func (s *Store) TurnEventCount(turnID string) (int, error) {
	var count int64
	err := s.db.Model(&models.CliEvent{}).Where("turn_id = ?", turnID).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("store: count events %s: %w", turnID, err)
	}
	return int(count), nil
}

// ListEvents returns a turn's events in seq order.
func (s *Store) ListEvents(turnID string) ([]models.CliEvent, error) {
	var events []models.CliEvent
	err := s.db.Where("turn_id = ?", turnID).Order("seq ASC").Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("store: list events %s: %w", turnID, err)
	}
	return events, nil
}
