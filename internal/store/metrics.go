package store

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/semaphore/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Well-known metric keys. The set is open: components may mint dotted
// variants (telegram_rate_limit_retry.<method>, provider_switch_total.<agent>).
const (
	MetricWebhookAccept       = "webhook_accept_total"
	MetricWebhookDuplicate    = "webhook_duplicate_update"
	MetricWebhookReject401    = "webhook_reject_401"
	MetricWebhookReject400    = "webhook_reject_400"
	MetricCallbackAckSuccess  = "callback_ack_success"
	MetricCallbackAckFailed   = "callback_ack_failed"
	MetricRateLimitRetryTotal = "telegram_rate_limit_retry_total"
	MetricHeartbeatRunWorker  = "worker_heartbeat.run_worker"
	MetricHeartbeatUpdWorker  = "worker_heartbeat.update_worker"
)

// Readout is the full metrics document served by /metrics.
type Readout struct {
	UpdateJobsTotal    int64            `json:"update_jobs_total"`
	RunJobsTotal       int64            `json:"run_jobs_total"`
	InFlightRuns       int64            `json:"in_flight_runs"`
	UpdatesTotal       int64            `json:"updates_total"`
	UpdateJobsByStatus map[string]int64 `json:"update_jobs_by_status"`
	RunJobsByStatus    map[string]int64 `json:"run_jobs_by_status"`
	Counters           map[string]int64 `json:"counters"`
}

// IncrementMetric bumps a monotonic counter by one.
func (s *Store) IncrementMetric(botID, key string) error {
	return s.IncrementMetricBy(botID, key, 1)
}

// IncrementMetricBy upserts the counter row with a += delta.
func (s *Store) IncrementMetricBy(botID, key string, delta int64) error {
	if delta == 0 {
		return nil
	}
	now := s.now()
	row := models.MetricCounter{
		BotID:       botID,
		MetricKey:   key,
		MetricValue: delta,
		UpdatedAt:   now,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "bot_id"}, {Name: "metric_key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"metric_value": gorm.Expr("metric_value + ?", delta),
			"updated_at":   now,
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: increment metric %s/%s: %w", botID, key, err)
	}
	return nil
}

// MetricValue reads one counter, zero when absent.
func (s *Store) MetricValue(botID, key string) (int64, error) {
	var row models.MetricCounter
	result := s.db.Where("bot_id = ? AND metric_key = ?", botID, key).Limit(1).Find(&row)
	if result.Error != nil {
		return 0, fmt.Errorf("store: metric value %s/%s: %w", botID, key, result.Error)
	}
	return row.MetricValue, nil
}

// Metrics builds the readout for one bot, or for all bots when botID is
// empty (gateway mode).
func (s *Store) Metrics(botID string) (*Readout, error) {
	out := &Readout{
		UpdateJobsByStatus: map[string]int64{},
		RunJobsByStatus:    map[string]int64{},
		Counters:           map[string]int64{},
	}

	scoped := func(tx *gorm.DB) *gorm.DB {
		if botID == "" {
			return tx
		}
		return tx.Where("bot_id = ?", botID)
	}

	if err := scoped(s.db.Model(&models.UpdateJob{})).Count(&out.UpdateJobsTotal).Error; err != nil {
		return nil, fmt.Errorf("store: metrics update jobs: %w", err)
	}
	if err := scoped(s.db.Model(&models.RunJob{})).Count(&out.RunJobsTotal).Error; err != nil {
		return nil, fmt.Errorf("store: metrics run jobs: %w", err)
	}
	if err := scoped(s.db.Model(&models.RunJob{})).
		Where("status IN ?", []string{models.JobLeased, models.JobInFlight}).
		Count(&out.InFlightRuns).Error; err != nil {
		return nil, fmt.Errorf("store: metrics in-flight runs: %w", err)
	}
	if err := scoped(s.db.Model(&models.TelegramUpdate{})).Count(&out.UpdatesTotal).Error; err != nil {
		return nil, fmt.Errorf("store: metrics updates: %w", err)
	}

	type statusCount struct {
		Status string
		N      int64
	}
	var rows []statusCount
	if err := scoped(s.db.Model(&models.UpdateJob{})).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: metrics update jobs by status: %w", err)
	}
	for _, r := range rows {
		out.UpdateJobsByStatus[r.Status] = r.N
	}
	rows = nil
	if err := scoped(s.db.Model(&models.RunJob{})).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: metrics run jobs by status: %w", err)
	}
	for _, r := range rows {
		out.RunJobsByStatus[r.Status] = r.N
	}

	type counterRow struct {
		MetricKey   string
		MetricValue int64
	}
	var counters []counterRow
	if err := scoped(s.db.Model(&models.MetricCounter{})).
		Select("metric_key, metric_value").Scan(&counters).Error; err != nil {
		return nil, fmt.Errorf("store: metrics counters: %w", err)
	}
	for _, c := range counters {
		out.Counters[c.MetricKey] += c.MetricValue
	}

	return out, nil
}

// AppendAudit records one command or callback outcome.
func (s *Store) AppendAudit(botID, chatID, sessionID, action, result, detailJSON string) error {
	row := models.AuditLog{
		ID:         uuid.NewString(),
		BotID:      botID,
		ChatID:     chatID,
		SessionID:  sessionID,
		Action:     clip(action, 64),
		Result:     clip(result, 32),
		DetailJSON: clip(detailJSON, 4000),
		CreatedAt:  s.now(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit rows for a bot, optionally filtered by
// chat. The limit is clamped to [1, 500].
func (s *Store) ListAudit(botID, chatID string, limit int) ([]models.AuditLog, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	q := s.db.Where("bot_id = ?", botID)
	if chatID != "" {
		q = q.Where("chat_id = ?", chatID)
	}
	var rows []models.AuditLog
	if err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	return rows, nil
}
