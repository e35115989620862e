package store

import (
	"testing"

	"github.com/zulandar/semaphore/internal/db"
	"github.com/zulandar/semaphore/internal/models"
)

// openTestStore opens a fresh in-memory database with a controllable clock.
func openTestStore(t *testing.T) (*Store, *int64) {
	t.Helper()
	gormDB, err := db.Connect(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("raw db: %v", err)
	}
	// A single connection keeps every session on the same :memory: database.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	now := int64(1_000_000)
	return NewWithClock(gormDB, func() int64 { return now }), &now
}

func TestAcceptUpdate_Dedupes(t *testing.T) {
	s, _ := openTestStore(t)

	accepted, err := s.AcceptUpdate("bot-1", 1, "1001", `{"update_id":1}`)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if !accepted {
		t.Fatal("first accept should succeed")
	}

	accepted, err = s.AcceptUpdate("bot-1", 1, "1001", `{"update_id":1}`)
	if err != nil {
		t.Fatalf("duplicate accept: %v", err)
	}
	if accepted {
		t.Fatal("duplicate accept should report false")
	}

	var jobs int64
	if err := s.DB().Model(&models.UpdateJob{}).Count(&jobs).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if jobs != 1 {
		t.Fatalf("expected exactly one update job, got %d", jobs)
	}

	// A different bot may reuse the same update_id.
	accepted, err = s.AcceptUpdate("bot-2", 1, "1001", `{"update_id":1}`)
	if err != nil || !accepted {
		t.Fatalf("other bot accept = %v, %v", accepted, err)
	}
}

func TestLeaseNextUpdateJob_ClaimAndReclaim(t *testing.T) {
	s, now := openTestStore(t)

	if _, err := s.AcceptUpdate("bot-1", 7, "1001", `{"update_id":7}`); err != nil {
		t.Fatalf("accept: %v", err)
	}

	job, err := s.LeaseNextUpdateJob("bot-1", "worker-a", 30000)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job == nil || job.UpdateID != 7 {
		t.Fatalf("expected leased job for update 7, got %+v", job)
	}

	// Nothing else claimable while the lease is live.
	second, err := s.LeaseNextUpdateJob("bot-1", "worker-b", 30000)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if second != nil {
		t.Fatalf("expected no claimable job, got %+v", second)
	}

	// After expiry the job is reclaimable and attempts increments.
	*now += 31000
	reclaimed, err := s.LeaseNextUpdateJob("bot-1", "worker-b", 30000)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != job.ID {
		t.Fatalf("expected to reclaim %s, got %+v", job.ID, reclaimed)
	}

	var row models.UpdateJob
	if err := s.DB().Where("id = ?", job.ID).First(&row).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if row.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", row.Attempts)
	}
	if row.LeaseOwner != "worker-b" {
		t.Fatalf("lease owner = %q, want worker-b", row.LeaseOwner)
	}
}

func TestFailUpdateJob_RequeuesWithBackoffThenFails(t *testing.T) {
	s, now := openTestStore(t)

	if _, err := s.AcceptUpdate("bot-1", 1, "1001", `{"update_id":1}`); err != nil {
		t.Fatalf("accept: %v", err)
	}

	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		job, err := s.LeaseNextUpdateJob("bot-1", "w", 1000)
		if err != nil || job == nil {
			t.Fatalf("lease attempt %d: %+v, %v", attempt, job, err)
		}
		requeued, err := s.FailUpdateJob(job.ID, "boom")
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if attempt < MaxAttempts && !requeued {
			t.Fatalf("attempt %d should requeue", attempt)
		}
		if attempt == MaxAttempts && requeued {
			t.Fatal("final attempt should not requeue")
		}
		*now += 120000 // past any backoff and lease
	}

	var row models.UpdateJob
	if err := s.DB().First(&row).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	if row.Status != models.JobFailed {
		t.Fatalf("status = %q, want failed", row.Status)
	}
	if row.LastError != "boom" {
		t.Fatalf("last_error = %q", row.LastError)
	}
}

func TestActiveSessionUniqueness(t *testing.T) {
	s, _ := openTestStore(t)

	first, err := s.GetOrCreateActiveSession("bot-1", "1001", "codex", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := s.GetOrCreateActiveSession("bot-1", "1001", "gemini", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.SessionID != second.SessionID {
		t.Fatal("expected the same active session")
	}
	if second.AgentName != "codex" {
		t.Fatalf("agent = %q, want codex (existing session wins)", second.AgentName)
	}

	var active int64
	s.DB().Model(&models.Session{}).Where("status = ?", models.SessionActive).Count(&active)
	if active != 1 {
		t.Fatalf("active sessions = %d, want 1", active)
	}
}

func TestCreateFreshSession_InheritsSummary(t *testing.T) {
	s, _ := openTestStore(t)

	first, err := s.GetOrCreateActiveSession("bot-1", "1001", "codex", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpsertSessionSummary(first.SessionID, "bot-1", "turn-x", "## Goal\n- ship it\n"); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if err := s.SetSessionThreadID(first.SessionID, "thread-1"); err != nil {
		t.Fatalf("thread: %v", err)
	}

	fresh, err := s.CreateFreshSession("bot-1", "1001", "codex", "")
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if fresh.SessionID == first.SessionID {
		t.Fatal("expected a new session id")
	}
	if fresh.RollingSummaryMD != "## Goal\n- ship it\n" {
		t.Fatalf("summary not inherited: %q", fresh.RollingSummaryMD)
	}
	if fresh.AgentThreadID != "" {
		t.Fatal("fresh session must not carry a thread id")
	}

	prior, err := s.GetSession(first.SessionID)
	if err != nil {
		t.Fatalf("load prior: %v", err)
	}
	if prior.Status != models.SessionReset {
		t.Fatalf("prior status = %q, want reset", prior.Status)
	}
	if prior.AgentThreadID != "" {
		t.Fatal("prior thread id must be cleared on reset")
	}
}

func TestCreateTurnWithRunJob_ActiveRunConflict(t *testing.T) {
	s, _ := openTestStore(t)

	sess, err := s.GetOrCreateActiveSession("bot-1", "1001", "codex", "")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	turnA, err := s.CreateTurnWithRunJob(sess.SessionID, "bot-1", "1001", "task A")
	if err != nil {
		t.Fatalf("turn A: %v", err)
	}
	if _, err := s.CreateTurnWithRunJob(sess.SessionID, "bot-1", "1001", "task B"); err != ErrActiveRunExists {
		t.Fatalf("expected ErrActiveRunExists, got %v", err)
	}

	// The conflicting insert must not leave a stray Turn behind.
	var turns int64
	s.DB().Model(&models.Turn{}).Count(&turns)
	if turns != 1 {
		t.Fatalf("turns = %d, want 1", turns)
	}

	// Finishing task A frees the slot.
	job, err := s.LeaseNextRunJob("bot-1", "w", 30000)
	if err != nil || job == nil || job.TurnID != turnA {
		t.Fatalf("lease run: %+v, %v", job, err)
	}
	if err := s.CompleteRunJobAndTurn(job.ID, job.TurnID, "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.CreateTurnWithRunJob(sess.SessionID, "bot-1", "1001", "task B"); err != nil {
		t.Fatalf("turn B after completion: %v", err)
	}
}

func TestCancelActiveTurn(t *testing.T) {
	s, _ := openTestStore(t)

	sess, _ := s.GetOrCreateActiveSession("bot-1", "1001", "codex", "")
	turnID, err := s.CreateTurnWithRunJob(sess.SessionID, "bot-1", "1001", "long task")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}

	cancelledTurn, err := s.CancelActiveTurn("bot-1", "1001")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelledTurn != turnID {
		t.Fatalf("cancelled %q, want %q", cancelledTurn, turnID)
	}

	cancelled, err := s.IsTurnCancelled(turnID)
	if err != nil || !cancelled {
		t.Fatalf("IsTurnCancelled = %v, %v", cancelled, err)
	}

	// No active run remains; cancelling again is a no-op.
	again, err := s.CancelActiveTurn("bot-1", "1001")
	if err != nil {
		t.Fatalf("cancel again: %v", err)
	}
	if again != "" {
		t.Fatalf("expected no active run, got %q", again)
	}
}

func TestRetryRunJob_BackoffThenTerminal(t *testing.T) {
	s, now := openTestStore(t)

	sess, _ := s.GetOrCreateActiveSession("bot-1", "1001", "codex", "")
	turnID, _ := s.CreateTurnWithRunJob(sess.SessionID, "bot-1", "1001", "task")

	job, err := s.LeaseNextRunJob("bot-1", "w", 1000)
	if err != nil || job == nil {
		t.Fatalf("lease: %+v, %v", job, err)
	}

	requeued, err := s.RetryRunJob(job.ID, turnID, "adapter crashed")
	if err != nil || !requeued {
		t.Fatalf("retry = %v, %v", requeued, err)
	}

	var row models.RunJob
	s.DB().Where("id = ?", job.ID).First(&row)
	if row.Status != models.JobQueued {
		t.Fatalf("status = %q, want queued", row.Status)
	}
	if row.AvailableAt <= *now {
		t.Fatal("available_at must move into the future on retry")
	}

	// Exhaust the attempts cap.
	for i := 0; i < MaxAttempts; i++ {
		*now += 120000
		leased, err := s.LeaseNextRunJob("bot-1", "w", 1000)
		if err != nil {
			t.Fatalf("lease %d: %v", i, err)
		}
		if leased == nil {
			break
		}
		if _, err := s.RetryRunJob(leased.ID, turnID, "still broken"); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}

	s.DB().Where("id = ?", job.ID).First(&row)
	if row.Status != models.JobFailed {
		t.Fatalf("status = %q, want failed", row.Status)
	}
	turn, _ := s.GetTurn(turnID)
	if turn.Status != models.TurnFailed {
		t.Fatalf("turn status = %q, want failed", turn.Status)
	}
	if row.ActiveKey != nil {
		t.Fatal("terminal run job must release its active key")
	}
}

func TestAppendEvent_SequenceUnique(t *testing.T) {
	s, _ := openTestStore(t)

	sess, _ := s.GetOrCreateActiveSession("bot-1", "1001", "codex", "")
	turnID, _ := s.CreateTurnWithRunJob(sess.SessionID, "bot-1", "1001", "task")

	for seq := 1; seq <= 3; seq++ {
		if err := s.AppendEvent(turnID, "bot-1", seq, "reasoning", "{}"); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	if err := s.AppendEvent(turnID, "bot-1", 2, "reasoning", "{}"); err == nil {
		t.Fatal("duplicate (turn, seq) must fail")
	}

	count, err := s.TurnEventCount(turnID)
	if err != nil || count != 3 {
		t.Fatalf("count = %d, %v", count, err)
	}

	events, err := s.ListEvents(turnID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, event := range events {
		if event.Seq != i+1 {
			t.Fatalf("events out of order: %d at index %d", event.Seq, i)
		}
	}
}

func TestActionTokens_ConsumeOnceAndExpiry(t *testing.T) {
	s, now := openTestStore(t)

	expires := *now + 60000
	if err := s.CreateActionToken("tok-1", "bot-1", "1001", "summary", `{"a":1}`, expires); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Wrong chat: not consumable.
	if got, _ := s.ConsumeActionToken("tok-1", "bot-1", "9999"); got != nil {
		t.Fatal("token must be bound to its chat")
	}

	got, err := s.ConsumeActionToken("tok-1", "bot-1", "1001")
	if err != nil || got == nil {
		t.Fatalf("consume: %+v, %v", got, err)
	}
	if again, _ := s.ConsumeActionToken("tok-1", "bot-1", "1001"); again != nil {
		t.Fatal("token must consume at most once")
	}

	// Expired token.
	if err := s.CreateActionToken("tok-2", "bot-1", "1001", "next", `{}`, *now-1); err != nil {
		t.Fatalf("create expired: %v", err)
	}
	if got, _ := s.ConsumeActionToken("tok-2", "bot-1", "1001"); got != nil {
		t.Fatal("expired token must not consume")
	}

	removed, err := s.PurgeExpiredActionTokens()
	if err != nil || removed != 1 {
		t.Fatalf("purge = %d, %v", removed, err)
	}
}

func TestDeferredActions_CapAndPromotion(t *testing.T) {
	s, now := openTestStore(t)

	sess, _ := s.GetOrCreateActiveSession("bot-1", "1001", "codex", "")
	originTurn, _ := s.CreateTurnWithRunJob(sess.SessionID, "bot-1", "1001", "origin")

	// Active run blocks promotion.
	for i := 0; i < 3; i++ {
		*now++
		if _, err := s.EnqueueDeferredAction("bot-1", "1001", sess.SessionID, "next", "prompt", originTurn, 2); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	var cancelledCount int64
	s.DB().Model(&models.DeferredButtonAction{}).Where("status = ?", models.DeferredCancelled).Count(&cancelledCount)
	if cancelledCount != 1 {
		t.Fatalf("overflow cancelled = %d, want 1", cancelledCount)
	}

	promoted, err := s.PromoteNextDeferredAction("bot-1", "1001")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if promoted != nil {
		t.Fatal("promotion must be blocked while a run is active")
	}

	// Finish the active run, then promotion creates a turn + run job.
	job, _ := s.LeaseNextRunJob("bot-1", "w", 30000)
	s.CompleteRunJobAndTurn(job.ID, job.TurnID, "done")

	promoted, err = s.PromoteNextDeferredAction("bot-1", "1001")
	if err != nil || promoted == nil {
		t.Fatalf("promote: %+v, %v", promoted, err)
	}
	turn, _ := s.GetTurn(promoted.TurnID)
	if turn == nil || turn.Status != models.TurnQueued {
		t.Fatalf("promoted turn missing or wrong status: %+v", turn)
	}

	active, _ := s.HasActiveRun("bot-1", "1001")
	if !active {
		t.Fatal("promotion must enqueue a run job")
	}
}

func TestMetrics_IncrementAndReadout(t *testing.T) {
	s, _ := openTestStore(t)

	for i := 0; i < 3; i++ {
		if err := s.IncrementMetric("bot-1", MetricWebhookAccept); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	if err := s.IncrementMetricBy("bot-1", "telegram_rate_limit_retry.sendMessage", 2); err != nil {
		t.Fatalf("increment by: %v", err)
	}

	value, err := s.MetricValue("bot-1", MetricWebhookAccept)
	if err != nil || value != 3 {
		t.Fatalf("value = %d, %v", value, err)
	}

	sess, _ := s.GetOrCreateActiveSession("bot-1", "1001", "codex", "")
	s.CreateTurnWithRunJob(sess.SessionID, "bot-1", "1001", "task")
	s.AcceptUpdate("bot-1", 1, "1001", `{"update_id":1}`)

	readout, err := s.Metrics("bot-1")
	if err != nil {
		t.Fatalf("readout: %v", err)
	}
	if readout.Counters[MetricWebhookAccept] != 3 {
		t.Fatalf("counter = %d, want 3", readout.Counters[MetricWebhookAccept])
	}
	if readout.RunJobsByStatus[models.JobQueued] != 1 {
		t.Fatalf("queued run jobs = %d, want 1", readout.RunJobsByStatus[models.JobQueued])
	}
	if readout.UpdateJobsByStatus[models.JobQueued] != 1 {
		t.Fatalf("queued update jobs = %d, want 1", readout.UpdateJobsByStatus[models.JobQueued])
	}
	if readout.UpdatesTotal != 1 {
		t.Fatalf("updates total = %d, want 1", readout.UpdatesTotal)
	}
}

func TestLeaseNextRunJob_RewindsInFlightTurn(t *testing.T) {
	s, now := openTestStore(t)

	sess, _ := s.GetOrCreateActiveSession("bot-1", "1001", "codex", "")
	turnID, _ := s.CreateTurnWithRunJob(sess.SessionID, "bot-1", "1001", "task")

	job, _ := s.LeaseNextRunJob("bot-1", "worker-a", 1000)
	if err := s.MarkRunInFlight(job.ID, turnID); err != nil {
		t.Fatalf("in flight: %v", err)
	}

	// The worker dies; after lease expiry another worker reclaims and the
	// turn rewinds to queued.
	*now += 2000
	reclaimed, err := s.LeaseNextRunJob("bot-1", "worker-b", 1000)
	if err != nil || reclaimed == nil {
		t.Fatalf("reclaim: %+v, %v", reclaimed, err)
	}
	turn, _ := s.GetTurn(turnID)
	if turn.Status != models.TurnQueued {
		t.Fatalf("turn status = %q, want queued after reclaim", turn.Status)
	}
}

func TestBackoffMS(t *testing.T) {
	tests := []struct {
		attempts int
		want     int64
	}{
		{0, 1000},
		{1, 2000},
		{3, 8000},
		{6, 60000},
		{10, 60000},
	}
	for _, tt := range tests {
		if got := backoffMS(tt.attempts); got != tt.want {
			t.Errorf("backoffMS(%d) = %d, want %d", tt.attempts, got, tt.want)
		}
	}
}
