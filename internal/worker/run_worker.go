package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/semaphore/internal/adapter"
	"github.com/zulandar/semaphore/internal/session"
	"github.com/zulandar/semaphore/internal/store"
	"github.com/zulandar/semaphore/internal/streamer"
	"github.com/zulandar/semaphore/internal/telegram"
)

// cancelPollInterval paces the soft-cancel check between adapter events.
const cancelPollInterval = 500 * time.Millisecond

// RunWorker leases run jobs and executes each turn end-to-end: adapter
// spawn, ordered event persistence, chat delivery, session continuity.
type RunWorker struct {
	botID         string
	store         *store.Store
	sessions      *session.Service
	streamer      *streamer.Streamer
	client        telegram.API
	getAdapter    func(name string) (adapter.Adapter, error)
	defaultModels map[string]string
	codexSandbox  string
	leaseMS       int64
	poll          time.Duration
	runTimeout    time.Duration
	owner         string

	artifactMu    sync.Mutex
	sentArtifacts map[string]map[string]bool
}

// RunWorkerOpts holds parameters for NewRunWorker.
type RunWorkerOpts struct {
	BotID          string
	Store          *store.Store
	Sessions       *session.Service
	Streamer       *streamer.Streamer
	Client         telegram.API
	GetAdapter     func(name string) (adapter.Adapter, error) // defaults to adapter.Get
	DefaultModels  map[string]string
	CodexSandbox   string
	LeaseMS        int64
	PollIntervalMS int64
	RunTimeout     time.Duration // wall-clock budget per run; defaults to 900s
}

// NewRunWorker creates a RunWorker.
func NewRunWorker(opts RunWorkerOpts) (*RunWorker, error) {
	if opts.BotID == "" {
		return nil, fmt.Errorf("worker: bot id is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("worker: store is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("worker: session service is required")
	}
	if opts.Streamer == nil {
		return nil, fmt.Errorf("worker: streamer is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("worker: telegram client is required")
	}
	getAdapter := opts.GetAdapter
	if getAdapter == nil {
		getAdapter = adapter.Get
	}
	leaseMS := opts.LeaseMS
	if leaseMS <= 0 {
		leaseMS = store.DefaultLeaseMS
	}
	poll := opts.PollIntervalMS
	if poll <= 0 {
		poll = 250
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = 900 * time.Second
	}
	return &RunWorker{
		botID:         opts.BotID,
		store:         opts.Store,
		sessions:      opts.Sessions,
		streamer:      opts.Streamer,
		client:        opts.Client,
		getAdapter:    getAdapter,
		defaultModels: opts.DefaultModels,
		codexSandbox:  opts.CodexSandbox,
		leaseMS:       leaseMS,
		poll:          time.Duration(poll) * time.Millisecond,
		runTimeout:    runTimeout,
		owner:         fmt.Sprintf("run-worker:%s:%d", opts.BotID, os.Getpid()),
		sentArtifacts: map[string]map[string]bool{},
	}, nil
}

// Run loops until the context is cancelled.
func (w *RunWorker) Run(ctx context.Context) {
	nextHeartbeat := time.Time{}

	for ctx.Err() == nil {
		if time.Now().After(nextHeartbeat) {
			if err := w.store.IncrementMetric(w.botID, store.MetricHeartbeatRunWorker); err != nil {
				log.Printf("worker: run heartbeat bot=%s: %v", w.botID, err)
			}
			nextHeartbeat = time.Now().Add(heartbeatInterval)
		}

		job, err := w.store.LeaseNextRunJob(w.botID, w.owner, w.leaseMS)
		if err != nil {
			log.Printf("worker: run lease bot=%s: %v", w.botID, err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, w.poll) {
				return
			}
			continue
		}

		w.processJob(ctx, job)
	}
}

// ProcessOnce leases and processes at most one run job; used by tests.
// Returns true when a job was processed.
func (w *RunWorker) ProcessOnce(ctx context.Context) (bool, error) {
	job, err := w.store.LeaseNextRunJob(w.botID, w.owner, w.leaseMS)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.processJob(ctx, job)
	return true, nil
}

func (w *RunWorker) processJob(ctx context.Context, job *store.LeasedRunJob) {
	stopRenewal, abandoned := startLeaseRenewal(ctx, w.leaseMS, func() error {
		return w.store.RenewRunJobLease(job.ID, w.leaseMS)
	})
	defer stopRenewal()
	defer w.promoteDeferred(job.ChatID)
	defer w.streamer.CloseTurn(job.TurnID)

	turn, err := w.store.GetTurn(job.TurnID)
	if err != nil || turn == nil {
		w.failRun(job, "missing turn")
		return
	}
	sess, err := w.store.GetSession(turn.SessionID)
	if err != nil || sess == nil {
		w.failRun(job, "missing session")
		return
	}
	if err := w.store.MarkRunInFlight(job.ID, job.TurnID); err != nil {
		log.Printf("worker: mark in flight bot=%s job=%s: %v", w.botID, job.ID, err)
		return
	}

	chatID, err := strconv.ParseInt(turn.ChatID, 10, 64)
	if err != nil {
		w.failRun(job, "invalid chat id: "+turn.ChatID)
		return
	}

	provider := sess.AgentName
	agent, err := w.getAdapter(provider)
	if err != nil {
		w.failRun(job, err.Error())
		w.incrementMetric("provider_run_failed." + provider)
		return
	}

	// Recovery preamble only on thread-less turns: the first turn after a
	// reset or an agent switch.
	preamble := ""
	if sess.AgentThreadID == "" {
		preamble = session.BuildRecoveryPreamble(sess.RollingSummaryMD)
	}

	sandbox := ""
	if provider == "codex" {
		sandbox = w.codexSandbox
	}

	req := adapter.RunRequest{
		Prompt:   augmentPrompt(turn.UserText),
		ThreadID: sess.AgentThreadID,
		Model:    adapter.ResolveSelectedModel(provider, sess.AgentModel, w.defaultModels),
		Sandbox:  sandbox,
		Preamble: preamble,
	}

	runCtx, cancelRun := context.WithTimeout(ctx, w.runTimeout)
	defer cancelRun()
	stopCancelWatch := w.watchCancellation(runCtx, cancelRun, job.TurnID)
	defer stopCancelWatch()

	runStarted := time.Now()
	events := agent.Run(runCtx, req)

	// Resume seq allocation after a worker crash left persisted events.
	persisted, err := w.store.TurnEventCount(job.TurnID)
	if err != nil {
		w.failRun(job, err.Error())
		return
	}
	seq := persisted + 1

	var assistantParts []string
	var commandNotes []string
	threadID := ""
	completionStatus := adapter.StatusSuccess
	errorText := ""

	persistAndStream := func(event adapter.Event) {
		event.Seq = seq
		payload, merr := json.Marshal(map[string]interface{}{
			"ts":      event.TS.UTC().Format(time.RFC3339Nano),
			"payload": event.Payload,
		})
		if merr != nil {
			payload = []byte(`{}`)
		}
		if err := w.store.AppendEvent(job.TurnID, w.botID, seq, event.Type, string(payload)); err != nil {
			log.Printf("worker: append event bot=%s turn=%s seq=%d: %v", w.botID, job.TurnID, seq, err)
		}
		seq++

		if err := w.streamer.AppendEvent(ctx, job.TurnID, chatID, event); err != nil {
			// Delivery failure: persist a synthetic delivery_error and move
			// on; the run itself is unaffected.
			detail, _ := json.Marshal(map[string]interface{}{"message": err.Error()})
			if perr := w.store.AppendEvent(job.TurnID, w.botID, seq, adapter.EventDeliveryError, string(detail)); perr != nil {
				log.Printf("worker: append delivery error bot=%s turn=%s: %v", w.botID, job.TurnID, perr)
			}
			seq++
		}
	}

	emitDeliveryError := func(message string) {
		detail, _ := json.Marshal(map[string]interface{}{"message": message})
		if err := w.store.AppendEvent(job.TurnID, w.botID, seq, adapter.EventDeliveryError, string(detail)); err != nil {
			log.Printf("worker: append delivery error bot=%s turn=%s: %v", w.botID, job.TurnID, err)
		}
		seq++
		if err := w.streamer.AppendDeliveryError(ctx, job.TurnID, chatID, message); err != nil {
			log.Printf("worker: stream delivery error bot=%s turn=%s: %v", w.botID, job.TurnID, err)
		}
	}

	for event := range events {
		persistAndStream(event)

		switch event.Type {
		case adapter.EventAssistantMessage:
			if text := event.Text("text"); strings.TrimSpace(text) != "" {
				assistantParts = append(assistantParts, text)
			}
		case adapter.EventCommandStarted, adapter.EventCommandCompleted:
			if cmd := event.Text("command"); cmd != "" {
				commandNotes = append(commandNotes, cmd)
			}
		case adapter.EventThreadStarted:
			if candidate := event.ThreadID(); candidate != "" {
				threadID = candidate
			}
		case adapter.EventTurnCompleted:
			if status := event.Text("status"); status != "" {
				completionStatus = status
			}
		case adapter.EventError:
			if errorText == "" {
				errorText = event.Text("message")
			}
		}
	}

	if abandoned() {
		// The lease was lost mid-run; another worker may own the job now.
		log.Printf("worker: run job bot=%s job=%s abandoned after lost lease", w.botID, job.ID)
		return
	}

	cancelled, cerr := w.store.IsTurnCancelled(job.TurnID)
	if cerr != nil {
		log.Printf("worker: cancellation check bot=%s turn=%s: %v", w.botID, job.TurnID, cerr)
	}

	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	if timedOut && !cancelled {
		// Timeout is auto-cancel followed by failure.
		w.retryOrFail(job, fmt.Sprintf("run timeout exceeded after %s", w.runTimeout), provider)
		return
	}

	if cancelled || completionStatus == adapter.StatusCancelled {
		if err := w.store.MarkRunCancelled(job.ID, job.TurnID); err != nil {
			log.Printf("worker: mark cancelled bot=%s job=%s: %v", w.botID, job.ID, err)
		}
		return
	}

	if threadID != "" {
		if err := w.store.SetSessionThreadID(sess.SessionID, threadID); err != nil {
			log.Printf("worker: set thread id bot=%s session=%s: %v", w.botID, sess.SessionID, err)
		}
	}

	assistantText := joinAssistantParts(assistantParts)
	failed := completionStatus == adapter.StatusError || (errorText != "" && assistantText == "")

	if failed {
		if errorText == "" {
			errorText = "adapter execution failed"
		}
		if requeued := w.retryOrFail(job, errorText, provider); requeued {
			// The turn will run again; the summary advances when it
			// reaches a terminal state.
			return
		}
	} else {
		if err := w.store.CompleteRunJobAndTurn(job.ID, job.TurnID, assistantText); err != nil {
			log.Printf("worker: complete run bot=%s job=%s: %v", w.botID, job.ID, err)
			return
		}
		if assistantText != "" || looksLikeImageRequest(turn.UserText) || looksLikeHTMLRequest(turn.UserText) {
			w.deliverArtifacts(ctx, job.TurnID, chatID, turn.UserText, assistantText, runStarted, emitDeliveryError)
		}
	}

	// The rolling summary advances on every completed turn and on every
	// failure that is not retried; cancelled and timed-out runs returned
	// above without it.
	if _, err := w.sessions.AppendSummary(sess, job.TurnID, session.SummaryInput{
		PreviousSummary: sess.RollingSummaryMD,
		UserText:        turn.UserText,
		AssistantText:   assistantText,
		CommandNotes:    commandNotes,
		ErrorText:       errorText,
	}); err != nil {
		log.Printf("worker: append summary bot=%s session=%s: %v", w.botID, sess.SessionID, err)
	}
}

// watchCancellation polls the turn's cancelled flag and cancels the run
// context when the stop signal lands, which SIGTERMs the adapter process.
func (w *RunWorker) watchCancellation(ctx context.Context, cancelRun context.CancelFunc, turnID string) (stop func()) {
	watchCtx, cancelWatch := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case <-ticker.C:
				cancelled, err := w.store.IsTurnCancelled(turnID)
				if err != nil {
					continue
				}
				if cancelled {
					cancelRun()
					return
				}
			}
		}
	}()

	return cancelWatch
}

func (w *RunWorker) retryOrFail(job *store.LeasedRunJob, errText, provider string) bool {
	requeued, err := w.store.RetryRunJob(job.ID, job.TurnID, errText)
	if err != nil {
		log.Printf("worker: retry run bot=%s job=%s: %v", w.botID, job.ID, err)
	}
	if !requeued {
		w.incrementMetric("provider_run_failed." + provider)
	}
	return requeued
}

func (w *RunWorker) failRun(job *store.LeasedRunJob, errText string) {
	if err := w.store.FailRunJobAndTurn(job.ID, job.TurnID, errText); err != nil {
		log.Printf("worker: fail run bot=%s job=%s: %v", w.botID, job.ID, err)
	}
}

func (w *RunWorker) promoteDeferred(chatID string) {
	promoted, err := w.store.PromoteNextDeferredAction(w.botID, chatID)
	if err != nil {
		log.Printf("worker: promote deferred bot=%s chat=%s: %v", w.botID, chatID, err)
		return
	}
	if promoted != nil {
		log.Printf("worker: promoted deferred action bot=%s chat=%s action=%s turn=%s",
			w.botID, chatID, promoted.ActionType, promoted.TurnID)
	}
}

func (w *RunWorker) incrementMetric(key string) {
	if err := w.store.IncrementMetric(w.botID, key); err != nil {
		log.Printf("worker: increment metric bot=%s key=%s: %v", w.botID, key, err)
	}
}

func joinAssistantParts(parts []string) string {
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		if p := strings.TrimSpace(part); p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return strings.Join(trimmed, "\n")
}
