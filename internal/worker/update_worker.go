// Package worker hosts the two queue consumers: the update worker that
// interprets accepted updates, and the run worker that executes turns
// against agent adapters. Both follow the same lease discipline: claim,
// renew at half-TTL, transition only while owning the lease.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/zulandar/semaphore/internal/command"
	"github.com/zulandar/semaphore/internal/store"
)

// heartbeatInterval paces the worker_heartbeat.* counters.
const heartbeatInterval = 5 * time.Second

// UpdateWorker leases update jobs and dispatches them to the command
// handler.
type UpdateWorker struct {
	botID   string
	store   *store.Store
	handler *command.Handler
	leaseMS int64
	poll    time.Duration
	owner   string
}

// UpdateWorkerOpts holds parameters for NewUpdateWorker.
type UpdateWorkerOpts struct {
	BotID          string
	Store          *store.Store
	Handler        *command.Handler
	LeaseMS        int64
	PollIntervalMS int64
}

// NewUpdateWorker creates an UpdateWorker.
func NewUpdateWorker(opts UpdateWorkerOpts) (*UpdateWorker, error) {
	if opts.BotID == "" {
		return nil, fmt.Errorf("worker: bot id is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("worker: store is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("worker: handler is required")
	}
	leaseMS := opts.LeaseMS
	if leaseMS <= 0 {
		leaseMS = store.DefaultLeaseMS
	}
	poll := opts.PollIntervalMS
	if poll <= 0 {
		poll = 250
	}
	return &UpdateWorker{
		botID:   opts.BotID,
		store:   opts.Store,
		handler: opts.Handler,
		leaseMS: leaseMS,
		poll:    time.Duration(poll) * time.Millisecond,
		owner:   fmt.Sprintf("update-worker:%s:%d", opts.BotID, os.Getpid()),
	}, nil
}

// Run loops until the context is cancelled. Errors never crash the loop:
// they are logged, the loop pauses briefly, and the lease reaper recovers
// anything left behind.
func (w *UpdateWorker) Run(ctx context.Context) {
	nextHeartbeat := time.Time{}

	for ctx.Err() == nil {
		if time.Now().After(nextHeartbeat) {
			if err := w.store.IncrementMetric(w.botID, store.MetricHeartbeatUpdWorker); err != nil {
				log.Printf("worker: update heartbeat bot=%s: %v", w.botID, err)
			}
			nextHeartbeat = time.Now().Add(heartbeatInterval)
		}

		job, err := w.store.LeaseNextUpdateJob(w.botID, w.owner, w.leaseMS)
		if err != nil {
			log.Printf("worker: update lease bot=%s: %v", w.botID, err)
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

// ProcessOnce leases and processes at most one job; used by tests.
// Returns true when a job was processed.
func (w *UpdateWorker) ProcessOnce(ctx context.Context) (bool, error) {
	job, err := w.store.LeaseNextUpdateJob(w.botID, w.owner, w.leaseMS)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.processJob(ctx, job)
	return true, nil
}

func (w *UpdateWorker) processJob(ctx context.Context, job *store.LeasedUpdateJob) {
	stopRenewal, abandoned := startLeaseRenewal(ctx, w.leaseMS, func() error {
		return w.store.RenewUpdateJobLease(job.ID, w.leaseMS)
	})
	defer stopRenewal()

	update, err := w.store.GetUpdate(w.botID, job.UpdateID)
	if err != nil {
		w.failJob(job.ID, err.Error())
		return
	}
	if update == nil {
		w.failTerminal(job.ID, "missing telegram update row")
		return
	}
	if !json.Valid([]byte(update.PayloadJSON)) {
		w.failTerminal(job.ID, "invalid payload json")
		return
	}

	handleErr := w.handler.HandleUpdate(ctx, []byte(update.PayloadJSON))
	if abandoned() {
		log.Printf("worker: update job bot=%s job=%s abandoned after lost lease", w.botID, job.ID)
		return
	}
	if handleErr != nil {
		w.failJob(job.ID, handleErr.Error())
		return
	}
	if err := w.store.CompleteUpdateJob(job.ID); err != nil {
		log.Printf("worker: complete update job bot=%s job=%s: %v", w.botID, job.ID, err)
	}
}

func (w *UpdateWorker) failJob(jobID, errText string) {
	if _, err := w.store.FailUpdateJob(jobID, errText); err != nil {
		log.Printf("worker: fail update job bot=%s job=%s: %v", w.botID, jobID, err)
	}
}

func (w *UpdateWorker) failTerminal(jobID, errText string) {
	if err := w.store.FailUpdateJobTerminal(jobID, errText); err != nil {
		log.Printf("worker: fail update job bot=%s job=%s: %v", w.botID, jobID, err)
	}
}

// startLeaseRenewal extends the lease at half its TTL until stopped. A
// failed renewal marks the job abandoned: the worker must not transition a
// row it may no longer own, and the lease reaper will re-lease it.
func startLeaseRenewal(ctx context.Context, leaseMS int64, renew func() error) (stop func(), abandoned func() bool) {
	renewCtx, cancel := context.WithCancel(ctx)
	interval := time.Duration(leaseMS/2) * time.Millisecond
	if interval < time.Second {
		interval = time.Second
	}

	var lost atomic.Bool
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := renew(); err != nil {
					log.Printf("worker: lease renewal: %v", err)
					lost.Store(true)
					return
				}
			}
		}
	}()

	return cancel, lost.Load
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
