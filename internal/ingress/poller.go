package ingress

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/semaphore/internal/config"
	"github.com/zulandar/semaphore/internal/store"
	"github.com/zulandar/semaphore/internal/telegram"
)

// UpdateSource is the polling client the Poller consumes; implemented by
// telegram.Client.
type UpdateSource interface {
	DeleteWebhook(ctx context.Context, dropPending bool) error
	GetUpdates(ctx context.Context, offset int64, timeoutSec, limit int) ([]telegram.Update, error)
}

// Poller drives getUpdates with a moving offset, running the shared accept
// procedure for every delivered update.
type Poller struct {
	botID          string
	store          *store.Store
	client         UpdateSource
	pollInterval   time.Duration
	resetOnStartup bool
	out            func(format string, args ...interface{})
}

// PollerOpts holds parameters for NewPoller.
type PollerOpts struct {
	BotID          string
	Store          *store.Store
	Client         UpdateSource
	PollIntervalMS int64
	// BaseURL decides offset handling: a local mock address resets ingest
	// state on startup, since the mock's update_id counter restarts.
	BaseURL string
}

// NewPoller creates a Poller.
func NewPoller(opts PollerOpts) (*Poller, error) {
	if opts.BotID == "" {
		return nil, fmt.Errorf("ingress: bot id is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("ingress: store is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("ingress: client is required")
	}
	interval := opts.PollIntervalMS
	if interval <= 0 {
		interval = 250
	}
	return &Poller{
		botID:          opts.BotID,
		store:          opts.Store,
		client:         opts.Client,
		pollInterval:   time.Duration(interval) * time.Millisecond,
		resetOnStartup: config.IsLocalMockBaseURL(opts.BaseURL),
		out:            log.Printf,
	}, nil
}

// Run polls until the context is cancelled. Errors pause the loop briefly
// and never kill it.
func (p *Poller) Run(ctx context.Context) error {
	if p.resetOnStartup {
		if err := p.store.ResetIngestState(p.botID); err != nil {
			return fmt.Errorf("ingress: reset ingest state: %w", err)
		}
		p.out("ingress: poller bot=%s reset offset for local mock", p.botID)
	}

	if err := p.client.DeleteWebhook(ctx, false); err != nil {
		p.out("ingress: poller bot=%s deleteWebhook: %v", p.botID, err)
	}

	var offset int64
	if !p.resetOnStartup {
		maxID, ok, err := p.store.MaxUpdateID(p.botID)
		if err != nil {
			return err
		}
		if ok {
			offset = maxID + 1
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		updates, err := p.client.GetUpdates(ctx, offset, 25, 100)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.out("ingress: poller bot=%s getUpdates: %v", p.botID, err)
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}
		if len(updates) == 0 {
			if !sleepCtx(ctx, p.pollInterval) {
				return nil
			}
			continue
		}

		for _, update := range updates {
			if ctx.Err() != nil {
				return nil
			}
			if _, err := Accept(p.store, p.botID, update.UpdateID, update.Raw); err != nil {
				p.out("ingress: poller bot=%s accept update=%d: %v", p.botID, update.UpdateID, err)
			}
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
		}
	}
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
