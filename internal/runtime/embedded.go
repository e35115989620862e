package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zulandar/semaphore/internal/command"
	"github.com/zulandar/semaphore/internal/config"
	"github.com/zulandar/semaphore/internal/db"
	"github.com/zulandar/semaphore/internal/ingress"
	"github.com/zulandar/semaphore/internal/models"
	"github.com/zulandar/semaphore/internal/session"
	"github.com/zulandar/semaphore/internal/store"
	"github.com/zulandar/semaphore/internal/streamer"
	"github.com/zulandar/semaphore/internal/telegram"
	"github.com/zulandar/semaphore/internal/worker"
	"github.com/zulandar/semaphore/internal/youtube"
)

// botStack is everything one bot needs at runtime.
type botStack struct {
	store        *store.Store
	client       *telegram.Client
	handler      *command.Handler
	updateWorker *worker.UpdateWorker
	runWorker    *worker.RunWorker
	poller       *ingress.Poller
}

// buildBotStack wires the full pipeline for one bot against its database.
func buildBotStack(bot config.Bot, global config.Global, withPoller bool, out io.Writer) (*botStack, error) {
	gormDB, err := db.Connect(bot.ResolveDSN(global))
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}

	s := store.New(gormDB)
	now := s.NowMS()
	if err := db.UpsertBot(gormDB, models.Bot{
		BotID:       bot.BotID,
		Name:        bot.Name,
		Mode:        bot.Mode,
		OwnerUserID: bot.OwnerUserID,
		AgentName:   bot.Adapter,
		CreatedAt:   now,
		UpdatedAt:   now,
	}); err != nil {
		return nil, err
	}

	client, err := telegram.NewClient(telegram.ClientOpts{
		Token:   bot.TelegramToken,
		BaseURL: bot.ResolveBaseURL(global),
		OnRateLimit: func(method string, retryAfter int) {
			for _, key := range []string{store.MetricRateLimitRetryTotal, "telegram_rate_limit_retry." + method} {
				if err := s.IncrementMetric(bot.BotID, key); err != nil {
					log.Printf("runtime: rate-limit metric bot=%s: %v", bot.BotID, err)
				}
			}
		},
	})
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewService(session.ServiceOpts{Store: s})
	if err != nil {
		return nil, err
	}
	deliver, err := streamer.New(streamer.Opts{Client: client})
	if err != nil {
		return nil, err
	}

	handler, err := command.NewHandler(command.HandlerOpts{
		Bot: command.Identity{
			BotID:         bot.BotID,
			BotName:       bot.Name,
			Agent:         bot.Adapter,
			OwnerUserID:   bot.OwnerUserID,
			DefaultModels: bot.DefaultModels(),
		},
		Store:    s,
		Sessions: sessions,
		Client:   client,
		Youtube:  youtube.NewService(youtube.Opts{}),
		Out:      out,
	})
	if err != nil {
		return nil, err
	}

	updateWorker, err := worker.NewUpdateWorker(worker.UpdateWorkerOpts{
		BotID:          bot.BotID,
		Store:          s,
		Handler:        handler,
		LeaseMS:        global.JobLeaseMS,
		PollIntervalMS: global.WorkerPollIntervalMS,
	})
	if err != nil {
		return nil, err
	}

	runWorker, err := worker.NewRunWorker(worker.RunWorkerOpts{
		BotID:          bot.BotID,
		Store:          s,
		Sessions:       sessions,
		Streamer:       deliver,
		Client:         client,
		DefaultModels:  bot.DefaultModels(),
		CodexSandbox:   bot.Codex.Sandbox,
		LeaseMS:        global.JobLeaseMS,
		PollIntervalMS: global.WorkerPollIntervalMS,
		RunTimeout:     time.Duration(global.RunTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}

	stack := &botStack{
		store:        s,
		client:       client,
		handler:      handler,
		updateWorker: updateWorker,
		runWorker:    runWorker,
	}

	if withPoller && bot.IngestMode() == "polling" {
		poller, err := ingress.NewPoller(ingress.PollerOpts{
			BotID:          bot.BotID,
			Store:          s,
			Client:         client,
			PollIntervalMS: global.WorkerPollIntervalMS,
			BaseURL:        bot.ResolveBaseURL(global),
		})
		if err != nil {
			return nil, err
		}
		stack.poller = poller
	}

	return stack, nil
}

// RunEmbedded hosts one bot's full pipeline: ingress (webhook or poller),
// both workers, the maintenance sweep and the HTTP surface. Blocks until
// the context is cancelled.
func RunEmbedded(ctx context.Context, bot config.Bot, global config.Global, host string, port int, out io.Writer) error {
	if out == nil {
		out = os.Stdout
	}

	stack, err := buildBotStack(bot, global, true, out)
	if err != nil {
		return fmt.Errorf("runtime: build bot %s: %w", bot.BotID, err)
	}

	webhookBots := map[string]ingress.WebhookBot{}
	if bot.IngestMode() == "webhook" {
		webhookBots[bot.BotID] = ingress.WebhookBot{
			BotID:       bot.BotID,
			PathSecret:  bot.Webhook.PathSecret,
			SecretToken: bot.Webhook.SecretToken,
		}
		if err := stack.client.RegisterWebhook(ctx, bot.Webhook.PublicURL, bot.Webhook.SecretToken); err != nil {
			log.Printf("runtime: webhook registration bot=%s: %v", bot.BotID, err)
		} else {
			fmt.Fprintf(out, "runtime: bot=%s webhook registered\n", bot.BotID)
		}
	}

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() { defer wg.Done(); stack.updateWorker.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); stack.runWorker.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); runMaintenance(runCtx, stack.store, global.MaintenanceCron) }()

	if stack.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := stack.poller.Run(runCtx); err != nil {
				log.Printf("runtime: poller bot=%s: %v", bot.BotID, err)
			}
		}()
	}

	router := NewRouter(ServerOpts{
		Store:        stack.store,
		MetricsBotID: bot.BotID,
		WebhookBots:  webhookBots,
		Out:          out,
	})
	err = Serve(runCtx, router, fmt.Sprintf("%s:%d", host, port), out)

	cancel()
	wg.Wait()
	return err
}

// RunWorkersOnly hosts a bot's workers (plus poller for polling bots)
// without an HTTP surface, for gateway mode.
func RunWorkersOnly(ctx context.Context, bot config.Bot, global config.Global, out io.Writer) error {
	if out == nil {
		out = os.Stdout
	}

	stack, err := buildBotStack(bot, global, true, out)
	if err != nil {
		return fmt.Errorf("runtime: build bot %s: %w", bot.BotID, err)
	}

	var wg sync.WaitGroup
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() { defer wg.Done(); stack.updateWorker.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); stack.runWorker.Run(runCtx) }()
	wg.Add(1)
	go func() { defer wg.Done(); runMaintenance(runCtx, stack.store, global.MaintenanceCron) }()

	if stack.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := stack.poller.Run(runCtx); err != nil {
				log.Printf("runtime: poller bot=%s: %v", bot.BotID, err)
			}
		}()
	}

	fmt.Fprintf(out, "runtime: bot=%s workers running\n", bot.BotID)
	<-runCtx.Done()
	wg.Wait()
	return nil
}
