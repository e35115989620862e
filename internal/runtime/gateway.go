package runtime

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/zulandar/semaphore/internal/config"
	"github.com/zulandar/semaphore/internal/db"
	"github.com/zulandar/semaphore/internal/ingress"
	"github.com/zulandar/semaphore/internal/models"
	"github.com/zulandar/semaphore/internal/store"
	"github.com/zulandar/semaphore/internal/telegram"
)

// RunGateway hosts ingress for many bots in one process. Workers run in
// separate worker-only processes sharing the same database. Blocks until
// the context is cancelled.
func RunGateway(ctx context.Context, bots []config.Bot, global config.Global, host string, port int, out io.Writer) error {
	if out == nil {
		out = os.Stdout
	}
	if len(bots) == 0 {
		return fmt.Errorf("runtime: gateway mode requires at least one bot")
	}

	gormDB, err := db.Connect(global.DatabaseDSN)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	s := store.New(gormDB)

	webhookBots := map[string]ingress.WebhookBot{}
	for _, bot := range bots {
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
			return err
		}

		if bot.IngestMode() != "webhook" {
			continue
		}
		webhookBots[bot.BotID] = ingress.WebhookBot{
			BotID:       bot.BotID,
			PathSecret:  bot.Webhook.PathSecret,
			SecretToken: bot.Webhook.SecretToken,
		}

		client, err := telegram.NewClient(telegram.ClientOpts{
			Token:   bot.TelegramToken,
			BaseURL: bot.ResolveBaseURL(global),
		})
		if err != nil {
			return err
		}
		if err := client.RegisterWebhook(ctx, bot.Webhook.PublicURL, bot.Webhook.SecretToken); err != nil {
			log.Printf("runtime: gateway webhook registration bot=%s: %v", bot.BotID, err)
		}
	}

	router := NewRouter(ServerOpts{
		Store:       s,
		WebhookBots: webhookBots,
		Out:         out,
	})
	fmt.Fprintf(out, "runtime: gateway serving %d bots\n", len(bots))
	return Serve(ctx, router, fmt.Sprintf("%s:%d", host, port), out)
}
