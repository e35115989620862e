// Package ingress feeds the update queue from either of the two
// interchangeable sources: the webhook endpoint or the long poller. Both
// run the same accept procedure; deduplication happens in the store.
package ingress

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/semaphore/internal/store"
	"github.com/zulandar/semaphore/internal/telegram"
)

// WebhookBot carries the per-bot secrets the webhook route validates.
type WebhookBot struct {
	BotID       string
	PathSecret  string
	SecretToken string
}

// WebhookOpts holds parameters for RegisterWebhook.
type WebhookOpts struct {
	Store *store.Store
	Bots  map[string]WebhookBot // keyed by bot_id
}

// RegisterWebhook mounts POST /telegram/webhook/:bot_id/:path_secret.
// Responses: 200 accept (and duplicate), 401 secret mismatch, 400 bad
// payload, 404 unknown bot.
func RegisterWebhook(router *gin.Engine, opts WebhookOpts) {
	router.POST("/telegram/webhook/:bot_id/:path_secret", func(c *gin.Context) {
		botID := c.Param("bot_id")
		bot, ok := opts.Bots[botID]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "bot not found"})
			return
		}

		if bot.PathSecret != "" && c.Param("path_secret") != bot.PathSecret {
			incMetric(opts.Store, botID, store.MetricWebhookReject401, "webhook_reject_invalid_path_secret")
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid path secret"})
			return
		}
		if bot.SecretToken != "" && c.GetHeader("X-Telegram-Bot-Api-Secret-Token") != bot.SecretToken {
			incMetric(opts.Store, botID, store.MetricWebhookReject401, "webhook_reject_invalid_secret_token")
			c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid secret token"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			incMetric(opts.Store, botID, store.MetricWebhookReject400, "")
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "unreadable body"})
			return
		}

		var head struct {
			UpdateID *int64 `json:"update_id"`
		}
		if err := json.Unmarshal(body, &head); err != nil || head.UpdateID == nil {
			incMetric(opts.Store, botID, store.MetricWebhookReject400, "webhook_reject_invalid_update")
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "update_id is required"})
			return
		}

		accepted, err := Accept(opts.Store, botID, *head.UpdateID, body)
		if err != nil {
			log.Printf("ingress: webhook accept bot=%s update=%d: %v", botID, *head.UpdateID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false})
			return
		}
		_ = accepted // duplicates also answer 200 so retrying senders stay quiet
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
}

// Accept runs the shared accept procedure and maintains the ingest
// counters. Returns false for duplicates.
func Accept(s *store.Store, botID string, updateID int64, payload []byte) (bool, error) {
	accepted, err := s.AcceptUpdate(botID, updateID, telegram.ExtractChatID(payload), string(payload))
	if err != nil {
		return false, err
	}
	if accepted {
		incMetric(s, botID, store.MetricWebhookAccept, "")
	} else {
		incMetric(s, botID, store.MetricWebhookDuplicate, "")
	}
	return accepted, nil
}

// incMetric bumps up to two counters, tolerating metric-write failures.
func incMetric(s *store.Store, botID, key, extraKey string) {
	for _, k := range []string{key, extraKey} {
		if k == "" {
			continue
		}
		if err := s.IncrementMetric(botID, k); err != nil {
			log.Printf("ingress: increment metric bot=%s key=%s: %v", botID, k, err)
		}
	}
}
