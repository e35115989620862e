// Package runtime assembles a bot's long-running activities: the HTTP
// surface, the ingress source, both workers and the maintenance schedule.
package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/semaphore/internal/ingress"
	"github.com/zulandar/semaphore/internal/store"
)

// ServerOpts configures the runtime HTTP surface.
type ServerOpts struct {
	Store *store.Store
	// MetricsBotID scopes /metrics; empty aggregates all bots (gateway).
	MetricsBotID string
	WebhookBots  map[string]ingress.WebhookBot
	Addr         string
	Out          io.Writer
}

// NewRouter builds the gin router with the liveness, readiness, metrics
// and webhook endpoints.
func NewRouter(opts ServerOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.GET("/readyz", func(c *gin.Context) {
		if err := opts.Store.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.GET("/metrics", func(c *gin.Context) {
		readout, err := opts.Store.Metrics(opts.MetricsBotID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, readout)
	})

	if len(opts.WebhookBots) > 0 {
		ingress.RegisterWebhook(router, ingress.WebhookOpts{
			Store: opts.Store,
			Bots:  opts.WebhookBots,
		})
	}

	return router
}

// Serve runs the router until the context is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, router *gin.Engine, addr string, out io.Writer) error {
	srv := &http.Server{Addr: addr, Handler: router}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if out != nil {
		fmt.Fprintf(out, "runtime: listening on %s\n", addr)
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("runtime: serve: %w", err)
	}
	return nil
}
