package runtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/semaphore/internal/db"
	"github.com/zulandar/semaphore/internal/ingress"
	"github.com/zulandar/semaphore/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	gormDB, err := db.Connect(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, _ := gormDB.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(gormDB)
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	s := openTestStore(t)
	router := NewRouter(ServerOpts{Store: s, MetricsBotID: "bot-1"})

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
		if recorder.Code != http.StatusOK {
			t.Errorf("%s = %d, want 200", path, recorder.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := openTestStore(t)
	s.IncrementMetric("bot-1", store.MetricWebhookAccept)
	s.AcceptUpdate("bot-1", 1, "1001", `{"update_id":1}`)

	router := NewRouter(ServerOpts{Store: s, MetricsBotID: "bot-1"})
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	var readout store.Readout
	if err := json.Unmarshal(recorder.Body.Bytes(), &readout); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if readout.Counters[store.MetricWebhookAccept] != 1 {
		t.Fatalf("counters = %v", readout.Counters)
	}
	if readout.UpdateJobsByStatus["queued"] != 1 {
		t.Fatalf("by status = %v", readout.UpdateJobsByStatus)
	}
}

func TestRouterMountsWebhook(t *testing.T) {
	s := openTestStore(t)
	router := NewRouter(ServerOpts{
		Store:        s,
		MetricsBotID: "bot-1",
		WebhookBots: map[string]ingress.WebhookBot{
			"bot-1": {BotID: "bot-1", PathSecret: "p"},
		},
	})

	body := `{"update_id":9,"message":{"message_id":1,"chat":{"id":1},"from":{"id":1},"text":"x"}}`
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook/bot-1/p", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", recorder.Code, recorder.Body.String())
	}
	update, _ := s.GetUpdate("bot-1", 9)
	if update == nil {
		t.Fatal("update not accepted through the mounted webhook")
	}
}

func TestNextCronDuration(t *testing.T) {
	if d := nextCronDuration("*/5 * * * *"); d <= 0 || d > 5*time.Minute {
		t.Fatalf("every-5-min duration = %v", d)
	}
	if d := nextCronDuration("not a cron"); d != 0 {
		t.Fatalf("bad expression duration = %v, want 0", d)
	}
}
