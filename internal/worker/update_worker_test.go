package worker

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/zulandar/semaphore/internal/command"
	"github.com/zulandar/semaphore/internal/models"
	"github.com/zulandar/semaphore/internal/store"
)

func newUpdateWorkerFixture(t *testing.T) (*UpdateWorker, *workerFixture) {
	t.Helper()
	f := newRunWorkerFixture(t, echoFactory)

	handler, err := command.NewHandler(command.HandlerOpts{
		Bot: command.Identity{
			BotID:       "bot-1",
			BotName:     "Test Bot",
			Agent:       "echo",
			OwnerUserID: 9001,
		},
		Store:    f.store,
		Sessions: f.sessions,
		Client:   f.client,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	w, err := NewUpdateWorker(UpdateWorkerOpts{
		BotID:   "bot-1",
		Store:   f.store,
		Handler: handler,
	})
	if err != nil {
		t.Fatalf("update worker: %v", err)
	}
	return w, f
}

func acceptText(t *testing.T, s *store.Store, updateID int64, text string) {
	t.Helper()
	payload := `{"update_id":` + strconv.FormatInt(updateID, 10) +
		`,"message":{"message_id":1,"chat":{"id":1001},"from":{"id":9001},"text":"` + text + `"}}`
	if _, err := s.AcceptUpdate("bot-1", updateID, "1001", payload); err != nil {
		t.Fatalf("accept: %v", err)
	}
}

func TestUpdateWorker_PlainTextCreatesTurn(t *testing.T) {
	w, f := newUpdateWorkerFixture(t)
	acceptText(t, f.store, 1, "hello")

	processed, err := w.ProcessOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("process = %v, %v", processed, err)
	}

	var job models.UpdateJob
	f.store.DB().First(&job)
	if job.Status != models.JobCompleted {
		t.Fatalf("job status = %q, want completed", job.Status)
	}

	active, _ := f.store.HasActiveRun("bot-1", "1001")
	if !active {
		t.Fatal("plain text must enqueue a run")
	}

	// The run worker can now finish the pipeline end-to-end.
	ran, err := f.worker.ProcessOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("run process = %v, %v", ran, err)
	}
	var turn models.Turn
	f.store.DB().First(&turn)
	if turn.Status != models.TurnCompleted || turn.AssistantText != "echo: hello" {
		t.Fatalf("turn = %+v", turn)
	}
}

func TestUpdateWorker_SecondTurnWhileActiveRepliesBusy(t *testing.T) {
	w, f := newUpdateWorkerFixture(t)
	acceptText(t, f.store, 1, "task A")
	acceptText(t, f.store, 2, "task B")

	w.ProcessOnce(context.Background())
	w.ProcessOnce(context.Background())

	// Both update jobs completed; only one turn exists; B got the busy
	// reply.
	var completed int64
	f.store.DB().Model(&models.UpdateJob{}).Where("status = ?", models.JobCompleted).Count(&completed)
	if completed != 2 {
		t.Fatalf("completed update jobs = %d, want 2", completed)
	}
	var turns int64
	f.store.DB().Model(&models.Turn{}).Count(&turns)
	if turns != 1 {
		t.Fatalf("turns = %d, want 1", turns)
	}

	busy := false
	for _, sent := range f.client.sends {
		if strings.Contains(sent, "run is already active") {
			busy = true
		}
	}
	if !busy {
		t.Fatalf("no busy reply in %v", f.client.sends)
	}
}

func TestUpdateWorker_MissingUpdateRowFailsTerminally(t *testing.T) {
	w, f := newUpdateWorkerFixture(t)
	if err := f.store.EnqueueUpdateJob("bot-1", 77); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	processed, err := w.ProcessOnce(context.Background())
	if err != nil || !processed {
		t.Fatalf("process = %v, %v", processed, err)
	}

	var job models.UpdateJob
	f.store.DB().First(&job)
	if job.Status != models.JobFailed {
		t.Fatalf("job status = %q, want failed", job.Status)
	}
	if !strings.Contains(job.LastError, "missing telegram update row") {
		t.Fatalf("last error = %q", job.LastError)
	}
}

func TestUpdateWorker_NonActionableCompletes(t *testing.T) {
	w, f := newUpdateWorkerFixture(t)
	if _, err := f.store.AcceptUpdate("bot-1", 5, "", `{"update_id":5,"edited_message":{}}`); err != nil {
		t.Fatalf("accept: %v", err)
	}

	w.ProcessOnce(context.Background())

	var job models.UpdateJob
	f.store.DB().First(&job)
	if job.Status != models.JobCompleted {
		t.Fatalf("job status = %q, want completed (ignored update)", job.Status)
	}
	var turns int64
	f.store.DB().Model(&models.Turn{}).Count(&turns)
	if turns != 0 {
		t.Fatal("non-actionable update must not create turns")
	}
}

func TestAugmentPrompt(t *testing.T) {
	if got := augmentPrompt("just text"); got != "just text" {
		t.Fatalf("plain prompt changed: %q", got)
	}
	got := augmentPrompt("draw a chart of sales")
	if !strings.Contains(got, "[Image Delivery Contract]") {
		t.Fatal("image request must gain the image contract")
	}
	got = augmentPrompt("build a landing page for the launch")
	if !strings.Contains(got, "[HTML Delivery Contract]") {
		t.Fatal("html request must gain the html contract")
	}
}

func TestExtractLocalPaths_SkipsRemotePaths(t *testing.T) {
	// Remote URLs and data URIs never resolve to local files.
	text := "See ![img](https://example.com/x.png) and data: data:image/png;base64,xxx"
	if paths := extractLocalPaths(text, imageSuffixes); paths != nil {
		t.Fatalf("remote paths must be skipped, got %v", paths)
	}
}
