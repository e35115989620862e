package adapter

import (
	"context"
	"strings"
	"testing"
)

func collect(events <-chan Event) []Event {
	var out []Event
	for event := range events {
		out = append(out, event)
	}
	return out
}

func TestEchoAdapter_EventSequence(t *testing.T) {
	echo := NewEcho()
	events := collect(echo.Run(context.Background(), RunRequest{Prompt: "hi there"}))

	wantTypes := []string{EventThreadStarted, EventTurnStarted, EventAssistantMessage, EventTurnCompleted}
	if len(events) != len(wantTypes) {
		t.Fatalf("events = %d, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Fatalf("event %d = %s, want %s", i, events[i].Type, want)
		}
	}
	if events[0].ThreadID() != "echo-thread" {
		t.Fatalf("thread id = %q", events[0].ThreadID())
	}
	if got := events[2].Text("text"); got != "echo: hi there" {
		t.Fatalf("assistant text = %q", got)
	}
	if events[3].Text("status") != StatusSuccess {
		t.Fatalf("status = %q", events[3].Text("status"))
	}
}

func TestEchoAdapter_Resume(t *testing.T) {
	echo := NewEcho()
	events := collect(echo.Run(context.Background(), RunRequest{Prompt: "again", ThreadID: "t-9"}))
	if events[0].ThreadID() != "t-9" {
		t.Fatalf("resumed thread id = %q", events[0].ThreadID())
	}
	if got := events[2].Text("text"); got != "echo-resume: again" {
		t.Fatalf("assistant text = %q", got)
	}
}

func TestRunProcess_MissingBinaryContract(t *testing.T) {
	missing := NewCodex("definitely-not-installed-anywhere-zzz")
	events := collect(missing.Run(context.Background(), RunRequest{Prompt: "x"}))

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Type != EventError {
		t.Fatalf("first event = %s, want error", events[0].Type)
	}
	if !strings.Contains(events[0].Text("message"), "executable not found") {
		t.Fatalf("error message = %q", events[0].Text("message"))
	}
	last := events[1]
	if last.Type != EventTurnCompleted || last.Text("status") != StatusError {
		t.Fatalf("terminal = %+v", last)
	}
	if last.Text("reason") != "executable not found" {
		t.Fatalf("reason = %q", last.Text("reason"))
	}
}

func TestGet_KnownAndUnknown(t *testing.T) {
	for _, name := range []string{"codex", "claude", "gemini", "echo"} {
		agent, err := Get(name)
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if agent.Name() != name {
			t.Fatalf("Name() = %s, want %s", agent.Name(), name)
		}
	}
	if _, err := Get("cursor"); err == nil {
		t.Fatal("unknown adapter must error")
	}
}

func TestComposePrompt(t *testing.T) {
	if got := composePrompt("", "do it"); got != "do it" {
		t.Fatalf("no preamble: %q", got)
	}
	got := composePrompt("[Session Memory Summary]\nstuff", "do it")
	if !strings.HasPrefix(got, "[Session Memory Summary]\nstuff\n\n[User Message]\ndo it") {
		t.Fatalf("with preamble: %q", got)
	}
}
