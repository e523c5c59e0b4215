package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	commandsevents "telemetry-control/internal/commands/application/events"
	commands "telemetry-control/internal/commands/domain"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type recordingSender struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (s *recordingSender) Send(ctx context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, content)
	return nil
}

func TestNotifierRendersRollback(t *testing.T) {
	sender := &recordingSender{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	notifier, err := NewNotifier(sender, nil, WithClock(clock))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	err = notifier.HandleCommandRolledBack(context.Background(), &commandsevents.CommandRolledBack{
		CommandID:         "cmd-1",
		RollbackCommandID: "rollback_cmd-1",
		TargetID:          "server-1",
		Trigger:           "timeout",
		Delivered:         false,
		OccurredAt:        clock.now,
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(sender.messages))
	}
	msg := sender.messages[0]
	for _, want := range []string{"[Command Rolled Back]", "Command: cmd-1", "Inverse: rollback_cmd-1", "Trigger: timeout", "inverse command not delivered", "2026-03-01T10:00:00Z"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestNotifierOnlyFailedStatus(t *testing.T) {
	sender := &recordingSender{}
	notifier, _ := NewNotifier(sender, nil)

	_ = notifier.HandleCommandStatusChanged(context.Background(), commandsevents.CommandStatusChanged{
		CommandID: "cmd-1", TargetID: "server-1", From: commands.StatusPending, To: commands.StatusExecuting,
	})
	_ = notifier.HandleCommandStatusChanged(context.Background(), commandsevents.CommandStatusChanged{
		CommandID: "cmd-1", TargetID: "server-1", From: commands.StatusExecuting, To: commands.StatusFailed, Reason: "agent error",
	})
	if len(sender.messages) != 1 || !strings.Contains(sender.messages[0], "Reason: agent error") {
		t.Fatalf("unexpected messages %v", sender.messages)
	}
	if err := notifier.HandleCommandStatusChanged(context.Background(), "not an event"); err != nil {
		t.Fatalf("foreign events must be ignored: %v", err)
	}
}

func TestNotifierCooldownPerTarget(t *testing.T) {
	sender := &recordingSender{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	notifier, _ := NewNotifier(sender, nil, WithClock(clock), WithCooldown(time.Minute))

	send := func(target string) {
		t.Helper()
		if err := notifier.HandleCommandRolledBack(context.Background(), commandsevents.CommandRolledBack{CommandID: "cmd", TargetID: target, Delivered: true}); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	send("server-1")
	send("server-1")
	send("server-2")
	if len(sender.messages) != 2 {
		t.Fatalf("expected cooldown to suppress the repeat, got %d messages", len(sender.messages))
	}
	clock.now = clock.now.Add(time.Minute)
	send("server-1")
	if len(sender.messages) != 3 {
		t.Fatalf("expected notice after cooldown, got %d", len(sender.messages))
	}
}

func TestNotifierSendFailureReleasesCooldown(t *testing.T) {
	sender := &recordingSender{err: errors.New("down")}
	notifier, _ := NewNotifier(sender, nil, WithCooldown(time.Hour))
	evt := commandsevents.CommandRolledBack{CommandID: "cmd", TargetID: "server-1"}
	if err := notifier.HandleCommandRolledBack(context.Background(), evt); err == nil {
		t.Fatalf("expected send error to propagate for retry")
	}
	sender.err = nil
	if err := notifier.HandleCommandRolledBack(context.Background(), evt); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(sender.messages) != 1 {
		t.Fatalf("expected retry to send, got %d", len(sender.messages))
	}
}

func TestNewTemplateRejectsInvalid(t *testing.T) {
	if _, err := NewTemplate("{{ .CommandID "); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestWebhookSenderPostsText(t *testing.T) {
	var got webhookPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender, err := NewWebhookSender(server.URL, time.Second)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if err := sender.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.MsgType != "text" || got.Text.Content != "hello" {
		t.Fatalf("unexpected payload %+v", got)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	sender, _ = NewWebhookSender(failing.URL, time.Second)
	if err := sender.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected non-2xx error")
	}
	if _, err := NewWebhookSender("", time.Second); err == nil {
		t.Fatalf("expected empty url error")
	}
}
