package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	commands "telemetry-control/internal/commands/domain"
)

func TestSendCommand(t *testing.T) {
	var got commandRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/commands/svc-checkout" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"status":"Completed"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/", "secret")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.SendCommand(context.Background(), commands.ControlCommand{
		CommandID:   "cmd-1",
		TargetID:    "svc-checkout",
		CommandType: commands.TypeThrottle,
		Parameters:  map[string]string{"rate": "50"},
		Priority:    commands.PriorityNormal,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Status != StatusCompleted {
		t.Fatalf("expected normalized status, got %q", resp.Status)
	}
	if got.CommandID != "cmd-1" || got.CommandType != "THROTTLE" || got.Parameters["rate"] != "50" {
		t.Fatalf("unexpected body: %+v", got)
	}
}

func TestSendCommandErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/commands/missing" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, "")
	ctx := context.Background()
	if _, err := client.SendCommand(ctx, commands.ControlCommand{CommandID: "c", TargetID: "missing"}); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected unknown target, got %v", err)
	}
	if _, err := client.SendCommand(ctx, commands.ControlCommand{CommandID: "c", TargetID: "svc"}); err == nil {
		t.Fatalf("expected http error")
	}
	if _, err := client.SendCommand(ctx, commands.ControlCommand{CommandID: "c"}); err == nil {
		t.Fatalf("expected invalid command error")
	}
	if _, err := NewClient("", ""); err == nil {
		t.Fatalf("expected empty base url error")
	}
}
