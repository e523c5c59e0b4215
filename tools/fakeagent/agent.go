package main

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type fakeAgent struct {
	start      time.Time
	latency    time.Duration
	status     string
	failRate   float64
	acceptRate float64
	token      string
	targets    map[string]struct{}

	randMu sync.Mutex
	rnd    *rand.Rand

	mu         sync.Mutex
	byTarget   map[string]int64
	byStatus   map[string]int64
	byType     map[string]int64
	totalCalls int64
}

type commandRequest struct {
	CommandID   string            `json:"command_id"`
	CommandType string            `json:"command_type"`
	Parameters  map[string]string `json:"parameters"`
	Priority    string            `json:"priority"`
}

func newFakeAgent(cfg config, rnd *rand.Rand) *fakeAgent {
	var targets map[string]struct{}
	if len(cfg.Targets) > 0 {
		targets = make(map[string]struct{}, len(cfg.Targets))
		for _, target := range cfg.Targets {
			if target = strings.TrimSpace(target); target != "" {
				targets[target] = struct{}{}
			}
		}
	}
	return &fakeAgent{
		start:      time.Now().UTC(),
		latency:    cfg.Latency,
		status:     strings.ToLower(cfg.Status),
		failRate:   cfg.FailRate,
		acceptRate: cfg.AcceptRate,
		token:      cfg.Token,
		targets:    targets,
		rnd:        rnd,
		byTarget:   make(map[string]int64),
		byStatus:   make(map[string]int64),
		byType:     make(map[string]int64),
	}
}

func (s *fakeAgent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/api/commands/", s.handleCommand)
	return mux
}

func (s *fakeAgent) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *fakeAgent) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, map[string]any{
		"started_at": s.start.Format(time.RFC3339),
		"total":      atomic.LoadInt64(&s.totalCalls),
		"by_target":  s.byTarget,
		"by_status":  s.byStatus,
		"by_type":    s.byType,
	})
}

func (s *fakeAgent) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.token != "" && r.Header.Get("X-Authorization") != "Bearer "+s.token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	target := strings.TrimPrefix(r.URL.Path, "/api/commands/")
	if target == "" || strings.Contains(target, "/") {
		http.NotFound(w, r)
		return
	}
	if s.targets != nil {
		if _, ok := s.targets[target]; !ok {
			http.NotFound(w, r)
			return
		}
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CommandID == "" {
		http.Error(w, "invalid command", http.StatusBadRequest)
		return
	}
	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	status := s.pickStatus()
	if s.status == "" {
		switch strings.ToLower(req.Parameters["simulate"]) {
		case "accepted", "executing":
			status = strings.ToLower(req.Parameters["simulate"])
		case "fail", "failed":
			status = "failed"
		}
	}
	s.recordCall(target, req.CommandType, status)

	resp := map[string]any{"status": status}
	if status == "failed" {
		resp["error"] = "fake agent failure"
	}
	writeJSON(w, resp)
}

func (s *fakeAgent) pickStatus() string {
	if s.status != "" {
		return s.status
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	if s.failRate > 0 && s.rnd.Float64() < s.failRate {
		return "failed"
	}
	if s.acceptRate > 0 && s.rnd.Float64() < s.acceptRate {
		return "accepted"
	}
	return "completed"
}

func (s *fakeAgent) recordCall(target, commandType, status string) {
	atomic.AddInt64(&s.totalCalls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTarget[target]++
	if commandType != "" {
		s.byType[commandType]++
	}
	if status != "" {
		s.byStatus[status]++
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
