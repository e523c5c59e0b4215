// Command fakeagent is a stand-in execution agent for local runs and load tests.
package main

import (
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

type config struct {
	Addr       string        `env:"FAKE_AGENT_ADDR" envDefault:":18080"`
	Latency    time.Duration `env:"FAKE_AGENT_LATENCY" envDefault:"0s"`
	Status     string        `env:"FAKE_AGENT_STATUS"`
	FailRate   float64       `env:"FAKE_AGENT_FAIL_RATE" envDefault:"0"`
	AcceptRate float64       `env:"FAKE_AGENT_ACCEPT_RATE" envDefault:"0"`
	Targets    []string      `env:"FAKE_AGENT_TARGETS" envSeparator:","`
	Token      string        `env:"FAKE_AGENT_TOKEN"`
}

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Fatalf("config error: %v", err)
	}

	srv := newFakeAgent(cfg, rand.New(rand.NewSource(time.Now().UnixNano())))
	logger.Printf("fake agent listening on %s targets=%d status=%q fail_rate=%v", cfg.Addr, len(cfg.Targets), cfg.Status, cfg.FailRate)
	if err := http.ListenAndServe(cfg.Addr, srv.routes()); err != nil {
		logger.Fatal(err)
	}
}
