package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/kilnd/kiln/internal/agent"
	"github.com/kilnd/kiln/internal/config"
)

const version = "v0.1.0"

func main() {
	configPath := flag.String("config", "config/agent.yaml", "path to agent config")
	flag.Parse()

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.AgentName == "" {
		cfg.AgentName, _ = os.Hostname()
	}

	var provider agent.GPUProvider = &agent.NvidiaGPUProvider{}
	if cfg.FakeGPUs > 0 {
		provider = agent.NewFakeGPUProvider(cfg.AgentName, cfg.FakeGPUs)
	}

	reporter := agent.NewHTTPReporter(cfg.ControllerURL)
	a := agent.New(cfg, provider, reporter, version)

	fmt.Printf("Kiln Agent starting (name: %s, addr: %s)...\n", cfg.AgentName, cfg.Addr)
	a.RecoverRuns()
	a.StartHeartbeat(time.Duration(cfg.HeartbeatSec) * time.Second)

	log.Printf("Agent API listening on %s", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, a.Routes()))
}
