package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/kilnd/kiln/internal/bus"
	"github.com/kilnd/kiln/internal/config"
	"github.com/kilnd/kiln/internal/controller"
	"github.com/kilnd/kiln/internal/db"
	"github.com/kilnd/kiln/internal/events"
	"github.com/kilnd/kiln/internal/inventory"
	"github.com/kilnd/kiln/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "config/controller.yaml", "path to controller config")
	flag.Parse()

	cfg, err := config.LoadControllerConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open db: %v", err)
	}
	defer database.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("failed to init db: %v", err)
	}

	inv := inventory.New(database)
	journal := events.New(database)
	defer journal.Close()

	liveBus := bus.New(cfg.LogTailLines)
	sched := scheduler.New(database, inv, liveBus, journal, scheduler.NewHTTPDispatcher(), cfg)
	go sched.Run(context.Background(), time.Duration(cfg.ReconcileSec)*time.Second)

	server := controller.NewServer(database, sched, inv, liveBus, journal, cfg.LogTailLines)

	fmt.Printf("Kiln Controller listening on %s\n", cfg.Addr)
	log.Fatal(http.ListenAndServe(cfg.Addr, server.Routes()))
}
