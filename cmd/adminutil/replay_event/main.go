package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"go.uber.org/zap"

	"github.com/sudo-init-do/dealhub/internal/config"
	"github.com/sudo-init-do/dealhub/internal/db"
)

func main() {
	seq := flag.Int64("seq", 0, "sequence number of the parked settlement event")
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	if *seq <= 0 {
		log.Fatalf("usage: go run ./cmd/adminutil/replay_event -seq 42")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB, zap.NewNop())
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	if err := db.NewOutbox(pool).Replay(ctx, *seq); err != nil {
		log.Fatalf("failed to replay: %v", err)
	}
	fmt.Printf("Event %d queued for publishing.\n", *seq)
}
