package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"go.uber.org/zap"

	"github.com/sudo-init-do/dealhub/internal/config"
	"github.com/sudo-init-do/dealhub/internal/db"
	"github.com/sudo-init-do/dealhub/internal/wallet"
)

func main() {
	userID := flag.String("user", "", "ID of the wallet owner")
	amount := flag.Int64("amount", 0, "amount in minor units")
	reference := flag.String("ref", "", "external reference; a repeated reference is ignored")
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	if *userID == "" || *amount <= 0 {
		log.Fatalf("usage: go run ./cmd/adminutil/credit_wallet -user brand-1 -amount 100000 -ref bank-4411")
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

	w, err := wallet.NewLedger(pool).Credit(ctx, *userID, *amount, *reference)
	if err != nil {
		log.Fatalf("failed to credit wallet: %v", err)
	}
	fmt.Printf("Wallet %s balance is now %d (escrow %d).\n", w.UserID, w.Balance, w.Escrow)
}
