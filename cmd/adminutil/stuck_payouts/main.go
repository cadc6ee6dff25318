package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/sudo-init-do/dealhub/internal/config"
	"github.com/sudo-init-do/dealhub/internal/db"
)

// Lists releases still PROCESSING past the claim lease. Each one must be
// checked against the provider with its idempotency key before anyone
// retries it.
func main() {
	older := flag.Duration("older", 0, "minimum age; defaults to the claim lease")
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

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

	if *older <= 0 {
		*older = cfg.Settlement.ClaimLease
	}
	payouts, err := db.NewStore(pool).StuckPayouts(ctx, time.Now().Add(-*older))
	if err != nil {
		log.Fatalf("failed to list payouts: %v", err)
	}
	if len(payouts) == 0 {
		fmt.Println("No stuck payouts.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PAYOUT\tDEAL\tMILESTONE\tAMOUNT\tSINCE\tIDEMPOTENCY KEY")
	for _, p := range payouts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d %s\t%s\t%s\n",
			p.ID, p.DealID, p.MilestoneID, p.Amount, p.Currency, p.UpdatedAt.Format(time.RFC3339), p.IdempotencyKey)
	}
	tw.Flush()
}
