// Command verifier runs the ledger integrity verification offline against
// the configured storage, for CI gates and compliance reviews. Exit code 1
// when any chain shows a violation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/banditlabs/bandgate/internal/config"
	"github.com/banditlabs/bandgate/internal/model"
	"github.com/banditlabs/bandgate/internal/repository"
	"github.com/banditlabs/bandgate/internal/service"
)

func main() {
	experimentID := flag.String("experiment", "", "verify a single experiment id")
	all := flag.Bool("all", false, "verify every experiment in the registry")
	asJSON := flag.Bool("json", false, "emit reports as JSON")
	timeout := flag.Duration("timeout", time.Minute, "overall verification timeout")
	flag.Parse()

	if *experimentID == "" && !*all {
		fmt.Fprintln(os.Stderr, "usage: verifier -experiment <id> | -all [-json]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}
	if cfg.Database.DSN == "" {
		fmt.Fprintln(os.Stderr, "offline verification requires database.dsn")
		os.Exit(2)
	}

	registry, err := service.NewRegistry(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid registry: %v\n", err)
		os.Exit(2)
	}

	db, err := repository.NewDB(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(2)
	}
	defer db.Close()

	states := repository.NewPostgresStateRepo(db, cfg.Engine.WarmStartMinObservations)
	ledger := repository.NewPostgresLedgerRepo(db)
	verifier := service.NewVerifier(ledger, states, registry.VariantIDs)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	ids := []string{*experimentID}
	if *all {
		ids = registry.ExperimentIDs()
	}

	reports, err := verifier.VerifyAll(ctx, ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verification failed: %v\n", err)
		os.Exit(2)
	}

	violations := 0
	for _, id := range ids {
		report := reports[id]
		if report == nil {
			continue
		}
		if !report.Clean() {
			violations++
		}
		printReport(report, *asJSON)
	}

	if violations > 0 {
		fmt.Fprintf(os.Stderr, "%d experiment(s) with integrity violations\n", violations)
		os.Exit(1)
	}
}

func printReport(report *model.IntegrityReport, asJSON bool) {
	if asJSON {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
		return
	}
	status := "OK"
	if !report.Clean() {
		status = "VIOLATION"
	}
	fmt.Printf("%-24s %-9s records=%d chain=%t order=%t continuity=%t counts=%t invalid=%v\n",
		report.ExperimentID, status, report.RecordCount,
		report.ChainIntegrity, report.TimestampOrder, report.SequenceContinuity, report.CountsConsistent,
		report.InvalidSequences)
}
