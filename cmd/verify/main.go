package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/auditra/auditra/infrastructure/service/logger"
	"github.com/auditra/auditra/internal/adapter/persistence"
	"github.com/auditra/auditra/internal/config"
	"github.com/auditra/auditra/internal/ledger"
)

// verify replays audit chains and reports integrity findings. Intended for
// periodic compliance jobs or on-demand audits. Exits non-zero when any
// chain is broken; findings are reported, never corrected.
func main() {
	subject := flag.String("subject", "", "verify a single subject chain (default: all subjects)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	structuredLogger := logger.NewStructuredLogger(logger.LoggerConfig{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		ServiceName: "audit-verify",
	})

	db, err := sql.Open("postgres", cfg.GetDatabaseURL())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	ctx := context.Background()
	repo := persistence.NewPostgresAuditRepository(db)
	verifier := ledger.NewVerifier(repo, structuredLogger)

	subjects := []string{*subject}
	if *subject == "" {
		subjects, err = repo.ListSubjects(ctx)
		if err != nil {
			log.Fatalf("Failed to list subjects: %v", err)
		}
	}

	encoder := json.NewEncoder(os.Stdout)
	broken := 0
	for _, subjectID := range subjects {
		report, err := verifier.Verify(ctx, subjectID)
		if err != nil {
			log.Fatalf("Verification failed for subject %s: %v", subjectID, err)
		}
		if err := encoder.Encode(report); err != nil {
			log.Fatalf("Failed to encode report: %v", err)
		}
		if !report.Valid {
			broken++
			logger.LogIntegrityFinding(ctx, structuredLogger, subjectID, report.BrokenAt, map[string]interface{}{
				"record_count": report.RecordCount,
			})
		}
	}

	if broken > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d chains broken\n", broken, len(subjects))
		os.Exit(1)
	}
}
