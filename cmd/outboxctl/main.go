package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"relaybox/config"
	"relaybox/internal/app"
	"relaybox/internal/middleware"
	"relaybox/internal/repository"
	"relaybox/pkg/database"
	"relaybox/pkg/logger"

	"github.com/google/uuid"
)

const usage = `
Relaybox - Outbox Operations CLI

Usage:
  outboxctl [flags] [command] [args]

Commands:
  migrate                 Apply SQL migrations and the outbox schema
  status                  Show database connection and table status
  stats                   Print DLQ statistics
  dispatch                Run one dispatch batch
  dlq-process             Run one DLQ maintenance pass
  dlq-retry <id>          Reset a DLQ message so it is dispatched again
  dlq-fail <id> <reason>  Mark a DLQ message as permanently failed
  dlq-purge               Delete DLQ messages older than -days
  cleanup                 Delete processed and failed messages past retention
  reconcile               Run all reconciliation sweeps
  token <subject>         Issue an admin API token
  reset                   Drop the outbox schema and migrate again (DANGEROUS)

Flags:
  -migrations string  Path to migrations directory (default "migrations")
  -days int           Retention in days for dlq-purge (default DLQ_RETENTION_DAYS)
  -ttl duration       Lifetime of an issued token (default 24h)

Examples:
  go run cmd/outboxctl/main.go migrate
  go run cmd/outboxctl/main.go dlq-retry 0b8c7f2e-5d0c-4f6e-9a55-2f0d1c3b9e11
  go run cmd/outboxctl/main.go -days 7 dlq-purge
`

func main() {
	migrationsDir := flag.String("migrations", "migrations", "Path to migrations directory")
	days := flag.Int("days", 0, "Retention in days for dlq-purge")
	ttl := flag.Duration("ttl", 24*time.Hour, "Lifetime of an issued token")

	flag.Usage = func() {
		fmt.Print(usage)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	cfg := config.LoadConfig()

	// token needs no store
	if command == "token" {
		issueToken(cfg, flag.Arg(1), *ttl)
		return
	}

	l := logger.New(cfg.LogMode)
	defer func() { _ = l.Sync() }()

	ctx := context.WithValue(context.Background(), logger.WorkerIdKey, cfg.WorkerID)
	a, err := app.Build(ctx, cfg, l)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = a.Close() }()

	switch command {
	case "migrate":
		requireDatabase(a)
		runMigrate(*migrationsDir)
	case "status":
		requireDatabase(a)
		showStatus(ctx)
	case "stats":
		stats, err := a.Dlq.GetDlqStatistics(ctx)
		exitOnErr("Statistics failed", err)
		printJSON(stats)
	case "dispatch":
		result, err := a.Processor.ProcessBatch(ctx)
		exitOnErr("Dispatch failed", err)
		printJSON(result)
	case "dlq-process":
		result, err := a.Dlq.ProcessDlqMessages(ctx)
		exitOnErr("DLQ processing failed", err)
		printJSON(result)
	case "dlq-retry":
		id := parseID(flag.Arg(1))
		applied, err := a.Dlq.RetryDlqMessage(ctx, id)
		exitOnErr("Retry failed", err)
		if !applied {
			log.Fatalf("Message %s is not in the DLQ", id)
		}
		log.Printf("Message %s reset for dispatch", id)
	case "dlq-fail":
		id := parseID(flag.Arg(1))
		reason := strings.TrimSpace(strings.Join(flag.Args()[min(2, flag.NArg()):], " "))
		if reason == "" {
			log.Fatal("A reason is required")
		}
		applied, err := a.Dlq.MarkDlqMessageAsPermanentlyFailed(ctx, id, reason)
		exitOnErr("Permanent fail failed", err)
		if !applied {
			log.Fatalf("Message %s is not in the DLQ", id)
		}
		log.Printf("Message %s marked as permanently failed", id)
	case "dlq-purge":
		retention := *days
		if retention == 0 {
			retention = cfg.Cleanup.DlqRetentionDays
		}
		deleted, err := a.Dlq.CleanupOldDlqMessages(ctx, retention)
		exitOnErr("DLQ purge failed", err)
		log.Printf("Deleted %d DLQ messages older than %d days", deleted, retention)
	case "cleanup":
		result, err := a.Cleanup.RunFullCleanup(ctx)
		exitOnErr("Cleanup failed", err)
		printJSON(result)
	case "reconcile":
		result, err := a.Reconciliation.RunComprehensive(ctx)
		printJSON(result)
		exitOnErr("Reconciliation finished with errors", err)
	case "reset":
		requireDatabase(a)
		exitOnErr("Drop failed", database.DropSchema())
		runMigrate(*migrationsDir)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}

func runMigrate(migrationsDir string) {
	log.Println("Running migrations...")
	exitOnErr("Migration failed", database.Migrate(migrationsDir))
	log.Println("Migrations completed successfully")
}

func showStatus(ctx context.Context) {
	exitOnErr("Database connection failed", database.Ping(ctx))
	log.Println("Database connection: OK")

	for _, table := range repository.OutboxTables {
		exists, err := database.TableExists(table)
		if err != nil {
			log.Printf("Error checking table %s: %v", table, err)
			continue
		}
		if !exists {
			log.Printf("Table %-20s does not exist", table)
			continue
		}
		count, _ := database.TableCount(table)
		log.Printf("Table %-20s exists (%d rows)", table, count)
	}
}

func issueToken(cfg *config.Config, subject string, ttl time.Duration) {
	if subject == "" {
		log.Fatal("A subject is required")
	}
	token, err := middleware.IssueAdminToken([]byte(cfg.AdminJWTSecret), subject, ttl)
	exitOnErr("Token signing failed", err)
	fmt.Println(token)
}

func requireDatabase(a *app.App) {
	if a.DB == nil {
		log.Fatalf("Command requires STORE_DRIVER=postgres (got %q)", a.Config.StoreDriver)
	}
}

func parseID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		log.Fatalf("Invalid message id %q: %v", raw, err)
	}
	return id
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Fatalf("Encode failed: %v", err)
	}
}

func exitOnErr(msg string, err error) {
	if err != nil {
		log.Fatalf("%s: %v", msg, err)
	}
}
