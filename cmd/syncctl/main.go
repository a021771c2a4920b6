// Command syncctl inspects and operates the local operation queue file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/db"
	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/internal/network"
	"github.com/Guizzs26/go-offline-sync/internal/service"
	"github.com/Guizzs26/go-offline-sync/internal/status"

	"github.com/joho/godotenv"
)

const usage = `usage: syncctl [-db path] [-user id] <command> [args]

commands:
  list [-status pending,failed]   list operations in dispatch order
  show <operation-id>             print one operation as JSON
  history <entity-type> <id>      list operations for one entity
  retry <operation-id> | -all     move failed operations back to pending
  cancel <operation-id>           remove an operation that has not run
  purge [-older-than 24h]         delete completed operations
`

func main() {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("syncctl", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	dbPath := fs.String("db", os.Getenv("QUEUE_DB_PATH"), "queue database file")
	userID := fs.String("user", os.Getenv("USER_ID"), "user whose operations to act on")
	fs.Parse(os.Args[1:])

	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}
	if *dbPath == "" || *userID == "" {
		fmt.Fprintln(os.Stderr, "syncctl: -db and -user (or QUEUE_DB_PATH and USER_ID) are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := db.OpenSQLiteOperationStore(ctx, *dbPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "syncctl:", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := runCommand(ctx, os.Stdout, store, *userID, fs.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "syncctl:", err)
		os.Exit(1)
	}
}

// newOfflineQueue builds a queue that never dispatches: the CLI only edits state.
func newOfflineQueue(store service.OperationStore, userID string) *service.SyncQueue {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return service.NewSyncQueue(
		store,
		nil,
		network.NewManualMonitor(false),
		status.NewTracker(models.SyncStatus{}, nil),
		nil,
		service.QueueConfig{UserID: userID},
		logger,
	)
}

func runCommand(ctx context.Context, out io.Writer, store service.OperationStore, userID string, args []string) error {
	queue := newOfflineQueue(store, userID)
	defer queue.Close()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		statusFlag := fs.String("status", "", "comma separated statuses")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		var statuses []models.OperationStatus
		if *statusFlag != "" {
			for _, s := range strings.Split(*statusFlag, ",") {
				statuses = append(statuses, models.OperationStatus(strings.TrimSpace(s)))
			}
		}
		ops, err := queue.List(ctx, statuses...)
		if err != nil {
			return err
		}
		return printTable(out, ops)

	case "show":
		if len(rest) != 1 {
			return errors.New("show needs an operation id")
		}
		op, err := queue.Get(ctx, rest[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(op)

	case "history":
		if len(rest) != 2 {
			return errors.New("history needs an entity type and id")
		}
		ops, err := queue.History(ctx, models.EntityType(rest[0]), rest[1])
		if err != nil {
			return err
		}
		return printTable(out, ops)

	case "retry":
		if len(rest) != 1 {
			return errors.New("retry needs an operation id or -all")
		}
		if rest[0] == "-all" {
			n, err := queue.RetryAllFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d operation(s) moved to pending\n", n)
			return nil
		}
		if err := queue.Retry(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s moved to pending\n", rest[0])
		return nil

	case "cancel":
		if len(rest) != 1 {
			return errors.New("cancel needs an operation id")
		}
		if err := queue.Cancel(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s canceled\n", rest[0])
		return nil

	case "purge":
		fs := flag.NewFlagSet("purge", flag.ContinueOnError)
		olderThan := fs.Duration("older-than", 24*time.Hour, "minimum age of completed operations")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		n, err := store.PurgeCompleted(ctx, time.Now().Add(-*olderThan))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d completed operation(s) purged\n", n)
		return nil

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printTable(out io.Writer, ops []*models.SyncOperation) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tENTITY\tATTEMPTS\tUPDATED\tERROR")
	for _, op := range ops {
		errMsg := ""
		if op.Error != nil {
			errMsg = op.Error.Code
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			op.OperationID,
			op.Status,
			op.OperationType,
			op.EntityKey(),
			op.Attempts, op.MaxAttempts,
			op.UpdatedAt.Format(time.RFC3339),
			errMsg,
		)
	}
	return w.Flush()
}
