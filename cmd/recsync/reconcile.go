package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/insightrecorder/recsync/internal/db"
)

// interruptedMessage is recorded on jobs closed by reconcile.
const interruptedMessage = "interrupted"

// ReconcileConfig holds parsed CLI options for the reconcile
// command.
type ReconcileConfig struct {
	OlderThan time.Duration
	DryRun    bool
	Yes       bool
}

func parseReconcileFlags(args []string) (ReconcileConfig, error) {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	olderThan := fs.Duration(
		"older-than", time.Hour,
		"Only jobs that started at least this long ago",
	)
	dryRun := fs.Bool(
		"dry-run", false,
		"Show what would be closed without writing",
	)
	yes := fs.Bool(
		"yes", false,
		"Skip confirmation prompt",
	)

	if err := fs.Parse(args); err != nil {
		return ReconcileConfig{}, err
	}
	if *olderThan < 0 {
		return ReconcileConfig{}, fmt.Errorf("older-than must be >= 0")
	}
	return ReconcileConfig{
		OlderThan: *olderThan,
		DryRun:    *dryRun,
		Yes:       *yes,
	}, nil
}

// Reconciler closes jobs that were left RUNNING when the process
// exited mid-run. Their counters are rebuilt from the recorded
// file events.
type Reconciler struct {
	DB  *db.DB
	Out io.Writer
	In  io.Reader
	Now func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Reconcile marks stale jobs FAILED and returns how many were
// closed.
func (r *Reconciler) Reconcile(
	ctx context.Context, cfg ReconcileConfig,
) (int, error) {
	now := r.now()
	stale, err := r.DB.ListStaleJobs(ctx, now.Add(-cfg.OlderThan))
	if err != nil {
		return 0, fmt.Errorf("finding stale jobs: %w", err)
	}
	if len(stale) == 0 {
		fmt.Fprintln(r.Out, "No interrupted jobs found.")
		return 0, nil
	}

	counts := make([]db.JobCounts, len(stale))
	fmt.Fprintf(r.Out, "Found %d interrupted jobs\n\n", len(stale))
	for i, j := range stale {
		c, err := r.DB.DeriveJobCounts(ctx, j.ID)
		if err != nil {
			return 0, err
		}
		counts[i] = c
		fmt.Fprintf(r.Out, "  %s  started %s  %d/%d files processed\n",
			j.ID, j.StartedAt.Local().Format("2006-01-02 15:04"),
			c.Processed(), c.Total)
	}

	if cfg.DryRun {
		fmt.Fprintln(r.Out, "\nDry run: no changes made.")
		return 0, nil
	}
	if !cfg.Yes {
		msg := fmt.Sprintf("\nMark %d jobs as FAILED?", len(stale))
		if !confirm(r.In, r.Out, msg) {
			fmt.Fprintln(r.Out, "Aborted.")
			return 0, nil
		}
	}

	closed := 0
	for i, j := range stale {
		status := db.JobFailed
		msg := interruptedMessage
		err := r.DB.UpdateJob(j.ID, db.JobUpdate{
			Status:  &status,
			Counts:  &counts[i],
			EndedAt: &now,
			Error:   &msg,
		})
		if errors.Is(err, db.ErrJobFinalized) {
			// Finished between the listing and the update.
			continue
		}
		if err != nil {
			return closed, fmt.Errorf("closing %s: %w", j.ID, err)
		}
		closed++
	}
	fmt.Fprintf(r.Out, "\nClosed %d jobs.\n", closed)
	return closed, nil
}

func confirm(r io.Reader, w io.Writer, msg string) bool {
	fmt.Fprintf(w, "%s [y/N] ", msg)
	scanner := bufio.NewScanner(r)
	scanner.Scan()
	ans := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return ans == "y" || ans == "yes"
}

func runReconcile(args []string) {
	cfg, err := parseReconcileFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	appCfg := mustLoad(nil)
	database := mustOpenDB(appCfg)
	defer database.Close()

	r := &Reconciler{
		DB:  database,
		Out: os.Stdout,
		In:  os.Stdin,
	}
	if _, err := r.Reconcile(context.Background(), cfg); err != nil {
		log.Fatalf("reconcile: %v", err)
	}
}
