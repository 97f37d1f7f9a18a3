// ABOUTME: Sync CLI commands for one-off full and incremental runs
// ABOUTME: Prints a human summary and exits non-zero on run-level failure
package cli

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/harperreed/membersync/models"
)

// SyncFullCommand runs one full reconciliation.
func SyncFullCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("full", flag.ExitOnError)
	timeout := fs.Duration("timeout", 30*time.Minute, "Abort the run after this long")
	_ = fs.Parse(args)

	return runSync(app, models.KindFull, *timeout)
}

// SyncIncrementalCommand runs one incremental reconciliation.
func SyncIncrementalCommand(app *App, args []string) error {
	fs := flag.NewFlagSet("incremental", flag.ExitOnError)
	timeout := fs.Duration("timeout", 10*time.Minute, "Abort the run after this long")
	_ = fs.Parse(args)

	return runSync(app, models.KindIncremental, *timeout)
}

func runSync(app *App, kind models.SyncKind, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fmt.Printf("Starting %s sync...\n", kind)

	var result models.SyncResult
	var err error
	switch kind {
	case models.KindFull:
		result, err = app.Reconciler.RunFull(ctx)
	default:
		result, err = app.Reconciler.RunIncremental(ctx)
	}
	if err != nil {
		return fmt.Errorf("%s sync failed: %w", kind, err)
	}

	printResult(result)
	return nil
}

func printResult(r models.SyncResult) {
	if r.NoChanges {
		fmt.Printf("✓ No changes (%s, run %s)\n", r.Duration.Round(time.Millisecond), r.RunID)
		return
	}
	fmt.Printf("✓ %d upserted", r.Successful)
	if r.Failed > 0 {
		fmt.Printf(", %d failed", r.Failed)
	}
	if r.Archived > 0 {
		fmt.Printf(", %d archived", r.Archived)
	}
	if r.ArchiveFailed > 0 {
		fmt.Printf(", %d archive failures", r.ArchiveFailed)
	}
	if r.Skipped > 0 {
		fmt.Printf(", %d skipped", r.Skipped)
	}
	if r.Discrepancies > 0 {
		fmt.Printf(" (server filter discrepancy detected)")
	}
	fmt.Printf(" in %s (run %s)\n", r.Duration.Round(time.Millisecond), r.RunID)
}
