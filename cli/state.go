// ABOUTME: State inspection and reset CLI commands
// ABOUTME: Shows last sync times, error, and recent run history
package cli

import (
	"flag"
	"fmt"
	"time"

	"github.com/harperreed/membersync/state"
)

// StateShowCommand prints the persisted sync state. It needs only the store,
// so it works without registry or CMS credentials configured.
func StateShowCommand(store state.Store, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	historyCount := fs.Int("history", 5, "Number of recent runs to show")
	_ = fs.Parse(args)

	st, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	fmt.Println("Sync State")
	fmt.Println("==========")
	fmt.Printf("Last full sync:        %s\n", formatSyncTime(st.LastFullSync))
	fmt.Printf("Last incremental sync: %s\n", formatSyncTime(st.LastIncrementalSync))
	fmt.Printf("Total syncs:           %d\n", st.SyncCount)
	fmt.Printf("Tracked members:       %d\n", len(st.MemberModifiedAt))
	if st.LastError != nil {
		fmt.Printf("Last error:            %s (%s)\n", st.LastError.Message, formatTimeSince(st.LastError.Time))
	}

	if len(st.History) > 0 && *historyCount > 0 {
		fmt.Println("\nRecent runs:")
		start := len(st.History) - *historyCount
		if start < 0 {
			start = 0
		}
		for i := len(st.History) - 1; i >= start; i-- {
			rec := st.History[i]
			status := fmt.Sprintf("%d upserted, %d failed, %d archived", rec.Successful, rec.Failed, rec.Archived)
			if rec.NoChanges {
				status = "no changes"
			}
			if rec.Error != "" {
				status = "error: " + rec.Error
			}
			fmt.Printf("  %s  %-11s %s (%s)\n", formatTimeSince(rec.StartedAt), rec.Kind, status, rec.Duration.Round(time.Millisecond))
		}
	}
	return nil
}

// StateResetCommand wipes the persisted state after confirmation.
func StateResetCommand(store state.Store, args []string) error {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	force := fs.Bool("force", false, "Skip confirmation")
	_ = fs.Parse(args)

	if !*force {
		fmt.Print("This clears all sync bookkeeping; the next run re-syncs everything. Continue? [y/N] ")
		var answer string
		_, _ = fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("Aborted")
			return nil
		}
	}

	if _, err := store.Reset(); err != nil {
		return fmt.Errorf("failed to reset state: %w", err)
	}
	fmt.Println("✓ Sync state reset")
	return nil
}

// formatSyncTime renders an optional timestamp for display.
func formatSyncTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04:05"), formatTimeSince(*t))
}

// formatTimeSince renders a compact relative age like "3m ago".
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
