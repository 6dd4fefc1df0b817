package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"agentcore/pkg/config"
	"agentcore/pkg/persistence"
)

// manageConversations lists or deletes stored conversations without
// starting a provider.
func manageConversations(ctx context.Context, cfg *config.Config, opts options, stdout, stderr io.Writer) int {
	if !cfg.Persistence.Enabled {
		fmt.Fprintln(stderr, "Managing conversations requires persistence to be enabled.")
		return 1
	}
	store, err := persistence.Open(ctx, cfg.Persistence.Path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open conversation store: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	if opts.deleteID != "" {
		if err := store.Delete(ctx, opts.deleteID); err != nil {
			fmt.Fprintf(stderr, "Failed to delete conversation: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Deleted conversation %s\n", opts.deleteID)
		return 0
	}

	summaries, err := store.List(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMESSAGES\tUPDATED")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%d\t%s\n", s.ID, s.Messages, s.UpdatedAt.Local().Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	return 0
}
