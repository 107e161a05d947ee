package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/asheshgoplani/agent-relay/internal/engine"
)

// handleSync flushes pending deltas for one session or all of them.
func handleSync(args []string) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	sessionID := fs.String("session", "", "sync only this session")
	_ = fs.Parse(args)

	eng, db, err := openEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	var ids []string
	if *sessionID != "" {
		ids = []string{*sessionID}
	} else {
		sessions, err := eng.Sessions().List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, s := range sessions {
			ids = append(ids, s.ID)
		}
	}

	totalSynced, totalFailed := 0, 0
	for _, id := range ids {
		synced, failed, err := eng.SyncSession(ctx, id)
		if err != nil {
			if errors.Is(err, engine.ErrLocked) {
				fmt.Fprintf(os.Stderr, "Skipping %s: locked by another process\n", id)
				continue
			}
			fmt.Fprintf(os.Stderr, "Error syncing %s: %v\n", id, err)
			continue
		}
		totalSynced += synced
		totalFailed += failed
	}

	fmt.Printf("Synced %d delta(s), %d rejected\n", totalSynced, totalFailed)
}
