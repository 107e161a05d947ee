package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

// handleSessions inspects tracked sessions from the registry.
func handleSessions(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: agent-relay sessions <list|show <id>>")
		os.Exit(1)
	}

	db, err := statedb.Open(config.RegistryPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch args[0] {
	case "list", "ls":
		listSessions(db)
	case "show":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Usage: agent-relay sessions show <id>")
			os.Exit(1)
		}
		showSession(db, args[1])
	default:
		fmt.Fprintf(os.Stderr, "Unknown sessions subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func listSessions(db *statedb.StateDB) {
	rows, err := db.LoadSessions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(rows) == 0 {
		fmt.Println("No tracked sessions.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAGENT\tSTATUS\tSTARTED\tDELTAS\tSYNCED\tFAILED")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			shortID(row.ID), row.Agent, row.Status,
			row.StartedAt.Format("2006-01-02 15:04"),
			row.DeltasCreated, row.DeltasSynced, row.DeltasFailed)
	}
	w.Flush()
}

func showSession(db *statedb.StateDB, id string) {
	rows, err := db.LoadSessions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, row := range rows {
		if row.ID != id && shortID(row.ID) != id {
			continue
		}
		fmt.Printf("ID:          %s\n", row.ID)
		fmt.Printf("Agent:       %s\n", row.Agent)
		fmt.Printf("Status:      %s\n", row.Status)
		fmt.Printf("Work dir:    %s\n", row.WorkDir)
		fmt.Printf("Started:     %s\n", row.StartedAt.Format(time.RFC3339))
		if !row.EndedAt.IsZero() {
			fmt.Printf("Ended:       %s\n", row.EndedAt.Format(time.RFC3339))
		}
		if row.AgentSessionID != "" {
			fmt.Printf("Agent sess:  %s\n", row.AgentSessionID)
			fmt.Printf("Session file:%s\n", row.SessionFile)
		}
		fmt.Printf("Deltas:      %d created, %d synced, %d failed\n",
			row.DeltasCreated, row.DeltasSynced, row.DeltasFailed)
		if last, count, err := db.LastProxyActivity(row.ID); err == nil && count > 0 {
			fmt.Printf("Proxy:       %d request(s), last %s\n", count, last.Format(time.RFC3339))
		}
		return
	}

	fmt.Fprintf(os.Stderr, "Session not found: %s\n", id)
	os.Exit(1)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
