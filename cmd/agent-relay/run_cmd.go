package main

import (
	"context"
	"fmt"
	"os"

	"github.com/asheshgoplani/agent-relay/internal/agent"
	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/engine"
	"github.com/asheshgoplani/agent-relay/internal/statedb"
)

// openEngine loads config, opens the registry, and builds the engine.
func openEngine() (*engine.Engine, *statedb.StateDB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := statedb.Open(config.RegistryPath())
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return engine.New(cfg, db), db, nil
}

// handleRun launches an assistant in a tracked session and exits with
// the assistant's exit code.
func handleRun(args []string) {
	agentName, extra := splitRunArgs(args)
	if agentName == "" {
		fmt.Fprintln(os.Stderr, "Usage: agent-relay run <agent> [-- args...]")
		fmt.Fprintf(os.Stderr, "Agents: %v\n", agent.Names())
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	command := cfg.Agents[agentName].Command
	if command == "" {
		command = agentName
	}

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	eng, db, err := openEngine()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	// Finish anything a previous crashed run left behind
	eng.RecoverOrphans(context.Background())

	exitCode, err := eng.RunSession(context.Background(), engine.RunOptions{
		Agent:   agentName,
		Argv:    append([]string{command}, extra...),
		WorkDir: workDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode < 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

// splitRunArgs separates the agent name from passthrough args after --.
func splitRunArgs(args []string) (string, []string) {
	if len(args) == 0 {
		return "", nil
	}
	agentName := args[0]
	rest := args[1:]
	for i, a := range rest {
		if a == "--" {
			return agentName, rest[i+1:]
		}
	}
	return agentName, rest
}
