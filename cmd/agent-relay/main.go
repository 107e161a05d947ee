package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/config"
	"github.com/asheshgoplani/agent-relay/internal/logging"
)

const Version = "0.3.1"

func main() {
	// A panic takes the recent log tail with it unless it is dumped
	// first; the ring buffer holds what the rotated file may have
	// already lost.
	defer func() {
		if r := recover(); r != nil {
			dumpPath := filepath.Join(config.LogsDir(),
				fmt.Sprintf("crash-dump-%d.jsonl", time.Now().Unix()))
			_ = logging.DumpRingBuffer(dumpPath)
			panic(r)
		}
	}()

	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		return
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("agent-relay v%s\n", Version)
	case "help", "--help", "-h":
		printHelp()
	case "run":
		initLogging()
		defer logging.Shutdown()
		handleRun(args[1:])
	case "hook-handler":
		initLogging()
		defer logging.Shutdown()
		handleHookHandler()
	case "sync":
		initLogging()
		defer logging.Shutdown()
		handleSync(args[1:])
	case "sessions":
		handleSessions(args[1:])
	case "web":
		initLogging()
		defer logging.Shutdown()
		handleWeb(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		printHelp()
		os.Exit(1)
	}
}

// initLogging wires the structured log pipeline from config. Without
// debug mode or an explicit log setting, output is discarded so the
// assistant's terminal stays clean.
func initLogging() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return
	}

	debugMode := cfg.Logs.Debug || os.Getenv("AGENTRELAY_DEBUG") != ""
	logging.Init(logging.Config{
		Debug:        debugMode,
		LogDir:       config.LogsDir(),
		Level:        cfg.Logs.Level,
		Format:       cfg.Logs.Format,
		PprofEnabled: cfg.Logs.Pprof,
	})
}

func printHelp() {
	fmt.Print(`agent-relay - usage metrics relay for AI coding assistants

Usage:
  agent-relay run <agent> [-- args...]   Launch an assistant in a tracked session
  agent-relay hook-handler               Extraction entrypoint for assistant hooks
  agent-relay sync [--session <id>]      Flush pending deltas to the collector
  agent-relay sessions list              List tracked sessions
  agent-relay sessions show <id>         Show one session
  agent-relay web [--listen <addr>]      Start the local status server
  agent-relay version                    Print version
  agent-relay help                       Show this help

Agents: claude, codex, gemini

Configuration lives in ~/.agent-relay/config.toml.
`)
}
