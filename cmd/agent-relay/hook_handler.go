package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/engine"
	"github.com/asheshgoplani/agent-relay/internal/launch"
)

// hookPayload is the JSON the assistant sends to lifecycle hooks via
// stdin. Only the fields we need are decoded.
type hookPayload struct {
	HookEventName string `json:"hook_event_name"`
	SessionID     string `json:"session_id"`
}

// handleHookHandler performs one lock-guarded extraction pass for the
// session named in the environment. It always exits 0: a hook failure
// must never block or break the assistant.
func handleHookHandler() {
	sessionID := os.Getenv(launch.EnvSessionID)
	if sessionID == "" {
		// This assistant session isn't tracked by agent-relay
		return
	}

	// Drain stdin; the payload is informational (the session id in the
	// environment is authoritative).
	data, _ := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
	var payload hookPayload
	_ = json.Unmarshal(data, &payload)

	eng, db, err := openEngine()
	if err != nil {
		return
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// ErrLocked means the owning run process is mid-pass; its monitor
	// will pick up the same content shortly.
	if _, err := eng.ExtractOnce(ctx, sessionID); err != nil && !errors.Is(err, engine.ErrLocked) {
		return
	}
}
