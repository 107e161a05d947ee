package web

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// wsStatus is the stream's own framing; engine events pass through as-is.
type wsStatus struct {
	Type  string    `json:"type"`
	Event string    `json:"event,omitempty"`
	Time  time.Time `json:"time,omitempty"`
}

const wsPingInterval = 30 * time.Second

// handleEventsWS streams engine events to the client until either side
// disconnects. The client is not expected to send anything; its read
// side is drained only to observe the close.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.cfg.Events == nil {
		writeAPIError(w, http.StatusServiceUnavailable, "NO_EVENT_SOURCE", "event stream is not available")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.cfg.Events.Subscribe()
	defer cancel()

	_ = conn.WriteJSON(wsStatus{Type: "status", Event: "connected", Time: time.Now().UTC()})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				if websocket.IsUnexpectedCloseError(
					err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived,
				) {
					webLog.Warn("websocket_closed_unexpectedly", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}
