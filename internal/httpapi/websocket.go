package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	nerrors "github.com/nexus-agents/orchestrator-core/pkg/errors"
	"github.com/nexus-agents/orchestrator-core/pkg/eventbus"
)

// errBusUnavailable reports that this façade instance was started without an
// event bus wired in (WithEventBus), so /ws/monitor has nothing to stream.
func errBusUnavailable() *nerrors.ServiceError {
	return &nerrors.ServiceError{
		Kind:       nerrors.KindConfig,
		Code:       "BUS_UNAVAILABLE",
		Message:    "event bus not configured",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// upgrader permits cross-origin WebSocket connections; /ws/monitor is a
// read-only event stream with no ambient credentials to leak.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// monitorWS streams eventbus envelopes per spec.md §4.2/§6, filtered by the
// project_id, task_id, event_types (csv), and stats_only query parameters.
func (h *Handler) monitorWS(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeError(w, errBusUnavailable())
		return
	}

	filter := eventbus.Filter{TaskID: r.URL.Query().Get("task_id")}
	if pid := r.URL.Query().Get("project_id"); pid != "" {
		filter.ProjectID = &pid
	}
	if types := r.URL.Query().Get("event_types"); types != "" {
		filter.EventTypes = make(map[eventbus.EventType]bool)
		for _, t := range strings.Split(types, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				filter.EventTypes[eventbus.EventType(t)] = true
			}
		}
	}
	if r.URL.Query().Get("stats_only") == "true" {
		filter.EventTypes = map[eventbus.EventType]bool{eventbus.EventStatsSnapshot: true}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.WithError(err).Warn("httpapi: websocket upgrade failed")
		}
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(filter)
	defer sub.Close()

	// Drain client-initiated control/close frames so the read side never
	// blocks the connection's keepalive, the same split-goroutine shape
	// applications/httpapi uses for its streaming endpoints.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
