package httpx

import (
	"net/http"
	"strings"
	"time"

	"github.com/splax/deploygate/internal/ws"
)

// streamApplication resolves the application_id query parameter of a stream request.
func (r *Router) streamApplication(w http.ResponseWriter, req *http.Request) (string, bool) {
	if r.events.Hub() == nil {
		writeError(w, http.StatusServiceUnavailable, "event streaming disabled")
		return "", false
	}
	applicationID := strings.TrimSpace(req.URL.Query().Get("application_id"))
	if applicationID == "" {
		writeError(w, http.StatusBadRequest, "application_id query parameter required")
		return "", false
	}
	if _, err := r.apps.Get(req.Context(), applicationID); err != nil {
		r.writeServiceError(w, req, err)
		return "", false
	}
	return applicationID, true
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	applicationID, ok := r.streamApplication(w, req)
	if !ok {
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	hub := r.events.Hub()
	client := ws.NewClient(conn, r.logger)
	hub.Register(applicationID, client)
	go func() {
		defer func() {
			hub.Unregister(applicationID, client)
			client.Close()
		}()
		gone := make(chan struct{})
		go func() {
			client.Drain()
			close(gone)
		}()
		ticker := time.NewTicker(streamPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gone:
				return
			case <-ticker.C:
				if err := client.Ping(); err != nil {
					return
				}
			}
		}
	}()
}

func (r *Router) handleEventsSSE(w http.ResponseWriter, req *http.Request) {
	applicationID, ok := r.streamApplication(w, req)
	if !ok {
		return
	}
	client, err := ws.NewSSEClient(w, r.logger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	hub := r.events.Hub()
	hub.Register(applicationID, client)
	defer func() {
		hub.Unregister(applicationID, client)
		client.Close()
	}()

	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
