package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/webpilot/internal/protocol"
)

const streamKeepAlive = 25 * time.Second

// handleStreamSSE forwards broadcaster events to the client as
// server-sent events, preserving arrival order. The connection opens
// with the current status so late subscribers start from a known state.
func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "unsupported", "streaming unsupported")
		return
	}
	if s.broadcaster == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "broadcaster not configured")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events, cancel := s.broadcaster.Subscribe()
	defer cancel()

	writeSSE(w, protocol.StreamEvent{
		Type:    protocol.TypeStatus,
		Payload: s.ctrl.Status(),
		At:      time.Now().UTC(),
	})
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, evt)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt protocol.StreamEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// handleStreamWS mirrors the broadcaster over a websocket for clients
// that prefer it to SSE.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "broadcaster not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.broadcaster.Subscribe()
	defer cancel()

	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(protocol.StreamEvent{
		Type:    protocol.TypeStatus,
		Payload: s.ctrl.Status(),
		At:      time.Now().UTC(),
	}); err != nil {
		return
	}

	// Reader goroutine notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-keepAlive.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
