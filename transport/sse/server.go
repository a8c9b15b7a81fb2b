// Package sse streams invalidation events to remote windows over
// Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c0deZ3R0/go-state-sync/bus"
	kiterr "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/logging"
)

// DefaultHeartbeat is how often an idle stream sends a comment line.
const DefaultHeartbeat = 15 * time.Second

// Server streams events from source, one fresh subscription per request.
type Server struct {
	Source    bus.Source
	Logger    *logging.Logger
	Heartbeat time.Duration
}

// NewServer creates a new SSE server with default settings
func NewServer(source bus.Source, logger *logging.Logger) *Server {
	return &Server{
		Source:    source,
		Logger:    logging.OrDefault(logger).WithComponent("sse-server"),
		Heartbeat: DefaultHeartbeat,
	}
}

// Handler serves GET requests as an event stream. The subscription is in
// place before the response headers are sent, so a client that has seen
// the headers misses nothing published afterwards.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ctx := r.Context()
		stream, err := s.Source.Open(ctx)
		if err != nil {
			e := kiterr.E(kiterr.Op("sse.Handler"), kiterr.Component("transport/sse"), err, "subscribe")
			s.Logger.LogError(ctx, e, "subscription failed")
			http.Error(w, "subscription unavailable", http.StatusServiceUnavailable)
			return
		}
		defer stream.Unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		window := r.Header.Get("X-Window-Id")
		s.Logger.Debug("stream opened", slog.String("window", window))
		defer s.Logger.Debug("stream closed", slog.String("window", window))

		heartbeat := s.Heartbeat
		if heartbeat <= 0 {
			heartbeat = DefaultHeartbeat
		}
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stream.Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, ok := <-stream.Events():
				if !ok {
					return
				}
				if err := writeEvent(w, ev); err != nil {
					s.Logger.LogWarnError(ctx, err, "write failed", slog.String("window", window))
					return
				}
				flusher.Flush()
			}
		}
	})
}

func writeEvent(w http.ResponseWriter, ev bus.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Revision, bus.EventName, b)
	return err
}
