package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dwellfi/provision-brain/internal/events"
	"github.com/dwellfi/provision-brain/internal/platform/logger"
)

// Streamer writes a job's event channel to an SSE response. The stream ends
// when the client goes away or a terminal job event passes through.
type Streamer struct {
	log *logger.Logger
}

func NewStreamer(log *logger.Logger) *Streamer {
	return &Streamer{log: log.With("component", "SSEStreamer")}
}

// Stream sends an optional initial snapshot followed by every payload from
// src. Heartbeats keep intermediaries from timing the connection out.
func (s *Streamer) Stream(c *gin.Context, initial any, src <-chan []byte) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ctx := c.Request.Context()

	if initial != nil {
		if b, err := json.Marshal(initial); err == nil {
			fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", b)
			flusher.Flush()
		}
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case payload, open := <-src:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", payload)
			flusher.Flush()
			if isTerminal(payload) {
				return
			}
		}
	}
}

func isTerminal(payload []byte) bool {
	var ev events.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return false
	}
	return ev.Type.Terminal()
}
