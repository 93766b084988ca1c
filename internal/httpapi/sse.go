package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// keepaliveInterval is how often an idle SSE stream emits a comment frame so
// intermediaries do not drop the connection.
const keepaliveInterval = 15 * time.Second

// sseStream frames server-sent events onto an http.ResponseWriter. Writes are
// serialized because the keepalive ticker runs on its own goroutine.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

// newSSEStream sets the SSE headers, writes the `: connected` preamble, and
// starts the keepalive ticker. Returns an error when the writer cannot flush.
func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by connection")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s := &sseStream{w: w, flusher: flusher, stop: make(chan struct{})}
	s.comment("connected")

	go s.keepalive()
	return s, nil
}

func (s *sseStream) keepalive() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.comment("keepalive")
		case <-s.stop:
			return
		}
	}
}

// Send frames one event. Payloads that fail to marshal are reported as an
// error event rather than silently dropped.
func (s *sseStream) Send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":"failed to encode event: %v"}`, err))
		event = "error"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}

func (s *sseStream) comment(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}

// Close stops the keepalive ticker and marks the stream dead. Safe to call
// more than once.
func (s *sseStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stop)
}
