package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const sseWriteTimeout = 3 * time.Second

// SSEStream writes Server-Sent Events to one client.
type SSEStream struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	f      http.Flusher
	nextID int
}

// NewSSEStream sends the event-stream headers. It fails when the
// ResponseWriter cannot flush.
func NewSSEStream(w http.ResponseWriter) (*SSEStream, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &SSEStream{w: w, rc: http.NewResponseController(w), f: f}, nil
}

// Send writes one numbered event. It returns false once the
// client is gone or stalls past the write deadline.
func (s *SSEStream) Send(event, data string) bool {
	_ = s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	defer func() { _ = s.rc.SetWriteDeadline(time.Time{}) }()

	s.nextID++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n",
		s.nextID, event, data); err != nil {
		log.Printf("SSE write error for %q: %v", event, err)
		return false
	}
	s.f.Flush()
	return true
}

// SendJSON writes an event whose data is v encoded as JSON.
func (s *SSEStream) SendJSON(event string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("SSE marshal error for %q: %v", event, err)
		return false
	}
	return s.Send(event, string(data))
}
