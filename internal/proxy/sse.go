package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// sseWriter frames SSE events onto a gin response. All writes flush
// immediately; buffering defeats streaming.
type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter prepares the response for streaming and returns the
// framer. It reports false when the connection cannot stream.
func newSSEWriter(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	return &sseWriter{w: c.Writer, flusher: flusher}, true
}

// data writes one `data: <json>` frame.
func (s *sseWriter) data(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// event writes a named `event:` plus `data:` frame, as the Responses
// API requires.
func (s *sseWriter) event(name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, raw); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// done writes the chat-completions terminator.
func (s *sseWriter) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}
