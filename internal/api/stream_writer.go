package api

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter emits caption progress as server-sent events. Headers are
// written lazily so that failures before the first word can still be
// reported as a plain JSON error.
type SSEStreamWriter struct {
	res     http.ResponseWriter
	flusher http.Flusher
	seq     int
	begun   bool
}

type streamEvent struct {
	Type           string           `json:"type"`
	Caption        *CaptionResponse `json:"caption,omitempty"`
	Step           *int             `json:"step,omitempty"`
	Word           string           `json:"word,omitempty"`
	Error          *ResponseError   `json:"error,omitempty"`
	SequenceNumber int              `json:"sequence_number"`
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	return &SSEStreamWriter{res: res, flusher: flusher, seq: 1}, nil
}

func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

func (s *SSEStreamWriter) Begin(id string) error {
	if s.begun {
		return nil
	}
	s.begun = true
	h := s.res.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.res.WriteHeader(http.StatusOK)
	return s.send(streamEvent{Type: "caption.created", Caption: &CaptionResponse{ID: id, Object: "caption"}})
}

func (s *SSEStreamWriter) EmitWord(id string, step int, word string) error {
	if err := s.Begin(id); err != nil {
		return err
	}
	return s.send(streamEvent{Type: "caption.word", Step: &step, Word: word})
}

func (s *SSEStreamWriter) Complete(resp CaptionResponse) error {
	if err := s.Begin(resp.ID); err != nil {
		return err
	}
	return s.send(streamEvent{Type: "caption.completed", Caption: &resp})
}

func (s *SSEStreamWriter) Failed(err error) error {
	_, errType := captionErrorStatus(err)
	return s.send(streamEvent{Type: "caption.failed", Error: &ResponseError{
		Message: err.Error(),
		Type:    errType,
	}})
}

func (s *SSEStreamWriter) send(event streamEvent) error {
	event.SequenceNumber = s.seq
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.res, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	s.seq++
	return nil
}
