package oai

import "github.com/sashabaranov/go-openai"

// StreamEvent is the closed set of events a run stream can produce. The
// variants mirror the wire-level taxonomy: message deltas, tool-call pauses
// and the two terminal outcomes. Everything else on the wire is noise to the
// relay and is dropped during decoding.
type StreamEvent interface {
	streamEvent()
}

// MessageDelta carries the non-empty text segments of one delta event, in
// wire order.
type MessageDelta struct {
	Segments []string
}

// ActionRequired reports a run paused waiting for tool outputs.
type ActionRequired struct {
	RunID     string
	ToolCalls []openai.ToolCall
}

// RunCompleted reports a clean terminal state.
type RunCompleted struct {
	RunID string
}

// RunFailed reports a terminal failure (failed, cancelled or expired),
// carrying the service's last-error text when present.
type RunFailed struct {
	RunID   string
	Status  string
	Message string
}

func (MessageDelta) streamEvent()   {}
func (ActionRequired) streamEvent() {}
func (RunCompleted) streamEvent()   {}
func (RunFailed) streamEvent()      {}

// EventStream is a lazy, finite, non-restartable sequence of stream events.
// Next blocks until the next event arrives and returns io.EOF once the wire
// stream ends.
type EventStream interface {
	Next() (StreamEvent, error)
	Close() error
}
