package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutorchat/internal/oai"
)

// scriptedStream plays back a fixed event sequence, then io.EOF. When block
// is set it never produces an event and instead waits out its context.
type scriptedStream struct {
	ctx    context.Context
	events []oai.StreamEvent
	block  bool

	mu     sync.Mutex
	closed bool
}

func (s *scriptedStream) Next() (oai.StreamEvent, error) {
	if s.block {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	if len(s.events) == 0 {
		return nil, io.EOF
	}
	next := s.events[0]
	s.events = s.events[1:]
	return next, nil
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// streamingConv scripts successive streams: the first StreamRun call gets
// scripts[0], each StreamToolOutputs continuation the next one.
func streamingConv(scripts ...[]oai.StreamEvent) *fakeConv {
	var mu sync.Mutex
	i := 0
	return &fakeConv{streamFn: func(ctx context.Context) (oai.EventStream, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(scripts) {
			return nil, errors.New("no more streams scripted")
		}
		s := &scriptedStream{ctx: ctx, events: scripts[i]}
		i++
		return s, nil
	}}
}

func TestStreamRelaysFragmentsInOrder(t *testing.T) {
	conv := streamingConv([]oai.StreamEvent{
		oai.MessageDelta{Segments: []string{"Hola"}},
		oai.MessageDelta{Segments: []string{" mundo"}},
		oai.RunCompleted{RunID: "run_1"},
	})
	d := newTestDriver(conv, nil, nil)

	var fragments []string
	err := d.Stream(context.Background(), testParams(), func(fragment string) error {
		fragments = append(fragments, fragment)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hola", " mundo"}, fragments)
}

func TestStreamSkipsEmptySegments(t *testing.T) {
	conv := streamingConv([]oai.StreamEvent{
		oai.MessageDelta{Segments: []string{"", "a", ""}},
		oai.RunCompleted{RunID: "run_1"},
	})
	d := newTestDriver(conv, nil, nil)

	var fragments []string
	err := d.Stream(context.Background(), testParams(), func(fragment string) error {
		fragments = append(fragments, fragment)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, fragments)
}

func TestStreamResolvesToolCallsAndContinues(t *testing.T) {
	conv := streamingConv(
		[]oai.StreamEvent{
			oai.MessageDelta{Segments: []string{"Preparando la evaluación"}},
			oai.ActionRequired{RunID: "run_1", ToolCalls: []openai.ToolCall{
				toolCall("call_1", "iniciar_evaluacion", `{"subtema":"matrices"}`),
			}},
		},
		[]oai.StreamEvent{
			oai.MessageDelta{Segments: []string{"Primera pregunta:"}},
			oai.RunCompleted{RunID: "run_1"},
		},
	)

	dispatched := 0
	disp := NewDispatcher()
	disp.Register("iniciar_evaluacion", func(ctx context.Context, tc ToolContext, args json.RawMessage) (any, error) {
		dispatched++
		return map[string]any{"evaluation_id": 1}, nil
	})

	d := newTestDriver(conv, disp, nil)
	var fragments []string
	err := d.Stream(context.Background(), testParams(), func(fragment string) error {
		fragments = append(fragments, fragment)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Preparando la evaluación", "Primera pregunta:"}, fragments)
	assert.Equal(t, 1, dispatched)
	require.Len(t, conv.submitted, 1)
	assert.Equal(t, "call_1", conv.submitted[0][0].ToolCallID)
}

func TestStreamRunFailureCarriesMessage(t *testing.T) {
	conv := streamingConv([]oai.StreamEvent{
		oai.MessageDelta{Segments: []string{"Hola"}},
		oai.RunFailed{RunID: "run_1", Status: "failed", Message: "rate limit exceeded"},
	})
	d := newTestDriver(conv, nil, nil)

	err := d.Stream(context.Background(), testParams(), func(string) error { return nil })
	var failure *RunFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "rate limit exceeded", failure.Message)
	assert.NotErrorIs(t, err, ErrRelayTimeout)
}

func TestStreamTimeoutDistinctFromBackendFailure(t *testing.T) {
	conv := &fakeConv{streamFn: func(ctx context.Context) (oai.EventStream, error) {
		return &scriptedStream{ctx: ctx, block: true}, nil
	}}
	d := NewDriver(conv, &fakeDirectory{}, &fakeRecorder{}, NewDispatcher(), NewGate(6),
		time.Millisecond, 30*time.Millisecond)

	err := d.Stream(context.Background(), testParams(), func(string) error { return nil })
	require.ErrorIs(t, err, ErrRelayTimeout)
}

func TestStreamConsumerDisconnectStopsRelay(t *testing.T) {
	conv := streamingConv([]oai.StreamEvent{
		oai.MessageDelta{Segments: []string{"Hola"}},
		oai.MessageDelta{Segments: []string{" mundo"}},
		oai.RunCompleted{RunID: "run_1"},
	})
	d := newTestDriver(conv, nil, nil)

	consumerGone := errors.New("consumer gone")
	seen := 0
	err := d.Stream(context.Background(), testParams(), func(string) error {
		seen++
		return consumerGone
	})
	require.ErrorIs(t, err, consumerGone)
	assert.Equal(t, 1, seen, "relay must stop at the first unacknowledged fragment")
}

func TestStreamGateReleasedOnTimeout(t *testing.T) {
	gate := NewGate(1)
	conv := &fakeConv{streamFn: func(ctx context.Context) (oai.EventStream, error) {
		return &scriptedStream{ctx: ctx, block: true}, nil
	}}
	d := NewDriver(conv, &fakeDirectory{}, &fakeRecorder{}, NewDispatcher(), gate,
		time.Millisecond, 20*time.Millisecond)

	err := d.Stream(context.Background(), testParams(), func(string) error { return nil })
	require.ErrorIs(t, err, ErrRelayTimeout)
	assert.Equal(t, int64(0), gate.Held())
}
