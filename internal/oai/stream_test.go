package oai

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream(wire string) *sseStream {
	body := io.NopCloser(strings.NewReader(wire))
	return &sseStream{body: body, r: bufio.NewReader(body)}
}

func TestStreamParsesMessageDeltas(t *testing.T) {
	wire := "event: thread.message.delta\n" +
		`data: {"id":"msg_1","delta":{"content":[{"type":"text","text":{"value":"Hola"}},{"type":"text","text":{"value":" mundo"}}]}}` + "\n\n" +
		"event: done\ndata: [DONE]\n\n"
	s := newTestStream(wire)

	ev, err := s.Next()
	require.NoError(t, err)
	delta, ok := ev.(MessageDelta)
	require.True(t, ok)
	assert.Equal(t, []string{"Hola", " mundo"}, delta.Segments)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamParsesRequiresAction(t *testing.T) {
	wire := "event: thread.run.requires_action\n" +
		`data: {"id":"run_1","status":"requires_action","required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"iniciar_evaluacion","arguments":"{\"subtema\":\"matrices\"}"}}]}}}` + "\n\n"
	s := newTestStream(wire)

	ev, err := s.Next()
	require.NoError(t, err)
	action, ok := ev.(ActionRequired)
	require.True(t, ok)
	assert.Equal(t, "run_1", action.RunID)
	require.Len(t, action.ToolCalls, 1)
	assert.Equal(t, "call_1", action.ToolCalls[0].ID)
	assert.Equal(t, "iniciar_evaluacion", action.ToolCalls[0].Function.Name)
}

func TestStreamParsesTerminalEvents(t *testing.T) {
	wire := "event: thread.run.completed\n" +
		`data: {"id":"run_1","status":"completed"}` + "\n\n" +
		"event: thread.run.failed\n" +
		`data: {"id":"run_2","status":"failed","last_error":{"code":"server_error","message":"model crashed"}}` + "\n\n"
	s := newTestStream(wire)

	ev, err := s.Next()
	require.NoError(t, err)
	completed, ok := ev.(RunCompleted)
	require.True(t, ok)
	assert.Equal(t, "run_1", completed.RunID)

	ev, err = s.Next()
	require.NoError(t, err)
	failed, ok := ev.(RunFailed)
	require.True(t, ok)
	assert.Equal(t, "failed", failed.Status)
	assert.Equal(t, "model crashed", failed.Message)
}

func TestStreamMapsCancelledAndExpiredToFailure(t *testing.T) {
	wire := "event: thread.run.cancelled\n" +
		`data: {"id":"run_1","status":"cancelled"}` + "\n\n" +
		"event: thread.run.expired\n" +
		`data: {"id":"run_2","status":"expired"}` + "\n\n"
	s := newTestStream(wire)

	ev, err := s.Next()
	require.NoError(t, err)
	failed, ok := ev.(RunFailed)
	require.True(t, ok)
	assert.Equal(t, "cancelled", failed.Status)

	ev, err = s.Next()
	require.NoError(t, err)
	failed, ok = ev.(RunFailed)
	require.True(t, ok)
	assert.Equal(t, "expired", failed.Status)
}

func TestStreamSkipsIrrelevantEvents(t *testing.T) {
	wire := "event: thread.run.step.created\n" +
		`data: {"id":"step_1"}` + "\n\n" +
		"event: thread.message.created\n" +
		`data: {"id":"msg_1"}` + "\n\n" +
		"event: thread.run.completed\n" +
		`data: {"id":"run_1","status":"completed"}` + "\n\n"
	s := newTestStream(wire)

	ev, err := s.Next()
	require.NoError(t, err)
	_, ok := ev.(RunCompleted)
	assert.True(t, ok, "step and message lifecycle events must be skipped")
}

func TestStreamEndsAtEOF(t *testing.T) {
	s := newTestStream("")
	_, err := s.Next()
	assert.ErrorIs(t, err, io.EOF)
}
