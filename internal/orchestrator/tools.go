package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

// ToolContext carries the conversation identity a tool handler may need.
type ToolContext struct {
	ThreadID    string
	AssistantID string
	StudentID   int64
}

// ToolFunc handles one tool call. The returned value is serialized as the
// tool output; a returned error becomes a structured error output for the
// model, never a failure of the batch.
type ToolFunc func(ctx context.Context, tc ToolContext, args json.RawMessage) (any, error)

// Dispatcher maps tool-call function names to handlers.
type Dispatcher struct {
	handlers map[string]ToolFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]ToolFunc)}
}

func (d *Dispatcher) Register(name string, fn ToolFunc) {
	d.handlers[name] = fn
}

// Resolve produces exactly one output per tool call. Unknown function names
// and handler failures yield structured error outputs so one bad call never
// blocks resolution of the others.
func (d *Dispatcher) Resolve(ctx context.Context, tc ToolContext, calls []openai.ToolCall) []openai.ToolOutput {
	outputs := make([]openai.ToolOutput, 0, len(calls))
	for _, call := range calls {
		result := d.resolveOne(ctx, tc, call)
		outputs = append(outputs, openai.ToolOutput{
			ToolCallID: call.ID,
			Output:     encodeToolResult(result),
		})
	}
	return outputs
}

func (d *Dispatcher) resolveOne(ctx context.Context, tc ToolContext, call openai.ToolCall) (result any) {
	name := call.Function.Name
	handler, known := d.handlers[name]
	if !known {
		log.Warn().Str("tool", name).Msg("unsupported tool requested")
		return map[string]string{"error": name + " not supported"}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("tool", name).Any("panic", r).Msg("tool handler panicked")
			result = map[string]string{"error": fmt.Sprintf("%s failed: %v", name, r)}
		}
	}()

	out, err := handler(ctx, tc, json.RawMessage(call.Function.Arguments))
	if err != nil {
		log.Error().Err(err).Str("tool", name).Msg("tool handler failed")
		return map[string]string{"error": err.Error()}
	}
	return out
}

func encodeToolResult(result any) string {
	encoded, err := json.Marshal(result)
	if err != nil {
		log.Error().Err(err).Msg("tool result not serializable")
		return `{"error": "tool result not serializable"}`
	}
	return string(encoded)
}
