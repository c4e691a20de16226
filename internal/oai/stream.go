package oai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

// The client library used for the plain thread/run calls has no support for
// run event streams, so the SSE endpoints are spoken directly. Event names
// follow the wire protocol: thread.message.delta, thread.run.requires_action,
// thread.run.completed, thread.run.failed and friends.

// StreamRun submits a streaming run-creation request and returns the live
// event stream.
func (s *Service) StreamRun(ctx context.Context, threadID, assistantID, instructions string) (EventStream, error) {
	payload := map[string]any{
		"assistant_id": assistantID,
		"stream":       true,
	}
	if instructions != "" {
		payload["additional_instructions"] = instructions
	}
	return s.openStream(ctx, fmt.Sprintf("%s/threads/%s/runs", s.baseURL, threadID), payload)
}

// StreamToolOutputs submits tool outputs for a paused run and returns the
// continuation event stream.
func (s *Service) StreamToolOutputs(ctx context.Context, threadID, runID string, outputs []openai.ToolOutput) (EventStream, error) {
	outs := make([]map[string]any, 0, len(outputs))
	for _, o := range outputs {
		outs = append(outs, map[string]any{
			"tool_call_id": o.ToolCallID,
			"output":       o.Output,
		})
	}
	payload := map[string]any{
		"tool_outputs": outs,
		"stream":       true,
	}
	return s.openStream(ctx,
		fmt.Sprintf("%s/threads/%s/runs/%s/submit_tool_outputs", s.baseURL, threadID, runID), payload)
}

// openStream POSTs the payload and hands back the response body as an SSE
// stream. Opening is retried; reading is not (a broken stream surfaces to the
// relay, which owns the failure semantics).
func (s *Service) openStream(ctx context.Context, url string, payload map[string]any) (EventStream, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream request: %w", err)
	}

	var resp *http.Response
	err = s.do(ctx, "open_stream", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("OpenAI-Beta", "assistants=v2")

		resp, err = s.http.Do(req) //nolint:bodyclose // closed by sseStream.Close
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			status := resp.StatusCode
			resp.Body.Close()
			resp = nil
			return &openai.APIError{HTTPStatusCode: status, Message: string(msg)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &sseStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
}

type sseStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// Next reads SSE blocks until one decodes to a StreamEvent. Returns io.EOF
// when the wire stream ends (the protocol's final "done" event or a closed
// connection).
func (s *sseStream) Next() (StreamEvent, error) {
	for {
		name, data, err := s.readBlock()
		if err != nil {
			return nil, err
		}

		switch name {
		case "thread.message.delta":
			var delta messageDeltaPayload
			if err := json.Unmarshal(data, &delta); err != nil {
				log.Warn().Err(err).Msg("undecodable message delta, skipping")
				continue
			}
			segments := delta.textSegments()
			if len(segments) == 0 {
				continue
			}
			return MessageDelta{Segments: segments}, nil

		case "thread.run.requires_action":
			var run runPayload
			if err := json.Unmarshal(data, &run); err != nil {
				return nil, fmt.Errorf("failed to decode requires_action event: %w", err)
			}
			return ActionRequired{RunID: run.ID, ToolCalls: run.toolCalls()}, nil

		case "thread.run.completed":
			var run runPayload
			if err := json.Unmarshal(data, &run); err != nil {
				return nil, fmt.Errorf("failed to decode completed event: %w", err)
			}
			return RunCompleted{RunID: run.ID}, nil

		case "thread.run.failed", "thread.run.cancelled", "thread.run.expired":
			var run runPayload
			if err := json.Unmarshal(data, &run); err != nil {
				return nil, fmt.Errorf("failed to decode terminal event: %w", err)
			}
			return RunFailed{RunID: run.ID, Status: run.Status, Message: run.errorMessage()}, nil

		case "error":
			return nil, fmt.Errorf("stream error event: %s", string(data))

		case "done":
			return nil, io.EOF

		default:
			// Step events, message lifecycle events and other chatter are
			// irrelevant to the relay.
			continue
		}
	}
}

// readBlock reads one SSE event block (event/data lines up to a blank line).
func (s *sseStream) readBlock() (name string, data []byte, err error) {
	var dataBuf bytes.Buffer
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && (name != "" || dataBuf.Len() > 0) {
				return name, dataBuf.Bytes(), nil
			}
			return "", nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if name != "" || dataBuf.Len() > 0 {
				return name, dataBuf.Bytes(), nil
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataBuf.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

type messageDeltaPayload struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

func (p messageDeltaPayload) textSegments() []string {
	var segments []string
	for _, part := range p.Delta.Content {
		if part.Type != "text" || part.Text == nil || part.Text.Value == "" {
			continue
		}
		segments = append(segments, part.Text.Value)
	}
	return segments
}

type runPayload struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	RequiredAction *struct {
		SubmitToolOutputs struct {
			ToolCalls []openai.ToolCall `json:"tool_calls"`
		} `json:"submit_tool_outputs"`
	} `json:"required_action"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

func (p runPayload) toolCalls() []openai.ToolCall {
	if p.RequiredAction == nil {
		return nil
	}
	return p.RequiredAction.SubmitToolOutputs.ToolCalls
}

func (p runPayload) errorMessage() string {
	if p.LastError == nil {
		return ""
	}
	return p.LastError.Message
}
