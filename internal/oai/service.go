// Package oai wraps the external conversational-AI service's thread, run and
// tool-call primitives. Every call goes through the shared retry policy and a
// rate limiter; run state is only ever observed here, never written.
package oai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/tutorchat/internal/retry"
)

// runStatusCancelled is compared as a literal because the client library's
// constant set predates it.
const runStatusCancelled = openai.RunStatus("cancelled")

// Config holds the connection settings for the external service.
type Config struct {
	APIKey            string
	BaseURL           string // e.g. https://api.openai.com/v1
	RequestsPerSecond float64
	Retry             retry.Config
}

// Service is the typed client used by the orchestrator and its collaborators.
type Service struct {
	client  *openai.Client
	http    *http.Client
	limiter *rate.Limiter
	retry   retry.Config
	baseURL string
	apiKey  string
}

func NewService(cfg Config) *Service {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	return &Service{
		client:  openai.NewClientWithConfig(clientCfg),
		http:    &http.Client{Timeout: 5 * time.Minute},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		retry:   cfg.Retry,
		baseURL: clientCfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

func (s *Service) do(ctx context.Context, name string, op func() error) error {
	return retry.Do(ctx, s.retry, name, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		return op()
	})
}

// CreateThread creates a new conversation thread on the external service.
func (s *Service) CreateThread(ctx context.Context) (openai.Thread, error) {
	var thread openai.Thread
	err := s.do(ctx, "create_thread", func() error {
		var err error
		thread, err = s.client.CreateThread(ctx, openai.ThreadRequest{})
		return err
	})
	return thread, err
}

// CreateUserMessage appends the student's text to the thread.
func (s *Service) CreateUserMessage(ctx context.Context, threadID, text string) error {
	return s.do(ctx, "create_message", func() error {
		_, err := s.client.CreateMessage(ctx, threadID, openai.MessageRequest{
			Role:    openai.ChatMessageRoleUser,
			Content: text,
		})
		return err
	})
}

// CreateRun starts a run of the assistant against the thread's history.
func (s *Service) CreateRun(ctx context.Context, threadID, assistantID, instructions string) (openai.Run, error) {
	var run openai.Run
	err := s.do(ctx, "create_run", func() error {
		var err error
		run, err = s.client.CreateRun(ctx, threadID, openai.RunRequest{
			AssistantID:            assistantID,
			AdditionalInstructions: instructions,
		})
		return err
	})
	return run, err
}

// RetrieveRun reads the current state of a run.
func (s *Service) RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error) {
	var run openai.Run
	err := s.do(ctx, "retrieve_run", func() error {
		var err error
		run, err = s.client.RetrieveRun(ctx, threadID, runID)
		return err
	})
	return run, err
}

// SubmitToolOutputs resolves a requires_action pause and returns the run as
// reported by the service after submission.
func (s *Service) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []openai.ToolOutput) (openai.Run, error) {
	var run openai.Run
	err := s.do(ctx, "submit_tool_outputs", func() error {
		var err error
		run, err = s.client.SubmitToolOutputs(ctx, threadID, runID, openai.SubmitToolOutputsRequest{
			ToolOutputs: outputs,
		})
		return err
	})
	return run, err
}

// CancelPendingRuns cancels the thread's most recent run if it is still live.
// A thread may have at most one live run, so looking at the newest one is
// enough.
func (s *Service) CancelPendingRuns(ctx context.Context, threadID string) error {
	limit := 1
	var runs openai.RunList
	err := s.do(ctx, "list_runs", func() error {
		var err error
		runs, err = s.client.ListRuns(ctx, threadID, openai.Pagination{Limit: &limit})
		return err
	})
	if err != nil {
		return err
	}
	if len(runs.Runs) == 0 {
		return nil
	}

	run := runs.Runs[0]
	switch run.Status {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusRequiresAction:
		log.Debug().Str("thread_id", threadID).Str("run_id", run.ID).
			Str("status", string(run.Status)).Msg("cancelling live run before starting a new one")
		return s.do(ctx, "cancel_run", func() error {
			_, err := s.client.CancelRun(ctx, threadID, run.ID)
			return err
		})
	}
	return nil
}

// ListMessages returns up to limit of the thread's most recent messages.
func (s *Service) ListMessages(ctx context.Context, threadID string, limit int) ([]openai.Message, error) {
	var list openai.MessagesList
	err := s.do(ctx, "list_messages", func() error {
		var err error
		list, err = s.client.ListMessage(ctx, threadID, &limit, nil, nil, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return list.Messages, nil
}

// FileContent downloads the raw bytes of a file hosted by the external
// service. The client library has no typed call for this endpoint, so it is
// fetched directly.
func (s *Service) FileContent(ctx context.Context, fileID string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "file_content", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/files/%s/content", s.baseURL, fileID), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)

		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("file content fetch failed (status %d): %s", resp.StatusCode, string(body))
		}

		data, err = io.ReadAll(resp.Body)
		return err
	})
	return data, err
}
