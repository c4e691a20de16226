package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/tutorchat/internal/assistants"
	"github.com/tutorchat/internal/classifier"
	"github.com/tutorchat/internal/jobqueue"
	"github.com/tutorchat/internal/orchestrator"
)

type messageRequest struct {
	Text        string `json:"text"`
	AssistantID string `json:"assistant_id"`
	StudentID   int64  `json:"student_id"`
}

func (r *messageRequest) validate() error {
	if r.Text == "" {
		return errors.New("text is required")
	}
	if r.AssistantID == "" {
		return errors.New("assistant_id is required")
	}
	if r.StudentID == 0 {
		return errors.New("student_id is required")
	}
	return nil
}

func bindMessageRequest(c echo.Context) (orchestrator.Params, error) {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return orchestrator.Params{}, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := req.validate(); err != nil {
		return orchestrator.Params{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return orchestrator.Params{
		ThreadID:    c.Param("threadID"),
		AssistantID: req.AssistantID,
		StudentID:   req.StudentID,
		Text:        req.Text,
	}, nil
}

// httpError maps orchestrator failures onto HTTP semantics: no classifiable
// context is the caller's problem, a relay timeout invites a retry, and a
// terminal run failure is an upstream fault.
func httpError(err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	switch {
	case errors.Is(err, classifier.ErrNoContext):
		return echo.NewHTTPError(http.StatusBadRequest,
			"no topic context available, ask a concrete question")
	case errors.Is(err, orchestrator.ErrRelayTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout,
			"the response took too long, try again")
	case errors.Is(err, assistants.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "assistant not found")
	}
	var failure *orchestrator.RunFailure
	if errors.As(err, &failure) {
		return echo.NewHTTPError(http.StatusBadGateway, failure.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// sendMessage drives the run inline and responds once it is terminal.
func (s *Server) sendMessage(c echo.Context) error {
	params, err := bindMessageRequest(c)
	if err != nil {
		return err
	}

	res, err := s.driver.AdvanceInline(c.Request().Context(), params)
	if err != nil {
		log.Error().Err(err).Str("thread_id", params.ThreadID).Msg("inline run failed")
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// sendMessageAsync creates the run and hands continuation to the job queue.
func (s *Server) sendMessageAsync(c echo.Context) error {
	params, err := bindMessageRequest(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	runID, err := s.driver.StartBackground(ctx, params)
	if err != nil {
		log.Error().Err(err).Str("thread_id", params.ThreadID).Msg("background run start failed")
		return httpError(err)
	}

	err = s.queue.EnqueueRunPoll(ctx, jobqueue.RunPollArgs{
		ThreadID:    params.ThreadID,
		RunID:       runID,
		AssistantID: params.AssistantID,
		StudentID:   params.StudentID,
	})
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("failed to enqueue run poll")
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"run_id": runID})
}

// getRunStatus is the cheap status read for async callers.
func (s *Server) getRunStatus(c echo.Context) error {
	res, err := s.driver.PollStatus(c.Request().Context(), c.Param("threadID"), c.Param("runID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// streamMessage relays the run's text deltas as server-sent events, one
// fragment per event, flushed immediately.
func (s *Server) streamMessage(c echo.Context) error {
	params, err := bindMessageRequest(c)
	if err != nil {
		return err
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	streamErr := s.driver.Stream(c.Request().Context(), params, func(fragment string) error {
		if _, err := fmt.Fprintf(resp, "data: %s\n\n", fragment); err != nil {
			return err
		}
		resp.Flush()
		return nil
	})

	if streamErr != nil {
		// Headers are gone; describe the failure in-band and end the stream.
		log.Error().Err(streamErr).Str("thread_id", params.ThreadID).Msg("stream relay failed")
		event := "error"
		if errors.Is(streamErr, orchestrator.ErrRelayTimeout) {
			event = "timeout"
		}
		fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", event, streamErr.Error())
		resp.Flush()
		return nil
	}

	fmt.Fprint(resp, "event: done\ndata: [DONE]\n\n")
	resp.Flush()
	return nil
}

func (s *Server) getHistory(c echo.Context) error {
	messages, err := s.threads.History(c.Request().Context(), c.Param("threadID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, messages)
}

func (s *Server) getOrCreateThread(c echo.Context) error {
	studentID, err := strconv.ParseInt(c.Param("studentID"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid student id")
	}
	threadID, err := s.threads.GetOrCreateForStudent(c.Request().Context(), studentID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"thread_id": threadID})
}

func (s *Server) listEvaluations(c echo.Context) error {
	studentID, err := strconv.ParseInt(c.Param("studentID"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid student id")
	}
	evals, err := s.evaluations.ListByStudent(c.Request().Context(), studentID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, evals)
}
