// Package orchestrator drives conversation runs on the external service from
// creation to a terminal state. It owns the run state machine (polling and
// streaming modes), the tool dispatch registry, the global concurrency gate,
// and the side-effect task that persists and classifies each student
// question alongside the run.
package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/tutorchat/internal/assistants"
	"github.com/tutorchat/internal/oai"
	"github.com/tutorchat/internal/questions"
)

const runStatusCancelled = openai.RunStatus("cancelled")

// Conversations is the slice of the external-service client the driver uses.
type Conversations interface {
	CreateUserMessage(ctx context.Context, threadID, text string) error
	CreateRun(ctx context.Context, threadID, assistantID, instructions string) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []openai.ToolOutput) (openai.Run, error)
	CancelPendingRuns(ctx context.Context, threadID string) error
	StreamRun(ctx context.Context, threadID, assistantID, instructions string) (oai.EventStream, error)
	StreamToolOutputs(ctx context.Context, threadID, runID string, outputs []openai.ToolOutput) (oai.EventStream, error)
}

// AssistantDirectory looks up assistant records.
type AssistantDirectory interface {
	GetByID(ctx context.Context, id string) (*assistants.Assistant, error)
}

// QuestionRecorder persists and classifies one student question per call,
// each call in its own unit of work.
type QuestionRecorder interface {
	PersistAndClassify(ctx context.Context, text, topicsVectorStoreID, assistantID string, studentID int64) (*questions.Question, error)
}

// Params identifies one conversation turn.
type Params struct {
	ThreadID     string
	AssistantID  string
	StudentID    int64
	Text         string
	Instructions string
}

// RunResult is the caller-facing outcome of a driven or polled run.
type RunResult struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type Driver struct {
	conv       Conversations
	assistants AssistantDirectory
	recorder   QuestionRecorder
	dispatcher *Dispatcher
	gate       *Gate

	pollInterval time.Duration
	relayTimeout time.Duration
}

func NewDriver(conv Conversations, dir AssistantDirectory, rec QuestionRecorder, disp *Dispatcher, gate *Gate, pollInterval, relayTimeout time.Duration) *Driver {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if relayTimeout <= 0 {
		relayTimeout = 180 * time.Second
	}
	return &Driver{
		conv:         conv,
		assistants:   dir,
		recorder:     rec,
		dispatcher:   disp,
		gate:         gate,
		pollInterval: pollInterval,
		relayTimeout: relayTimeout,
	}
}

// prepare runs the concurrent setup phase of every flow: cancel any run still
// live on the thread and submit the user message, in parallel with the
// assistant lookup, while the side-effect task starts immediately. Message
// submission and assistant lookup are awaited here; the side effect is not.
func (d *Driver) prepare(ctx context.Context, p Params) (*assistants.Assistant, *sideEffect, error) {
	storeCh := make(chan string, 1)
	se := d.startSideEffect(ctx, p, storeCh)

	var asst *assistants.Assistant
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := d.conv.CancelPendingRuns(gctx, p.ThreadID); err != nil {
			return err
		}
		return d.conv.CreateUserMessage(gctx, p.ThreadID, p.Text)
	})
	g.Go(func() error {
		a, err := d.assistants.GetByID(gctx, p.AssistantID)
		if err != nil {
			close(storeCh)
			return err
		}
		asst = a
		storeCh <- a.TopicsVectorStoreID
		return nil
	})
	if err := g.Wait(); err != nil {
		se.settle(false)
		return nil, nil, err
	}
	return asst, se, nil
}

// AdvanceInline drives a run to its terminal state in polling mode, blocking
// the caller throughout. The side-effect task is settled before returning.
func (d *Driver) AdvanceInline(ctx context.Context, p Params) (*RunResult, error) {
	if err := d.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer d.gate.Release()

	asst, se, err := d.prepare(ctx, p)
	if err != nil {
		return nil, err
	}

	viable := false
	defer func() { se.settle(viable) }()

	run, err := d.conv.CreateRun(ctx, p.ThreadID, asst.ID, p.Instructions)
	if err != nil {
		return nil, err
	}

	run, err = d.pollToTerminal(ctx, p, run, nil, &viable)
	if err != nil {
		return nil, err
	}
	return &RunResult{RunID: run.ID, Status: string(run.Status)}, nil
}

// StartBackground submits the message, creates the run, waits for the
// side-effect task, and returns the run id without driving the run. The
// caller hands continuation to the job runner and polls for status.
func (d *Driver) StartBackground(ctx context.Context, p Params) (string, error) {
	if err := d.gate.Acquire(ctx); err != nil {
		return "", err
	}
	defer d.gate.Release()

	asst, se, err := d.prepare(ctx, p)
	if err != nil {
		return "", err
	}

	run, err := d.conv.CreateRun(ctx, p.ThreadID, asst.ID, p.Instructions)
	if err != nil {
		se.settle(false)
		return "", err
	}

	// The run keeps going without us, so the persisted question stays.
	se.settle(true)
	return run.ID, nil
}

// ResumePolling re-enters polling mode for an already created run, outside
// any request lifecycle. The gate is held only while resolving tool calls,
// not across the idle polling sleeps.
func (d *Driver) ResumePolling(ctx context.Context, p Params, runID string) (*RunResult, error) {
	run, err := d.conv.RetrieveRun(ctx, p.ThreadID, runID)
	if err != nil {
		return nil, err
	}

	run, err = d.pollToTerminal(ctx, p, run, d.gate, nil)
	if err != nil {
		return nil, err
	}
	return &RunResult{RunID: run.ID, Status: string(run.Status)}, nil
}

// PollStatus is the cheap status read backing caller-side polling.
func (d *Driver) PollStatus(ctx context.Context, threadID, runID string) (*RunResult, error) {
	run, err := d.conv.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return nil, err
	}
	return &RunResult{RunID: run.ID, Status: string(run.Status)}, nil
}

// pollToTerminal advances run until a terminal status, retrieving at the
// fixed poll interval and resolving tool calls on requires_action. When
// resolveGate is non-nil it is acquired around each resolve step only. viable
// (when non-nil) is raised once the run reaches completed or requires_action.
func (d *Driver) pollToTerminal(ctx context.Context, p Params, run openai.Run, resolveGate *Gate, viable *bool) (openai.Run, error) {
	markViable := func() {
		if viable != nil {
			*viable = true
		}
	}

	for {
		switch run.Status {
		case openai.RunStatusRequiresAction:
			markViable()
			next, err := d.resolveAndSubmit(ctx, p, run, resolveGate)
			if err != nil {
				return run, err
			}
			run = next
			continue

		case openai.RunStatusCompleted:
			markViable()
			return run, nil

		case openai.RunStatusFailed, runStatusCancelled, openai.RunStatusExpired:
			return run, runFailureFrom(run)
		}

		// queued, in_progress, cancelling: wait out the poll interval.
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-time.After(d.pollInterval):
		}

		next, err := d.conv.RetrieveRun(ctx, p.ThreadID, run.ID)
		if err != nil {
			return run, err
		}
		run = next
	}
}

// resolveAndSubmit dispatches the pending tool calls and submits their
// outputs, returning the refreshed run.
func (d *Driver) resolveAndSubmit(ctx context.Context, p Params, run openai.Run, resolveGate *Gate) (openai.Run, error) {
	if resolveGate != nil {
		if err := resolveGate.Acquire(ctx); err != nil {
			return run, err
		}
		defer resolveGate.Release()
	}

	calls := pendingToolCalls(run)
	outputs := d.dispatcher.Resolve(ctx, toolContextFrom(p), calls)
	return d.conv.SubmitToolOutputs(ctx, p.ThreadID, run.ID, outputs)
}

func pendingToolCalls(run openai.Run) []openai.ToolCall {
	if run.RequiredAction == nil || run.RequiredAction.SubmitToolOutputs == nil {
		return nil
	}
	return run.RequiredAction.SubmitToolOutputs.ToolCalls
}

func toolContextFrom(p Params) ToolContext {
	return ToolContext{ThreadID: p.ThreadID, AssistantID: p.AssistantID, StudentID: p.StudentID}
}

func runFailureFrom(run openai.Run) *RunFailure {
	message := ""
	if run.LastError != nil {
		message = run.LastError.Message
	}
	failure := &RunFailure{RunID: run.ID, Status: string(run.Status), Message: message}
	log.Warn().Str("run_id", run.ID).Str("status", string(run.Status)).
		Str("last_error", message).Msg("run ended in failure")
	return failure
}

// sideEffect is the persist-and-classify task that accompanies every run. It
// lives on its own context so a caller disconnect never kills it; only an
// explicit settle(false) does.
type sideEffect struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (d *Driver) startSideEffect(parent context.Context, p Params, storeCh <-chan string) *sideEffect {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	se := &sideEffect{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(se.done)

		storeID, ok := <-storeCh
		if !ok || storeID == "" {
			return
		}
		_, err := d.recorder.PersistAndClassify(ctx, p.Text, storeID, p.AssistantID, p.StudentID)
		if err != nil {
			// Best-effort enrichment: absorb the error, never fail the run.
			log.Warn().Err(err).
				Str("thread_id", p.ThreadID).
				Int64("student_id", p.StudentID).
				Msg("question persistence side effect failed")
		}
	}()
	return se
}

// settle decides the task's fate once the primary flow knows the run outcome.
// A run that never reached completed or requires_action abandons the side
// effect; otherwise the task is awaited so data is never left half-written.
func (se *sideEffect) settle(runViable bool) {
	if !runViable {
		se.cancel()
		return
	}
	<-se.done
	se.cancel()
}
