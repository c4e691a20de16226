// Package jobqueue runs the fire-and-forget continuation of conversation
// runs on a River job queue: once a run has been created and the HTTP
// request has returned, a poll job drives it to its terminal state.
package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/zerolog/log"

	"github.com/tutorchat/internal/orchestrator"
)

const maxWorkers = 10

// RunPollArgs identifies the run a poll job drives.
type RunPollArgs struct {
	ThreadID    string `json:"thread_id"`
	RunID       string `json:"run_id"`
	AssistantID string `json:"assistant_id"`
	StudentID   int64  `json:"student_id"`
}

func (RunPollArgs) Kind() string {
	return "conversation_run_poll"
}

// InsertOpts disables job retries: if the host dies mid-poll the job is
// abandoned and the caller's own status polling remains the way back in.
// Re-running a poll job could race a newer run on the same thread.
func (RunPollArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

// RunPollWorker re-enters the driver's polling mode outside any request
// lifecycle.
type RunPollWorker struct {
	river.WorkerDefaults[RunPollArgs]
	driver *orchestrator.Driver
}

func (w *RunPollWorker) Work(ctx context.Context, job *river.Job[RunPollArgs]) error {
	args := job.Args
	params := orchestrator.Params{
		ThreadID:    args.ThreadID,
		AssistantID: args.AssistantID,
		StudentID:   args.StudentID,
	}

	res, err := w.driver.ResumePolling(ctx, params, args.RunID)
	if err != nil {
		// No caller to report to: log and end the job.
		var failure *orchestrator.RunFailure
		if errors.As(err, &failure) {
			log.Warn().Str("run_id", args.RunID).Str("status", failure.Status).
				Str("message", failure.Message).Msg("background run ended in failure")
			return nil
		}
		log.Error().Err(err).Str("run_id", args.RunID).
			Msg("background run polling aborted")
		return nil
	}

	log.Info().Str("run_id", res.RunID).Str("status", res.Status).
		Msg("background run reached terminal state")
	return nil
}

// JobQueue wraps the River client used for run continuation jobs.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
}

func NewJobQueue(pool *pgxpool.Pool, driver *orchestrator.Driver) (*JobQueue, error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, &RunPollWorker{driver: driver})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job queue client: %w", err)
	}

	return &JobQueue{client: client, pool: pool}, nil
}

func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

func (jq *JobQueue) Stop(ctx context.Context) error {
	return jq.client.Stop(ctx)
}

// EnqueueRunPoll schedules the background continuation of a created run.
func (jq *JobQueue) EnqueueRunPoll(ctx context.Context, args RunPollArgs) error {
	if _, err := jq.client.Insert(ctx, args, nil); err != nil {
		return fmt.Errorf("failed to enqueue run poll job: %w", err)
	}
	return nil
}
