package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tutorchat/internal/api"
	"github.com/tutorchat/internal/assistants"
	"github.com/tutorchat/internal/classifier"
	"github.com/tutorchat/internal/config"
	"github.com/tutorchat/internal/database"
	"github.com/tutorchat/internal/evaluation"
	"github.com/tutorchat/internal/jobqueue"
	"github.com/tutorchat/internal/llm"
	"github.com/tutorchat/internal/oai"
	"github.com/tutorchat/internal/orchestrator"
	"github.com/tutorchat/internal/questions"
	"github.com/tutorchat/internal/retry"
	"github.com/tutorchat/internal/threads"
	"github.com/tutorchat/internal/vectorsearch"
)

// APICommand returns the CLI command for starting the API server.
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the tutoring API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (overrides config)",
			},
		},
		Action: runAPI,
	}
}

func runAPI(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	port := cfg.Server.Port
	if c.Int("port") != 0 {
		port = c.Int("port")
	}

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	retryCfg := retry.DefaultConfig()
	if cfg.Retry.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelayMillis > 0 {
		retryCfg.BaseDelay = time.Duration(cfg.Retry.BaseDelayMillis) * time.Millisecond
	}
	if cfg.Retry.MaxDelayMillis > 0 {
		retryCfg.MaxDelay = time.Duration(cfg.Retry.MaxDelayMillis) * time.Millisecond
	}

	oaiSvc := oai.NewService(oai.Config{
		APIKey:            cfg.OpenAI.APIKey,
		BaseURL:           cfg.OpenAI.BaseURL,
		RequestsPerSecond: cfg.OpenAI.RequestsPerSecond,
		Retry:             retryCfg,
	})
	searcher := vectorsearch.NewClient(nil, cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey)

	questionRepo := questions.NewRepo(pool)
	searchTimeout := time.Duration(cfg.Orchestrator.SearchTimeoutSecs) * time.Second
	topicClassifier := classifier.New(searcher, questionRepo, searchTimeout)
	questionSvc := questions.NewService(pool, questionRepo, topicClassifier)

	assistantRepo := assistants.NewRepo(pool)
	threadSvc := threads.NewService(threads.NewRepo(pool), oaiSvc)

	llmClient, err := llm.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.GradingModel)
	if err != nil {
		return fmt.Errorf("failed to create completion client: %w", err)
	}

	evaluationRepo := evaluation.NewRepo(pool)
	evaluationSvc := evaluation.NewService(evaluationRepo, assistantRepo, topicClassifier, searcher, llmClient, oaiSvc)

	dispatcher := orchestrator.NewDispatcher()
	dispatcher.Register("iniciar_evaluacion", evaluation.StartTool(evaluationSvc))
	dispatcher.Register("calificar_evaluacion", evaluation.GradeTool(evaluationSvc))

	gate := orchestrator.NewGate(cfg.Orchestrator.MaxConcurrentRuns)
	driver := orchestrator.NewDriver(
		oaiSvc, assistantRepo, questionSvc, dispatcher, gate,
		time.Duration(cfg.Orchestrator.PollIntervalMillis)*time.Millisecond,
		time.Duration(cfg.Orchestrator.StreamTimeoutSecs)*time.Second,
	)

	queue, err := jobqueue.NewJobQueue(pool, driver)
	if err != nil {
		return fmt.Errorf("failed to create job queue: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		queue.Stop(stopCtx) //nolint:errcheck
	}()

	server := api.NewServer(port, driver, queue, threadSvc, evaluationRepo)
	return server.Start()
}
