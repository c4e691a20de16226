// Package api exposes the tutoring backend over HTTP: message submission
// (inline, background and SSE streaming), run status polling, thread history
// and evaluation listings.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/tutorchat/internal/evaluation"
	"github.com/tutorchat/internal/jobqueue"
	"github.com/tutorchat/internal/orchestrator"
	"github.com/tutorchat/internal/threads"
)

// Server wires the orchestrator and its collaborators behind echo.
type Server struct {
	echo *echo.Echo
	port int

	driver      *orchestrator.Driver
	queue       *jobqueue.JobQueue
	threads     *threads.Service
	evaluations *evaluation.Repo
}

func NewServer(port int, driver *orchestrator.Driver, queue *jobqueue.JobQueue, threadSvc *threads.Service, evals *evaluation.Repo) *Server {
	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	server := &Server{
		echo:        e,
		port:        port,
		driver:      driver,
		queue:       queue,
		threads:     threadSvc,
		evaluations: evals,
	}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	v1 := s.echo.Group("/api/v1")

	v1.POST("/students/:studentID/thread", s.getOrCreateThread)
	v1.GET("/students/:studentID/evaluations", s.listEvaluations)

	v1.POST("/threads/:threadID/messages", s.sendMessage)
	v1.POST("/threads/:threadID/messages/async", s.sendMessageAsync)
	v1.POST("/threads/:threadID/messages/stream", s.streamMessage)
	v1.GET("/threads/:threadID/messages", s.getHistory)
	v1.GET("/threads/:threadID/runs/:runID", s.getRunStatus)
}

// Start runs the server until an interrupt, then shuts down gracefully.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.port)); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()
	log.Info().Int("port", s.port).Msg("api server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
