package microservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-taskqueue/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

// Worker is the lifecycle a WorkerService manages. *messagepipeline.DurableWorker implements it.
type Worker interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
	Running() bool
	Stats() messagepipeline.WorkerStats
}

// WorkerService runs a queue worker next to the health endpoints. /readyz
// turns unavailable as soon as the worker stops consuming.
type WorkerService struct {
	*BaseServer
	worker Worker
	logger zerolog.Logger
}

// NewWorkerService wires worker into a BaseServer listening on httpPort.
func NewWorkerService(logger zerolog.Logger, httpPort string, worker Worker) *WorkerService {
	s := &WorkerService{
		BaseServer: NewBaseServer(logger, httpPort),
		worker:     worker,
		logger:     logger.With().Str("service", "WorkerService").Logger(),
	}
	s.SetReadiness(func() error {
		if err := worker.Err(); err != nil {
			return err
		}
		if !worker.Running() {
			return errors.New("worker is not consuming")
		}
		return nil
	})
	s.SetStats(func() any { return worker.Stats() })
	return s
}

// Start starts the worker and then the HTTP server.
func (s *WorkerService) Start(ctx context.Context) error {
	if err := s.worker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	if err := s.BaseServer.Start(); err != nil {
		_ = s.worker.Stop(context.Background())
		return err
	}
	s.logger.Info().Str("port", s.GetHTTPPort()).Msg("Worker service started.")
	return nil
}

// Shutdown drains the worker, then stops the HTTP server.
func (s *WorkerService) Shutdown(ctx context.Context) error {
	workerErr := s.worker.Stop(ctx)
	if workerErr != nil {
		s.logger.Error().Err(workerErr).Msg("Worker did not stop cleanly.")
	}
	serverErr := s.BaseServer.Shutdown(ctx)
	return errors.Join(workerErr, serverErr)
}

// Done is closed when the worker has stopped, whatever the cause.
func (s *WorkerService) Done() <-chan struct{} { return s.worker.Done() }

// Err returns the worker's terminal error, if any.
func (s *WorkerService) Err() error { return s.worker.Err() }
