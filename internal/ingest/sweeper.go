package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/semaphore"

	"github.com/knoguchi/kbserve/internal/repository"
)

const (
	sweepBatchSize   = 50
	sweepConcurrency = 4
)

// Sweeper periodically re-drives ingestion for documents whose chunks
// are stuck in pending, so ingests cancelled mid-flight converge instead
// of leaving dangling state.
type Sweeper struct {
	orch      *Orchestrator
	chunks    repository.ChunkRepository
	scheduler gocron.Scheduler
	interval  time.Duration
	ttl       time.Duration
	logger    *slog.Logger
}

// NewSweeper builds a sweeper that scans every interval for chunks
// pending longer than ttl.
func NewSweeper(orch *Orchestrator, chunks repository.ChunkRepository, interval, ttl time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep scheduler: %w", err)
	}
	s := &Sweeper{
		orch:      orch,
		chunks:    chunks,
		scheduler: scheduler,
		interval:  interval,
		ttl:       ttl,
		logger:    logger,
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.sweep),
		gocron.WithName("ingest-sweeper"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule sweep job: %w", err)
	}
	return s, nil
}

// Start begins periodic sweeping.
func (s *Sweeper) Start() {
	s.scheduler.Start()
	s.logger.Info("ingest sweeper started", "interval", s.interval, "pending_ttl", s.ttl)
}

// Stop shuts the scheduler down and waits for a running sweep to finish.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// sweep finds stale pending documents and re-ingests them with bounded
// concurrency. Failures are logged and retried on the next sweep.
func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	stale, err := s.chunks.StalePendingDocuments(ctx, time.Now().Add(-s.ttl), sweepBatchSize)
	if err != nil {
		s.logger.Warn("sweep scan failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	s.logger.Info("re-driving stale ingests", "documents", len(stale))

	sem := semaphore.NewWeighted(sweepConcurrency)
	var wg sync.WaitGroup
	for _, d := range stale {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if _, err := s.orch.Ingest(ctx, d.TenantID, d.DocumentID); err != nil {
				s.logger.Warn("sweeper re-ingest failed",
					"document_id", d.DocumentID,
					"tenant_id", d.TenantID,
					"error", err)
			}
		}()
	}
	wg.Wait()
}
