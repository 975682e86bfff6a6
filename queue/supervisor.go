package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SupervisorOptions configures the maintenance loop.
type SupervisorOptions struct {
	// Interval between maintenance passes. Default 60s.
	Interval time.Duration
	// MaxProcessingTime before a leased job counts as stuck. Default 10min.
	MaxProcessingTime time.Duration
	// JobRetention is how long completed jobs are kept. Default 30 days.
	JobRetention time.Duration
	// EventRetention is how long job events are kept. Default 30 days.
	EventRetention time.Duration
	// CleanupBatchSize bounds one cleanup sweep. Default 1000.
	CleanupBatchSize int
	// SkipReclaim, SkipTokenExpiry, SkipJobCleanup and SkipEventCleanup
	// disable individual tasks. All run by default.
	SkipReclaim      bool
	SkipTokenExpiry  bool
	SkipJobCleanup   bool
	SkipEventCleanup bool
	// OnError is invoked when an individual task fails.
	OnError func(task string, err error)
}

func (o *SupervisorOptions) withDefaults() SupervisorOptions {
	out := *o
	if out.Interval <= 0 {
		out.Interval = time.Minute
	}
	if out.MaxProcessingTime <= 0 {
		out.MaxProcessingTime = 10 * time.Minute
	}
	if out.JobRetention <= 0 {
		out.JobRetention = 30 * 24 * time.Hour
	}
	if out.EventRetention <= 0 {
		out.EventRetention = 30 * 24 * time.Hour
	}
	if out.CleanupBatchSize <= 0 {
		out.CleanupBatchSize = 1000
	}
	return out
}

// SupervisorStats reports the work one maintenance pass performed.
type SupervisorStats struct {
	Reclaimed     int `json:"reclaimed"`
	JobsDeleted   int `json:"jobs_deleted"`
	EventsDeleted int `json:"events_deleted"`
	TokensExpired int `json:"tokens_expired"`
}

// Supervisor runs periodic maintenance: reclaiming stuck jobs, expiring
// timed-out waitpoint tokens, and purging old jobs and events. Each task is
// independent; one failing does not stop the others.
type Supervisor struct {
	backend Backend
	opts    SupervisorOptions
	log     *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor builds a supervisor over a backend.
func NewSupervisor(backend Backend, opts SupervisorOptions, logger *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		backend: backend,
		opts:    opts.withDefaults(),
		log:     logger.Named("supervisor"),
	}
}

// Start runs one maintenance pass and returns what it did.
func (s *Supervisor) Start(ctx context.Context) SupervisorStats {
	var stats SupervisorStats

	if !s.opts.SkipReclaim {
		n, err := s.backend.ReclaimStuckJobs(ctx, s.opts.MaxProcessingTime)
		if err != nil {
			s.taskError("reclaim_stuck_jobs", err)
		} else {
			stats.Reclaimed = n
			if n > 0 {
				s.log.Infow("Reclaimed stuck jobs", "count", n)
			}
		}
	}

	if !s.opts.SkipTokenExpiry {
		n, err := s.backend.ExpireTimedOutTokens(ctx)
		if err != nil {
			s.taskError("expire_tokens", err)
		} else {
			stats.TokensExpired = n
			if n > 0 {
				s.log.Infow("Expired timed-out waitpoint tokens", "count", n)
			}
		}
	}

	if !s.opts.SkipJobCleanup {
		n, err := s.backend.CleanupOldJobs(ctx, s.opts.JobRetention, s.opts.CleanupBatchSize)
		if err != nil {
			s.taskError("cleanup_jobs", err)
		} else {
			stats.JobsDeleted = n
			if n > 0 {
				s.log.Infow("Purged old completed jobs", "count", n)
			}
		}
	}

	if !s.opts.SkipEventCleanup {
		n, err := s.backend.CleanupOldJobEvents(ctx, s.opts.EventRetention, s.opts.CleanupBatchSize)
		if err != nil {
			s.taskError("cleanup_events", err)
		} else {
			stats.EventsDeleted = n
			if n > 0 {
				s.log.Infow("Purged old job events", "count", n)
			}
		}
	}

	return stats
}

func (s *Supervisor) taskError(task string, err error) {
	s.log.Warnw("Maintenance task failed", "task", task, "error", err)
	if s.opts.OnError != nil {
		s.opts.OnError(task, err)
	}
}

// StartInBackground loops Start on the configured interval until Stop or ctx
// cancellation. Repeated calls while running are no-ops.
func (s *Supervisor) StartInBackground(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Infow("Supervisor started", "interval", s.opts.Interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.Start(loopCtx)
			}
		}
	}()
}

// IsRunning reports whether the background loop is active.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop halts the background loop and waits for the current pass to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Infow("Supervisor stopped")
}
