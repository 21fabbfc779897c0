package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = 30 * time.Second

// Sweeper runs Orchestrator.Sweep on a fixed interval, independent of any
// interactive request.
type Sweeper struct {
	orch     *Orchestrator
	interval time.Duration
	log      *zap.Logger

	stop chan struct{}
	done chan struct{}
}

func NewSweeper(orch *Orchestrator, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		orch:     orch,
		interval: interval,
		log:      log.With(zap.String("component", "sweeper")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go s.run()
	s.log.Info("sweeper started", zap.Duration("interval", s.interval))
}

func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.orch.Sweep(context.Background()); err != nil {
				s.log.Error("sweep failed", zap.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
