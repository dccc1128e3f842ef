// Package scheduler runs the periodic health batch over every active domain.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rotadominios/backend/internal/health"
)

// Source lists the domains a run covers.
type Source interface {
	ListActiveDomainIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Evaluator is the part of health.Evaluator the scheduler drives.
type Evaluator interface {
	EvaluateBatch(ctx context.Context, ids []uuid.UUID, force bool) []health.BatchItem
}

type Scheduler struct {
	source   Source
	eval     Evaluator
	interval time.Duration
	log      *logrus.Entry

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func New(source Source, eval Evaluator, interval time.Duration, log *logrus.Entry) *Scheduler {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Scheduler{
		source:   source,
		eval:     eval,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Scheduler) Start() {
	go s.run()
}

// Stop cancels a run in progress and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) run() {
	defer close(s.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	// Run immediately on start
	s.CheckDomains(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.CheckDomains(ctx)
		case <-s.stop:
			return
		}
	}
}

// CheckDomains runs one forced health batch over every active domain.
func (s *Scheduler) CheckDomains(ctx context.Context) {
	s.log.Info("Running domain health checks...")

	ids, err := s.source.ListActiveDomainIDs(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to get domains for health check")
		return
	}
	if len(ids) == 0 {
		s.log.Debug("No active domains to check")
		return
	}

	failed := 0
	for _, it := range s.eval.EvaluateBatch(ctx, ids, true) {
		if it.Err != nil {
			failed++
			s.log.WithError(it.Err).WithField("domain_id", it.DomainID).Warn("health check failed")
		}
	}
	s.log.WithField("domains", len(ids)).Infof("Domain health checks complete (%d errors)", failed)
}
