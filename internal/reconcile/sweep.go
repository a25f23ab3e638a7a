package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jmerrifield20/cloakgate/internal/domain/model"
)

// SweepLister returns the domains a sweep should reconcile.
// *repository.DomainRepository satisfies this interface.
type SweepLister interface {
	ListForSweep(ctx context.Context, includeActive bool) ([]*model.Domain, error)
}

// Reconciler runs a single pass. *Engine satisfies this interface.
type Reconciler interface {
	Reconcile(ctx context.Context, d *model.Domain) *model.StatusReport
}

// SweepConfig holds sweep scheduling settings.
type SweepConfig struct {
	Schedule      string // cron spec, e.g. "@every 2m"; empty disables the sweep
	Concurrency   int
	IncludeActive bool
	Timeout       time.Duration // budget for one sweep run
}

// Sweeper periodically reconciles domains that have not converged.
type Sweeper struct {
	lister  SweepLister
	engine  Reconciler
	cfg     SweepConfig
	cron    *cron.Cron
	running sync.Mutex
	logger  *zap.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(lister SweepLister, engine Reconciler, cfg SweepConfig, logger *zap.Logger) *Sweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Sweeper{lister: lister, engine: engine, cfg: cfg, logger: logger}
}

// Start schedules the sweep. It is a no-op when no schedule is configured.
func (s *Sweeper) Start() error {
	if s.cfg.Schedule == "" {
		s.logger.Info("sweep: disabled")
		return nil
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("sweep: scheduled", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) tick() {
	// Overlapping ticks are dropped rather than queued.
	if !s.running.TryLock() {
		s.logger.Debug("sweep: previous run still in progress")
		return
	}
	defer s.running.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	s.RunOnce(ctx)
}

// RunOnce reconciles every sweep candidate with bounded concurrency and
// returns the number of domains processed.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	domains, err := s.lister.ListForSweep(ctx, s.cfg.IncludeActive)
	if err != nil {
		s.logger.Error("sweep: list domains", zap.Error(err))
		return 0
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	processed := 0

loop:
	for _, d := range domains {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break loop
		}
		// The budget may run out while waiting for a slot.
		if ctx.Err() != nil {
			<-sem
			break
		}
		processed++
		wg.Add(1)
		go func(d *model.Domain) {
			defer wg.Done()
			defer func() { <-sem }()
			s.engine.Reconcile(ctx, d)
		}(d)
	}
	wg.Wait()

	if skipped := len(domains) - processed; skipped > 0 {
		s.logger.Warn("sweep: budget exhausted", zap.Int("skipped", skipped))
	}
	s.logger.Info("sweep: complete", zap.Int("domains", processed))
	return processed
}
