package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/xwatch/xwatch-bot/internal/config"
	"github.com/xwatch/xwatch-bot/internal/models"
	"github.com/xwatch/xwatch-bot/internal/monitoring"
)

// Runner is the work the scheduler triggers
type Runner interface {
	RunCycle(ctx context.Context) (*models.CycleReport, error)
	RunMaintenance(ctx context.Context) (*models.MaintenanceReport, error)
}

// Service handles scheduling of polling cycles and maintenance
type Service struct {
	config  *config.Config
	runner  Runner
	cron    *cron.Cron
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	initial *time.Timer
	// pending tracks the initial run, which executes outside the cron loop
	pending sync.WaitGroup
}

// NewService creates a new scheduler service
func NewService(cfg *config.Config, runner Runner) *Service {
	return &Service{
		config: cfg,
		runner: runner,
		cron:   cron.New(cron.WithSeconds()),
	}
}

// Start registers the tick and maintenance jobs and starts the cron loop.
// The first cycle runs after the initial run delay rather than waiting a full tick.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %v", s.config.TickInterval)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.config.TickInterval), s.tick); err != nil {
		return fmt.Errorf("failed to schedule cycle: %w", err)
	}

	if s.config.MaintenanceInterval > 0 {
		if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.config.MaintenanceInterval), s.maintain); err != nil {
			return fmt.Errorf("failed to schedule maintenance: %w", err)
		}
	}

	s.cron.Start()
	if s.config.InitialRunDelay >= 0 {
		s.pending.Add(1)
		s.initial = time.AfterFunc(s.config.InitialRunDelay, func() {
			defer s.pending.Done()
			s.tick()
		})
	}

	logrus.WithFields(logrus.Fields{
		"tick":        s.config.TickInterval.String(),
		"maintenance": s.config.MaintenanceInterval.String(),
		"first_run":   s.config.InitialRunDelay.String(),
	}).Info("Scheduler started")
	return nil
}

func (s *Service) tick() {
	report, err := s.runner.RunCycle(s.ctx)
	if errors.Is(err, monitoring.ErrCycleInProgress) {
		logrus.Warn("Previous cycle still running, skipping tick")
		return
	}
	if err != nil {
		logrus.Errorf("Scheduled cycle failed: %v", err)
		return
	}
	logrus.Debugf("Cycle %s checked %d accounts", report.ID, len(report.Outcomes))
}

func (s *Service) maintain() {
	if _, err := s.runner.RunMaintenance(s.ctx); err != nil {
		logrus.Errorf("Scheduled maintenance failed: %v", err)
	}
}

// Stop cancels the running cycle after its current account and waits for
// running jobs until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.initial != nil && s.initial.Stop() {
		s.pending.Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-s.cron.Stop().Done()
		s.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("Scheduler stopped")
	case <-ctx.Done():
		logrus.Warn("Scheduler stop timed out with jobs still running")
	}
}
