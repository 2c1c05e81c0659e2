package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Prewarmer fills caches ahead of the first request of the day.
type Prewarmer interface {
	Prewarm(ctx context.Context, now time.Time) error
}

type Scheduler struct {
	target  Prewarmer
	spec    string
	timeout time.Duration
	logger  *zap.Logger

	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr error
	runs    int
}

// NewScheduler registers target on the standard five-field cron spec.
// Overlapping cron runs are skipped.
func NewScheduler(target Prewarmer, spec string, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	s := &Scheduler{
		target:  target,
		spec:    spec,
		timeout: timeout,
		logger:  logger,
	}

	cl := cronLogger{logger.Sugar()}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	id, err := s.cron.AddFunc(spec, s.runPrewarm)
	if err != nil {
		return nil, fmt.Errorf("invalid prewarm schedule %q: %w", spec, err)
	}
	s.entryID = id

	return s, nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.cron.Start()

	s.logger.Info("Scheduler started",
		zap.String("schedule", s.spec),
		zap.Time("next_run", s.cron.Entry(s.entryID).Next))

	// Run immediately on start
	go s.runPrewarm()
}

func (s *Scheduler) runPrewarm() {
	startTime := time.Now()
	s.logger.Info("Starting scheduled cache prewarm", zap.Time("start_time", startTime))

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	err := s.target.Prewarm(ctx, startTime)

	s.mu.Lock()
	s.lastRun = startTime
	s.lastErr = err
	s.runs++
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled cache prewarm failed",
			zap.Error(err),
			zap.Duration("duration", time.Since(startTime)))
		return
	}
	s.logger.Info("Scheduled cache prewarm completed",
		zap.Duration("duration", time.Since(startTime)))
}

// Stop halts the cron loop and waits for a running prewarm to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) ForceRun() {
	s.logger.Info("Manually triggering cache prewarm")
	go s.runPrewarm()
}

func (s *Scheduler) GetStatus() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := map[string]interface{}{
		"running":  s.running,
		"schedule": s.spec,
		"last_run": s.lastRun,
		"runs":     s.runs,
	}
	if s.running {
		status["next_run"] = s.cron.Entry(s.entryID).Next
	}
	if s.lastErr != nil {
		status["last_error"] = s.lastErr.Error()
	}
	return status
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
