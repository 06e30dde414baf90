package audit

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pitabwire/tasquencer/model"
)

// Scheduler periodically snapshots every workflow whose span is still open.
type Scheduler struct {
	recorder *Recorder
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger
}

// NewScheduler validates schedule (standard cron syntax or "@every <d>")
// and returns a stopped scheduler.
func NewScheduler(recorder *Recorder, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("audit: invalid snapshot schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		recorder: recorder,
		schedule: schedule,
		logger:   logger.With(zap.String("module", "audit_scheduler")),
	}, nil
}

// Start begins running snapshots on the schedule.
func (s *Scheduler) Start() error {
	cl := cronLogger{s.logger.Sugar()}
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cl),
		cron.Recover(cl),
	))
	id, err := s.cron.AddFunc(s.schedule, s.run)
	if err != nil {
		return fmt.Errorf("audit: schedule snapshots: %w", err)
	}
	s.logger.Info("snapshot scheduler started", zap.String("schedule", s.schedule), zap.Int("entry", int(id)))
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running snapshot pass or ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.logger.Info("snapshot scheduler stopped")
}

func (s *Scheduler) run() {
	n, err := s.RunOnce(context.Background())
	if err != nil {
		s.logger.Error("snapshot pass failed", zap.Error(err))
		return
	}
	s.logger.Debug("snapshot pass finished", zap.Int("snapshots", n))
}

// RunOnce snapshots every open workflow as of now and returns how many
// snapshots were taken. Individual failures are logged and skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	open, err := s.recorder.store.OpenSpans(ctx, model.SpanTypeWorkflow)
	if err != nil {
		return 0, fmt.Errorf("audit: open workflow spans: %w", err)
	}
	now := s.recorder.clock.Now()
	taken := 0
	for _, sp := range open {
		if _, err := s.recorder.SnapshotWorkflowState(ctx, sp.TraceID, sp.Resource.ID, now); err != nil {
			s.logger.Warn("snapshot failed",
				zap.String("trace_id", sp.TraceID),
				zap.String("workflow_id", sp.Resource.ID),
				zap.Error(err),
			)
			continue
		}
		taken++
	}
	return taken, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
