package ticketregistry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/castaneai/ticketregistry/pkg/trlog"
)

// ScheduleSpec returns cronExpr when set, or an "@every" schedule for interval.
func ScheduleSpec(cronExpr string, interval time.Duration) string {
	if cronExpr != "" {
		return cronExpr
	}
	return fmt.Sprintf("@every %s", interval)
}

// Scheduler periodically runs a Cleaner. A run still in progress when the next one is due is skipped.
type Scheduler struct {
	cleaner  Cleaner
	spec     string
	schedule cron.Schedule
}

func NewScheduler(cleaner Cleaner, spec string) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cleaner schedule %q: %w", spec, err)
	}
	return &Scheduler{
		cleaner:  cleaner,
		spec:     spec,
		schedule: schedule,
	}, nil
}

// Start runs the cleaner on schedule until ctx is done, then waits for the running cycle to finish.
func (s *Scheduler) Start(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			trlog.Errorf("ticket cleanup failed: %+v", err)
		}
	}))
	c.Start()
	trlog.Infof("ticket cleaner scheduled (schedule: %s)", s.spec)
	<-ctx.Done()
	<-c.Stop().Done()
	trlog.Infof("ticket cleaner stopped")
	return ctx.Err()
}

// RunOnce runs a single cleanup cycle immediately.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	result, err := s.cleaner.Clean(ctx)
	if err != nil {
		return err
	}
	if result.Skipped {
		trlog.Debugf("ticket cleanup skipped; another node holds the cleaner lock")
	}
	return nil
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	trlog.Debugf("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	trlog.Errorf("cron: %s: %+v %v", msg, err, keysAndValues)
}
