// Package worker runs the Payment service background jobs
package worker

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is one unit of scheduled work
type Job interface {
	RunOnce(ctx context.Context) (int, error)
}

// Scheduler runs the reconciliation job on a cron schedule, never overlapping itself
type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Logger
}

// NewScheduler registers job under spec, e.g. "@every 30s"
func NewScheduler(ctx context.Context, spec string, job Job, log *logrus.Logger) (*Scheduler, error) {
	cronLog := cron.PrintfLogger(log)
	c := cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)))

	_, err := c.AddFunc(spec, func() {
		resolved, err := job.RunOnce(ctx)
		if err != nil {
			log.WithError(err).Error("Reconciliation run failed")
			return
		}
		if resolved > 0 {
			log.WithField("resolved", resolved).Info("Reconciliation run finished")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, log: log}, nil
}

func (s *Scheduler) Start() {
	s.log.Info("Reconciliation worker started")
	s.cron.Start()
}

// Stop waits for a running job to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("Reconciliation worker stopped")
}
