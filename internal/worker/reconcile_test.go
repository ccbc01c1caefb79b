package worker

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct{ runs atomic.Int32 }

func (j *countingJob) RunOnce(context.Context) (int, error) {
	j.runs.Add(1)
	return 1, nil
}

func TestSchedulerRunsJob(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	job := &countingJob{}

	s, err := NewScheduler(t.Context(), "@every 1s", job, log)
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return job.runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(t.Context(), "every now and then", &countingJob{}, logrus.New())
	assert.Error(t, err)
}
