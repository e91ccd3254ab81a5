package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/novamart-backend/pkg/metrics"
)

type scriptedLock struct {
	mu        sync.Mutex
	available bool
	held      bool
	lost      bool
	extends   int
	releases  int
	ttl       time.Duration
}

func newScriptedLock() *scriptedLock {
	return &scriptedLock{available: true, ttl: 3 * time.Second}
}

func (l *scriptedLock) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.available || l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *scriptedLock) Extend(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extends++
	if l.lost {
		l.held = false
		return false, nil
	}
	return l.held, nil
}

func (l *scriptedLock) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	l.held = false
	return nil
}

func (l *scriptedLock) TTL() time.Duration { return l.ttl }

type recordingJob struct {
	name string
	err  error
	runs int
	run  func(ctx context.Context) error
}

func (j *recordingJob) Name() string { return j.name }

func (j *recordingJob) Run(ctx context.Context) error {
	j.runs++
	if j.run != nil {
		return j.run(ctx)
	}
	return j.err
}

func newTestService(t *testing.T, lock Lock, collector *metrics.CronJobMetrics, jobs ...Job) *Service {
	t.Helper()
	registry, err := NewRegistry(jobs...)
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{
		Name:     "maintenance",
		Logger:   quietLogger(),
		Registry: registry,
		Lock:     lock,
		Metrics:  collector,
		Interval: time.Hour,
	})
	require.NoError(t, err)
	return svc
}

func TestRunOnceRunsEveryJobAndCombinesErrors(t *testing.T) {
	lock := newScriptedLock()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCronJobMetrics(reg)
	first := &recordingJob{name: "escrow-reconcile", err: errors.New("ledger mismatch")}
	second := &recordingJob{name: "outbox-retention"}
	third := &recordingJob{name: "ledger-export", err: errors.New("bigquery unavailable")}
	svc := newTestService(t, lock, collector, first, second, third)

	err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job escrow-reconcile: ledger mismatch")
	assert.Contains(t, err.Error(), "job ledger-export: bigquery unavailable")

	assert.Equal(t, 1, first.runs)
	assert.Equal(t, 1, second.runs)
	assert.Equal(t, 1, third.runs)
	assert.Equal(t, 1, lock.releases)
	assert.False(t, lock.held)

	assert.Equal(t, float64(1), counterValue(t, reg, "cron_job_runs_total", map[string]string{"job": "outbox-retention", "outcome": "ok"}))
	assert.Equal(t, float64(1), counterValue(t, reg, "cron_job_runs_total", map[string]string{"job": "ledger-export", "outcome": "error"}))
}

func TestRunOnceSkipsWhenLockHeldElsewhere(t *testing.T) {
	lock := newScriptedLock()
	lock.available = false
	reg := prometheus.NewRegistry()
	collector := metrics.NewCronJobMetrics(reg)
	job := &recordingJob{name: "settlement-sweep"}
	svc := newTestService(t, lock, collector, job)

	require.NoError(t, svc.RunOnce(context.Background()))
	assert.Zero(t, job.runs)
	assert.Zero(t, lock.releases)
	assert.Equal(t, float64(1), counterValue(t, reg, "cron_lock_skipped_total", map[string]string{"schedule": "maintenance"}))
}

func TestRunOnceCancelsJobsWhenLockLost(t *testing.T) {
	lock := newScriptedLock()
	blocking := &recordingJob{name: "settlement-sweep", run: func(ctx context.Context) error {
		lock.mu.Lock()
		lock.lost = true
		lock.mu.Unlock()
		<-ctx.Done()
		return context.Cause(ctx)
	}}
	after := &recordingJob{name: "outbox-retention"}
	svc := newTestService(t, lock, nil, blocking, after)
	svc.heartbeat = 10 * time.Millisecond

	err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockLost)
	assert.Equal(t, 1, blocking.runs)
	assert.Zero(t, after.runs, "jobs after a lost lock are not started")
	assert.GreaterOrEqual(t, lock.extends, 1)
}

func TestRunOnceSurfacesAcquireErrors(t *testing.T) {
	svc := newTestService(t, &failingLock{}, nil, &recordingJob{name: "settlement-sweep"})
	err := svc.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire lock")
}

func TestRunReturnsOnCancel(t *testing.T) {
	job := &recordingJob{name: "settlement-sweep"}
	svc := newTestService(t, newScriptedLock(), nil, job)
	ctx, cancel := context.WithCancel(context.Background())
	job.run = func(context.Context) error {
		cancel()
		return nil
	}

	assert.ErrorIs(t, svc.Run(ctx), context.Canceled)
	assert.Equal(t, 1, job.runs)
}

func TestNewServiceValidates(t *testing.T) {
	registry, err := NewRegistry(&recordingJob{name: "a"})
	require.NoError(t, err)

	_, err = NewService(ServiceParams{Registry: registry, Lock: newScriptedLock()})
	assert.Error(t, err, "logger required")
	_, err = NewService(ServiceParams{Logger: quietLogger(), Registry: registry})
	assert.Error(t, err, "lock required")
	_, err = NewService(ServiceParams{Logger: quietLogger(), Lock: newScriptedLock()})
	assert.Error(t, err, "jobs required")

	svc, err := NewService(ServiceParams{Logger: quietLogger(), Registry: registry, Lock: newScriptedLock()})
	require.NoError(t, err)
	assert.Equal(t, defaultInterval, svc.interval)
	assert.Equal(t, time.Second, svc.heartbeat)
	assert.Equal(t, "default", svc.name)
}

type failingLock struct{ scriptedLock }

func (*failingLock) Acquire(context.Context) (bool, error) {
	return false, errors.New("redis: i/o timeout")
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] == pair.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("no %s series with labels %v", name, labels)
	return 0
}
