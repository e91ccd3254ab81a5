package cron

import (
	"context"
	"fmt"
	"strings"
)

// Job is one unit of scheduled work. Run must return promptly once ctx is
// canceled; the scheduler cancels it when the schedule lock is lost.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry is the ordered set of jobs one schedule runs per cycle.
type Registry struct {
	jobs  []Job
	names map[string]struct{}
}

// NewRegistry rejects nil jobs, blank names and duplicate names, since job
// names key both logs and metrics.
func NewRegistry(jobs ...Job) (*Registry, error) {
	r := &Registry{names: make(map[string]struct{}, len(jobs))}
	for i, job := range jobs {
		if job == nil {
			return nil, fmt.Errorf("job %d is nil", i)
		}
		name := strings.TrimSpace(job.Name())
		if name == "" {
			return nil, fmt.Errorf("job %d has no name", i)
		}
		if _, dup := r.names[name]; dup {
			return nil, fmt.Errorf("job %q registered twice", name)
		}
		r.names[name] = struct{}{}
		r.jobs = append(r.jobs, job)
	}
	return r, nil
}

// Jobs returns a copy in registration order.
func (r *Registry) Jobs() []Job {
	if r == nil {
		return nil
	}
	return append([]Job(nil), r.jobs...)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.jobs)
}
