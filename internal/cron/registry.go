package cron

import (
	"context"
	"time"
)

// Job represents a scheduled task that runs inside the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	job     Job
	every   time.Duration
	lastRun time.Time
}

// Registry tracks registered cron jobs and when each last ran.
type Registry struct {
	entries []*entry
}

// NewRegistry builds a registry whose jobs run on every cycle.
func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{}
	for _, job := range jobs {
		registry.Register(job, 0)
	}
	return registry
}

// Register adds a job that runs at most once per every. Zero means every cycle.
func (r *Registry) Register(job Job, every time.Duration) {
	if job == nil {
		return
	}
	if every < 0 {
		every = 0
	}
	r.entries = append(r.entries, &entry{job: job, every: every})
}

// Names lists registered job names in the order they were added.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.job.Name()
	}
	return names
}

// Due returns the jobs whose interval has elapsed at now and marks them as run.
func (r *Registry) Due(now time.Time) []Job {
	var due []Job
	for _, e := range r.entries {
		if !e.lastRun.IsZero() && now.Sub(e.lastRun) < e.every {
			continue
		}
		e.lastRun = now
		due = append(due, e.job)
	}
	return due
}
