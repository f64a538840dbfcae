package cron

import (
	"context"
	"fmt"
)

// Job is one unit of periodic work. Name labels its metrics and logs.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry is an ordered set of jobs with unique names.
type Registry struct {
	jobs []Job
}

// NewRegistry registers jobs in order, skipping nils and repeated names.
func NewRegistry(jobs ...Job) *Registry {
	r := &Registry{}
	for _, job := range jobs {
		_ = r.Register(job)
	}
	return r
}

func (r *Registry) Register(job Job) error {
	if job == nil {
		return nil
	}
	if r.has(job.Name()) {
		return fmt.Errorf("cron job %q registered twice", job.Name())
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *Registry) has(name string) bool {
	for _, job := range r.jobs {
		if job.Name() == name {
			return true
		}
	}
	return false
}

// Jobs returns the jobs in run order. The slice is the caller's to keep.
func (r *Registry) Jobs() []Job {
	return append([]Job(nil), r.jobs...)
}
