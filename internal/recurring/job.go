package recurring

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Job describes one method marked for recurring execution.
//
// Exactly one of Static and Instance must be set. Instance targets receive a
// value of Type obtained through the registrar's InstancePolicy.
type Job struct {
	Type   string
	Method string
	// ID overrides the derived "<Type>.<Method>" identifier.
	ID string

	Cron     string
	TimeZone string // "" means Local
	Queue    string // "" means the default queue
	Enabled  bool

	// Timeout bounds a single run. 0 leaves it to the engine default.
	Timeout time.Duration

	Static   func(ctx context.Context) error
	Instance func(ctx context.Context, instance any) error
}

// Identifier returns the schedule id: ID when set, else Type + "." + Method.
func (j Job) Identifier() string {
	if id := strings.TrimSpace(j.ID); id != "" {
		return id
	}
	return strings.TrimSpace(j.Type) + "." + strings.TrimSpace(j.Method)
}

func (j Job) validate() error {
	switch {
	case strings.TrimSpace(j.Type) == "":
		return fmt.Errorf("%w: type is empty", ErrInvalidJob)
	case strings.TrimSpace(j.Method) == "":
		return fmt.Errorf("%w: method is empty", ErrInvalidJob)
	case strings.TrimSpace(j.Cron) == "":
		return fmt.Errorf("%w: cron is empty", ErrInvalidJob)
	case j.Static == nil && j.Instance == nil:
		return fmt.Errorf("%w: no target", ErrInvalidJob)
	case j.Static != nil && j.Instance != nil:
		return fmt.Errorf("%w: both static and instance targets set", ErrInvalidJob)
	}
	return nil
}

// JobOption customizes a Job built by StaticJob or MethodJob.
type JobOption func(*Job)

func WithID(id string) JobOption             { return func(j *Job) { j.ID = id } }
func WithTimeZone(tz string) JobOption       { return func(j *Job) { j.TimeZone = tz } }
func WithQueue(queue string) JobOption       { return func(j *Job) { j.Queue = queue } }
func WithTimeout(d time.Duration) JobOption { return func(j *Job) { j.Timeout = d } }

// Disabled marks the job as not scheduled.
func Disabled() JobOption { return func(j *Job) { j.Enabled = false } }

// StaticJob describes a recurring function that needs no instance.
func StaticJob(typ, method, cron string, run func(ctx context.Context) error, opts ...JobOption) Job {
	j := Job{Type: typ, Method: method, Cron: cron, Enabled: true, Static: run}
	for _, o := range opts {
		if o != nil {
			o(&j)
		}
	}
	return j
}

// MethodJob describes a recurring method invoked on an instance of typ.
func MethodJob(typ, method, cron string, run func(ctx context.Context, instance any) error, opts ...JobOption) Job {
	j := Job{Type: typ, Method: method, Cron: cron, Enabled: true, Instance: run}
	for _, o := range opts {
		if o != nil {
			o(&j)
		}
	}
	return j
}

// Bind adapts a method expression such as (*Pruner).Prune into an instance
// target. A mismatched instance type is reported as ErrInstantiation.
func Bind[T any](fn func(T, context.Context) error) func(ctx context.Context, instance any) error {
	return func(ctx context.Context, instance any) error {
		v, ok := instance.(T)
		if !ok {
			var zero T
			return fmt.Errorf("%w: got %T, want %T", ErrInstantiation, instance, zero)
		}
		return fn(v, ctx)
	}
}

// Provider is implemented by job types that declare recurring methods.
type Provider interface {
	RecurringJobs() []Job
}

// ProviderFunc adapts a plain function to Provider.
type ProviderFunc func() []Job

func (f ProviderFunc) RecurringJobs() []Job { return f() }

// Collect flattens providers into one list in provider order.
// Nil providers are ignored; the result is never nil.
func Collect(providers ...Provider) []Job {
	out := make([]Job, 0, len(providers))
	for _, p := range providers {
		if p == nil {
			continue
		}
		out = append(out, p.RecurringJobs()...)
	}
	return out
}
