package recurring

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"strings"
	"time"

	logx "jobhost/pkg/logx"
)

const (
	DefaultQueue    = "default"
	DefaultTimeZone = "Local"
)

// Sink is the scheduler API jobs are registered with. AddOrUpdate must
// replace any existing schedule with the same id.
type Sink interface {
	AddOrUpdate(id string, run func(ctx context.Context) error, cron, timeZone, queue string) error
}

// Remover is an optional Sink capability used to unschedule disabled jobs.
type Remover interface {
	Remove(id string) bool
}

// Override replaces descriptor fields for one identifier. Empty strings and a
// nil Enabled keep the descriptor's value.
type Override struct {
	Cron     string
	TimeZone string
	Queue    string
	Enabled  *bool
}

type Registrar struct {
	log            logx.Logger
	instances      InstancePolicy
	defaultQueue   string
	defaultTZ      string
	removeDisabled bool
	overrides      map[string]Override
}

type Option func(*Registrar)

func WithLogger(log logx.Logger) Option { return func(r *Registrar) { r.log = log } }

// WithInstances sets how instance targets are bound. Without it, every
// instance-scoped job fails with ErrInstantiation.
func WithInstances(p InstancePolicy) Option { return func(r *Registrar) { r.instances = p } }

func WithDefaultQueue(q string) Option { return func(r *Registrar) { r.defaultQueue = q } }

func WithDefaultTimeZone(tz string) Option { return func(r *Registrar) { r.defaultTZ = tz } }

// WithRemoveDisabled unschedules disabled jobs when the sink implements Remover.
func WithRemoveDisabled(enabled bool) Option { return func(r *Registrar) { r.removeDisabled = enabled } }

// WithOverrides applies per-identifier overrides, typically from config.
func WithOverrides(m map[string]Override) Option {
	return func(r *Registrar) {
		r.overrides = make(map[string]Override, len(m))
		for id, o := range m {
			r.overrides[strings.TrimSpace(id)] = o
		}
	}
}

func New(opts ...Option) *Registrar {
	r := &Registrar{}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	if strings.TrimSpace(r.defaultQueue) == "" {
		r.defaultQueue = DefaultQueue
	}
	if strings.TrimSpace(r.defaultTZ) == "" {
		r.defaultTZ = DefaultTimeZone
	}
	return r
}

// Register upserts every enabled job into sink, in order.
//
// The returned error is non-nil only for invalid arguments (nil jobs, or a
// nil sink including a typed nil pointer), in which case the sink is never
// called. Per-job problems are collected in Result.Failures and do not stop
// the pass.
func (r *Registrar) Register(jobs []Job, sink Sink) (Result, error) {
	if jobs == nil {
		return Result{}, fmt.Errorf("%w: jobs is nil", ErrInvalidArgument)
	}
	if isNil(sink) {
		return Result{}, fmt.Errorf("%w: sink is nil", ErrInvalidArgument)
	}

	var res Result
	seen := make(map[string]int, len(jobs))
	registered := make(map[string]bool, len(jobs))
	for i, j := range jobs {
		id := j.Identifier()
		if prev, dup := seen[id]; dup {
			r.log.Warn("duplicate recurring job id; later definition wins", logx.String("id", id), logx.Int("first", prev), logx.Int("index", i))
			if !slices.Contains(res.Duplicates, id) {
				res.Duplicates = append(res.Duplicates, id)
			}
		}
		seen[id] = i

		j = r.applyOverride(id, j)
		if !j.Enabled {
			res.Skipped = append(res.Skipped, id)
			r.unschedule(sink, id)
			continue
		}
		if err := r.registerOne(id, j, sink); err != nil {
			res.Failures = append(res.Failures, Failure{ID: id, Err: err})
			r.log.Warn("recurring job not registered", logx.String("id", id), logx.Err(err))
			continue
		}
		// The sink holds one schedule per id.
		if !registered[id] {
			registered[id] = true
			res.Registered = append(res.Registered, id)
		}
	}

	for id := range r.overrides {
		if _, ok := seen[id]; !ok {
			res.UnmatchedOverrides = append(res.UnmatchedOverrides, id)
		}
	}
	sort.Strings(res.UnmatchedOverrides)
	for _, id := range res.UnmatchedOverrides {
		r.log.Warn("override matches no recurring job", logx.String("id", id))
	}

	reg, skip, failed := res.Counts()
	lvl := r.log.Info
	if failed > 0 {
		lvl = r.log.Warn
	}
	lvl("recurring jobs registered", logx.Int("registered", reg), logx.Int("skipped", skip), logx.Int("failed", failed))
	return res, nil
}

func (r *Registrar) applyOverride(id string, j Job) Job {
	o, ok := r.overrides[id]
	if !ok {
		return j
	}
	if v := strings.TrimSpace(o.Cron); v != "" {
		j.Cron = v
	}
	if v := strings.TrimSpace(o.TimeZone); v != "" {
		j.TimeZone = v
	}
	if v := strings.TrimSpace(o.Queue); v != "" {
		j.Queue = v
	}
	if o.Enabled != nil {
		j.Enabled = *o.Enabled
	}
	return j
}

func (r *Registrar) unschedule(sink Sink, id string) {
	if !r.removeDisabled {
		r.log.Debug("recurring job disabled; skipped", logx.String("id", id))
		return
	}
	rm, ok := sink.(Remover)
	if !ok {
		return
	}
	removed := false
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Error("recurring job remove panicked", logx.String("id", id), logx.Any("panic", p))
			}
		}()
		removed = rm.Remove(id)
	}()
	if removed {
		r.log.Info("recurring job disabled; unscheduled", logx.String("id", id))
	}
}

func (r *Registrar) registerOne(id string, j Job, sink Sink) error {
	if err := j.validate(); err != nil {
		return err
	}
	run, err := r.bind(j)
	if err != nil {
		return err
	}
	if j.Timeout > 0 {
		run = withTimeout(run, j.Timeout)
	}

	queue := strings.TrimSpace(j.Queue)
	if queue == "" {
		queue = r.defaultQueue
	}
	tz := strings.TrimSpace(j.TimeZone)
	if tz == "" {
		tz = r.defaultTZ
	}
	cron := strings.TrimSpace(j.Cron)

	if err := safeAdd(sink, id, run, cron, tz, queue); err != nil {
		return fmt.Errorf("%w: %w", ErrSchedulerRejected, err)
	}
	r.log.Debug("recurring job registered", logx.String("id", id), logx.String("cron", cron), logx.String("tz", tz), logx.String("queue", queue))
	return nil
}

func (r *Registrar) bind(j Job) (func(ctx context.Context) error, error) {
	if j.Static != nil {
		return j.Static, nil
	}
	if r.instances == nil {
		return nil, fmt.Errorf("%w: no instance policy for type %q", ErrInstantiation, j.Type)
	}
	run, err := r.instances.Bind(j.Type, j.Instance)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("%w: policy returned no runnable for type %q", ErrInstantiation, j.Type)
	}
	return run, nil
}

func withTimeout(run func(ctx context.Context) error, d time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return run(ctx)
	}
}

// isNil also catches a typed nil pointer stored in the interface.
func isNil(sink Sink) bool {
	if sink == nil {
		return true
	}
	v := reflect.ValueOf(sink)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice, reflect.Interface:
		return v.IsNil()
	}
	return false
}

// safeAdd converts a sink panic into an error.
func safeAdd(sink Sink, id string, run func(ctx context.Context) error, cron, tz, queue string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return sink.AddOrUpdate(id, run, cron, tz, queue)
}
