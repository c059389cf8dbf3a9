package recurring

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned by Register when jobs or sink is nil.
	ErrInvalidArgument = errors.New("recurring: invalid argument")
	// ErrInstantiation means no instance of the job's type could be obtained.
	ErrInstantiation = errors.New("recurring: instantiation failed")
	// ErrSchedulerRejected wraps an error (or panic) from Sink.AddOrUpdate.
	ErrSchedulerRejected = errors.New("recurring: scheduler rejected job")
	// ErrInvalidJob means the descriptor itself is malformed.
	ErrInvalidJob = errors.New("recurring: invalid job")
)

// Failure is one job that could not be registered.
type Failure struct {
	ID  string
	Err error
}

func (f Failure) Error() string { return fmt.Sprintf("%s: %v", f.ID, f.Err) }
func (f Failure) Unwrap() error { return f.Err }

// Result summarizes a registration pass.
type Result struct {
	Registered []string // each id once, in first-seen order
	Skipped    []string
	Failures   []Failure

	// Duplicates are ids declared more than once; the last declaration was
	// the one sent to the sink.
	Duplicates []string
	// UnmatchedOverrides are override keys that named no job, sorted.
	UnmatchedOverrides []string
}

func (r Result) Counts() (registered, skipped, failed int) {
	return len(r.Registered), len(r.Skipped), len(r.Failures)
}

// Err joins all failures, or returns nil when there are none.
func (r Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}
