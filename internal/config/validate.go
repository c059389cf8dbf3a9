package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"jobhost/internal/task/scheduler"
	logx "jobhost/pkg/logx"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		// Report json names ("task_engine.queue_size") instead of Go field names.
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
			_, err := scheduler.Compile(fl.Field().String(), "")
			return err == nil
		})
		_ = v.RegisterValidation("tz", func(fl validator.FieldLevel) bool {
			tz := strings.TrimSpace(fl.Field().String())
			if tz == "" || strings.EqualFold(tz, "Local") {
				return true
			}
			_, err := time.LoadLocation(tz)
			return err == nil
		})
		_ = v.RegisterValidation("goduration", func(fl validator.FieldLevel) bool {
			_, err := parseDuration(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
			return logx.ValidLevel(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// Validate checks field formats (cron expressions, time zones, durations,
// levels) and cross-section references such as job queues.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return formatValidationErrors(verrs)
		}
		return err
	}

	var errs []error
	if s := cfg.Storage; s != nil {
		d := strings.ToLower(strings.TrimSpace(s.Driver))
		if d != "" && d != "none" && strings.TrimSpace(s.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for driver %q", d))
		}
	}

	queues := map[string]bool{"default": true, "maintenance": true}
	if cfg.TaskEngine != nil {
		for name := range cfg.TaskEngine.Queues {
			queues[strings.TrimSpace(name)] = true
		}
	}
	for id, o := range cfg.Jobs {
		if q := strings.TrimSpace(o.Queue); q != "" && !queues[q] {
			errs = append(errs, fmt.Errorf("jobs[%s].queue: unknown queue %q", id, q))
		}
	}
	return errors.Join(errs...)
}

func formatValidationErrors(verrs validator.ValidationErrors) error {
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "Config.task_engine.queue_size"; drop the root type.
		ns := fe.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		switch fe.Tag() {
		case "schedule":
			errs = append(errs, fmt.Errorf("%s: invalid cron/interval %q", ns, fe.Value()))
		case "tz":
			errs = append(errs, fmt.Errorf("%s: unknown time zone %q", ns, fe.Value()))
		case "goduration":
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", ns, fe.Value()))
		case "loglevel":
			errs = append(errs, fmt.Errorf("%s: invalid level %q", ns, fe.Value()))
		default:
			if fe.Param() != "" {
				errs = append(errs, fmt.Errorf("%s: failed %s=%s (got %v)", ns, fe.Tag(), fe.Param(), fe.Value()))
			} else {
				errs = append(errs, fmt.Errorf("%s: failed %s (got %v)", ns, fe.Tag(), fe.Value()))
			}
		}
	}
	return errors.Join(errs...)
}
