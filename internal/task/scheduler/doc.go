// Package scheduler owns the cron trigger for recurring jobs.
//
// Execution is delegated to internal/task/engine. The scheduler is responsible only for:
//   - validating and registering schedules (upsert by id)
//   - computing next trigger times in each schedule's time zone
//   - enqueueing tasks into the schedule's engine queue
//   - mirroring registrations into storage when a store is configured
package scheduler
