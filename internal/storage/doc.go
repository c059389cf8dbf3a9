// Package storage provides the optional persistence layer used by jobhost.
//
// It currently keeps:
//   - Recurring job rows, upserted by identifier whenever the scheduler registers a job
//   - A run log with one record per finished task execution
package storage
