// Package taskqueue runs scheduled tasks out of dedicated column families.
//
// Each Queue owns one family named after the queue. Tasks are keyed by due
// time so a worker finds due work with a single bounded scan:
//
//	task/{dueMs}{id} -> attempt | payload | crc32c
//	due/{id}         -> dueMs
//	dlq/{id}         -> attempt | payload | crc32c
//
// A worker polls every PollInterval (and immediately after Schedule),
// hands due tasks to the queue's Processor and deletes them on success.
// Failures are rescheduled with exponential backoff until MaxAttempts,
// after which the task moves to the dead-letter range. Delivery is at
// least once: a task interrupted by shutdown runs again on restart.
package taskqueue
