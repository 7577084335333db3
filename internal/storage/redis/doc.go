// Package redis builds the shared go-redis client used by the approval store,
// the audit stream sink and the job queue.
package redis
