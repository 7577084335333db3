// Package job runs pipelines asynchronously.
//
// A Service stores submitted pipeline requests and publishes their IDs to a
// Queue (memory, Redis list or RabbitMQ). A Processor consumes IDs with a pool
// of workers, claims each job, runs it through the orchestrator and records
// the outcome. Only failures with retryable error codes are re-queued, bounded
// by the job's retry budget.
package job
