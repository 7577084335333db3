// Package audit records the append-only event trail of pipeline runs.
//
// Sinks persist events to memory, JSONL files, MySQL or a Redis stream. An
// AsyncSink decouples the orchestrator from slow sinks while keeping the
// emission order, and the Recorder escalates write failures instead of
// returning them to the caller.
package audit
