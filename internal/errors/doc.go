// Package errors defines the unified error codes shared by the orchestrator.
// Domain packages register their own codes with Register during init and
// attach structured metadata (agent id, pipeline step, guard) with options.
package errors
