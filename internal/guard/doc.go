// Package guard implements the per-agent trust checks consulted by the
// pipeline orchestrator before an agent runs: the mode guard, the approval
// guard backed by recorded sign-offs, and an optional rego policy guard.
package guard
