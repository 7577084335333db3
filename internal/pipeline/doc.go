// Package pipeline runs ordered sequences of registered agents under one
// execution context. Each agent is resolved from the registry, checked by
// the mode guard, the approval guard and an optional rego policy, audited,
// and then executed; the first failure aborts the run.
package pipeline
