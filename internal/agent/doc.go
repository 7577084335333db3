// Package agent defines the domain model shared by the orchestrator: the
// execution modes a pipeline may declare, the execution context carried
// through a run, the policy record of a registered agent, and the behaviour
// capability an agent is bound to.
package agent
