// Package api exposes the orchestrator over HTTP: synchronous pipeline runs,
// agent discovery per execution mode, approval management, registry and
// credential status, asynchronous jobs, and audit queries including a live
// websocket stream of audit events.
package api
