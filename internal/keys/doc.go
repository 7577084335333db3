// Package keys manages outbound AI provider credentials.
//
// The Manager tracks a primary and optional fallback key for each provider,
// counts consecutive failures, marks a provider failed at the threshold and
// fails over to a fixed list of alternative providers. The Reconciler
// periodically overwrites local status from a remote status document.
package keys
