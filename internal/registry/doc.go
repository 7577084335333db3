// Package registry loads the agent policy registry from its declarative
// document, validates it, and serves lookups by id from a process-scoped
// cache. Concurrent first loads collapse into a single read, and refreshes
// swap the whole registry atomically.
package registry
