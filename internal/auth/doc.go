// Package auth authenticates API callers with static bearer tokens and
// authorizes them against per-route permissions. Each token maps to a named
// subject; when a subject is present the pipeline API uses its name as the
// run's actor.
package auth
