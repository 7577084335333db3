// Package alerting fans operational notifications (credential exhaustion,
// audit write failures, failed background jobs) out to log and chat channels.
package alerting
