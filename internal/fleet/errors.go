// Package fleet schedules agent runs with a concurrency ceiling, FIFO
// admission for overflow, and a persistent registry of every run.
package fleet

import "errors"

var (
	// ErrUnknownAgent is returned when the agent ID is not tracked.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrWaitTimeout is returned when an agent does not reach a terminal
	// state within the wait timeout.
	ErrWaitTimeout = errors.New("timed out waiting for agent")

	// ErrAgentFailed is returned by Wait when the agent terminated with
	// an error.
	ErrAgentFailed = errors.New("agent failed")

	// ErrSchedulerClosed is returned when submitting after shutdown.
	ErrSchedulerClosed = errors.New("scheduler is closed")
)
