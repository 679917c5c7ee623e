package execution

import "time"

// StreamSink is the external, optional, fire-and-forget consumer of live
// execution output (spec §6 "Streaming sink"). Implementations must never
// block the I/O pump; failures are the sink's problem, not the driver's.
type StreamSink interface {
	StreamStdout(executionID, line string, timestamp time.Time)
	StreamStderr(executionID, line string, timestamp time.Time)
	StreamCompleted(executionID string, event StreamCompletedEvent)
}

// StreamCompletedEvent is the terminal notification for one execution.
type StreamCompletedEvent struct {
	Status       string // completed, timed_out, cancelled, failed
	ExitCode     int
	ErrorMessage string
	CompletedAt  time.Time
	Duration     time.Duration
	Success      bool
	OutputFiles  []string
}

// noopStreamSink is used when the engine is built without a sink; every
// call is a no-op, keeping the I/O pump's "sink is optional" contract
// uniform whether or not a real one is registered.
type noopStreamSink struct{}

func (noopStreamSink) StreamStdout(string, string, time.Time)        {}
func (noopStreamSink) StreamStderr(string, string, time.Time)        {}
func (noopStreamSink) StreamCompleted(string, StreamCompletedEvent) {}
