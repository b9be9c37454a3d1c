package step

import "fmt"

// WaitError is the pseudo-error used as a suspension signal (spec §4.2,
// §9). It must be distinguishable across module/package boundaries without
// relying on runtime type identity that could fail across process
// boundaries or minification in other languages; in Go we simply export
// IsWaitError, which walks the Unwrap chain and is the contract callers
// should use instead of a type switch.
type WaitError struct {
	// Dependency names what the execution is now waiting on, e.g.
	// "invoke:sub", "timer", "event:topic", "suspend:key".
	Dependency string
}

func (e *WaitError) Error() string {
	return fmt.Sprintf("step: suspended waiting on %s", e.Dependency)
}

// IsWaitError reports whether err is (or wraps) a *WaitError. Use this
// instead of a type assertion so the check keeps working if WaitError ever
// needs to cross a serialization boundary.
func IsWaitError(err error) bool {
	_, ok := asWaitError(err)
	return ok
}

func asWaitError(err error) (*WaitError, bool) {
	if err == nil {
		return nil, false
	}
	if w, ok := err.(*WaitError); ok {
		return w, true
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return asWaitError(u.Unwrap())
	}
	return nil, false
}

// StepExecutionError indicates a step's retries were exhausted (spec §4.2,
// §7). Not retryable at the workflow layer.
type StepExecutionError struct {
	Key   string
	Cause error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q: execution failed after retries: %v", e.Key, e.Cause)
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

// DuplicateStepKeyError indicates the same step key was used twice within a
// single execution attempt for what the step store can tell are two
// different logical steps (spec §4.2, §9).
type DuplicateStepKeyError struct {
	Key string
}

func (e *DuplicateStepKeyError) Error() string {
	return fmt.Sprintf("step: duplicate step key %q within one execution attempt", e.Key)
}

// EventTimeoutError indicates waitForEvent's timeout elapsed before a
// matching event arrived (spec §4.2, §7).
type EventTimeoutError struct {
	Topic string
}

func (e *EventTimeoutError) Error() string {
	return fmt.Sprintf("step: timed out waiting for event on topic %q", e.Topic)
}
