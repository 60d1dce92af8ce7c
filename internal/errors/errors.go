// SPDX-License-Identifier: AGPL-3.0-only
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure classes the conversation loop distinguishes.
// Wrap them with the constructors below and test with the Is* predicates.
var (
	// ErrTransport marks an endpoint that is unreachable or rejected auth.
	// These abort the whole operation.
	ErrTransport = errors.New("transport error")
	// ErrToolExecution marks a tool that ran but failed. These become
	// error-flagged tool results and the loop continues.
	ErrToolExecution = errors.New("tool execution error")
	// ErrTimeout marks a discovery or correlated call that exceeded its
	// deadline.
	ErrTimeout = errors.New("timeout")
	// ErrProtocol marks a malformed response from a server or agent.
	ErrProtocol = errors.New("protocol error")
)

// Transport wraps err as a transport failure with a remediation hint.
func Transport(hint string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransport, hint, err)
}

// ToolExecution wraps a failed tool run.
func ToolExecution(tool string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrToolExecution, tool, err)
}

// Timeout reports an operation that exceeded its deadline.
func Timeout(operation string) error {
	return fmt.Errorf("%w: %s timed out", ErrTimeout, operation)
}

// Protocol wraps a malformed-response failure.
func Protocol(detail string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrProtocol, detail)
	}
	return fmt.Errorf("%w: %s: %v", ErrProtocol, detail, err)
}

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool { return errors.Is(err, ErrTransport) }

// IsToolExecution reports whether err is a tool execution failure.
func IsToolExecution(err error) bool { return errors.Is(err, ErrToolExecution) }

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsProtocol reports whether err is a malformed-response failure.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }

// NotFound creates a formatted "not found" error
func NotFound(resource, id string) error {
	return fmt.Errorf("resource not found: %s with ID %s", resource, id)
}

// AlreadyExists creates a formatted "already exists" error
func AlreadyExists(resource, id string) error {
	return fmt.Errorf("resource already exists: %s with ID %s", resource, id)
}

// InvalidInput creates a formatted "invalid input" error
func InvalidInput(reason string) error {
	return fmt.Errorf("invalid input: %s", reason)
}

// Internal creates a formatted "internal error" error
func Internal(err error) error {
	return fmt.Errorf("internal error: %v", err)
}
