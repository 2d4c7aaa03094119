package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError is returned when a mutation would break a field constraint or a
// blocking rule. It is raised before the tree is touched.
type ValidationError struct {
	Result Result
	Err    error
}

func (e ValidationError) Error() string {
	var parts []string
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			parts = append(parts, v.Message)
		}
	}
	if len(parts) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e ValidationError) Unwrap() error { return e.Err }

// NodeNotFound is returned when a path segment has no matching identifier.
type NodeNotFound struct {
	Kind NodeKind
	ID   string
}

func (e NodeNotFound) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("node %s not found", e.ID)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// RemoteErrorKind classifies a backend failure.
type RemoteErrorKind string

// Remote failure classes reported by backends.
const (
	RemoteUnavailable RemoteErrorKind = "unavailable"
	RemoteRejected    RemoteErrorKind = "rejected"
	RemoteNotFound    RemoteErrorKind = "not_found"
	RemoteInternal    RemoteErrorKind = "internal"
	RemoteUnknown     RemoteErrorKind = "unknown"
)

// RemoteError wraps a failed backend call. The mutation that issued it has been
// rolled back and may be retried with the same input.
type RemoteError struct {
	Kind    RemoteErrorKind
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// AsRemoteError normalises any backend failure into a RemoteError.
func AsRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{Kind: RemoteUnknown, Message: err.Error(), Err: err}
}

// ConcurrentMutationConflict reports that a mutation was queued behind another
// mutation on the same node and gave up waiting.
type ConcurrentMutationConflict struct {
	NodeID string
	Err    error
}

func (e ConcurrentMutationConflict) Error() string {
	return fmt.Sprintf("mutation on %s still pending: %v", e.NodeID, e.Err)
}

func (e ConcurrentMutationConflict) Unwrap() error { return e.Err }
