// Package apierr provides the tagged error taxonomy shared by the
// scheduler HTTP surface: every service operation returns an error that
// wraps one of these sentinels, so handlers can map errors to status
// codes without string matching.
package apierr

import (
	"errors"
	"fmt"
)

// Tag is one entry in the error taxonomy.
type Tag string

const (
	DBError                  Tag = "db_error"
	PolicyDenied             Tag = "policy_denied"
	ProjectNotFound          Tag = "project_not_found"
	UnknownDevice            Tag = "unknown_device"
	MissingProject           Tag = "missing_project"
	MissingResult            Tag = "missing_result"
	MissingScript            Tag = "missing_script"
	UnsafeSchema             Tag = "unsafe_schema"
	AgentNotRegistered       Tag = "agent_not_registered"
	InvalidAgentUID          Tag = "invalid_agent_uid"
	InvalidInputFilename     Tag = "invalid_input_filename"
	ScriptHashMismatch       Tag = "script_hash_mismatch"
	TaskNotFound             Tag = "task_not_found"
	AlreadyLeased            Tag = "already_leased"
	WorkspaceTooLarge        Tag = "workspace_too_large"
	OutputTooLarge           Tag = "output_too_large"
	SandboxTimeout           Tag = "sandbox_timeout"
	Blocked                  Tag = "blocked"
	Throttled                Tag = "throttled"
	InvalidProjectTransition Tag = "invalid_project_transition"
)

// Error is a tagged, wrapped error: Tag identifies the taxonomy entry,
// Err (if non-nil) is the underlying cause.
type Error struct {
	Tag Tag
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Tag)
	}
	return fmt.Sprintf("%s: %v", e.Tag, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a tagged error with no wrapped cause.
func New(tag Tag) error {
	return &Error{Tag: tag}
}

// Wrap builds a tagged error wrapping cause. If cause is nil, Wrap returns
// nil so callers can use it directly on the result of a fallible call.
func Wrap(tag Tag, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Tag: tag, Err: cause}
}

// Wrapf is Wrap with a formatted cause message.
func Wrapf(tag Tag, format string, args ...any) error {
	return &Error{Tag: tag, Err: fmt.Errorf(format, args...)}
}

// TagOf extracts the Tag from err, if it (or something it wraps) is an
// *Error. Returns ("", false) otherwise.
func TagOf(err error) (Tag, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Tag, true
	}
	return "", false
}

// Is reports whether err is tagged with tag.
func Is(err error, tag Tag) bool {
	t, ok := TagOf(err)
	return ok && t == tag
}
