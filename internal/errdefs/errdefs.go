// Package errdefs defines the runtime's error kind space.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Kind, a human-readable message, and a structured context map that always
// includes the identifier being processed. Approval envelopes are not
// errors; they are ordinary return values (see internal/approval).
package errdefs

import (
	"errors"
	"fmt"
)

// Kind identifies a failure class. The set below is exhaustive for the
// runtime core; components never invent ad-hoc kinds.
type Kind string

const (
	KindMetadataFetchFailed       Kind = "metadata-fetch-failed"
	KindMetadataParseError        Kind = "metadata-parse-error"
	KindEnvMissing                Kind = "env-missing"
	KindDependencyNotApproved     Kind = "dependency-not-approved"
	KindDependencyInstallFailed   Kind = "dependency-install-failed"
	KindDependencyIntegrityFailed Kind = "dependency-integrity-failed"
	KindModuleImportFailed        Kind = "module-import-failed"
	KindMethodNotFound            Kind = "method-not-found"
	KindSubprocessSpawnFailed     Kind = "subprocess-spawn-failed"
	KindSubprocessCallFailed      Kind = "subprocess-call-failed"
	KindSubprocessTimeout         Kind = "subprocess-timeout"
	KindExecutionTimeout          Kind = "execution-timeout"
	KindRPCTimeout                Kind = "rpc-timeout"
	KindWorkerTerminated          Kind = "worker-terminated"
	KindCodeError                 Kind = "code-error"
	KindWorkflowNotFound          Kind = "workflow-not-found"
	KindToolDenied                Kind = "tool-denied"
	KindPathOutsideWorkspace      Kind = "path-outside-workspace"
	KindPathTraversal             Kind = "path-traversal-attack"
)

// Error is the runtime error type. Context keys are stable strings ("tool",
// "fqdn", "dependency", ...) so callers and logs can rely on them.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	cause   error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that records err as its cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// With attaches a context entry and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// WithTool attaches the tool identifier under the conventional "tool" key.
func (e *Error) WithTool(id string) *Error {
	return e.With("tool", id)
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf returns the kind of err, or "" when err carries no kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or any error it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ContextOf returns err's context map, or nil for foreign errors.
func ContextOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}
