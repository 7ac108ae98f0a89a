// Package errs defines the failure taxonomy shared by the release orchestrator.
// Kinds are string-based so they serialize naturally into API responses and
// attempt records.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration failure.
type Kind string

const (
	// KindArtifact indicates release materialization failed. The partial release is discarded.
	KindArtifact Kind = "ARTIFACT_ERROR"

	// KindHook indicates a migration/build hook failed. The release is discarded.
	KindHook Kind = "HOOK_ERROR"

	// KindHealthCheck indicates the candidate never became healthy.
	KindHealthCheck Kind = "HEALTH_CHECK_ERROR"

	// KindServiceReload indicates the process controller failed after activation.
	KindServiceReload Kind = "SERVICE_RELOAD_ERROR"

	// KindNoRollbackTarget indicates a rollback was requested without a prior release.
	KindNoRollbackTarget Kind = "NO_ROLLBACK_TARGET"

	// KindDeploymentInProgress indicates another deploy or rollback holds the project lock.
	KindDeploymentInProgress Kind = "DEPLOYMENT_IN_PROGRESS"

	// KindValidation indicates one or more conformance rules failed.
	KindValidation Kind = "VALIDATION_ERROR"

	// KindPortConflict indicates a declared port falls outside the project's reserved range.
	KindPortConflict Kind = "PORT_CONFLICT"

	// KindInternal covers everything else.
	KindInternal Kind = "INTERNAL_ERROR"
)

// Error carries a Kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, kindMessage(e.Kind))
	default:
		return kindMessage(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the exported sentinels below work
// with errors.Is regardless of Op or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrArtifact             = &Error{Kind: KindArtifact}
	ErrHook                 = &Error{Kind: KindHook}
	ErrHealthCheck          = &Error{Kind: KindHealthCheck}
	ErrServiceReload        = &Error{Kind: KindServiceReload}
	ErrNoRollbackTarget     = &Error{Kind: KindNoRollbackTarget}
	ErrDeploymentInProgress = &Error{Kind: KindDeploymentInProgress}
	ErrValidation           = &Error{Kind: KindValidation}
	ErrPortConflict         = &Error{Kind: KindPortConflict}
)

// E wraps err with a kind and operation name.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost Kind in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Process exit codes used by the CLI.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitValidation  = 2
	ExitDeployment  = 3
	ExitHealthCheck = 4
	ExitInProgress  = 5
)

// ExitCode maps err onto a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindValidation:
		return ExitValidation
	case KindArtifact, KindHook, KindServiceReload, KindNoRollbackTarget, KindPortConflict:
		return ExitDeployment
	case KindHealthCheck:
		return ExitHealthCheck
	case KindDeploymentInProgress:
		return ExitInProgress
	default:
		return ExitFailure
	}
}

func kindMessage(k Kind) string {
	switch k {
	case KindArtifact:
		return "release materialization failed"
	case KindHook:
		return "release hook failed"
	case KindHealthCheck:
		return "health check failed"
	case KindServiceReload:
		return "service reload failed"
	case KindNoRollbackTarget:
		return "no previous release to roll back to"
	case KindDeploymentInProgress:
		return "deployment already in progress"
	case KindValidation:
		return "conformance validation failed"
	case KindPortConflict:
		return "port outside reserved range"
	default:
		return "internal error"
	}
}
