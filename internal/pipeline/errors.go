package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

// LoadErrorKind classifies loader failures.
type LoadErrorKind string

const (
	// ReadFailure means the source file was missing or unreadable.
	ReadFailure LoadErrorKind = "read_failure"

	// CompileFailure means the source could not be compiled or its
	// top-level evaluation failed.
	CompileFailure LoadErrorKind = "compile_failure"

	// MultipleUnitsFailure means the source produced more than one
	// top-level loadable unit. Exactly one unit per file is required.
	MultipleUnitsFailure LoadErrorKind = "multiple_units"
)

// ExecutionPhase names the stage of a dispatch at which pipeline code failed.
type ExecutionPhase string

const (
	PhaseInlet  ExecutionPhase = "inlet"
	PhasePipe   ExecutionPhase = "pipe"
	PhaseOutlet ExecutionPhase = "outlet"
)

// NotFoundError reports a pipeline identifier unknown to the registry.
type NotFoundError struct {
	Identifier string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("pipeline %q not found", e.Identifier)
}

// LoadError reports a loader failure for a specific source file.
type LoadError struct {
	Kind       LoadErrorKind
	SourcePath string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.SourcePath, e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// ValidationError reports a unit that does not satisfy the calling contract.
type ValidationError struct {
	Identifier string
	Missing    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline %q missing required entry point %q", e.Identifier, e.Missing)
}

// UnsupportedOperationError reports an operation the target pipeline does not
// implement, such as a valve update against a pipeline without updateValves.
type UnsupportedOperationError struct {
	Identifier string
	Operation  string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("pipeline %q does not support %s", e.Identifier, e.Operation)
}

// IoError reports a filesystem failure during a lifecycle operation.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// ExecutionError reports a failure inside pipeline-owned code during
// dispatch. Raw engine exceptions and panics never escape past this type.
type ExecutionError struct {
	Identifier string
	Phase      ExecutionPhase
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("pipeline %q failed in %s: %v", e.Identifier, e.Phase, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// InvalidValveError reports a valve value that does not conform to the
// pipeline's declared valve spec.
type InvalidValveError struct {
	Identifier string
	Key        string
	Want       string
}

func (e *InvalidValveError) Error() string {
	return fmt.Sprintf("pipeline %q valve %q: expected %s", e.Identifier, e.Key, e.Want)
}

// ErrorType returns the taxonomy name for an error, used in the HTTP error
// envelope. Wrapped taxonomy errors are recognized through errors.As; unknown
// errors are reported as internal.
func ErrorType(err error) string {
	var (
		notFound    *NotFoundError
		load        *LoadError
		validation  *ValidationError
		unsupported *UnsupportedOperationError
		io          *IoError
		execution   *ExecutionError
		valve       *InvalidValveError
	)
	switch {
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &load):
		return "load_error"
	case errors.As(err, &validation):
		return "validation_error"
	case errors.As(err, &unsupported):
		return "unsupported_operation"
	case errors.As(err, &io):
		return "io_error"
	case errors.As(err, &execution):
		return "execution_error"
	case errors.As(err, &valve):
		return "invalid_request"
	default:
		return "internal_error"
	}
}

// ErrorCode returns the taxonomy sub-code for an error, or "".
func ErrorCode(err error) string {
	var (
		load       *LoadError
		validation *ValidationError
		execution  *ExecutionError
	)
	switch {
	case errors.As(err, &load):
		return string(load.Kind)
	case errors.As(err, &validation):
		return "missing_required_entry_point"
	case errors.As(err, &execution):
		return string(execution.Phase)
	default:
		return ""
	}
}

// HTTPStatus maps an error to the status code the HTTP layer should return.
func HTTPStatus(err error) int {
	var (
		notFound    *NotFoundError
		load        *LoadError
		validation  *ValidationError
		unsupported *UnsupportedOperationError
		valve       *InvalidValveError
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &load):
		if load.Kind == ReadFailure {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case errors.As(err, &validation), errors.As(err, &unsupported), errors.As(err, &valve):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
