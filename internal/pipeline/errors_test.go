package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"testing"
)

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantType   string
		wantCode   string
		wantStatus int
	}{
		{
			name:       "not found",
			err:        &NotFoundError{Identifier: "echo"},
			wantType:   "not_found",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "read failure maps to 404",
			err:        &LoadError{Kind: ReadFailure, SourcePath: "x.js", Err: fs.ErrNotExist},
			wantType:   "load_error",
			wantCode:   "read_failure",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "compile failure maps to 400",
			err:        &LoadError{Kind: CompileFailure, SourcePath: "x.js", Err: errors.New("syntax")},
			wantType:   "load_error",
			wantCode:   "compile_failure",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "multiple units maps to 400",
			err:        &LoadError{Kind: MultipleUnitsFailure, SourcePath: "x.js", Err: errors.New("2 units")},
			wantType:   "load_error",
			wantCode:   "multiple_units",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "validation",
			err:        &ValidationError{Identifier: "echo", Missing: "pipe"},
			wantType:   "validation_error",
			wantCode:   "missing_required_entry_point",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unsupported operation",
			err:        &UnsupportedOperationError{Identifier: "echo", Operation: "valve update"},
			wantType:   "unsupported_operation",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "io",
			err:        &IoError{Op: "delete", Path: "x.js", Err: fs.ErrPermission},
			wantType:   "io_error",
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "execution carries its phase",
			err:        &ExecutionError{Identifier: "echo", Phase: PhasePipe, Err: errors.New("boom")},
			wantType:   "execution_error",
			wantCode:   "pipe",
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "invalid valve",
			err:        &InvalidValveError{Identifier: "echo", Key: "level", Want: "number"},
			wantType:   "invalid_request",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown error is internal",
			err:        errors.New("mystery"),
			wantType:   "internal_error",
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorType(tt.err); got != tt.wantType {
				t.Errorf("ErrorType() = %q, want %q", got, tt.wantType)
			}
			if got := ErrorCode(tt.err); got != tt.wantCode {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.wantCode)
			}
			if got := HTTPStatus(tt.err); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestErrorMappingSeesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("reload failed: %w",
		&LoadError{Kind: ReadFailure, SourcePath: "x.js", Err: fs.ErrNotExist})

	if got := ErrorType(wrapped); got != "load_error" {
		t.Errorf("ErrorType(wrapped) = %q, want load_error", got)
	}
	if got := ErrorCode(wrapped); got != "read_failure" {
		t.Errorf("ErrorCode(wrapped) = %q, want read_failure", got)
	}
	if got := HTTPStatus(wrapped); got != http.StatusNotFound {
		t.Errorf("HTTPStatus(wrapped) = %d, want 404", got)
	}

	deep := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w",
		&UnsupportedOperationError{Identifier: "echo", Operation: "inlet"}))
	if got := HTTPStatus(deep); got != http.StatusBadRequest {
		t.Errorf("HTTPStatus(deeply wrapped) = %d, want 400", got)
	}
}

func TestLoadErrorUnwrap(t *testing.T) {
	inner := errors.New("disk gone")
	err := &LoadError{Kind: ReadFailure, SourcePath: "x.js", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is() did not reach the wrapped cause")
	}
}
