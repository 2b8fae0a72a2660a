// Package apperr defines the typed error kinds surfaced by the core (spec
// §7) and maps each to an HTTP status and a CLI exit code, so the HTTP API
// and the CLI classify failures from a single source of truth.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Exit codes for the CLI surface (spec §6).
const (
	ExitOK            = 0
	ExitGeneric       = 1
	ExitConfig        = 2
	ExitModelNotFound = 3
	ExitResource      = 4
)

// ModelNotFound indicates the requested model id has no ModelDescriptor.
type ModelNotFound struct {
	Model string
}

func (e *ModelNotFound) Error() string { return fmt.Sprintf("model not found: %s", e.Model) }

// ModelNotLoadable indicates the backend refused to open the model, or its
// artifact is missing/corrupt.
type ModelNotLoadable struct {
	Model  string
	Reason string
}

func (e *ModelNotLoadable) Error() string {
	return fmt.Sprintf("model %s not loadable: %s", e.Model, e.Reason)
}

// InsufficientMemory indicates the ResourceAdmitter rejected a load.
type InsufficientMemory struct {
	Need      uint64
	Available uint64
	Mode      string
}

func (e *InsufficientMemory) Error() string {
	return fmt.Sprintf("insufficient memory: need %d, available %d (mode=%s)", e.Need, e.Available, e.Mode)
}

// DeviceUnavailable indicates the requested device could not be used. In
// auto mode the EngineManager falls through to the next device before this
// is ever surfaced to a caller.
type DeviceUnavailable struct {
	Requested string
}

func (e *DeviceUnavailable) Error() string { return fmt.Sprintf("device unavailable: %s", e.Requested) }

// BackendLoadFailed indicates GenerationBackend.Open returned an error.
type BackendLoadFailed struct {
	Underlying error
}

func (e *BackendLoadFailed) Error() string { return fmt.Sprintf("backend load failed: %v", e.Underlying) }
func (e *BackendLoadFailed) Unwrap() error { return e.Underlying }

// GenerationFailed indicates a backend error during token generation.
type GenerationFailed struct {
	Underlying error
}

func (e *GenerationFailed) Error() string { return fmt.Sprintf("generation failed: %v", e.Underlying) }
func (e *GenerationFailed) Unwrap() error { return e.Underlying }

// Cancelled indicates a job ended because its cancel signal was raised.
type Cancelled struct{}

func (e *Cancelled) Error() string { return "cancelled" }

// SinkStalled indicates the token sink failed to drain within the stall
// timeout and the job was aborted.
type SinkStalled struct{}

func (e *SinkStalled) Error() string { return "token sink stalled" }

// InvalidRequest indicates a malformed or out-of-contract request field.
type InvalidRequest struct {
	Field  string
	Reason string
}

func (e *InvalidRequest) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid request: %s", e.Field)
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// HTTPStatus maps an error returned by the core to the HTTP status spec §7
// requires. Errors not recognized here map to 500.
func HTTPStatus(err error) int {
	switch {
	case errors.As(err, new(*ModelNotFound)):
		return http.StatusNotFound
	case errors.As(err, new(*ModelNotLoadable)):
		return http.StatusUnprocessableEntity
	case errors.As(err, new(*InsufficientMemory)):
		return http.StatusServiceUnavailable
	case errors.As(err, new(*DeviceUnavailable)):
		return http.StatusConflict
	case errors.As(err, new(*BackendLoadFailed)):
		return http.StatusInternalServerError
	case errors.As(err, new(*GenerationFailed)):
		return http.StatusInternalServerError
	case errors.As(err, new(*SinkStalled)):
		return http.StatusInternalServerError
	case errors.As(err, new(*InvalidRequest)):
		return http.StatusBadRequest
	case errors.As(err, new(*Cancelled)):
		// Cancellation is only ever surfaced mid-stream as finish_reason, never
		// as a standalone HTTP response, but give it a sane status anyway.
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// ExitCode maps an error returned by the core to a CLI exit code (spec §6).
// No error maps to ExitConfig: config failures exit with ExitGeneric.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch {
	case errors.As(err, new(*ModelNotFound)):
		return ExitModelNotFound
	case errors.As(err, new(*InsufficientMemory)):
		return ExitResource
	default:
		return ExitGeneric
	}
}
