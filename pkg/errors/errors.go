// Package errors provides the unified error taxonomy used across the
// orchestrator core components.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Kind classifies a ServiceError into one of the outcome categories the
// coordinator and gateway need to reason about (retry vs. give up vs.
// degrade).
type Kind string

const (
	KindConfig              Kind = "config_error"
	KindStore               Kind = "store_error"
	KindProviderTransient    Kind = "provider_transient"
	KindProviderPermanent    Kind = "provider_permanent"
	KindProviderDegraded     Kind = "provider_degraded"
	KindTimeout              Kind = "timeout"
	KindCancelled            Kind = "cancelled"
	KindDependencyFailed     Kind = "dependency_failed"
	KindInvariantViolation   Kind = "invariant_violation"
	KindNotFound             Kind = "not_found"
	KindInvalidInput         Kind = "invalid_input"
)

// ServiceError is a structured error carrying a Kind, a stable machine-
// readable Code, an HTTP status for the façade, and optional details.
type ServiceError struct {
	Kind       Kind
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair to the error and returns it for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Retryable reports whether the coordinator should retry an operation that
// failed with this error, per spec.md §4.4's retry policy.
func (e *ServiceError) Retryable() bool {
	switch e.Kind {
	case KindProviderTransient, KindTimeout, KindStore:
		return true
	default:
		return false
	}
}

func newErr(kind Kind, code, message string, status int) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message, HTTPStatus: status}
}

func wrapErr(kind Kind, code, message string, status int, err error) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Config errors — invalid or missing configuration, exit code 64 at the CLI.
func Config(message string, err error) *ServiceError {
	return wrapErr(KindConfig, "CFG_001", message, http.StatusInternalServerError, err)
}

// Store errors — the knowledge store failed an operation.
func Store(operation string, err error) *ServiceError {
	return wrapErr(KindStore, "STORE_001", "store operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// ProviderTransient marks a provider failure the gateway should retry.
func ProviderTransient(provider string, attempts int, err error) *ServiceError {
	return wrapErr(KindProviderTransient, "PROV_TRANSIENT", "provider call failed transiently", http.StatusBadGateway, err).
		WithDetails("provider", provider).
		WithDetails("attempts", attempts)
}

// ProviderPermanent marks a provider failure that must not be retried.
func ProviderPermanent(provider string, err error) *ServiceError {
	return wrapErr(KindProviderPermanent, "PROV_PERMANENT", "provider call failed permanently", http.StatusBadGateway, err).
		WithDetails("provider", provider)
}

// ProviderDegraded marks a provider call that returned no result because the
// provider is disabled or otherwise degraded.
func ProviderDegraded(provider, reason string) *ServiceError {
	return newErr(KindProviderDegraded, "PROV_DEGRADED", "provider call degraded", http.StatusOK).
		WithDetails("provider", provider).
		WithDetails("reason", reason)
}

// Timeout marks an operation that exceeded its deadline.
func Timeout(operation string) *ServiceError {
	return newErr(KindTimeout, "TIMEOUT", "operation timed out", http.StatusGatewayTimeout).
		WithDetails("operation", operation)
}

// Cancelled marks an operation stopped by a cancellation token, exit code 130
// at the CLI.
func Cancelled(operation string) *ServiceError {
	return newErr(KindCancelled, "CANCELLED", "operation cancelled", http.StatusServiceUnavailable).
		WithDetails("operation", operation)
}

// DependencyFailed marks an operation that could not run because an operation
// it `depends_on` failed and was not `best_effort`.
func DependencyFailed(operationID string) *ServiceError {
	return newErr(KindDependencyFailed, "DEP_FAILED", "dependency failed", http.StatusConflict).
		WithDetails("operation_id", operationID)
}

// InvariantViolation marks a bug: an internal invariant the spec requires
// was violated. Exit code 70 at the CLI.
func InvariantViolation(message string) *ServiceError {
	return newErr(KindInvariantViolation, "INVARIANT", message, http.StatusInternalServerError)
}

// NotFound marks a missing resource lookup (task, project, operation, ...).
func NotFound(resource, id string) *ServiceError {
	return newErr(KindNotFound, "NOT_FOUND", "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// InvalidInput marks a caller-supplied request that fails validation.
func InvalidInput(field, reason string) *ServiceError {
	return newErr(KindInvalidInput, "INVALID_INPUT", "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// Is reports whether err is a ServiceError of the given Kind.
func Is(err error, kind Kind) bool {
	var se *ServiceError
	if !stderrors.As(err, &se) {
		return false
	}
	return se.Kind == kind
}

// As extracts a *ServiceError from err's chain, if present.
func As(err error) (*ServiceError, bool) {
	var se *ServiceError
	ok := stderrors.As(err, &se)
	return se, ok
}

// ExitCode maps a ServiceError's Kind to the CLI exit codes from spec.md §6.
func ExitCode(err error) int {
	se, ok := As(err)
	if !ok {
		return 1
	}
	switch se.Kind {
	case KindConfig:
		return 64
	case KindProviderPermanent, KindProviderTransient:
		return 69
	case KindInvariantViolation:
		return 70
	case KindCancelled:
		return 130
	default:
		return 1
	}
}
