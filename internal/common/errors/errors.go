// Package errors provides the standardized error taxonomy of the deal engine and its
// mapping onto BPMN errors for the job workers.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Pipeline reconciliation
	ErrCodePipelineUnavailable ErrorCode = "PIPELINE_UNAVAILABLE"
	ErrCodePipelinePartial     ErrorCode = "PIPELINE_PARTIAL"

	// Caught before any network call
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// Marketplace calls
	ErrCodeTransportFailed  ErrorCode = "TRANSPORT_FAILED"
	ErrCodeBusinessRejected ErrorCode = "BUSINESS_REJECTED"
	ErrCodeRequestNotFound  ErrorCode = "REQUEST_NOT_FOUND"

	// Lifecycle
	ErrCodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrCodeTerminalState      ErrorCode = "TERMINAL_STATE"
	ErrCodeSubmissionInFlight ErrorCode = "SUBMISSION_IN_FLIGHT"

	// Supporting infrastructure
	ErrCodeJournalWriteFailed ErrorCode = "JOURNAL_WRITE_FAILED"
	ErrCodeGuardUnavailable   ErrorCode = "GUARD_UNAVAILABLE"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}

	for k, v := range e.ErrorVariables {
		vars[k] = v
	}

	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

// NewPipelineUnavailableError is returned when neither pipeline feed could be loaded.
// Callers must show "unavailable", never "zero deals".
func NewPipelineUnavailableError(groupedErr, flatErr error) *StandardError {
	return &StandardError{
		Code:      ErrCodePipelineUnavailable,
		Message:   "Deal pipeline is unavailable",
		Details:   fmt.Sprintf("pipeline: %v; requests: %v", groupedErr, flatErr),
		Retryable: true,
		Metadata: map[string]interface{}{
			"groupedError": errString(groupedErr),
			"flatError":    errString(flatErr),
		},
		Timestamp: time.Now().UTC(),
		cause:     groupedErr,
	}
}

// NewPipelinePartialError describes a degraded reconciliation. It is reported as a
// warning, not returned as a failure.
func NewPipelinePartialError(source string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodePipelinePartial,
		Message:   fmt.Sprintf("Pipeline loaded without %s", source),
		Details:   errString(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewValidationError creates a non-retryable validation error for a single field.
func NewValidationError(field, details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeValidationFailed,
		Message:   "Validation failed",
		Details:   details,
		Retryable: false,
		Metadata:  map[string]interface{}{"field": field},
		Timestamp: time.Now().UTC(),
	}
}

// NewTransportError wraps a network-level failure talking to the marketplace.
func NewTransportError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeTransportFailed,
		Message:   fmt.Sprintf("Marketplace unreachable during %s", operation),
		Details:   errString(err),
		Retryable: true,
		Metadata:  map[string]interface{}{"operation": operation},
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewBusinessRejectedError carries the server's human-readable message verbatim.
func NewBusinessRejectedError(operation string, statusCode int, serverMessage string) *StandardError {
	return &StandardError{
		Code:      ErrCodeBusinessRejected,
		Message:   serverMessage,
		Details:   fmt.Sprintf("operation: %s, status: %d", operation, statusCode),
		Retryable: false,
		Metadata: map[string]interface{}{
			"operation":  operation,
			"statusCode": statusCode,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewRequestNotFoundError creates a non-retryable error for an unknown request id.
func NewRequestNotFoundError(requestID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRequestNotFound,
		Message:   "Funding request not found",
		Details:   fmt.Sprintf("requestId: %s", requestID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewInvalidTransitionError reports a status move outside the lifecycle graph.
func NewInvalidTransitionError(from, to string) *StandardError {
	return &StandardError{
		Code:      ErrCodeInvalidTransition,
		Message:   "Status transition not allowed",
		Details:   fmt.Sprintf("from: %s, to: %s", from, to),
		Retryable: false,
		Metadata:  map[string]interface{}{"from": from, "to": to},
		Timestamp: time.Now().UTC(),
	}
}

// NewTerminalStateError reports an attempt to respond to an accepted or declined request.
func NewTerminalStateError(requestID, status string) *StandardError {
	return &StandardError{
		Code:      ErrCodeTerminalState,
		Message:   "Funding request has already been responded to",
		Details:   fmt.Sprintf("requestId: %s, status: %s", requestID, status),
		Retryable: false,
		Metadata:  map[string]interface{}{"requestId": requestID, "status": status},
		Timestamp: time.Now().UTC(),
	}
}

// NewSubmissionInFlightError rejects a duplicate submit while the first is pending.
func NewSubmissionInFlightError(requestID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSubmissionInFlight,
		Message:   "A response for this request is already being submitted",
		Details:   fmt.Sprintf("requestId: %s", requestID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewJournalWriteFailedError wraps a failed journal insert.
func NewJournalWriteFailedError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeJournalWriteFailed,
		Message:   "Deal journal write failed",
		Details:   errString(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewGuardUnavailableError wraps a submission guard backend failure.
func NewGuardUnavailableError(err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeGuardUnavailable,
		Message:   "Submission guard unavailable",
		Details:   errString(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// Generic constructors

func NewExternalServiceError(service string, err error) *StandardError {
	return &StandardError{
		Code:      "EXTERNAL_SERVICE_ERROR",
		Message:   fmt.Sprintf("External service '%s' error", service),
		Details:   errString(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewTimeoutError(service string, err error) *StandardError {
	return &StandardError{
		Code:      "TIMEOUT_ERROR",
		Message:   fmt.Sprintf("Service '%s' timeout", service),
		Details:   errString(err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

func NewResourceNotFoundError(service, details string) *StandardError {
	return &StandardError{
		Code:      "RESOURCE_NOT_FOUND",
		Message:   fmt.Sprintf("Resource not found in %s", service),
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 4. Error Conversion to BPMN
// ==========================

// BPMNErrorMapping maps internal error codes to the BPMN error codes used by the
// deal process models.
var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodePipelineUnavailable: "PIPELINE_UNAVAILABLE",
	ErrCodePipelinePartial:     "PIPELINE_PARTIAL",
	ErrCodeValidationFailed:    "VALIDATION_FAILED",
	ErrCodeTransportFailed:     "TRANSPORT_FAILED",
	ErrCodeBusinessRejected:    "BUSINESS_REJECTED",
	ErrCodeRequestNotFound:     "REQUEST_NOT_FOUND",
	ErrCodeInvalidTransition:   "INVALID_TRANSITION",
	ErrCodeTerminalState:       "ALREADY_RESPONDED",
	ErrCodeSubmissionInFlight:  "SUBMISSION_IN_FLIGHT",
	ErrCodeJournalWriteFailed:  "JOURNAL_WRITE_FAILED",
	ErrCodeGuardUnavailable:    "GUARD_UNAVAILABLE",
}

// GetRetryCount returns the job retry budget for a code. Business outcomes are never
// retried; the engine surfaces them instead.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodePipelineUnavailable,
		ErrCodeTransportFailed,
		ErrCodeJournalWriteFailed:
		return 3

	case ErrCodeGuardUnavailable:
		return 2

	case "EXTERNAL_SERVICE_ERROR", "TIMEOUT_ERROR":
		return 1

	default:
		return 0
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// AsStandard extracts a *StandardError from an error chain.
func AsStandard(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	stdErr, ok := AsStandard(err)
	return ok && stdErr.Code == code
}

// IsTransport reports whether err is a network-level marketplace failure.
func IsTransport(err error) bool {
	return HasCode(err, ErrCodeTransportFailed)
}

// IsBusinessRejection reports whether the marketplace declined the call.
func IsBusinessRejection(err error) bool {
	return HasCode(err, ErrCodeBusinessRejected)
}

// IsValidation reports whether err was produced before any network call.
func IsValidation(err error) bool {
	return HasCode(err, ErrCodeValidationFailed)
}

// UserMessage returns the text to show inline for err. Business rejections carry the
// server's wording verbatim.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if stdErr, ok := AsStandard(err); ok {
		if stdErr.Code == ErrCodeValidationFailed && stdErr.Details != "" {
			return stdErr.Details
		}
		return stdErr.Message
	}
	return err.Error()
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "PIPELINE"):
		return "PIPELINE"
	case strings.Contains(codeStr, "TRANSPORT") || strings.Contains(codeStr, "EXTERNAL") || strings.Contains(codeStr, "TIMEOUT"):
		return "TRANSPORT"
	case strings.Contains(codeStr, "BUSINESS") || strings.Contains(codeStr, "NOT_FOUND"):
		return "BUSINESS"
	case strings.Contains(codeStr, "TRANSITION") || strings.Contains(codeStr, "TERMINAL") || strings.Contains(codeStr, "SUBMISSION"):
		return "LIFECYCLE"
	case strings.Contains(codeStr, "VALIDATION"):
		return "VALIDATION"
	case strings.Contains(codeStr, "JOURNAL") || strings.Contains(codeStr, "GUARD"):
		return "INFRASTRUCTURE"
	default:
		return "OTHER"
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
