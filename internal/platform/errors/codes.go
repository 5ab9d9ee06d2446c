// Package errors provides structured ledger errors that carry a machine
// readable code, transport mappings and retry guidance.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeValidation marks a malformed command. Terminal.
	CodeValidation Code = "VALIDATION_FAILED"
	// CodeConcurrencyConflict marks an expected revision that no longer
	// matches the stream. Retry after reloading.
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	// CodeSequenceViolation marks an out-of-order lifecycle event, such as
	// an update before a create. Routed to reconciliation.
	CodeSequenceViolation Code = "SEQUENCE_VIOLATION"
	// CodeCommandRejected marks a business rule rejection. Terminal.
	CodeCommandRejected Code = "COMMAND_REJECTED"
	// CodeStorageFailure marks an I/O failure that happened before commit.
	CodeStorageFailure Code = "STORAGE_FAILURE"
	// CodeOutcomeUnknown marks a timeout during append. The write may have
	// committed; retry only with the same command id.
	CodeOutcomeUnknown Code = "OUTCOME_UNKNOWN"
	// CodeDeliveryFailed marks a projection or publish failure.
	CodeDeliveryFailed Code = "DELIVERY_FAILED"

	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps ledger codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeValidation:
		return codes.InvalidArgument
	case CodeConcurrencyConflict:
		return codes.Aborted
	case CodeSequenceViolation, CodeCommandRejected:
		return codes.FailedPrecondition
	case CodeStorageFailure, CodeDeliveryFailed:
		return codes.Unavailable
	case CodeOutcomeUnknown:
		return codes.DeadlineExceeded
	case CodeNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// HTTPStatus maps ledger codes to HTTP status codes for the ops API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeConcurrencyConflict:
		return http.StatusConflict
	case CodeSequenceViolation, CodeCommandRejected:
		return http.StatusUnprocessableEntity
	case CodeStorageFailure, CodeDeliveryFailed:
		return http.StatusServiceUnavailable
	case CodeOutcomeUnknown:
		return http.StatusGatewayTimeout
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// RetrySafe reports whether a caller may resubmit the same command without
// first inspecting the stream. OUTCOME_UNKNOWN is only safe with an unchanged
// command id, so it reports false.
func (c Code) RetrySafe() bool {
	switch c {
	case CodeConcurrencyConflict, CodeStorageFailure, CodeDeliveryFailed:
		return true
	default:
		return false
	}
}
