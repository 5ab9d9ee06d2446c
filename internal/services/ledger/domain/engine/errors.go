package engine

import (
	"context"
	"errors"

	apperrors "github.com/louisbranch/ledger/internal/platform/errors"
)

// IsRetryable reports whether a caller may resubmit the command as is.
//
// OUTCOME_UNKNOWN is deliberately excluded: the append may have committed, so
// only a resubmission with the same command id is safe.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return apperrors.CodeOf(err).RetrySafe()
}

// IsOutcomeUnknown reports whether err means the append may have committed.
func IsOutcomeUnknown(err error) bool {
	return apperrors.HasCode(err, apperrors.CodeOutcomeUnknown)
}
