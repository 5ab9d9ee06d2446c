package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(CodeStorageFailure, "append events", stderrors.New("disk full"))
	if got := err.Error(); got != "append events: disk full" {
		t.Fatalf("unexpected message %q", got)
	}
	if !stderrors.Is(err, err.Cause) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("handle: %w", New(CodeConcurrencyConflict, "stream moved"))
	if !HasCode(err, CodeConcurrencyConflict) {
		t.Fatal("expected wrapped error to match conflict code")
	}
	if HasCode(err, CodeValidation) {
		t.Fatal("did not expect validation match")
	}
	if got := CodeOf(err); got != CodeConcurrencyConflict {
		t.Fatalf("CodeOf = %s", got)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain) = %s", got)
	}
}

func TestCodeMappings(t *testing.T) {
	tests := []struct {
		code      Code
		grpc      codes.Code
		http      int
		retrySafe bool
	}{
		{CodeValidation, codes.InvalidArgument, http.StatusBadRequest, false},
		{CodeConcurrencyConflict, codes.Aborted, http.StatusConflict, true},
		{CodeSequenceViolation, codes.FailedPrecondition, http.StatusUnprocessableEntity, false},
		{CodeCommandRejected, codes.FailedPrecondition, http.StatusUnprocessableEntity, false},
		{CodeStorageFailure, codes.Unavailable, http.StatusServiceUnavailable, true},
		{CodeOutcomeUnknown, codes.DeadlineExceeded, http.StatusGatewayTimeout, false},
		{CodeDeliveryFailed, codes.Unavailable, http.StatusServiceUnavailable, true},
		{CodeNotFound, codes.NotFound, http.StatusNotFound, false},
		{CodeUnknown, codes.Internal, http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.GRPCCode(); got != tt.grpc {
				t.Fatalf("GRPCCode = %v, want %v", got, tt.grpc)
			}
			if got := tt.code.HTTPStatus(); got != tt.http {
				t.Fatalf("HTTPStatus = %d, want %d", got, tt.http)
			}
			if got := tt.code.RetrySafe(); got != tt.retrySafe {
				t.Fatalf("RetrySafe = %v, want %v", got, tt.retrySafe)
			}
		})
	}
}

func TestToGRPCStatusCarriesErrorInfo(t *testing.T) {
	err := WithMetadata(CodeSequenceViolation, "update before create", map[string]string{"stream": "customer/42"})
	st, ok := status.FromError(err.ToGRPCStatus())
	if !ok {
		t.Fatal("expected grpc status")
	}
	if st.Code() != codes.FailedPrecondition {
		t.Fatalf("code = %v", st.Code())
	}
	var info *errdetails.ErrorInfo
	for _, d := range st.Details() {
		if v, ok := d.(*errdetails.ErrorInfo); ok {
			info = v
		}
	}
	if info == nil {
		t.Fatal("expected ErrorInfo detail")
	}
	if info.Reason != string(CodeSequenceViolation) || info.Domain != Domain {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Metadata["stream"] != "customer/42" {
		t.Fatalf("metadata = %v", info.Metadata)
	}
}
