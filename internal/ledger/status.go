package ledger

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"trustmesh"
)

func grpcCode(c Code) codes.Code {
	switch c {
	case CodeNetworkUnavailable, CodeServerTransient:
		return codes.Unavailable
	case CodeUntrustedRecoveryKeys, CodeUnauthorized, CodeInvalidVoucher, CodeInvalidSignature:
		return codes.PermissionDenied
	case CodeRecoveryKeysNotEnrolled, CodeUnknownPeer:
		return codes.NotFound
	case CodeFailedToCreateRecoveryKey:
		return codes.InvalidArgument
	case CodeCustodianRecoveryKeyUUIDExists, CodeAccountHasPeers:
		return codes.AlreadyExists
	case CodeChangeTokenExpired, CodeSharesEndpointUnavailable:
		return codes.FailedPrecondition
	default:
		return codes.Internal
	}
}

// toStatus converts a service error into a gRPC status carrying the ledger
// code as ErrorInfo.
func toStatus(err error) error {
	if err == nil {
		return nil
	}

	var le *Error
	if !errors.As(err, &le) {
		switch {
		case errors.Is(err, context.Canceled):
			return status.Error(codes.Canceled, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			return status.Error(codes.DeadlineExceeded, err.Error())
		}
		var valErr *trustmesh.ValidationError
		if errors.As(err, &valErr) {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}

	st := status.New(grpcCode(le.Code), le.Message)
	withDetails, detailErr := st.WithDetails(&errdetails.ErrorInfo{
		Reason: string(le.Code),
		Domain: le.Domain,
	})
	if detailErr != nil {
		return st.Err()
	}
	return withDetails.Err()
}

// fromStatus decodes a gRPC call error back into a ledger error.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return &Error{Domain: DomainNetwork, Code: CodeNetworkUnavailable, Message: err.Error()}
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return &Error{Domain: info.GetDomain(), Code: Code(info.GetReason()), Message: st.Message()}
		}
	}

	switch st.Code() {
	case codes.Canceled:
		return fmt.Errorf("%s: %w", st.Message(), context.Canceled)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w", st.Message(), context.DeadlineExceeded)
	case codes.Unavailable:
		return &Error{Domain: DomainNetwork, Code: CodeNetworkUnavailable, Message: st.Message()}
	case codes.ResourceExhausted, codes.Aborted:
		return &Error{Domain: DomainLedger, Code: CodeServerTransient, Message: st.Message()}
	case codes.InvalidArgument:
		return &trustmesh.ValidationError{Field: "request", Message: st.Message()}
	default:
		return &Error{Domain: DomainLedger, Code: CodeInternal, Message: st.Message()}
	}
}
