package grpcutil

import (
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code returns the status code of a gRPC error, codes.Unknown for errors that
// didn't come from gRPC and codes.OK for nil.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	if st, ok := status.FromError(err); ok {
		return st.Code()
	}

	return codes.Unknown
}

// Interrupted reports whether the call ended because its context was done on
// either side.
func Interrupted(err error) bool {
	code := Code(err)
	return code == codes.Canceled || code == codes.DeadlineExceeded
}

// WithInfo returns a status error with an ErrorInfo detail attached. The
// plain status error is returned if the detail can't be marshalled.
func WithInfo(code codes.Code, msg, reason string, metadata map[string]string) error {
	st := status.New(code, msg)

	withInfo, err := st.WithDetails(&errdetails.ErrorInfo{
		Reason:   reason,
		Metadata: metadata,
	})
	if err != nil {
		return st.Err()
	}

	return withInfo.Err()
}

// Info returns the ErrorInfo detail with the given reason, or nil.
func Info(err error, reason string) *errdetails.ErrorInfo {
	st, ok := status.FromError(err)
	if !ok {
		return nil
	}

	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok && info.Reason == reason {
			return info
		}
	}

	return nil
}
