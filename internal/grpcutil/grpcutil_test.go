package grpcutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCode(t *testing.T) {
	require.Equal(t, codes.OK, Code(nil))
	require.Equal(t, codes.Unknown, Code(errors.New("boom")))
	require.Equal(t, codes.Unavailable, Code(status.Error(codes.Unavailable, "no map yet")))
}

func TestInterrupted(t *testing.T) {
	require.True(t, Interrupted(status.FromContextError(context.Canceled).Err()))
	require.True(t, Interrupted(status.Error(codes.DeadlineExceeded, "")))
	require.False(t, Interrupted(status.Error(codes.Unavailable, "")))
	require.False(t, Interrupted(nil))
}

func TestInfo(t *testing.T) {
	err := WithInfo(codes.FailedPrecondition, "request rejected", "NOT_MY_PARTITION", map[string]string{"code": "7"})
	require.Equal(t, codes.FailedPrecondition, Code(err))

	info := Info(err, "NOT_MY_PARTITION")
	require.NotNil(t, info)
	require.Equal(t, "7", info.Metadata["code"])

	require.Nil(t, Info(err, "SOMETHING_ELSE"))
	require.Nil(t, Info(status.Error(codes.FailedPrecondition, ""), "NOT_MY_PARTITION"))
	require.Nil(t, Info(errors.New("boom"), "NOT_MY_PARTITION"))
}
