package grpcsource

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/maxpoletaev/kiviroute/clustermap"
)

// MapFunc returns the map a topology server currently advertises.
type MapFunc func() *clustermap.ClusterMap

// Register serves the topology method on s. Used by test clusters and the
// CLI to stand in for a real node.
func Register(s *grpc.Server, current MapFunc) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "kivi.Topology",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "ClusterMap",
				Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
					if err := dec(new(emptypb.Empty)); err != nil {
						return nil, err
					}

					m := current()
					if m == nil || m.IsEmpty() {
						return nil, status.Error(codes.Unavailable, "cluster map not available")
					}

					data, err := clustermap.Encode(m)
					if err != nil {
						return nil, status.Error(codes.Internal, err.Error())
					}

					return wrapperspb.Bytes(data), nil
				},
			},
		},
	}, struct{}{})
}
