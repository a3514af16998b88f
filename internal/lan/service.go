package lan

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "offmesh.lan.Mesh"
	linkMethod  = "/" + serviceName + "/Link"

	// nodeIDKey carries the caller's username in stream metadata and the
	// callee's username in the response header.
	nodeIDKey = "node-id"
)

// linkServer is implemented by Transport. The service has a single
// bidirectional stream of opaque frames, so the descriptor is written by hand
// instead of generated.
type linkServer interface {
	link(ctx context.Context, stream grpc.ServerStream) error
}

var meshServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*linkServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Link",
			Handler:       linkHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "offmesh/lan.proto",
}

func linkHandler(srv any, stream grpc.ServerStream) error {
	return srv.(linkServer).link(stream.Context(), stream)
}

// frameStream is the common shape of both ends of a Link stream.
type frameStream interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
}

type serverFrames struct {
	grpc.ServerStream
}

func (s serverFrames) Send(m *wrapperspb.BytesValue) error { return s.SendMsg(m) }

func (s serverFrames) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := s.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type clientFrames struct {
	grpc.ClientStream
}

func (c clientFrames) Send(m *wrapperspb.BytesValue) error { return c.SendMsg(m) }

func (c clientFrames) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := c.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
