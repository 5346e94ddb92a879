package grpc

import (
	"context"

	"github.com/bromq-dev/streams/pkg/cluster/types"
	"google.golang.org/grpc"
)

const forwardMethod = "/streams.Forwarder/Forward"

// ForwardResponse acknowledges that an envelope reached the peer's handler.
type ForwardResponse struct{}

// ForwarderClient is the client API for the Forwarder service.
type ForwarderClient interface {
	Forward(ctx context.Context, in *types.Envelope, opts ...grpc.CallOption) (*ForwardResponse, error)
}

type forwarderClient struct {
	cc grpc.ClientConnInterface
}

// NewForwarderClient creates a new ForwarderClient.
func NewForwarderClient(cc grpc.ClientConnInterface) ForwarderClient {
	return &forwarderClient{cc}
}

func (c *forwarderClient) Forward(ctx context.Context, in *types.Envelope, opts ...grpc.CallOption) (*ForwardResponse, error) {
	out := new(ForwardResponse)
	err := c.cc.Invoke(ctx, forwardMethod, in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ForwarderServer is the server API for the Forwarder service.
type ForwarderServer interface {
	Forward(context.Context, *types.Envelope) (*ForwardResponse, error)
}

// RegisterForwarderServer registers the server.
func RegisterForwarderServer(s *grpc.Server, srv ForwarderServer) {
	s.RegisterService(&forwarderServiceDesc, srv)
}

var forwarderServiceDesc = grpc.ServiceDesc{
	ServiceName: "streams.Forwarder",
	HandlerType: (*ForwarderServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Forward",
			Handler:    forwardHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forwarder",
}

func forwardHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ForwarderServer).Forward(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: forwardMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ForwarderServer).Forward(ctx, req.(*types.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// forwarderServer implements ForwarderServer.
type forwarderServer struct {
	router *Router
}

func (s *forwarderServer) Forward(ctx context.Context, env *types.Envelope) (*ForwardResponse, error) {
	s.router.handleEnvelope(env)
	return &ForwardResponse{}, nil
}
