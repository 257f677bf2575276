package control

import (
	"context"

	"google.golang.org/grpc"

	_ "github.com/nova-infer/server/pkg/control/codec" // registers the "json" codec
)

// Server is the control-plane RPC surface implemented by the model host
// process: load/unload a model's scheduler, inspect its occupancy, and
// report the cumulative execution statistics the profiler differences
// across a measurement window.
type Server interface {
	LoadModel(ctx context.Context, req *LoadModelRequest) (*LoadModelResponse, error)
	UnloadModel(ctx context.Context, req *UnloadModelRequest) (*UnloadModelResponse, error)
	ModelStatus(ctx context.Context, req *ModelStatusRequest) (*ModelStatusResponse, error)
	ServerStats(ctx context.Context, req *ServerStatsRequest) (*ServerStatsResponse, error)
	Infer(ctx context.Context, req *InferRequest) (*InferResponse, error)
}

// serviceName is the fully-qualified service name used on the wire; there
// is no .proto file behind it, but the string still has to look like one
// for grpc-go's method routing (<package>.<Service>/<Method>).
const serviceName = "nova.control.v1.Control"

// RegisterServer attaches srv to s under the hand-written ServiceDesc
// below, the manual equivalent of a protoc-generated RegisterXServer call.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&serviceDesc, srv)
}

// NewClient wraps an established connection as a typed control-plane
// client, dialed by the caller with codec.Name selected via
// grpc.CallContentSubtype so responses decode through the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) LoadModel(ctx context.Context, req *LoadModelRequest, opts ...grpc.CallOption) (*LoadModelResponse, error) {
	out := new(LoadModelResponse)
	if err := c.cc.Invoke(ctx, fullMethod("LoadModel"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UnloadModel(ctx context.Context, req *UnloadModelRequest, opts ...grpc.CallOption) (*UnloadModelResponse, error) {
	out := new(UnloadModelResponse)
	if err := c.cc.Invoke(ctx, fullMethod("UnloadModel"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ModelStatus(ctx context.Context, req *ModelStatusRequest, opts ...grpc.CallOption) (*ModelStatusResponse, error) {
	out := new(ModelStatusResponse)
	if err := c.cc.Invoke(ctx, fullMethod("ModelStatus"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ServerStats(ctx context.Context, req *ServerStatsRequest, opts ...grpc.CallOption) (*ServerStatsResponse, error) {
	out := new(ServerStatsResponse)
	if err := c.cc.Invoke(ctx, fullMethod("ServerStats"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Infer(ctx context.Context, req *InferRequest, opts ...grpc.CallOption) (*InferResponse, error) {
	out := new(InferResponse)
	if err := c.cc.Invoke(ctx, fullMethod("Infer"), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LoadModel", Handler: loadModelHandler},
		{MethodName: "UnloadModel", Handler: unloadModelHandler},
		{MethodName: "ModelStatus", Handler: modelStatusHandler},
		{MethodName: "ServerStats", Handler: serverStatsHandler},
		{MethodName: "Infer", Handler: inferHandler},
	},
	Metadata: "control.go",
}

func loadModelHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LoadModelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).LoadModel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("LoadModel")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).LoadModel(ctx, req.(*LoadModelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func unloadModelHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UnloadModelRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).UnloadModel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("UnloadModel")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).UnloadModel(ctx, req.(*UnloadModelRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func modelStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ModelStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).ModelStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("ModelStatus")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).ModelStatus(ctx, req.(*ModelStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func serverStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ServerStatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).ServerStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("ServerStats")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).ServerStats(ctx, req.(*ServerStatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func inferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InferRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Infer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("Infer")}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).Infer(ctx, req.(*InferRequest))
	}
	return interceptor(ctx, in, info, handler)
}
