package admin

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "arena.admin.v1.Admin"

// AdminServer is the server API of the admin service.
type AdminServer interface {
	PrepareGame(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PauseRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResumeRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TerminateRoom(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRooms(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(AdminServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func handler(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(AdminServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the admin service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		handler("PrepareGame", AdminServer.PrepareGame),
		handler("PauseRoom", AdminServer.PauseRoom),
		handler("ResumeRoom", AdminServer.ResumeRoom),
		handler("TerminateRoom", AdminServer.TerminateRoom),
		handler("ListRooms", AdminServer.ListRooms),
	},
	Metadata: "arena/admin/v1/admin.proto",
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls the admin service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// PrepareGame calls Admin/PrepareGame.
func (c *Client) PrepareGame(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "PrepareGame", in, opts...)
}

// PauseRoom calls Admin/PauseRoom.
func (c *Client) PauseRoom(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "PauseRoom", in, opts...)
}

// ResumeRoom calls Admin/ResumeRoom.
func (c *Client) ResumeRoom(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ResumeRoom", in, opts...)
}

// TerminateRoom calls Admin/TerminateRoom.
func (c *Client) TerminateRoom(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "TerminateRoom", in, opts...)
}

// ListRooms calls Admin/ListRooms.
func (c *Client) ListRooms(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListRooms", in, opts...)
}
