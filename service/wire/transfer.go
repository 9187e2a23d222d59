package wire

import (
	"context"

	"google.golang.org/grpc"

	"IMDeliver/model"
)

// Transfer is the server-to-server hop: the node that accepted a message
// calls the node holding the receiver's socket. One hop max; the remote
// side delivers locally or stores offline, never forwards again.

const TransferServiceName = "im.deliver.Transfer"

// DeliveryResult says what the remote node did with the payload.
type DeliveryResult struct {
	Delivered     bool   `json:"delivered"`
	StoredOffline bool   `json:"storedOffline"`
	Node          string `json:"node,omitempty"`
}

// TransferServer is implemented by the rpc server wrapping the router.
type TransferServer interface {
	Forward(ctx context.Context, msg *model.Message) (*DeliveryResult, error)
	PushMessage(ctx context.Context, msg *model.Message) (*DeliveryResult, error)
	PushServerAck(ctx context.Context, ack *model.ServerAck) (*DeliveryResult, error)
	PushWithdraw(ctx context.Context, n *model.WithdrawNotice) (*DeliveryResult, error)
}

func RegisterTransferServer(s grpc.ServiceRegistrar, srv TransferServer) {
	s.RegisterService(&TransferServiceDesc, srv)
}

func forwardHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(model.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransferServer).Forward(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + TransferServiceName + "/Forward"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransferServer).Forward(ctx, req.(*model.Message))
	}
	return interceptor(ctx, in, info, handler)
}

func pushMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(model.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransferServer).PushMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + TransferServiceName + "/PushMessage"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransferServer).PushMessage(ctx, req.(*model.Message))
	}
	return interceptor(ctx, in, info, handler)
}

func pushServerAckHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(model.ServerAck)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransferServer).PushServerAck(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + TransferServiceName + "/PushServerAck"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransferServer).PushServerAck(ctx, req.(*model.ServerAck))
	}
	return interceptor(ctx, in, info, handler)
}

func pushWithdrawHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(model.WithdrawNotice)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransferServer).PushWithdraw(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + TransferServiceName + "/PushWithdraw"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransferServer).PushWithdraw(ctx, req.(*model.WithdrawNotice))
	}
	return interceptor(ctx, in, info, handler)
}

var TransferServiceDesc = grpc.ServiceDesc{
	ServiceName: TransferServiceName,
	HandlerType: (*TransferServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Forward", Handler: forwardHandler},
		{MethodName: "PushMessage", Handler: pushMessageHandler},
		{MethodName: "PushServerAck", Handler: pushServerAckHandler},
		{MethodName: "PushWithdraw", Handler: pushWithdrawHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "im/deliver/transfer",
}

// TransferClient is the caller side, built over a raw ClientConn so the
// json codec applies per call.
type TransferClient struct {
	cc grpc.ClientConnInterface
}

func NewTransferClient(cc grpc.ClientConnInterface) *TransferClient {
	return &TransferClient{cc: cc}
}

func (c *TransferClient) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+TransferServiceName+"/"+method, in, out,
		grpc.CallContentSubtype(CodecName))
}

func (c *TransferClient) Forward(ctx context.Context, msg *model.Message) (*DeliveryResult, error) {
	out := new(DeliveryResult)
	if err := c.invoke(ctx, "Forward", msg, out); err != nil {
		return nil, err
	}
	return out, nil
}

// PushMessage redelivers to the receiver's sockets on the remote node
// only; the remote side never stores offline or forwards for this call.
func (c *TransferClient) PushMessage(ctx context.Context, msg *model.Message) (*DeliveryResult, error) {
	out := new(DeliveryResult)
	if err := c.invoke(ctx, "PushMessage", msg, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TransferClient) PushServerAck(ctx context.Context, ack *model.ServerAck) (*DeliveryResult, error) {
	out := new(DeliveryResult)
	if err := c.invoke(ctx, "PushServerAck", ack, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TransferClient) PushWithdraw(ctx context.Context, n *model.WithdrawNotice) (*DeliveryResult, error) {
	out := new(DeliveryResult)
	if err := c.invoke(ctx, "PushWithdraw", n, out); err != nil {
		return nil, err
	}
	return out, nil
}
