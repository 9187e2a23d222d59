package rpc

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"IMDeliver/logger"
	"IMDeliver/model"
	"IMDeliver/service/wire"
)

// RouterBackend is the router surface the transfer server needs.
type RouterBackend interface {
	DeliverForwarded(ctx context.Context, msg *model.Message) (*wire.DeliveryResult, error)
	DeliverPushed(ctx context.Context, msg *model.Message) (*wire.DeliveryResult, error)
	DeliverAck(ctx context.Context, ack *model.ServerAck) (*wire.DeliveryResult, error)
	DeliverWithdraw(ctx context.Context, n *model.WithdrawNotice) (*wire.DeliveryResult, error)
}

// Server is the inbound side of the transfer hop.
type Server struct {
	node    string
	backend RouterBackend
	grpcSrv *grpc.Server
}

func NewServer(node string, backend RouterBackend, cfg Config) *Server {
	cfg.norm()
	s := &Server{
		node: node,
		grpcSrv: grpc.NewServer(
			grpc.MaxRecvMsgSize(cfg.MaxInboundMsgSize),
			grpc.KeepaliveParams(keepalive.ServerParameters{
				Time:    cfg.KeepAliveTime,
				Timeout: cfg.KeepAliveTimeout,
			}),
		),
		backend: backend,
	}
	wire.RegisterTransferServer(s.grpcSrv, s)
	return s
}

// Serve blocks on the listener until Stop.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ln)
}

func (s *Server) ServeListener(ln net.Listener) error {
	logger.Infof("[rpc] transfer server on %s", ln.Addr())
	return s.grpcSrv.Serve(ln)
}

func (s *Server) Stop() {
	s.grpcSrv.GracefulStop()
}

func (s *Server) Forward(ctx context.Context, msg *model.Message) (*wire.DeliveryResult, error) {
	res, err := s.backend.DeliverForwarded(ctx, msg)
	if err != nil {
		return nil, err
	}
	if res.Node == "" {
		res.Node = s.node
	}
	return res, nil
}

func (s *Server) PushMessage(ctx context.Context, msg *model.Message) (*wire.DeliveryResult, error) {
	res, err := s.backend.DeliverPushed(ctx, msg)
	if err != nil {
		return nil, err
	}
	if res.Node == "" {
		res.Node = s.node
	}
	return res, nil
}

func (s *Server) PushServerAck(ctx context.Context, ack *model.ServerAck) (*wire.DeliveryResult, error) {
	return s.backend.DeliverAck(ctx, ack)
}

func (s *Server) PushWithdraw(ctx context.Context, n *model.WithdrawNotice) (*wire.DeliveryResult, error) {
	return s.backend.DeliverWithdraw(ctx, n)
}
