package chat

import (
	"encoding/json"

	"IMDeliver/logger"
	"IMDeliver/model"
	"IMDeliver/service/wire"
)

// RegisterDefaultHandlers wires the standard frame set.
func RegisterDefaultHandlers(d *Dispatcher) {
	d.Register(&sendHandler{})
	d.Register(&clientAckHandler{})
	d.Register(&withdrawHandler{})
	d.Register(&batchIDsHandler{})
	d.Register(&pingHandler{})
}

type sendHandler struct{}

func (sendHandler) Type() wire.MsgType { return wire.MsgTypeSend }

func (sendHandler) Handle(ctx *Context, f *wire.Frame) error {
	var msg model.Message
	if err := json.Unmarshal(f.Payload, &msg); err != nil {
		return err
	}
	// sender identity comes from the authenticated socket, not the frame
	msg.FromUserID = ctx.UserID
	msg.Hops = 0
	out, err := ctx.Router.Route(ctx.Ctx, &msg)
	if err != nil {
		return err
	}
	logger.Debugf("routed %d from %s: %s", msg.MsgID, ctx.UserID, out)
	return nil
}

type clientAckHandler struct{}

func (clientAckHandler) Type() wire.MsgType { return wire.MsgTypeClientAck }

func (clientAckHandler) Handle(ctx *Context, f *wire.Frame) error {
	var ack wire.ClientAck
	if err := json.Unmarshal(f.Payload, &ack); err != nil {
		return err
	}
	ack.ToUser = ctx.UserID
	return ctx.Router.ClientAckReceived(ctx.Ctx, &ack)
}

type withdrawHandler struct{}

func (withdrawHandler) Type() wire.MsgType { return wire.MsgTypeWithdraw }

func (withdrawHandler) Handle(ctx *Context, f *wire.Frame) error {
	var n model.WithdrawNotice
	if err := json.Unmarshal(f.Payload, &n); err != nil {
		return err
	}
	n.FromUserID = ctx.UserID
	return ctx.Router.Withdraw(ctx.Ctx, &n)
}

type batchIDsHandler struct{}

func (batchIDsHandler) Type() wire.MsgType { return wire.MsgTypeBatchIDs }

func (batchIDsHandler) Handle(ctx *Context, f *wire.Frame) error {
	var req wire.BatchIDsRequest
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			return err
		}
	}
	idsOut, err := ctx.Router.BatchMsgIDs(req.Count)
	if err != nil {
		return err
	}
	return ctx.Reply(wire.MsgTypeBatchIDs, &wire.BatchIDsReply{IDs: idsOut})
}

type pingHandler struct{}

func (pingHandler) Type() wire.MsgType { return wire.MsgTypePing }

func (pingHandler) Handle(ctx *Context, f *wire.Frame) error {
	ctx.Conns.Touch(ctx.UserID, ctx.DeviceID)
	return ctx.Reply(wire.MsgTypePong, struct{}{})
}
