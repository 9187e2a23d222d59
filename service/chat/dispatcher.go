package chat

import (
	"context"

	"IMDeliver/service/wire"
	errs "IMDeliver/tools/errs"
)

// Context carries per-frame state into handlers.
type Context struct {
	Ctx      context.Context
	UserID   string
	DeviceID string
	Entry    *ConnEntry
	Router   *Router
	Conns    *ConnManager
}

// Reply writes a frame back down the originating socket.
func (c *Context) Reply(t wire.MsgType, payload any) error {
	data, err := wire.Encode(t, payload)
	if err != nil {
		return err
	}
	return c.Entry.Conn.WriteBinary(data, 0)
}

type Handler interface {
	Type() wire.MsgType
	Handle(ctx *Context, f *wire.Frame) error
}

type Dispatcher struct {
	handlers map[wire.MsgType]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[wire.MsgType]Handler)}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

func (d *Dispatcher) Dispatch(ctx *Context, f *wire.Frame) error {
	h, ok := d.handlers[f.Type]
	if !ok {
		return errs.ErrValidation.WithDetail("no handler for frame type " + string(f.Type))
	}
	return h.Handle(ctx, f)
}
