package chat

import (
	"context"
	"time"

	"IMDeliver/logger"
	"IMDeliver/model"
	"IMDeliver/service/wire"
	"IMDeliver/tools/ids"

	errs "IMDeliver/tools/errs"
)

// Persistence is the durable message record. Save must complete before
// any delivery attempt.
type Persistence interface {
	SaveMessage(ctx context.Context, msg *model.Message) error
	UpdateMessageStatus(ctx context.Context, msgID int64, status int32) error
}

// PresenceReader resolves which node holds a user's socket.
type PresenceReader interface {
	Get(ctx context.Context, userID string) (nodeAddr string, online bool, err error)
}

// OfflineQueue stores messages for users with no live socket.
type OfflineQueue interface {
	Push(ctx context.Context, msg *model.Message) error
	Drain(ctx context.Context, userID string) ([]*model.Message, error)
}

// Forwarder performs the single server-to-server hop.
type Forwarder interface {
	Forward(ctx context.Context, nodeAddr string, msg *model.Message) (*wire.DeliveryResult, error)
	PushMessage(ctx context.Context, nodeAddr string, msg *model.Message) (*wire.DeliveryResult, error)
	PushServerAck(ctx context.Context, nodeAddr string, ack *model.ServerAck) (*wire.DeliveryResult, error)
	PushWithdraw(ctx context.Context, nodeAddr string, n *model.WithdrawNotice) (*wire.DeliveryResult, error)
}

// DeliveryScheduler is the retry engine surface the router needs.
type DeliveryScheduler interface {
	Schedule(ctx context.Context, msg *model.Message) error
	ScheduleAck(ctx context.Context, ack *model.ServerAck) error
	Cancel(ctx context.Context, msgID int64) error
}

// Outcome says where a routed message ended up.
type Outcome int

const (
	OutcomeDeliveredLocal Outcome = iota + 1
	OutcomeForwarded
	OutcomeStoredOffline
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeliveredLocal:
		return "delivered-local"
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeStoredOffline:
		return "stored-offline"
	default:
		return "unknown"
	}
}

type RouterDeps struct {
	Conns     *ConnManager
	Store     Persistence
	Presence  PresenceReader
	Offline   OfflineQueue
	Forwarder Forwarder
	Retry     DeliveryScheduler // nil disables redelivery scheduling
	IDs       *ids.Generator
}

// Router decides, per message, between local push, one forward hop and
// the offline queue. Persistence always happens first: a message the
// sender saw acked can survive any later failure.
type Router struct {
	deps RouterDeps
	node string
}

func NewRouter(deps RouterDeps) *Router {
	return &Router{deps: deps, node: deps.Conns.NodeAddr()}
}

// SetRetry binds the redelivery engine after construction; the engine
// needs the router as its redeliverer, so one side attaches late.
func (r *Router) SetRetry(s DeliveryScheduler) { r.deps.Retry = s }

// Route ingests a message from a local client socket.
func (r *Router) Route(ctx context.Context, msg *model.Message) (Outcome, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	if msg.MsgID == 0 {
		id, err := r.deps.IDs.Next()
		if err != nil {
			return 0, err
		}
		msg.MsgID = id
	}
	if msg.ChatID == "" {
		msg.ChatID = model.BuildC2CChatID(msg.FromUserID, msg.ToUserID)
	}
	if msg.CreateTime == 0 {
		msg.CreateTime = time.Now().UnixMilli()
	}

	if err := r.deps.Store.SaveMessage(ctx, msg); err != nil {
		msg.Status = model.StatusSendFailed
		return 0, errs.Wrap(err, "persist before delivery", "msgId", msg.MsgID)
	}
	msg.Status = model.StatusServerReceived
	r.ackSender(ctx, msg, model.AckServerReceived)

	return r.deliver(ctx, msg)
}

// HandleForwarded ingests a message arriving over the transfer hop. The
// origin node already persisted it; this side delivers or stores
// offline, never forwards again.
func (r *Router) HandleForwarded(ctx context.Context, msg *model.Message) (Outcome, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	if msg.Hops <= 0 {
		msg.Hops = 1
	}
	return r.deliver(ctx, msg)
}

func (r *Router) deliver(ctx context.Context, msg *model.Message) (Outcome, error) {
	if r.pushLocal(ctx, msg) {
		return OutcomeDeliveredLocal, nil
	}
	if msg.Hops == 0 {
		if out, ok := r.tryForward(ctx, msg); ok {
			return out, nil
		}
	}
	return r.storeOffline(ctx, msg)
}

// pushLocal writes the message to the receiver's sockets on this node.
func (r *Router) pushLocal(ctx context.Context, msg *model.Message) bool {
	if len(r.deps.Conns.Lookup(msg.ToUserID)) == 0 {
		return false
	}
	frame, err := wire.Encode(wire.MsgTypePush, msg)
	if err != nil {
		logger.Errorf("encode push for %d: %v", msg.MsgID, err)
		return false
	}
	if err := r.deps.Conns.SendUser(msg.ToUserID, frame); err != nil {
		logger.Warnf("local push %d to %s failed: %v", msg.MsgID, msg.ToUserID, err)
		return false
	}
	if err := r.deps.Store.UpdateMessageStatus(ctx, msg.MsgID, model.StatusOnlineDelivered); err != nil {
		logger.Errorf("mark delivered %d: %v", msg.MsgID, err)
	}
	msg.Status = model.StatusOnlineDelivered
	if r.deps.Retry != nil {
		if err := r.deps.Retry.Schedule(ctx, msg); err != nil {
			logger.Errorf("schedule redelivery %d: %v", msg.MsgID, err)
		}
	}
	return true
}

// tryForward attempts the transfer hop when the directory says the user
// is live on another node. Any failure falls through to offline.
func (r *Router) tryForward(ctx context.Context, msg *model.Message) (Outcome, bool) {
	if r.deps.Presence == nil || r.deps.Forwarder == nil {
		return 0, false
	}
	addr, online, err := r.deps.Presence.Get(ctx, msg.ToUserID)
	if err != nil {
		logger.Errorf("presence lookup %s: %v", msg.ToUserID, err)
		return 0, false
	}
	if !online || addr == "" || addr == r.node {
		return 0, false
	}

	hop := *msg
	hop.Hops = 1
	res, err := r.deps.Forwarder.Forward(ctx, addr, &hop)
	if err != nil {
		logger.Warnf("forward %d to %s failed: %v", msg.MsgID, addr, err)
		return 0, false
	}
	if res.StoredOffline {
		msg.Status = model.StatusOfflineStored
		return OutcomeStoredOffline, true
	}
	msg.Status = model.StatusOnlineDelivered
	return OutcomeForwarded, true
}

func (r *Router) storeOffline(ctx context.Context, msg *model.Message) (Outcome, error) {
	if err := r.deps.Offline.Push(ctx, msg); err != nil {
		return 0, errs.Wrap(err, "store offline", "msgId", msg.MsgID)
	}
	if err := r.deps.Store.UpdateMessageStatus(ctx, msg.MsgID, model.StatusOfflineStored); err != nil {
		logger.Errorf("mark offline %d: %v", msg.MsgID, err)
	}
	msg.Status = model.StatusOfflineStored
	return OutcomeStoredOffline, nil
}

// ackSender pushes a server ack back to the message sender. The sender
// is on this node for fresh sends; after a crash-recovery replay it may
// be elsewhere, so the ack follows the same local-then-forward path. A
// failed attempt hands the ack to the retry engine; the sender must
// eventually see it.
func (r *Router) ackSender(ctx context.Context, msg *model.Message, code int32) {
	ack := model.NewServerAck(msg, code)
	if r.sendAckLocal(ack) {
		return
	}
	if r.deps.Presence != nil && r.deps.Forwarder != nil {
		addr, online, err := r.deps.Presence.Get(ctx, ack.ToUserID)
		if err == nil && online && addr != "" && addr != r.node {
			if _, ferr := r.deps.Forwarder.PushServerAck(ctx, addr, ack); ferr == nil {
				return
			} else {
				logger.Warnf("forward ack %d to %s: %v", ack.MsgID, addr, ferr)
			}
		}
	}
	if r.deps.Retry != nil {
		if err := r.deps.Retry.ScheduleAck(ctx, ack); err != nil {
			logger.Errorf("schedule ack retry %d: %v", ack.MsgID, err)
		}
	}
}

// RedeliverAck is the retry engine callback for ack tasks.
func (r *Router) RedeliverAck(ctx context.Context, ack *model.ServerAck) error {
	if r.sendAckLocal(ack) {
		return nil
	}
	if r.deps.Presence != nil && r.deps.Forwarder != nil {
		addr, online, err := r.deps.Presence.Get(ctx, ack.ToUserID)
		if err == nil && online && addr != "" && addr != r.node {
			if _, ferr := r.deps.Forwarder.PushServerAck(ctx, addr, ack); ferr == nil {
				return nil
			}
		}
	}
	return errs.ErrTransientDelivery.WithDetail("ack receiver not reachable")
}

func (r *Router) sendAckLocal(ack *model.ServerAck) bool {
	if len(r.deps.Conns.Lookup(ack.ToUserID)) == 0 {
		return false
	}
	frame, err := wire.Encode(wire.MsgTypeServerAck, ack)
	if err != nil {
		logger.Errorf("encode ack %d: %v", ack.MsgID, err)
		return false
	}
	return r.deps.Conns.SendUser(ack.ToUserID, frame) == nil
}

// DeliverForwarded is the transfer-server entry: HandleForwarded plus
// the wire-shaped result the origin node expects.
func (r *Router) DeliverForwarded(ctx context.Context, msg *model.Message) (*wire.DeliveryResult, error) {
	out, err := r.HandleForwarded(ctx, msg)
	if err != nil {
		return nil, err
	}
	return &wire.DeliveryResult{
		Delivered:     out == OutcomeDeliveredLocal,
		StoredOffline: out == OutcomeStoredOffline,
		Node:          r.node,
	}, nil
}

// DeliverPushed lands a remote redelivery push on this node's sockets.
// Push only: no offline store, no forward; the origin node's retry task
// keeps ownership of the fallback.
func (r *Router) DeliverPushed(ctx context.Context, msg *model.Message) (*wire.DeliveryResult, error) {
	if !r.pushLocalNoSchedule(ctx, msg) {
		return &wire.DeliveryResult{Node: r.node}, nil
	}
	if err := r.deps.Store.UpdateMessageStatus(ctx, msg.MsgID, model.StatusOnlineDelivered); err != nil {
		logger.Errorf("mark delivered %d: %v", msg.MsgID, err)
	}
	return &wire.DeliveryResult{Delivered: true, Node: r.node}, nil
}

// DeliverAck lands a forwarded server ack on this node's sockets.
func (r *Router) DeliverAck(ctx context.Context, ack *model.ServerAck) (*wire.DeliveryResult, error) {
	if r.sendAckLocal(ack) {
		return &wire.DeliveryResult{Delivered: true, Node: r.node}, nil
	}
	return &wire.DeliveryResult{Node: r.node}, nil
}

// ClientAckReceived handles the receiver-side receipt: cancel pending
// redelivery, move the record forward, relay the receipt to the sender.
func (r *Router) ClientAckReceived(ctx context.Context, ack *wire.ClientAck) error {
	if ack.MsgID == 0 {
		return errs.ErrValidation.WithDetail("client ack missing msgId")
	}
	status := ack.Status
	if status != model.StatusUnread && status != model.StatusRead {
		status = model.StatusUnread
	}
	if r.deps.Retry != nil {
		if err := r.deps.Retry.Cancel(ctx, ack.MsgID); err != nil {
			logger.Errorf("cancel redelivery %d: %v", ack.MsgID, err)
		}
	}
	if err := r.deps.Store.UpdateMessageStatus(ctx, ack.MsgID, status); err != nil {
		return err
	}

	code := model.AckDelivered
	if status == model.StatusRead {
		code = model.AckRead
	}
	relay := &model.ServerAck{
		MsgID:    ack.MsgID,
		ChatID:   ack.ChatID,
		ToUserID: ack.FromUser,
		AckCode:  code,
		AckTime:  time.Now().UnixMilli(),
	}
	if r.sendAckLocal(relay) {
		return nil
	}
	if r.deps.Presence != nil && r.deps.Forwarder != nil {
		addr, online, err := r.deps.Presence.Get(ctx, relay.ToUserID)
		if err == nil && online && addr != "" && addr != r.node {
			if _, err := r.deps.Forwarder.PushServerAck(ctx, addr, relay); err != nil {
				logger.Warnf("relay receipt %d to %s: %v", relay.MsgID, addr, err)
			}
		}
	}
	return nil
}

// Withdraw recalls a message and notifies both parties.
func (r *Router) Withdraw(ctx context.Context, n *model.WithdrawNotice) error {
	if n.MsgID == 0 || n.FromUserID == "" || n.ToUserID == "" {
		return errs.ErrValidation.WithDetail("withdraw needs msgId and both users")
	}
	if n.Time == 0 {
		n.Time = time.Now().UnixMilli()
	}
	if err := r.deps.Store.UpdateMessageStatus(ctx, n.MsgID, model.StatusWithdrawn); err != nil {
		return err
	}
	if r.deps.Retry != nil {
		if err := r.deps.Retry.Cancel(ctx, n.MsgID); err != nil {
			logger.Errorf("cancel redelivery %d: %v", n.MsgID, err)
		}
	}
	r.notifyWithdraw(ctx, n, n.ToUserID)
	r.notifyWithdraw(ctx, n, n.FromUserID)
	return nil
}

func (r *Router) notifyWithdraw(ctx context.Context, n *model.WithdrawNotice, userID string) {
	frame, err := wire.Encode(wire.MsgTypeWithdraw, n)
	if err != nil {
		logger.Errorf("encode withdraw %d: %v", n.MsgID, err)
		return
	}
	if len(r.deps.Conns.Lookup(userID)) > 0 &&
		r.deps.Conns.SendUser(userID, frame) == nil {
		return
	}
	if r.deps.Presence == nil || r.deps.Forwarder == nil {
		return
	}
	addr, online, err := r.deps.Presence.Get(ctx, userID)
	if err != nil || !online || addr == "" || addr == r.node {
		return
	}
	if _, err := r.deps.Forwarder.PushWithdraw(ctx, addr, n); err != nil {
		logger.Warnf("forward withdraw %d to %s: %v", n.MsgID, addr, err)
	}
}

// DeliverWithdraw lands a forwarded withdraw on local sockets.
func (r *Router) DeliverWithdraw(ctx context.Context, n *model.WithdrawNotice) (*wire.DeliveryResult, error) {
	frame, err := wire.Encode(wire.MsgTypeWithdraw, n)
	if err != nil {
		return nil, err
	}
	delivered := false
	for _, user := range []string{n.ToUserID, n.FromUserID} {
		if len(r.deps.Conns.Lookup(user)) == 0 {
			continue
		}
		if r.deps.Conns.SendUser(user, frame) == nil {
			delivered = true
		}
	}
	return &wire.DeliveryResult{Delivered: delivered, Node: r.node}, nil
}

// BatchMsgIDs mints a block of ids for a client that wants to stamp
// messages before sending.
func (r *Router) BatchMsgIDs(n int) ([]int64, error) {
	if n <= 0 || n > ids.DefaultBatchSize {
		n = 100
	}
	return r.deps.IDs.NextBatch(n)
}

// DrainOfflineTo replays the user's offline inbox down their fresh
// socket, called right after register. Messages are re-pushed as normal
// push frames; the client acks them like live traffic.
func (r *Router) DrainOfflineTo(ctx context.Context, userID string) (int, error) {
	msgs, err := r.deps.Offline.Drain(ctx, userID)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, m := range msgs {
		frame, err := wire.Encode(wire.MsgTypePush, m)
		if err != nil {
			logger.Errorf("encode offline replay %d: %v", m.MsgID, err)
			continue
		}
		if err := r.deps.Conns.SendUser(userID, frame); err != nil {
			// socket died mid-replay; push the rest back
			for _, rest := range msgs[sent:] {
				if perr := r.deps.Offline.Push(ctx, rest); perr != nil {
					logger.Errorf("requeue offline %d: %v", rest.MsgID, perr)
				}
			}
			return sent, errs.Wrap(err, "offline replay", "user", userID)
		}
		sent++
	}
	return sent, nil
}

// RedeliverOrOffline is the retry engine callback: try the receiver's
// socket once more, locally first, then on whichever node the directory
// says holds them now; report transient failure so the engine backs off.
func (r *Router) RedeliverOrOffline(ctx context.Context, msg *model.Message) error {
	if r.pushLocalNoSchedule(ctx, msg) {
		return nil
	}
	if r.deps.Presence != nil && r.deps.Forwarder != nil {
		addr, online, err := r.deps.Presence.Get(ctx, msg.ToUserID)
		if err == nil && online && addr != "" && addr != r.node {
			res, ferr := r.deps.Forwarder.PushMessage(ctx, addr, msg)
			if ferr == nil && res.Delivered {
				return nil
			}
		}
	}
	return errs.ErrTransientDelivery.WithDetail("receiver not reachable")
}

func (r *Router) pushLocalNoSchedule(ctx context.Context, msg *model.Message) bool {
	if len(r.deps.Conns.Lookup(msg.ToUserID)) == 0 {
		return false
	}
	frame, err := wire.Encode(wire.MsgTypePush, msg)
	if err != nil {
		return false
	}
	return r.deps.Conns.SendUser(msg.ToUserID, frame) == nil
}

// ConvertToOffline is the terminal-failure path: after the engine gives
// up, the message parks in the offline queue instead of being lost.
func (r *Router) ConvertToOffline(ctx context.Context, msg *model.Message) {
	if _, err := r.storeOffline(ctx, msg); err != nil {
		logger.Errorf("terminal convert to offline %d: %v", msg.MsgID, err)
	}
}
