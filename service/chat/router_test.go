package chat

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"IMDeliver/model"
	"IMDeliver/service/wire"
	"IMDeliver/tools/ids"

	errs "IMDeliver/tools/errs"
)

type fakeStore struct {
	saved    []*model.Message
	statuses map[int64]int32
	failSave bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{statuses: map[int64]int32{}}
}

func (s *fakeStore) SaveMessage(_ context.Context, msg *model.Message) error {
	if s.failSave {
		return errs.New("store down")
	}
	cp := *msg
	s.saved = append(s.saved, &cp)
	return nil
}

func (s *fakeStore) UpdateMessageStatus(_ context.Context, msgID int64, status int32) error {
	s.statuses[msgID] = status
	return nil
}

type fakePresenceReader struct {
	addr   string
	online bool
}

func (p *fakePresenceReader) Get(_ context.Context, _ string) (string, bool, error) {
	return p.addr, p.online, nil
}

type fakeOffline struct {
	pushed []*model.Message
	queue  []*model.Message
}

func (o *fakeOffline) Push(_ context.Context, msg *model.Message) error {
	cp := *msg
	o.pushed = append(o.pushed, &cp)
	o.queue = append(o.queue, &cp)
	return nil
}

func (o *fakeOffline) Drain(_ context.Context, _ string) ([]*model.Message, error) {
	out := o.queue
	o.queue = nil
	return out, nil
}

type fakeForwarder struct {
	forwarded []*model.Message
	pushed    []*model.Message
	acks      []*model.ServerAck
	withdraws []*model.WithdrawNotice
	result    wire.DeliveryResult
	fail      bool
}

func (f *fakeForwarder) Forward(_ context.Context, _ string, msg *model.Message) (*wire.DeliveryResult, error) {
	if f.fail {
		return nil, errs.ErrTransientDelivery
	}
	cp := *msg
	f.forwarded = append(f.forwarded, &cp)
	res := f.result
	return &res, nil
}

func (f *fakeForwarder) PushMessage(_ context.Context, _ string, msg *model.Message) (*wire.DeliveryResult, error) {
	if f.fail {
		return nil, errs.ErrTransientDelivery
	}
	cp := *msg
	f.pushed = append(f.pushed, &cp)
	return &wire.DeliveryResult{Delivered: true}, nil
}

func (f *fakeForwarder) PushServerAck(_ context.Context, _ string, ack *model.ServerAck) (*wire.DeliveryResult, error) {
	f.acks = append(f.acks, ack)
	return &wire.DeliveryResult{Delivered: true}, nil
}

func (f *fakeForwarder) PushWithdraw(_ context.Context, _ string, n *model.WithdrawNotice) (*wire.DeliveryResult, error) {
	f.withdraws = append(f.withdraws, n)
	return &wire.DeliveryResult{Delivered: true}, nil
}

type fakeScheduler struct {
	scheduled     []int64
	scheduledAcks []int64
	cancelled     []int64
}

func (s *fakeScheduler) Schedule(_ context.Context, msg *model.Message) error {
	s.scheduled = append(s.scheduled, msg.MsgID)
	return nil
}

func (s *fakeScheduler) ScheduleAck(_ context.Context, ack *model.ServerAck) error {
	s.scheduledAcks = append(s.scheduledAcks, ack.MsgID)
	return nil
}

func (s *fakeScheduler) Cancel(_ context.Context, msgID int64) error {
	s.cancelled = append(s.cancelled, msgID)
	return nil
}

type routerFixture struct {
	router  *Router
	conns   *ConnManager
	store   *fakeStore
	pres    *fakePresenceReader
	offline *fakeOffline
	fwd     *fakeForwarder
	sched   *fakeScheduler
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gen, err := ids.New(ids.Config{NodeID: 1})
	require.NoError(t, err)

	f := &routerFixture{
		conns:   newTestManager(t, ManagerConf{NodeAddr: "n1:9091"}, nil),
		store:   newFakeStore(),
		pres:    &fakePresenceReader{},
		offline: &fakeOffline{},
		fwd:     &fakeForwarder{},
		sched:   &fakeScheduler{},
	}
	f.router = NewRouter(RouterDeps{
		Conns:     f.conns,
		Store:     f.store,
		Presence:  f.pres,
		Offline:   f.offline,
		Forwarder: f.fwd,
		Retry:     f.sched,
		IDs:       gen,
	})
	return f
}

func (f *routerFixture) connect(t *testing.T, user string) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	_, err := f.conns.Register(context.Background(), user, "d1", c)
	require.NoError(t, err)
	return c
}

func testMsg() *model.Message {
	return &model.Message{
		ClientMsgID: "c1",
		FromUserID:  "alice",
		ToUserID:    "bob",
		Content:     "hello",
	}
}

func lastFrame(t *testing.T, c *fakeConn) *wire.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.writes)
	f, err := wire.Decode(c.writes[len(c.writes)-1])
	require.NoError(t, err)
	return f
}

func TestRouteDeliversLocal(t *testing.T) {
	f := newRouterFixture(t)
	sender := f.connect(t, "alice")
	receiver := f.connect(t, "bob")

	msg := testMsg()
	out, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeliveredLocal, out)
	require.NotZero(t, msg.MsgID)
	require.Equal(t, "c2c-alice-bob", msg.ChatID)

	// persisted before delivery
	require.Len(t, f.store.saved, 1)
	require.Equal(t, model.StatusOnlineDelivered, f.store.statuses[msg.MsgID])

	// receiver got the push
	pf := lastFrame(t, receiver)
	require.Equal(t, wire.MsgTypePush, pf.Type)
	var got model.Message
	require.NoError(t, json.Unmarshal(pf.Payload, &got))
	require.Equal(t, msg.MsgID, got.MsgID)

	// sender got the server receipt
	af := lastFrame(t, sender)
	require.Equal(t, wire.MsgTypeServerAck, af.Type)

	// redelivery scheduled until the client ack lands; the receipt
	// reached the sender directly so no ack task exists
	require.Equal(t, []int64{msg.MsgID}, f.sched.scheduled)
	require.Empty(t, f.sched.scheduledAcks)
}

func TestAckRetryScheduledWhenSenderUnreachable(t *testing.T) {
	f := newRouterFixture(t)
	// sender has no socket anywhere; receiver is offline too
	msg := testMsg()
	out, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeStoredOffline, out)
	require.Equal(t, []int64{msg.MsgID}, f.sched.scheduledAcks)
}

func TestRoutePersistFailureNeverDelivers(t *testing.T) {
	f := newRouterFixture(t)
	receiver := f.connect(t, "bob")
	f.store.failSave = true

	_, err := f.router.Route(context.Background(), testMsg())
	require.Error(t, err)

	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	require.Empty(t, receiver.writes)
	require.Empty(t, f.offline.pushed)
	require.Empty(t, f.fwd.forwarded)
}

func TestRouteStoresOfflineWhenReceiverGone(t *testing.T) {
	f := newRouterFixture(t)

	msg := testMsg()
	out, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeStoredOffline, out)
	require.Len(t, f.offline.pushed, 1)
	require.Equal(t, model.StatusOfflineStored, f.store.statuses[msg.MsgID])
	require.Empty(t, f.fwd.forwarded)
}

func TestRouteForwardsToRemoteNode(t *testing.T) {
	f := newRouterFixture(t)
	f.pres.addr, f.pres.online = "n2:9091", true
	f.fwd.result = wire.DeliveryResult{Delivered: true, Node: "n2:9091"}

	msg := testMsg()
	out, err := f.router.Route(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeForwarded, out)
	require.Len(t, f.fwd.forwarded, 1)
	require.Equal(t, int32(1), f.fwd.forwarded[0].Hops)
	require.Empty(t, f.offline.pushed)
}

func TestRouteForwardFailureFallsBackOffline(t *testing.T) {
	f := newRouterFixture(t)
	f.pres.addr, f.pres.online = "n2:9091", true
	f.fwd.fail = true

	out, err := f.router.Route(context.Background(), testMsg())
	require.NoError(t, err)
	require.Equal(t, OutcomeStoredOffline, out)
	require.Len(t, f.offline.pushed, 1)
}

func TestRouteSkipsForwardToSelf(t *testing.T) {
	f := newRouterFixture(t)
	f.pres.addr, f.pres.online = "n1:9091", true // directory points at us, socket already gone

	out, err := f.router.Route(context.Background(), testMsg())
	require.NoError(t, err)
	require.Equal(t, OutcomeStoredOffline, out)
	require.Empty(t, f.fwd.forwarded)
}

func TestHandleForwardedNeverForwardsAgain(t *testing.T) {
	f := newRouterFixture(t)
	// directory stale: claims bob lives on yet another node
	f.pres.addr, f.pres.online = "n3:9091", true

	msg := testMsg()
	msg.MsgID = 42
	msg.Hops = 1
	out, err := f.router.HandleForwarded(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeStoredOffline, out)
	require.Empty(t, f.fwd.forwarded)
	// and the origin's persist is not repeated here
	require.Empty(t, f.store.saved)
}

func TestHandleForwardedDeliversLocal(t *testing.T) {
	f := newRouterFixture(t)
	receiver := f.connect(t, "bob")

	msg := testMsg()
	msg.MsgID = 43
	msg.Hops = 1
	out, err := f.router.HandleForwarded(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, OutcomeDeliveredLocal, out)
	require.Equal(t, wire.MsgTypePush, lastFrame(t, receiver).Type)
}

func TestClientAckCancelsRedeliveryAndRelays(t *testing.T) {
	f := newRouterFixture(t)
	sender := f.connect(t, "alice")

	err := f.router.ClientAckReceived(context.Background(), &wire.ClientAck{
		MsgID:    99,
		ChatID:   "c2c-alice-bob",
		FromUser: "alice",
		ToUser:   "bob",
		Status:   model.StatusRead,
	})
	require.NoError(t, err)
	require.Equal(t, []int64{99}, f.sched.cancelled)
	require.Equal(t, model.StatusRead, f.store.statuses[99])

	af := lastFrame(t, sender)
	require.Equal(t, wire.MsgTypeServerAck, af.Type)
	var ack model.ServerAck
	require.NoError(t, json.Unmarshal(af.Payload, &ack))
	require.Equal(t, model.AckRead, ack.AckCode)
}

func TestWithdrawNotifiesBothParties(t *testing.T) {
	f := newRouterFixture(t)
	sender := f.connect(t, "alice")
	receiver := f.connect(t, "bob")

	err := f.router.Withdraw(context.Background(), &model.WithdrawNotice{
		MsgID:      7,
		FromUserID: "alice",
		ToUserID:   "bob",
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusWithdrawn, f.store.statuses[7])
	require.Equal(t, []int64{7}, f.sched.cancelled)
	require.Equal(t, wire.MsgTypeWithdraw, lastFrame(t, sender).Type)
	require.Equal(t, wire.MsgTypeWithdraw, lastFrame(t, receiver).Type)
}

func TestDrainOfflineReplaysInOrder(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, f.offline.Push(ctx, &model.Message{
			MsgID: i, ClientMsgID: "c", FromUserID: "alice", ToUserID: "bob", Content: "x",
		}))
	}
	receiver := f.connect(t, "bob")

	n, err := f.router.DrainOfflineTo(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	require.Len(t, receiver.writes, 3)
	var first model.Message
	fr, err := wire.Decode(receiver.writes[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(fr.Payload, &first))
	require.Equal(t, int64(1), first.MsgID)
}

func TestRedeliverOrOffline(t *testing.T) {
	f := newRouterFixture(t)
	msg := testMsg()
	msg.MsgID = 5

	err := f.router.RedeliverOrOffline(context.Background(), msg)
	require.Error(t, err)
	require.True(t, errs.IsTransient(err))

	f.connect(t, "bob")
	require.NoError(t, f.router.RedeliverOrOffline(context.Background(), msg))

	f.router.ConvertToOffline(context.Background(), msg)
	require.Len(t, f.offline.pushed, 1)
}

func TestRedeliverPushesReceiverNode(t *testing.T) {
	f := newRouterFixture(t)
	msg := testMsg()
	msg.MsgID = 6

	// receiver reconnected elsewhere since the first attempt
	f.pres.addr, f.pres.online = "n2:9091", true

	require.NoError(t, f.router.RedeliverOrOffline(context.Background(), msg))
	require.Len(t, f.fwd.pushed, 1)
	require.Equal(t, int64(6), f.fwd.pushed[0].MsgID)
	require.Empty(t, f.offline.pushed)
}

func TestDeliverPushedNeverStoresOffline(t *testing.T) {
	f := newRouterFixture(t)
	msg := testMsg()
	msg.MsgID = 7

	res, err := f.router.DeliverPushed(context.Background(), msg)
	require.NoError(t, err)
	require.False(t, res.Delivered)
	require.Empty(t, f.offline.pushed)

	f.connect(t, "bob")
	res, err = f.router.DeliverPushed(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, res.Delivered)
	require.Equal(t, model.StatusOnlineDelivered, f.store.statuses[int64(7)])
}
