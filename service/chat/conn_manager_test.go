package chat

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	errs "IMDeliver/tools/errs"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	closed  int32
	failOps bool
	dead    int32
}

func (f *fakeConn) WriteBinary(data []byte, _ time.Duration) error {
	if f.failOps {
		return errs.ErrTransientDelivery
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) Close() error {
	atomic.AddInt32(&f.closed, 1)
	return nil
}

func (f *fakeConn) Alive() bool { return atomic.LoadInt32(&f.dead) == 0 }

func (f *fakeConn) markDead() { atomic.StoreInt32(&f.dead, 1) }

func (f *fakeConn) RemoteAddr() net.Addr { return nil }

func (f *fakeConn) closeCount() int32 { return atomic.LoadInt32(&f.closed) }

type fakePresence struct {
	mu      sync.Mutex
	online  map[string]string
	offline []string
}

func newFakePresence() *fakePresence {
	return &fakePresence{online: map[string]string{}}
}

func (p *fakePresence) SetOnline(_ context.Context, user, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[user] = addr
	return nil
}

func (p *fakePresence) SetOffline(_ context.Context, user string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.online, user)
	p.offline = append(p.offline, user)
	return nil
}

func newTestManager(t *testing.T, conf ManagerConf, p PresenceWriter) *ConnManager {
	t.Helper()
	if conf.NodeAddr == "" {
		conf.NodeAddr = "n1:9091"
	}
	if conf.SweepEvery == 0 {
		conf.SweepEvery = time.Hour // tests call SweepOnce directly
	}
	m := NewConnManager(conf, p)
	t.Cleanup(m.Close)
	return m
}

func TestRegisterCapPerUser(t *testing.T) {
	m := newTestManager(t, ManagerConf{MaxPerUser: 2}, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "u1", "d1", &fakeConn{})
	require.NoError(t, err)
	_, err = m.Register(ctx, "u1", "d2", &fakeConn{})
	require.NoError(t, err)

	_, err = m.Register(ctx, "u1", "d3", &fakeConn{})
	require.Error(t, err)
	require.True(t, errs.IsCapacity(err))

	// another user is unaffected by u1's cap
	_, err = m.Register(ctx, "u2", "d1", &fakeConn{})
	require.NoError(t, err)
}

func TestRegisterSameDeviceReplaces(t *testing.T) {
	m := newTestManager(t, ManagerConf{MaxPerUser: 1}, nil)
	ctx := context.Background()

	old := &fakeConn{}
	_, err := m.Register(ctx, "u1", "d1", old)
	require.NoError(t, err)

	// same slot at cap still replaces instead of erroring
	fresh := &fakeConn{}
	_, err = m.Register(ctx, "u1", "d1", fresh)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return old.closeCount() == 1 },
		time.Second, 5*time.Millisecond)

	entries := m.Lookup("u1")
	require.Len(t, entries, 1)
	require.Same(t, Conn(fresh), entries[0].Conn)
}

func TestUnregisterIdempotentCloseOnce(t *testing.T) {
	m := newTestManager(t, ManagerConf{}, nil)
	ctx := context.Background()

	c := &fakeConn{}
	e, err := m.Register(ctx, "u1", "d1", c)
	require.NoError(t, err)

	m.Unregister(ctx, "u1", "d1", e)
	m.Unregister(ctx, "u1", "d1", e)
	require.Equal(t, int32(1), c.closeCount())
	require.Empty(t, m.Lookup("u1"))
}

func TestUnregisterStaleEntryLeavesNewSocket(t *testing.T) {
	m := newTestManager(t, ManagerConf{}, nil)
	ctx := context.Background()

	old := &fakeConn{}
	stale, err := m.Register(ctx, "u1", "d1", old)
	require.NoError(t, err)

	fresh := &fakeConn{}
	_, err = m.Register(ctx, "u1", "d1", fresh)
	require.NoError(t, err)

	// reader goroutine of the replaced socket unregisters late
	m.Unregister(ctx, "u1", "d1", stale)
	require.Len(t, m.Lookup("u1"), 1)
	require.Equal(t, int32(0), fresh.closeCount())
}

func TestPresenceMirrorsFirstAndLastConn(t *testing.T) {
	p := newFakePresence()
	m := newTestManager(t, ManagerConf{NodeAddr: "n7:9091"}, p)
	ctx := context.Background()

	e1, err := m.Register(ctx, "u1", "d1", &fakeConn{})
	require.NoError(t, err)
	e2, err := m.Register(ctx, "u1", "d2", &fakeConn{})
	require.NoError(t, err)
	require.Equal(t, "n7:9091", p.online["u1"])
	require.Empty(t, p.offline)

	m.Unregister(ctx, "u1", "d1", e1)
	require.Contains(t, p.online, "u1") // still one device live

	m.Unregister(ctx, "u1", "d2", e2)
	require.NotContains(t, p.online, "u1")
	require.Equal(t, []string{"u1"}, p.offline)
}

func TestKick(t *testing.T) {
	p := newFakePresence()
	var kicked []string
	m := newTestManager(t, ManagerConf{
		OnKick: func(u string, n int) {
			kicked = append(kicked, u)
			require.Equal(t, 2, n)
		},
	}, p)
	ctx := context.Background()

	c1, c2 := &fakeConn{}, &fakeConn{}
	_, err := m.Register(ctx, "u1", "d1", c1)
	require.NoError(t, err)
	_, err = m.Register(ctx, "u1", "d2", c2)
	require.NoError(t, err)

	require.Equal(t, 2, m.Kick(ctx, "u1"))
	require.Equal(t, int32(1), c1.closeCount())
	require.Equal(t, int32(1), c2.closeCount())
	require.NotContains(t, p.online, "u1")
	require.Equal(t, 0, m.Kick(ctx, "u1"))
	require.Equal(t, []string{"u1"}, kicked)
}

func TestSweepIdleConnections(t *testing.T) {
	now := time.Now()
	cur := now
	p := newFakePresence()
	m := newTestManager(t, ManagerConf{
		IdleTimeout: time.Minute,
		Clock:       func() time.Time { return cur },
	}, p)
	ctx := context.Background()

	idle := &fakeConn{}
	_, err := m.Register(ctx, "u1", "d1", idle)
	require.NoError(t, err)
	busy := &fakeConn{}
	_, err = m.Register(ctx, "u2", "d1", busy)
	require.NoError(t, err)

	cur = now.Add(2 * time.Minute)
	m.Touch("u2", "d1")

	require.Equal(t, 1, m.SweepOnce())
	require.Equal(t, int32(1), idle.closeCount())
	require.Empty(t, m.Lookup("u1"))
	require.Len(t, m.Lookup("u2"), 1)
	require.NotContains(t, p.online, "u1")
	require.Contains(t, p.online, "u2")
}

func TestLookupShedsDeadConnections(t *testing.T) {
	p := newFakePresence()
	m := newTestManager(t, ManagerConf{}, p)
	ctx := context.Background()

	dead := &fakeConn{}
	_, err := m.Register(ctx, "u1", "d1", dead)
	require.NoError(t, err)
	live := &fakeConn{}
	_, err = m.Register(ctx, "u1", "d2", live)
	require.NoError(t, err)

	dead.markDead()
	entries := m.Lookup("u1")
	require.Len(t, entries, 1)
	require.Same(t, Conn(live), entries[0].Conn)

	// the dead entry was unregistered, not just skipped
	require.Equal(t, int32(1), dead.closeCount())
	require.Equal(t, 1, m.Stats().Active)
	require.Contains(t, p.online, "u1")
}

func TestSendUserPartialFailure(t *testing.T) {
	m := newTestManager(t, ManagerConf{}, nil)
	ctx := context.Background()

	good := &fakeConn{}
	bad := &fakeConn{failOps: true}
	_, err := m.Register(ctx, "u1", "d1", good)
	require.NoError(t, err)
	_, err = m.Register(ctx, "u1", "d2", bad)
	require.NoError(t, err)

	require.NoError(t, m.SendUser("u1", []byte("x")))
	require.Len(t, good.writes, 1)

	require.Error(t, m.SendUser("nobody", []byte("x")))
}

func TestStats(t *testing.T) {
	m := newTestManager(t, ManagerConf{}, nil)
	ctx := context.Background()

	_, err := m.Register(ctx, "u1", "d1", &fakeConn{})
	require.NoError(t, err)
	_, err = m.Register(ctx, "u2", "d1", &fakeConn{})
	require.NoError(t, err)

	s := m.Stats()
	require.Equal(t, 2, s.Active)
	require.Equal(t, 2, s.Users)
	require.Equal(t, uint64(2), s.TotalEver)
}
