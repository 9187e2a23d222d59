package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"IMDeliver/logger"
	"IMDeliver/model"
	"IMDeliver/service/wire"

	errs "IMDeliver/tools/errs"
)

type Config struct {
	DialTimeout       time.Duration // per-dial connect budget
	CallTimeout       time.Duration // per-call deadline cap
	KeepAliveTime     time.Duration
	KeepAliveTimeout  time.Duration
	MaxInboundMsgSize int
	HealthInterval    time.Duration // pool sweep period
	IdleExpiry        time.Duration // unused channel lifetime before eviction
}

func (c *Config) norm() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.KeepAliveTime <= 0 {
		c.KeepAliveTime = 30 * time.Second
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = 5 * time.Second
	}
	if c.MaxInboundMsgSize <= 0 {
		c.MaxInboundMsgSize = 10 * 1024 * 1024
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.IdleExpiry <= 0 {
		c.IdleExpiry = 5 * time.Minute
	}
}

// channelInfo tracks one pooled connection and its usage.
type channelInfo struct {
	conn     *grpc.ClientConn
	client   *wire.TransferClient
	created  time.Time
	lastUsed int64 // unix millis, atomic
	inFlight int64 // atomic
}

func (ci *channelInfo) touch() {
	atomic.StoreInt64(&ci.lastUsed, time.Now().UnixMilli())
}

func (ci *channelInfo) idleSince() time.Time {
	return time.UnixMilli(atomic.LoadInt64(&ci.lastUsed))
}

// AddrResolver maps users onto the nodes holding their sockets; the
// presence directory implements it.
type AddrResolver interface {
	Get(ctx context.Context, userID string) (nodeAddr string, online bool, err error)
	GetMulti(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Manager pools one grpc channel per peer node, dialing lazily on first
// forward and evicting dead or long-idle channels on a sweep ticker.
type Manager struct {
	cfg      Config
	resolver AddrResolver // optional, enables the per-user helpers
	mu       sync.RWMutex
	pool     map[string]*channelInfo
	clock    func() time.Time

	totalCalls   uint64 // atomic
	successCalls uint64 // atomic
	failureCalls uint64 // atomic

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewManager(cfg Config) *Manager {
	cfg.norm()
	m := &Manager{
		cfg:    cfg,
		pool:   make(map[string]*channelInfo),
		clock:  time.Now,
		stopCh: make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// channel returns the pooled connection for addr, dialing when absent.
// Double-checked under the write lock so concurrent first calls to one
// peer dial once.
func (m *Manager) channel(ctx context.Context, addr string) (*channelInfo, error) {
	if addr == "" {
		return nil, errs.ErrValidation.WithDetail("empty peer addr")
	}
	m.mu.RLock()
	ci := m.pool[addr]
	m.mu.RUnlock()
	if ci != nil && ci.conn.GetState() != connectivity.Shutdown {
		return ci, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ci = m.pool[addr]; ci != nil && ci.conn.GetState() != connectivity.Shutdown {
		return ci, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                m.cfg.KeepAliveTime,
			Timeout:             m.cfg.KeepAliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(m.cfg.MaxInboundMsgSize)),
	)
	if err != nil {
		return nil, errs.ErrTransientDelivery.WithDetail("dial " + addr + ": " + err.Error())
	}

	ci = &channelInfo{
		conn:    conn,
		client:  wire.NewTransferClient(conn),
		created: m.clock(),
	}
	ci.touch()
	m.pool[addr] = ci
	logger.Infof("[rpc] dialed %s", addr)
	return ci, nil
}

func (m *Manager) call(ctx context.Context, addr string, fn func(ctx context.Context, c *wire.TransferClient) (*wire.DeliveryResult, error)) (*wire.DeliveryResult, error) {
	ci, err := m.channel(ctx, addr)
	if err != nil {
		atomic.AddUint64(&m.failureCalls, 1)
		return nil, err
	}
	atomic.AddUint64(&m.totalCalls, 1)
	atomic.AddInt64(&ci.inFlight, 1)
	defer atomic.AddInt64(&ci.inFlight, -1)
	ci.touch()

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	res, err := fn(callCtx, ci.client)
	if err != nil {
		atomic.AddUint64(&m.failureCalls, 1)
		return nil, errs.ErrTransientDelivery.WithDetail("call " + addr + ": " + err.Error())
	}
	atomic.AddUint64(&m.successCalls, 1)
	return res, nil
}

// Forward sends a message over the transfer hop.
func (m *Manager) Forward(ctx context.Context, addr string, msg *model.Message) (*wire.DeliveryResult, error) {
	return m.call(ctx, addr, func(ctx context.Context, c *wire.TransferClient) (*wire.DeliveryResult, error) {
		return c.Forward(ctx, msg)
	})
}

// PushMessage redelivers a message to the receiver's node; the remote
// side pushes local sockets only.
func (m *Manager) PushMessage(ctx context.Context, addr string, msg *model.Message) (*wire.DeliveryResult, error) {
	return m.call(ctx, addr, func(ctx context.Context, c *wire.TransferClient) (*wire.DeliveryResult, error) {
		return c.PushMessage(ctx, msg)
	})
}

func (m *Manager) PushServerAck(ctx context.Context, addr string, ack *model.ServerAck) (*wire.DeliveryResult, error) {
	return m.call(ctx, addr, func(ctx context.Context, c *wire.TransferClient) (*wire.DeliveryResult, error) {
		return c.PushServerAck(ctx, ack)
	})
}

func (m *Manager) PushWithdraw(ctx context.Context, addr string, n *model.WithdrawNotice) (*wire.DeliveryResult, error) {
	return m.call(ctx, addr, func(ctx context.Context, c *wire.TransferClient) (*wire.DeliveryResult, error) {
		return c.PushWithdraw(ctx, n)
	})
}

// SetResolver attaches the presence directory for the per-user helpers.
func (m *Manager) SetResolver(r AddrResolver) { m.resolver = r }

// ForwardToUser resolves the user's node and forwards there.
func (m *Manager) ForwardToUser(ctx context.Context, userID string, msg *model.Message) (*wire.DeliveryResult, error) {
	if m.resolver == nil {
		return nil, errs.New("no addr resolver configured")
	}
	addr, online, err := m.resolver.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !online || addr == "" {
		return nil, errs.ErrNotFound.WithDetail("no route for " + userID)
	}
	return m.Forward(ctx, addr, msg)
}

// GroupUsersByNode resolves a batch of users and buckets them by owning
// node, so a fan-out makes one call per peer instead of one per user.
func (m *Manager) GroupUsersByNode(ctx context.Context, userIDs []string) (map[string][]string, error) {
	if m.resolver == nil {
		return nil, errs.New("no addr resolver configured")
	}
	routes, err := m.resolver.GetMulti(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	return GroupByNode(routes), nil
}

// GroupByNode buckets users by the node currently holding their socket.
func GroupByNode(routes map[string]string) map[string][]string {
	out := make(map[string][]string)
	for user, addr := range routes {
		out[addr] = append(out[addr], user)
	}
	return out
}

// CloseChannel drops the pooled channel for one peer, waiting briefly
// for in-flight calls before forcing the close.
func (m *Manager) CloseChannel(addr string) {
	m.mu.Lock()
	ci := m.pool[addr]
	delete(m.pool, addr)
	m.mu.Unlock()
	if ci == nil {
		return
	}

	deadline := m.clock().Add(5 * time.Second)
	for atomic.LoadInt64(&ci.inFlight) > 0 && m.clock().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	_ = ci.conn.Close()
}

func (m *Manager) sweeper() {
	t := time.NewTicker(m.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.sweepOnce()
		}
	}
}

// sweepOnce evicts channels that are shut down, or idle past expiry with
// nothing in flight.
func (m *Manager) sweepOnce() {
	now := m.clock()
	var evicted []*channelInfo

	m.mu.Lock()
	for addr, ci := range m.pool {
		dead := ci.conn.GetState() == connectivity.Shutdown
		expired := now.Sub(ci.idleSince()) > m.cfg.IdleExpiry &&
			atomic.LoadInt64(&ci.inFlight) == 0
		if dead || expired {
			delete(m.pool, addr)
			evicted = append(evicted, ci)
			logger.Infof("[rpc] evict channel %s dead=%v idle=%v", addr, dead, expired)
		}
	}
	m.mu.Unlock()

	for _, ci := range evicted {
		_ = ci.conn.Close()
	}
}

type PoolStats struct {
	Channels int
	Total    uint64
	Success  uint64
	Failure  uint64
}

func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	n := len(m.pool)
	m.mu.RUnlock()
	return PoolStats{
		Channels: n,
		Total:    atomic.LoadUint64(&m.totalCalls),
		Success:  atomic.LoadUint64(&m.successCalls),
		Failure:  atomic.LoadUint64(&m.failureCalls),
	}
}

// Close stops the sweeper and drops every pooled channel.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	pool := m.pool
	m.pool = make(map[string]*channelInfo)
	m.mu.Unlock()

	for _, ci := range pool {
		_ = ci.conn.Close()
	}
}
