package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"IMDeliver/logger"
	errs "IMDeliver/tools/errs"
)

// PresenceWriter mirrors local socket state into the cluster directory.
type PresenceWriter interface {
	SetOnline(ctx context.Context, userID, nodeAddr string) error
	SetOffline(ctx context.Context, userID string) error
}

type ManagerConf struct {
	NodeAddr    string           // advertised for server-to-server forwards
	MaxPerUser  int              // device slots per user; <=0 => 5
	SweepEvery  time.Duration    // idle sweep period; <=0 => 60s
	IdleTimeout time.Duration    // a conn silent this long gets swept; <=0 => 5m
	Clock       func() time.Time // injectable for tests; nil => time.Now

	// OnKick, when set, hears about every forced logout.
	OnKick func(userID string, closed int)
}

func (c *ManagerConf) norm() {
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = 5
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// ConnEntry is one registered device socket.
type ConnEntry struct {
	UserID    string
	DeviceID  string
	Conn      Conn
	CreatedAt time.Time

	lastActive int64 // unix millis, atomic
	closeOnce  sync.Once
}

func (e *ConnEntry) touch(now time.Time) {
	atomic.StoreInt64(&e.lastActive, now.UnixMilli())
}

func (e *ConnEntry) LastActive() time.Time {
	return time.UnixMilli(atomic.LoadInt64(&e.lastActive))
}

// close is idempotent; replace, unregister and the sweeper may race on
// the same entry.
func (e *ConnEntry) close() {
	e.closeOnce.Do(func() {
		if e.Conn != nil {
			_ = e.Conn.Close()
		}
	})
}

// ConnManager owns every client socket on this node, indexed by user and
// device slot. Re-registering an occupied slot replaces the old socket;
// a new slot past MaxPerUser is refused.
type ConnManager struct {
	mu     sync.RWMutex
	byUser map[string]map[string]*ConnEntry

	conf     ManagerConf
	presence PresenceWriter // may be nil

	totalEver uint64 // atomic
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func NewConnManager(conf ManagerConf, presence PresenceWriter) *ConnManager {
	conf.norm()
	m := &ConnManager{
		byUser:   make(map[string]map[string]*ConnEntry),
		conf:     conf,
		presence: presence,
		stopCh:   make(chan struct{}),
	}
	go m.sweeper()
	return m
}

func (m *ConnManager) NodeAddr() string { return m.conf.NodeAddr }

// Register binds a device socket. The slot swap happens under the lock;
// the displaced socket is closed outside it so a slow Close cannot stall
// other users.
func (m *ConnManager) Register(ctx context.Context, userID, deviceID string, conn Conn) (*ConnEntry, error) {
	if userID == "" || deviceID == "" || conn == nil {
		return nil, errs.ErrValidation.WithDetail("register needs user, device and conn")
	}
	now := m.conf.Clock()

	m.mu.Lock()
	slots := m.byUser[userID]
	if slots == nil {
		slots = make(map[string]*ConnEntry)
		m.byUser[userID] = slots
	}
	displaced := slots[deviceID]
	if displaced == nil && len(slots) >= m.conf.MaxPerUser {
		m.mu.Unlock()
		return nil, errs.ErrCapacity.WithDetail("user " + userID + " at device cap")
	}
	e := &ConnEntry{
		UserID:    userID,
		DeviceID:  deviceID,
		Conn:      conn,
		CreatedAt: now,
	}
	e.touch(now)
	slots[deviceID] = e
	firstConn := len(slots) == 1 && displaced == nil
	m.mu.Unlock()

	if displaced != nil {
		go displaced.close()
	}
	atomic.AddUint64(&m.totalEver, 1)

	if firstConn && m.presence != nil {
		if err := m.presence.SetOnline(ctx, userID, m.conf.NodeAddr); err != nil {
			logger.Errorf("presence set online %s: %v", userID, err)
		}
	}
	return e, nil
}

// Unregister removes one device slot. Idempotent; a slot holding a newer
// socket than the caller's entry is left alone.
func (m *ConnManager) Unregister(ctx context.Context, userID, deviceID string, entry *ConnEntry) {
	m.mu.Lock()
	slots := m.byUser[userID]
	cur := slots[deviceID]
	if cur == nil || (entry != nil && cur != entry) {
		m.mu.Unlock()
		if entry != nil {
			entry.close()
		}
		return
	}
	delete(slots, deviceID)
	lastConn := len(slots) == 0
	if lastConn {
		delete(m.byUser, userID)
	}
	m.mu.Unlock()

	cur.close()
	if lastConn && m.presence != nil {
		if err := m.presence.SetOffline(ctx, userID); err != nil {
			logger.Errorf("presence set offline %s: %v", userID, err)
		}
	}
}

// Kick force-closes every socket of a user, returning how many went.
func (m *ConnManager) Kick(ctx context.Context, userID string) int {
	m.mu.Lock()
	slots := m.byUser[userID]
	delete(m.byUser, userID)
	m.mu.Unlock()

	for _, e := range slots {
		e.close()
	}
	if len(slots) > 0 {
		if m.presence != nil {
			if err := m.presence.SetOffline(ctx, userID); err != nil {
				logger.Errorf("presence set offline %s: %v", userID, err)
			}
		}
		if m.conf.OnKick != nil {
			m.conf.OnKick(userID, len(slots))
		}
	}
	return len(slots)
}

// Lookup returns the user's live entries, any order. Entries whose
// socket is known dead are lazily unregistered instead of returned.
func (m *ConnManager) Lookup(userID string) []*ConnEntry {
	m.mu.RLock()
	slots := m.byUser[userID]
	out := make([]*ConnEntry, 0, len(slots))
	var dead []*ConnEntry
	for _, e := range slots {
		if !e.Conn.Alive() {
			dead = append(dead, e)
			continue
		}
		out = append(out, e)
	}
	m.mu.RUnlock()

	for _, e := range dead {
		m.Unregister(context.Background(), e.UserID, e.DeviceID, e)
	}
	return out
}

// Touch refreshes the idle clock for one device, called on every inbound
// frame including pings.
func (m *ConnManager) Touch(userID, deviceID string) {
	m.mu.RLock()
	e := m.byUser[userID][deviceID]
	m.mu.RUnlock()
	if e != nil {
		e.touch(m.conf.Clock())
	}
}

// SendUser writes data to every device of the user. It reports success
// when at least one write lands; all-fail returns the last error.
func (m *ConnManager) SendUser(userID string, data []byte) error {
	entries := m.Lookup(userID)
	if len(entries) == 0 {
		return errs.ErrNotFound.WithDetail("no live conn for " + userID)
	}
	var lastErr error
	delivered := 0
	for _, e := range entries {
		if err := e.Conn.WriteBinary(data, 5*time.Second); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errs.Wrap(lastErr, "send to user", "user", userID)
	}
	return nil
}

type Stats struct {
	Active    int
	Users     int
	TotalEver uint64
}

func (m *ConnManager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Users: len(m.byUser), TotalEver: atomic.LoadUint64(&m.totalEver)}
	for _, slots := range m.byUser {
		s.Active += len(slots)
	}
	return s
}

// Close stops the sweeper and drops every socket.
func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })

	m.mu.Lock()
	all := m.byUser
	m.byUser = make(map[string]map[string]*ConnEntry)
	m.mu.Unlock()

	for userID, slots := range all {
		for _, e := range slots {
			e.close()
		}
		if m.presence != nil {
			if err := m.presence.SetOffline(context.Background(), userID); err != nil {
				logger.Errorf("presence set offline %s: %v", userID, err)
			}
		}
	}
}

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.SweepOnce()
		}
	}
}

// SweepOnce drops connections idle past IdleTimeout. Exported so tests
// drive it with a fake clock instead of waiting on the ticker.
func (m *ConnManager) SweepOnce() int {
	now := m.conf.Clock()
	type victim struct {
		user  string
		entry *ConnEntry
	}
	var expired []victim
	var offlined []string

	m.mu.Lock()
	for userID, slots := range m.byUser {
		for deviceID, e := range slots {
			if now.Sub(e.LastActive()) < m.conf.IdleTimeout {
				continue
			}
			delete(slots, deviceID)
			expired = append(expired, victim{userID, e})
		}
		if len(slots) == 0 {
			delete(m.byUser, userID)
			offlined = append(offlined, userID)
		}
	}
	m.mu.Unlock()

	for _, v := range expired {
		v.entry.close()
	}
	if m.presence != nil {
		for _, userID := range offlined {
			if err := m.presence.SetOffline(context.Background(), userID); err != nil {
				logger.Errorf("presence set offline %s: %v", userID, err)
			}
		}
	}
	if len(expired) > 0 {
		logger.Infof("swept %d idle connections", len(expired))
	}
	return len(expired)
}
