package ids

import (
	"hash/crc32"
	"strconv"
	"sync"
	"time"

	errs "IMDeliver/tools/errs"
)

// Bit layout: 41 bits timestamp | 5 bits datacenter | 5 bits node | 12 bits sequence.
const (
	nodeBits = 5
	dcBits   = 5
	seqBits  = 12

	maxNodeID = -1 ^ (-1 << nodeBits) // 31
	maxDCID   = -1 ^ (-1 << dcBits)   // 31
	seqMask   = -1 ^ (-1 << seqBits)  // 4095

	nodeShift = seqBits
	dcShift   = seqBits + nodeBits
	tsShift   = seqBits + nodeBits + dcBits
)

// DefaultBatchSize is the block pre-generated by NextBatch callers that
// pass n <= 0.
const DefaultBatchSize = 1000

type Config struct {
	NodeID int64 // 0~31

	// DatacenterSeed names the cluster; the datacenter id is derived from
	// it by CRC32 so every node of one cluster agrees without coordination.
	DatacenterSeed string

	EpochMS int64            // custom epoch; <=0 => 2020-01-01 UTC
	Clock   func() time.Time // injectable clock for tests; nil => time.Now
}

type Generator struct {
	mu       sync.Mutex
	epochMS  int64
	nodeID   int64
	dcID     int64
	seq      int64
	lastTSMS int64
	poisoned bool // set after a clock regression, cleared by Reset
	clock    func() time.Time

	pool    []int64
	poolIdx int
}

func New(cfg Config) (*Generator, error) {
	if cfg.NodeID < 0 || cfg.NodeID > maxNodeID {
		return nil, errs.ErrValidation.WithDetail("node id out of range 0~31")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.EpochMS <= 0 {
		cfg.EpochMS = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	}
	return &Generator{
		epochMS: cfg.EpochMS,
		nodeID:  cfg.NodeID,
		dcID:    datacenterID(cfg.DatacenterSeed),
		clock:   cfg.Clock,
	}, nil
}

func datacenterID(seed string) int64 {
	if seed == "" {
		seed = "common"
	}
	return int64(crc32.ChecksumIEEE([]byte(seed))) % (maxDCID + 1)
}

// Next returns a strictly increasing id, or ErrClockRegression once the
// wall clock is seen moving backwards. After a regression the instance
// refuses all further issuance until Reset, so a duplicate can never leak.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nextLocked()
}

func (g *Generator) nextLocked() (int64, error) {
	if g.poisoned {
		return 0, errs.ErrClockRegression
	}
	now := g.clock().UnixMilli()
	if now < g.lastTSMS {
		g.poisoned = true
		return 0, errs.ErrClockRegression.WithDetail(
			"last=" + strconv.FormatInt(g.lastTSMS, 10) + " now=" + strconv.FormatInt(now, 10))
	}
	if now == g.lastTSMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// sequence overflow inside one millisecond: spin to the next
			for now <= g.lastTSMS {
				now = g.clock().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastTSMS = now

	ts := (now - g.epochMS) & ((1 << 41) - 1)
	id := (ts << tsShift) | (g.dcID << dcShift) | (g.nodeID << nodeShift) | g.seq
	return id, nil
}

// NextString is Next formatted base-10, the form that rides in frames.
func (g *Generator) NextString() (string, error) {
	id, err := g.Next()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// NextBatch serves n ids from a pre-generated block, refilling under one
// lock acquisition so hot fan-out paths do not contend per id.
func (g *Generator) NextBatch(n int) ([]int64, error) {
	if n <= 0 {
		n = DefaultBatchSize
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]int64, 0, n)
	for len(out) < n {
		if g.poolIdx >= len(g.pool) {
			if err := g.refillLocked(); err != nil {
				return nil, err
			}
		}
		out = append(out, g.pool[g.poolIdx])
		g.poolIdx++
	}
	return out, nil
}

func (g *Generator) refillLocked() error {
	g.pool = g.pool[:0]
	g.poolIdx = 0
	for i := 0; i < DefaultBatchSize; i++ {
		id, err := g.nextLocked()
		if err != nil {
			return err
		}
		g.pool = append(g.pool, id)
	}
	return nil
}

// Reset clears the clock-regression poison; the operator calls it after
// the clock is confirmed sane again.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.poisoned = false
	g.lastTSMS = 0
	g.seq = 0
}

type Parts struct {
	Timestamp    int64 // epoch millis, absolute
	DatacenterID int64
	NodeID       int64
	Sequence     int64
}

// Parse is the inverse of Next, used for debugging and RowKey range
// construction.
func (g *Generator) Parse(id int64) Parts {
	return Parts{
		Timestamp:    (id >> tsShift) + g.epochMS,
		DatacenterID: (id >> dcShift) & maxDCID,
		NodeID:       (id >> nodeShift) & maxNodeID,
		Sequence:     id & seqMask,
	}
}
