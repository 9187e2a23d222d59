package retry

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"IMDeliver/logger"
	"IMDeliver/model"
	redisstore "IMDeliver/service/storage/redis"
	"IMDeliver/tools/safe"

	errs "IMDeliver/tools/errs"
)

// Redis layout:
//
//	im:retry:q        zset  member=<kind>:<msgId>  score=due unix millis
//	im:retry:payload  hash  field=<kind>:<msgId>   value=flate(json task)
//
// Every mutation touches both keys inside one Lua script, so a cancel
// racing a scan can never orphan a payload or redeliver a cancelled
// message.
const (
	queueKey   = "im:retry:q"
	payloadKey = "im:retry:payload"
)

var enqueueScript = goredis.NewScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

var cancelScript = goredis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
return redis.call('HDEL', KEYS[2], ARGV[1])
`)

// pop claims due tasks: each claimed id leaves both keys before the
// payload is returned, so only one scanner ever processes it.
var popScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local payload = redis.call('HGET', KEYS[2], id)
  if payload then
    redis.call('HDEL', KEYS[2], id)
    out[#out+1] = id
    out[#out+1] = payload
  end
end
return out
`)

// Task kinds: a pushed chat message awaiting its client ack, or a
// server ack the sender must eventually see.
const (
	KindMessage = "message"
	KindAck     = "ack"
)

// Task is one pending redelivery.
type Task struct {
	Kind       string           `json:"kind"`
	MsgID      int64            `json:"msgId"`
	Message    *model.Message   `json:"message,omitempty"`
	Ack        *model.ServerAck `json:"ack,omitempty"`
	RetryCount int              `json:"retryCount"` // failed attempts so far
	FirstAt    int64            `json:"firstAt"`    // unix millis of first schedule
}

// member builds the queue/hash key; the kind prefix keeps a message task
// and an ack task for the same msg id from colliding.
func (t *Task) member() string {
	prefix := "m:"
	if t.Kind == KindAck {
		prefix = "a:"
	}
	return prefix + strconv.FormatInt(t.MsgID, 10)
}

// Redeliverer retries the actual delivery. A nil error removes the task;
// any error counts as a failed attempt.
type Redeliverer interface {
	RedeliverOrOffline(ctx context.Context, msg *model.Message) error
	RedeliverAck(ctx context.Context, ack *model.ServerAck) error
}

// Reporter hears about tasks the engine gave up on. Called exactly once
// per exhausted task.
type Reporter interface {
	TerminalFailure(ctx context.Context, msg *model.Message, attempts int)
	TerminalAckFailure(ctx context.Context, ack *model.ServerAck, attempts int)
}

type Config struct {
	Enabled      bool
	MaxRetries   int           // <=0 => 3
	DelaysSec    []int         // backoff ladder; empty => 5,30,300
	BatchSize    int           // tasks claimed per scan; <=0 => 100
	ScanInterval time.Duration // <=0 => 1s
	Clock        func() time.Time
}

func (c *Config) norm() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if len(c.DelaysSec) == 0 {
		c.DelaysSec = []int{5, 30, 300}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Stats struct {
	Scheduled   uint64
	Redelivered uint64
	Requeued    uint64
	Terminal    uint64
}

// Engine drives time-based redelivery of pushed messages that the
// receiver has not acked yet.
type Engine struct {
	cfg      Config
	rdb      *goredis.Client
	delivery Redeliverer
	reporter Reporter // may be nil

	scheduled   uint64 // atomics
	redelivered uint64
	requeued    uint64
	terminal    uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewEngine(cfg Config, mgr *redisstore.Manager, delivery Redeliverer, reporter Reporter) *Engine {
	cfg.norm()
	return &Engine{
		cfg:      cfg,
		rdb:      mgr.Client(),
		delivery: delivery,
		reporter: reporter,
		stopCh:   make(chan struct{}),
	}
}

// Schedule enqueues the first redelivery, due after the initial backoff.
func (e *Engine) Schedule(ctx context.Context, msg *model.Message) error {
	if !e.cfg.Enabled {
		return nil
	}
	now := e.cfg.Clock()
	task := &Task{Kind: KindMessage, MsgID: msg.MsgID, Message: msg, FirstAt: now.UnixMilli()}
	if err := e.enqueue(ctx, task, now.Add(e.delay(0))); err != nil {
		return err
	}
	atomic.AddUint64(&e.scheduled, 1)
	return nil
}

// ScheduleAck enqueues a server ack whose first delivery attempt failed;
// the sender must eventually see it.
func (e *Engine) ScheduleAck(ctx context.Context, ack *model.ServerAck) error {
	if !e.cfg.Enabled {
		return nil
	}
	now := e.cfg.Clock()
	task := &Task{Kind: KindAck, MsgID: ack.MsgID, Ack: ack, FirstAt: now.UnixMilli()}
	if err := e.enqueue(ctx, task, now.Add(e.delay(0))); err != nil {
		return err
	}
	atomic.AddUint64(&e.scheduled, 1)
	return nil
}

// Cancel drops a pending message task, typically because the client ack
// arrived. Cancelling an unknown id is a no-op.
func (e *Engine) Cancel(ctx context.Context, msgID int64) error {
	err := cancelScript.Run(ctx, e.rdb,
		[]string{queueKey, payloadKey}, "m:"+strconv.FormatInt(msgID, 10)).Err()
	return errs.Wrap(err, "cancel retry", "msgId", msgID)
}

// CancelAck drops a pending ack task.
func (e *Engine) CancelAck(ctx context.Context, msgID int64) error {
	err := cancelScript.Run(ctx, e.rdb,
		[]string{queueKey, payloadKey}, "a:"+strconv.FormatInt(msgID, 10)).Err()
	return errs.Wrap(err, "cancel ack retry", "msgId", msgID)
}

func (e *Engine) enqueue(ctx context.Context, task *Task, due time.Time) error {
	payload, err := encodeTask(task)
	if err != nil {
		return err
	}
	err = enqueueScript.Run(ctx, e.rdb,
		[]string{queueKey, payloadKey},
		due.UnixMilli(), task.member(), payload).Err()
	return errs.Wrap(err, "enqueue retry", "msgId", task.MsgID)
}

// delay maps the failed-attempt count onto the backoff ladder; counts
// past the end reuse the last rung.
func (e *Engine) delay(retryCount int) time.Duration {
	idx := retryCount
	if idx >= len(e.cfg.DelaysSec) {
		idx = len(e.cfg.DelaysSec) - 1
	}
	return time.Duration(e.cfg.DelaysSec[idx]) * time.Second
}

// Start runs the scan loop until ctx ends or Stop.
func (e *Engine) Start(ctx context.Context) {
	if !e.cfg.Enabled {
		logger.Info("redelivery engine disabled")
		return
	}
	safe.Go(func() {
		t := time.NewTicker(e.cfg.ScanInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-t.C:
				if _, err := e.ScanOnce(ctx); err != nil {
					logger.Errorf("retry scan: %v", err)
				}
			}
		}
	})
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// ScanOnce claims one batch of due tasks and processes them. Exported so
// tests drive the engine with a fake clock.
func (e *Engine) ScanOnce(ctx context.Context) (int, error) {
	now := e.cfg.Clock()
	res, err := popScript.Run(ctx, e.rdb,
		[]string{queueKey, payloadKey},
		now.UnixMilli(), e.cfg.BatchSize).Result()
	if err != nil {
		return 0, errs.Wrap(err, "pop due retries")
	}
	flat, ok := res.([]any)
	if !ok || len(flat) == 0 {
		return 0, nil
	}

	processed := 0
	for i := 0; i+1 < len(flat); i += 2 {
		raw, ok := flat[i+1].(string)
		if !ok {
			continue
		}
		task, err := decodeTask([]byte(raw))
		if err != nil {
			logger.Errorf("drop corrupt retry task %v: %v", flat[i], err)
			continue
		}
		e.process(ctx, task, now)
		processed++
	}
	return processed, nil
}

func (e *Engine) process(ctx context.Context, task *Task, now time.Time) {
	var attemptErr error
	switch task.Kind {
	case KindAck:
		attemptErr = e.delivery.RedeliverAck(ctx, task.Ack)
	default:
		attemptErr = e.delivery.RedeliverOrOffline(ctx, task.Message)
	}
	if attemptErr == nil {
		atomic.AddUint64(&e.redelivered, 1)
		return
	}

	task.RetryCount++
	if task.Message != nil {
		task.Message.RetryCount = int32(task.RetryCount)
	}
	if task.RetryCount >= e.cfg.MaxRetries {
		atomic.AddUint64(&e.terminal, 1)
		logger.Warnf("redelivery exhausted kind=%s msgId=%d attempts=%d", task.Kind, task.MsgID, task.RetryCount)
		if e.reporter != nil {
			switch task.Kind {
			case KindAck:
				e.reporter.TerminalAckFailure(ctx, task.Ack, task.RetryCount)
			default:
				e.reporter.TerminalFailure(ctx, task.Message, task.RetryCount)
			}
		}
		return
	}

	due := now.Add(e.delay(task.RetryCount))
	if err := e.enqueue(ctx, task, due); err != nil {
		logger.Errorf("requeue retry %d: %v", task.MsgID, err)
		return
	}
	atomic.AddUint64(&e.requeued, 1)
}

// Pending reports the current queue depth.
func (e *Engine) Pending(ctx context.Context) (int64, error) {
	return e.rdb.ZCard(ctx, queueKey).Result()
}

func (e *Engine) Stats() Stats {
	return Stats{
		Scheduled:   atomic.LoadUint64(&e.scheduled),
		Redelivered: atomic.LoadUint64(&e.redelivered),
		Requeued:    atomic.LoadUint64(&e.requeued),
		Terminal:    atomic.LoadUint64(&e.terminal),
	}
}

// Task payloads are flate-compressed json; chat bodies repeat enough to
// make this worth the cpu.
func encodeTask(task *Task) (string, error) {
	raw, err := json.Marshal(task)
	if err != nil {
		return "", errs.Wrap(err, "marshal retry task", "msgId", task.MsgID)
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", err
	}
	if _, err := w.Write(raw); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func decodeTask(data []byte) (*Task, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer func() { _ = r.Close() }()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errs.Wrap(err, "inflate retry task")
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return nil, errs.Wrap(err, "unmarshal retry task")
	}
	return &task, nil
}
