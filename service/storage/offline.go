package storage

import (
	"context"
	"encoding/json"

	"github.com/Shopify/sarama"
	goredis "github.com/redis/go-redis/v9"

	"IMDeliver/logger"
	"IMDeliver/model"
	redisstore "IMDeliver/service/storage/redis"
	errs "IMDeliver/tools/errs"
)

const offlineKeyPrefix = "im:offline:"

// drain pops the whole inbox and deletes the key in one step, so a login
// racing a concurrent Push never loses or double-reads a message.
var drainScript = goredis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return items
`)

// OfflineStore queues messages for users without a live socket. The
// inbox lives in redis; each stored message is optionally mirrored to
// kafka for the downstream offline-push pipeline.
type OfflineStore struct {
	rdb      *goredis.Client
	producer sarama.SyncProducer // nil disables mirroring
	topic    string
}

func NewOfflineStore(mgr *redisstore.Manager, producer sarama.SyncProducer, topic string) *OfflineStore {
	return &OfflineStore{rdb: mgr.Client(), producer: producer, topic: topic}
}

func offlineKey(userID string) string { return offlineKeyPrefix + userID }

// Push appends a message to the user's offline inbox.
func (s *OfflineStore) Push(ctx context.Context, msg *model.Message) error {
	if msg.ToUserID == "" {
		return errs.ErrValidation.WithDetail("offline push needs toUserId")
	}
	stored := *msg
	stored.Status = model.StatusOfflineStored
	raw, err := json.Marshal(&stored)
	if err != nil {
		return errs.Wrap(err, "marshal offline message", "msgId", msg.MsgID)
	}
	if err := s.rdb.RPush(ctx, offlineKey(msg.ToUserID), raw).Err(); err != nil {
		return errs.Wrap(err, "push offline message", "user", msg.ToUserID)
	}
	s.mirror(msg.ToUserID, raw)
	return nil
}

// mirror publishes the stored message to kafka. A mirror failure is
// logged, not returned: the redis inbox is the source of truth.
func (s *OfflineStore) mirror(userID string, raw []byte) {
	if s.producer == nil {
		return
	}
	_, _, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(userID),
		Value: sarama.ByteEncoder(raw),
	})
	if err != nil {
		logger.Errorf("mirror offline message for %s: %v", userID, err)
	}
}

// Drain atomically removes and returns the whole inbox for a user,
// oldest first. Called on login before the socket starts serving.
func (s *OfflineStore) Drain(ctx context.Context, userID string) ([]*model.Message, error) {
	res, err := drainScript.Run(ctx, s.rdb, []string{offlineKey(userID)}).Result()
	if err != nil {
		return nil, errs.Wrap(err, "drain offline inbox", "user", userID)
	}
	items, ok := res.([]any)
	if !ok {
		return nil, errs.New("unexpected drain reply", "user", userID)
	}
	out := make([]*model.Message, 0, len(items))
	for _, it := range items {
		raw, ok := it.(string)
		if !ok {
			continue
		}
		var m model.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			logger.Errorf("skip corrupt offline entry for %s: %v", userID, err)
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// Count returns the inbox depth without consuming it.
func (s *OfflineStore) Count(ctx context.Context, userID string) (int64, error) {
	n, err := s.rdb.LLen(ctx, offlineKey(userID)).Result()
	return n, errs.Wrap(err, "count offline inbox", "user", userID)
}
