package mgo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"IMDeliver/model"
	errs "IMDeliver/tools/errs"
)

const messageCollection = "im_c2c_msg_record"

type Config struct {
	URI      string
	Database string
}

// Connect dials mongo and pings it before handing out a store.
func Connect(ctx context.Context, cfg Config) (*MessageStore, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, errs.Wrap(err, "connect mongo", "uri", cfg.URI)
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errs.Wrap(err, "ping mongo", "uri", cfg.URI)
	}
	return &MessageStore{
		client: client,
		coll:   client.Database(cfg.Database).Collection(messageCollection),
	}, nil
}

// NewMessageStore wraps an existing collection, used by tests.
func NewMessageStore(coll *mongo.Collection) *MessageStore {
	return &MessageStore{coll: coll}
}

// MessageStore is the durable message record. Routing persists here
// before any delivery attempt, so a crash after receipt can never lose a
// message that was acked to the sender.
type MessageStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// SaveMessage inserts the record keyed by the server msg id. A duplicate
// key means a client resend already persisted this message; that is
// success, not an error.
func (s *MessageStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	stored := *msg
	stored.Status = model.StatusServerReceived
	_, err := s.coll.InsertOne(ctx, &stored)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return errs.Wrap(err, "save message", "msgId", msg.MsgID)
	}
	return nil
}

// UpdateMessageStatus moves the record's status forward. The filter
// restricts the write to records whose current status still ranks at or
// below the target, so a late ServerReceived can never clobber Read.
func (s *MessageStore) UpdateMessageStatus(ctx context.Context, msgID int64, status int32) error {
	allowed := make([]int32, 0, 8)
	for _, from := range []int32{
		model.StatusCreated, model.StatusServerReceived, model.StatusOfflineStored,
		model.StatusUnread, model.StatusRead, model.StatusOnlineDelivered,
	} {
		if model.StatusAdvances(from, status) {
			allowed = append(allowed, from)
		}
	}
	filter := bson.M{"_id": msgID, "status": bson.M{"$in": allowed}}
	update := bson.M{"$set": bson.M{"status": status, "update_time": time.Now().UnixMilli()}}
	if _, err := s.coll.UpdateOne(ctx, filter, update); err != nil {
		return errs.Wrap(err, "update message status", "msgId", msgID, "status", status)
	}
	return nil
}

// GetMessage loads one record, ErrNotFound when absent.
func (s *MessageStore) GetMessage(ctx context.Context, msgID int64) (*model.Message, error) {
	var m model.Message
	err := s.coll.FindOne(ctx, bson.M{"_id": msgID}).Decode(&m)
	if err == mongo.ErrNoDocuments {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, errs.Wrap(err, "get message", "msgId", msgID)
	}
	return &m, nil
}

func (s *MessageStore) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}
