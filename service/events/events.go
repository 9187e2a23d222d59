package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"IMDeliver/logger"
	"IMDeliver/model"
)

// Sink publishes operational events (redelivery exhaustion, forced
// kicks) to NATS for alerting and audit consumers. A nil Sink is safe to
// call; every method degrades to a log line, so tests and single-node
// setups run without a broker.
type Sink struct {
	conn    *nats.Conn
	subject string
}

func Connect(url, subject string) (*Sink, error) {
	conn, err := nats.Connect(url,
		nats.Name("im-deliver"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Sink{conn: conn, subject: subject}, nil
}

type event struct {
	Kind     string         `json:"kind"`
	Time     int64          `json:"time"`
	MsgID    int64          `json:"msgId,omitempty"`
	UserID   string         `json:"userId,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
	Message  *model.Message `json:"message,omitempty"`
}

func (s *Sink) publish(ev *event) {
	ev.Time = time.Now().UnixMilli()
	raw, err := json.Marshal(ev)
	if err != nil {
		logger.Errorf("encode event %s: %v", ev.Kind, err)
		return
	}
	if s == nil || s.conn == nil {
		logger.Warnf("event %s (no sink): %s", ev.Kind, raw)
		return
	}
	if err := s.conn.Publish(s.subject, raw); err != nil {
		logger.Errorf("publish event %s: %v", ev.Kind, err)
	}
}

// DeliveryExhausted fires when the retry engine gives up on a message.
func (s *Sink) DeliveryExhausted(_ context.Context, msg *model.Message, attempts int) {
	s.publish(&event{
		Kind:     "delivery.exhausted",
		MsgID:    msg.MsgID,
		UserID:   msg.ToUserID,
		Attempts: attempts,
		Message:  msg,
	})
}

// AckExhausted fires when the retry engine gives up on a server ack.
func (s *Sink) AckExhausted(_ context.Context, ack *model.ServerAck, attempts int) {
	s.publish(&event{
		Kind:     "ack.exhausted",
		MsgID:    ack.MsgID,
		UserID:   ack.ToUserID,
		Attempts: attempts,
	})
}

// UserKicked fires when an operator force-closes a user's sockets.
func (s *Sink) UserKicked(_ context.Context, userID string, conns int) {
	s.publish(&event{Kind: "user.kicked", UserID: userID, Attempts: conns})
}

func (s *Sink) Close() {
	if s != nil && s.conn != nil {
		s.conn.Drain()
	}
}
