package model

import (
	"strings"
	"time"
)

// Message status progression. A status may only move forward through the
// rank table below; stale updates arriving out of order are dropped.
const (
	StatusCreated         int32 = 0
	StatusServerReceived  int32 = 1
	StatusOfflineStored   int32 = 2
	StatusUnread          int32 = 3
	StatusRead            int32 = 4
	StatusOnlineDelivered int32 = 5
	StatusWithdrawn       int32 = 6
	StatusSendFailed      int32 = 7
)

var statusRank = map[int32]int{
	StatusCreated:         0,
	StatusServerReceived:  1,
	StatusOnlineDelivered: 2,
	StatusOfflineStored:   2,
	StatusUnread:          3,
	StatusRead:            4,
	StatusWithdrawn:       9,
	StatusSendFailed:      9,
}

// StatusAdvances reports whether moving from to next is a forward
// transition. Equal ranks on different statuses (delivered vs offline)
// count as forward so the later signal wins.
func StatusAdvances(from, to int32) bool {
	fr, ok := statusRank[from]
	if !ok {
		return true
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	if from == to {
		return false
	}
	return tr >= fr
}

// Content formats carried by Message.Format.
const (
	FormatText  int32 = 1
	FormatImage int32 = 2
	FormatVoice int32 = 3
	FormatVideo int32 = 4
	FormatFile  int32 = 5
)

// Message is the single-chat payload as it travels from sender device to
// receiver device. ClientMsgID is the sender-minted dedup key; MsgID is
// the server snowflake assigned on first receipt.
type Message struct {
	ClientMsgID string `json:"clientMsgId" bson:"client_msg_id"`
	MsgID       int64  `json:"msgId" bson:"_id"`
	ChatID      string `json:"chatId" bson:"chat_id"`
	FromUserID  string `json:"fromUserId" bson:"from_user_id"`
	ToUserID    string `json:"toUserId" bson:"to_user_id"`
	Format      int32  `json:"msgFormat" bson:"msg_format"`
	Content     string `json:"msgContent" bson:"msg_content"`
	CreateTime  int64  `json:"msgCreateTime" bson:"create_time"`
	Status      int32  `json:"msgStatus" bson:"status"`

	// Hops counts server-to-server forwards. A node receiving Hops > 0
	// must deliver locally or store offline, never forward again.
	Hops int32 `json:"hops" bson:"-"`

	RetryCount int32 `json:"retryMsgCount,omitempty" bson:"-"`
}

func (m *Message) Validate() error {
	switch {
	case m.FromUserID == "":
		return errMissing("fromUserId")
	case m.ToUserID == "":
		return errMissing("toUserId")
	case m.ClientMsgID == "":
		return errMissing("clientMsgId")
	case m.Content == "":
		return errMissing("msgContent")
	}
	return nil
}

// AckCode values carried on ServerAck.
const (
	AckServerReceived int32 = 1
	AckDelivered      int32 = 2
	AckRead           int32 = 3
	AckFailed         int32 = 4
)

// ServerAck travels back to the sender: first as the server receipt, then
// as delivered/read receipts relayed from the receiver side.
type ServerAck struct {
	ClientMsgID string `json:"clientMsgId"`
	MsgID       int64  `json:"msgId"`
	ChatID      string `json:"chatId"`
	ToUserID    string `json:"toUserId"`
	AckCode     int32  `json:"ackCode"`
	AckTime     int64  `json:"ackTime"`
}

func NewServerAck(m *Message, code int32) *ServerAck {
	return &ServerAck{
		ClientMsgID: m.ClientMsgID,
		MsgID:       m.MsgID,
		ChatID:      m.ChatID,
		ToUserID:    m.FromUserID,
		AckCode:     code,
		AckTime:     time.Now().UnixMilli(),
	}
}

// WithdrawNotice tells both parties a message was recalled.
type WithdrawNotice struct {
	MsgID      int64  `json:"msgId"`
	ChatID     string `json:"chatId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	Time       int64  `json:"withdrawTime"`
}

const c2cChatPrefix = "c2c"

// BuildC2CChatID derives the canonical single-chat id from the two member
// ids; both directions map to the same chat.
func BuildC2CChatID(userA, userB string) string {
	lo, hi := userA, userB
	if lo > hi {
		lo, hi = hi, lo
	}
	return strings.Join([]string{c2cChatPrefix, lo, hi}, "-")
}
