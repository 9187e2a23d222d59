package wire

import (
	"encoding/json"

	errs "IMDeliver/tools/errs"
)

// MsgType tags every frame on the client socket.
type MsgType string

const (
	MsgTypeSend      MsgType = "c2c.send"      // client -> server chat message
	MsgTypeServerAck MsgType = "c2c.ack"       // server -> sender receipt
	MsgTypeClientAck MsgType = "c2c.clientAck" // receiver -> server delivered/read
	MsgTypePush      MsgType = "c2c.push"      // server -> receiver chat message
	MsgTypeWithdraw  MsgType = "c2c.withdraw"  // recall, both directions
	MsgTypeBatchIDs  MsgType = "sys.batchIds"  // client pre-fetches msg ids
	MsgTypePing      MsgType = "sys.ping"
	MsgTypePong      MsgType = "sys.pong"
)

// Frame is the envelope on the websocket. Payload decodes per Type.
type Frame struct {
	Type    MsgType         `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(t MsgType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.Wrap(err, "encode frame payload", "type", t)
	}
	return json.Marshal(&Frame{Type: t, Payload: raw})
}

func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errs.ErrValidation.WithDetail("malformed frame: " + err.Error())
	}
	if f.Type == "" {
		return nil, errs.ErrValidation.WithDetail("frame missing type")
	}
	return &f, nil
}

// ClientAck is the receiver-side receipt for a pushed message.
type ClientAck struct {
	MsgID    int64  `json:"msgId"`
	ChatID   string `json:"chatId"`
	FromUser string `json:"fromUserId"`
	ToUser   string `json:"toUserId"`
	Status   int32  `json:"msgStatus"` // unread or read
}

// BatchIDsRequest asks the server to mint a block of message ids.
type BatchIDsRequest struct {
	Count int `json:"count"`
}

type BatchIDsReply struct {
	IDs []int64 `json:"ids"`
}
