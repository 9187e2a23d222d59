package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"IMDeliver/model"
	errs "IMDeliver/tools/errs"
)

func TestEncodeDecodeFrame(t *testing.T) {
	msg := &model.Message{
		ClientMsgID: "c1",
		FromUserID:  "u1",
		ToUserID:    "u2",
		Content:     "hello",
	}
	data, err := Encode(MsgTypeSend, msg)
	require.NoError(t, err)

	f, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, MsgTypeSend, f.Type)

	var got model.Message
	require.NoError(t, json.Unmarshal(f.Payload, &got))
	require.Equal(t, "hello", got.Content)
	require.Equal(t, "u2", got.ToUserID)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)
	require.True(t, errs.IsValidation(err))

	_, err = Decode([]byte(`{"payload":{}}`))
	require.Error(t, err)
	require.True(t, errs.IsValidation(err))
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	in := &DeliveryResult{Delivered: true, Node: "n1:9091"}
	raw, err := c.Marshal(in)
	require.NoError(t, err)

	out := new(DeliveryResult)
	require.NoError(t, c.Unmarshal(raw, out))
	require.Equal(t, in, out)
	require.Equal(t, CodecName, c.Name())
}
