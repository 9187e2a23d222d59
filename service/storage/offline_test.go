package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"IMDeliver/model"
	redisstore "IMDeliver/service/storage/redis"
)

func newTestOfflineStore(t *testing.T) *OfflineStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewOfflineStore(redisstore.Wrap(client), nil, "")
}

func TestOfflinePushDrainOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestOfflineStore(t)

	for i, content := range []string{"first", "second", "third"} {
		err := store.Push(ctx, &model.Message{
			MsgID:       int64(100 + i),
			ClientMsgID: "c" + content,
			FromUserID:  "u1",
			ToUserID:    "u2",
			Content:     content,
		})
		require.NoError(t, err)
	}

	n, err := store.Count(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	msgs, err := store.Drain(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "first", msgs[0].Content)
	require.Equal(t, "third", msgs[2].Content)
	for _, m := range msgs {
		require.Equal(t, model.StatusOfflineStored, m.Status)
	}

	// inbox is empty after drain
	msgs, err = store.Drain(ctx, "u2")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestOfflineDrainEmptyUser(t *testing.T) {
	store := newTestOfflineStore(t)
	msgs, err := store.Drain(context.Background(), "nobody")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestOfflinePushValidation(t *testing.T) {
	store := newTestOfflineStore(t)
	err := store.Push(context.Background(), &model.Message{FromUserID: "u1"})
	require.Error(t, err)
}
