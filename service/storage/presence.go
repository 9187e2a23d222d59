package storage

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"IMDeliver/logger"
	redisstore "IMDeliver/service/storage/redis"
	errs "IMDeliver/tools/errs"
)

// Redis layout: two hashes keyed by user id, mutated together so a
// reader never sees a route without a status or vice versa.
//
//	im:route   user -> node ip:port holding the socket
//	im:status  user -> "1" online / "0" offline
const (
	routeKey  = "im:route"
	statusKey = "im:status"

	statusOnline  = "1"
	statusOffline = "0"
)

var setOnlineScript = goredis.NewScript(`
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], '1')
return 1
`)

var setOfflineScript = goredis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], '0')
return 1
`)

// PresenceDirectory answers "where is this user connected" for the whole
// cluster. Writes go through Lua so route and status flip atomically.
type PresenceDirectory struct {
	rdb *goredis.Client
}

func NewPresenceDirectory(mgr *redisstore.Manager) *PresenceDirectory {
	return &PresenceDirectory{rdb: mgr.Client()}
}

// SetOnline records that user holds a live socket on nodeAddr.
func (p *PresenceDirectory) SetOnline(ctx context.Context, userID, nodeAddr string) error {
	if userID == "" || nodeAddr == "" {
		return errs.ErrValidation.WithDetail("presence set-online needs user and node addr")
	}
	err := setOnlineScript.Run(ctx, p.rdb, []string{routeKey, statusKey}, userID, nodeAddr).Err()
	return errs.Wrap(err, "presence set online", "user", userID)
}

// SetOffline clears the route and flips the status. The route is removed
// rather than kept stale so forwards never target a dead node.
func (p *PresenceDirectory) SetOffline(ctx context.Context, userID string) error {
	if userID == "" {
		return errs.ErrValidation.WithDetail("presence set-offline needs user")
	}
	err := setOfflineScript.Run(ctx, p.rdb, []string{routeKey, statusKey}, userID).Err()
	return errs.Wrap(err, "presence set offline", "user", userID)
}

// Get returns the node address and online flag for a user. A user the
// directory has never seen reads as offline with an empty address.
func (p *PresenceDirectory) Get(ctx context.Context, userID string) (nodeAddr string, online bool, err error) {
	pipe := p.rdb.Pipeline()
	routeCmd := pipe.HGet(ctx, routeKey, userID)
	statusCmd := pipe.HGet(ctx, statusKey, userID)
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return "", false, errs.Wrap(err, "presence get", "user", userID)
	}

	addr, err := routeCmd.Result()
	if err != nil && err != goredis.Nil {
		return "", false, errs.Wrap(err, "presence route", "user", userID)
	}
	st, err := statusCmd.Result()
	if err != nil && err != goredis.Nil {
		return "", false, errs.Wrap(err, "presence status", "user", userID)
	}
	return addr, st == statusOnline, nil
}

// GetMulti resolves routes for a batch of users in one round trip; users
// without a live route are absent from the result.
func (p *PresenceDirectory) GetMulti(ctx context.Context, userIDs []string) (map[string]string, error) {
	if len(userIDs) == 0 {
		return map[string]string{}, nil
	}
	vals, err := p.rdb.HMGet(ctx, routeKey, userIDs...).Result()
	if err != nil {
		return nil, errs.Wrap(err, "presence get multi")
	}
	out := make(map[string]string, len(userIDs))
	for i, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			out[userIDs[i]] = s
		}
	}
	return out, nil
}

// ClearNode drops every route pointing at nodeAddr, used when a node is
// decommissioned and its sockets are known dead.
func (p *PresenceDirectory) ClearNode(ctx context.Context, nodeAddr string) (int, error) {
	all, err := p.rdb.HGetAll(ctx, routeKey).Result()
	if err != nil {
		return 0, errs.Wrap(err, "presence clear node", "node", nodeAddr)
	}
	cleared := 0
	for user, addr := range all {
		if addr != nodeAddr {
			continue
		}
		if err := p.SetOffline(ctx, user); err != nil {
			logger.Errorf("clear route for %s on %s: %v", user, nodeAddr, err)
			continue
		}
		cleared++
	}
	return cleared, nil
}
