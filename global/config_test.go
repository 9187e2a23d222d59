package global

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(map[string]any{})
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Conn.MaxPerUser)
	require.Equal(t, 3, cfg.Retry.MaxRetries)
	require.Equal(t, []int{5, 30, 300}, cfg.Retry.DelaysSec)
	require.Equal(t, 30*time.Second, cfg.Transport.KeepAliveTime)
	require.Equal(t, 10*1024*1024, cfg.Transport.MaxInboundMsgSize)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(map[string]any{
		"node_addr": "10.0.0.5:9100",
		"conn": map[string]any{
			"max_per_user":   2,
			"sweep_interval": "15s",
		},
		"retry": map[string]any{
			"enabled":       true,
			"max_retries":   5,
			"delays_sec":    []int{1, 2, 3},
			"scan_interval": "250ms",
		},
		"redis": map[string]any{"addr": "redis-0:6379"},
	})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5:9100", cfg.NodeAddr)
	require.Equal(t, 2, cfg.Conn.MaxPerUser)
	require.Equal(t, 15*time.Second, cfg.Conn.SweepInterval)
	require.True(t, cfg.Retry.Enabled)
	require.Equal(t, 5, cfg.Retry.MaxRetries)
	require.Equal(t, []int{1, 2, 3}, cfg.Retry.DelaysSec)
	require.Equal(t, 250*time.Millisecond, cfg.Retry.ScanInterval)
	require.Equal(t, "redis-0:6379", cfg.Redis.Addr)
}
