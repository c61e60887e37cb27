package alert

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vamm.com/pkg/liquidation"
)

// setupRedis 需要 VAMM_TEST_REDIS_ADDR，清理本测试用到的 key
func setupRedis(t *testing.T) *RedisDeduper {
	t.Helper()
	addr := os.Getenv("VAMM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("VAMM_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	keys := []string{}
	for _, level := range alertLevels {
		keys = append(keys, levelKey(level))
		for _, a := range []string{"alice", "bob"} {
			keys = append(keys, cooldownKeyPrefix+a+":"+level.String())
		}
	}
	require.NoError(t, client.Del(ctx, keys...).Err())
	return NewRedisDeduper(client, time.Minute)
}

func TestRedisDeduperCooldownAndBoard(t *testing.T) {
	d := setupRedis(t)
	ctx := context.Background()

	ok, err := d.Allow(ctx, user("alice", liquidation.RiskLevelDanger, 0.85))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Allow(ctx, user("alice", liquidation.RiskLevelDanger, 0.88))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Allow(ctx, user("bob", liquidation.RiskLevelDanger, 0.81))
	require.NoError(t, err)
	assert.True(t, ok)

	top, err := d.Top(ctx, liquidation.RiskLevelDanger, 10)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "alice", top[0].Authority)
	assert.InDelta(t, 0.88, top[0].RiskRatio, 1e-9)

	// 升级后从原等级看板移走
	ok, err = d.Allow(ctx, user("alice", liquidation.RiskLevelCritical, 0.93))
	require.NoError(t, err)
	assert.True(t, ok)
	top, err = d.Top(ctx, liquidation.RiskLevelDanger, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "bob", top[0].Authority)

	require.NoError(t, d.Forget(ctx, "alice"))
	top, err = d.Top(ctx, liquidation.RiskLevelCritical, 10)
	require.NoError(t, err)
	assert.Empty(t, top)
}
