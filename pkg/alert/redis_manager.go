// 文件: pkg/alert/redis_manager.go
// Redis 冷却 + 风险看板
//
// Key 设计:
//   vamm:alert:cooldown:{authority}:{level}  冷却标记，PX 过期
//   vamm:alert:level:{level}                 ZSET，member = authority，score = 风险率

package alert

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"vamm.com/pkg/liquidation"
)

const (
	cooldownKeyPrefix = "vamm:alert:cooldown:"
	levelKeyPrefix    = "vamm:alert:level:"
)

// alertLevels 看板维护的等级
var alertLevels = []liquidation.RiskLevel{
	liquidation.RiskLevelWarning,
	liquidation.RiskLevelDanger,
	liquidation.RiskLevelCritical,
	liquidation.RiskLevelLiquidate,
}

// luaAllow 更新看板并尝试获取冷却
// KEYS[1]: 冷却 key
// KEYS[2]: 当前等级看板
// KEYS[3..]: 其它等级看板
// ARGV[1]: authority
// ARGV[2]: 风险率
// ARGV[3]: 冷却毫秒
const luaAllow = `
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	for i = 3, #KEYS do
		redis.call('ZREM', KEYS[i], ARGV[1])
	end
	if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[3]) then
		return 1
	end
	return 0
`

var allowScript = redis.NewScript(luaAllow)

var _ Deduper = (*RedisDeduper)(nil)

// RedisDeduper 多个 keeper 实例共享冷却
type RedisDeduper struct {
	client   *redis.Client
	cooldown time.Duration
}

func NewRedisDeduper(client *redis.Client, cooldown time.Duration) *RedisDeduper {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &RedisDeduper{client: client, cooldown: cooldown}
}

func levelKey(level liquidation.RiskLevel) string {
	return levelKeyPrefix + level.String()
}

func (d *RedisDeduper) Allow(ctx context.Context, u liquidation.UserRiskData) (bool, error) {
	keys := []string{cooldownKeyPrefix + u.Authority + ":" + u.Level.String(), levelKey(u.Level)}
	for _, level := range alertLevels {
		if level != u.Level {
			keys = append(keys, levelKey(level))
		}
	}
	// 权益为负时风险率为 +Inf，ZADD 接受 "+Inf"
	score := strconv.FormatFloat(u.RiskRatio, 'f', -1, 64)
	n, err := allowScript.Run(ctx, d.client, keys, u.Authority, score, d.cooldown.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrap(err, "alert allow script")
	}
	return n == 1, nil
}

// RiskEntry 看板中的一项
type RiskEntry struct {
	Authority string
	RiskRatio float64
}

// Top 某等级风险率最高的 n 个用户
func (d *RedisDeduper) Top(ctx context.Context, level liquidation.RiskLevel, n int64) ([]RiskEntry, error) {
	zs, err := d.client.ZRevRangeWithScores(ctx, levelKey(level), 0, n-1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s board", level)
	}
	out := make([]RiskEntry, 0, len(zs))
	for _, z := range zs {
		authority, _ := z.Member.(string)
		out = append(out, RiskEntry{Authority: authority, RiskRatio: z.Score})
	}
	return out, nil
}

// Forget 用户被强平或脱离风险后从看板移除
func (d *RedisDeduper) Forget(ctx context.Context, authority string) error {
	pipe := d.client.TxPipeline()
	for _, level := range alertLevels {
		pipe.ZRem(ctx, levelKey(level), authority)
	}
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "forget risk entry")
}
