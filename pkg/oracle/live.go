// 文件: pkg/oracle/live.go
// 实时预言机: Redis 价格板
//
// 【存储结构】
// oracle:price:{asset} (Hash)
//   price / conf / ts / samples / twap / twap_ts
//
// 喂价方调用 Write，多个喂价方并发写入时用 WATCH 乐观锁保证 TWAP 不丢更新

package oracle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"vamm.com/pkg/fixedpoint"
)

var _ Oracle = (*Live)(nil)

const liveKeyPattern = "oracle:price:%s"

// Live Redis 价格板预言机
type Live struct {
	rdb        *redis.Client
	now        func() time.Time
	window     int64
	minSamples int64
}

// NewLive 创建实时预言机
func NewLive(rdb *redis.Client, now func() time.Time) *Live {
	if now == nil {
		now = time.Now
	}
	return &Live{
		rdb:        rdb,
		now:        now,
		window:     DefaultTwapWindow,
		minSamples: DefaultMinSamples,
	}
}

type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

type liveEntry struct {
	price, conf, ts, samples, twap, twapTs int64
}

func (l *Live) load(ctx context.Context, getter hashGetter, asset string) (*liveEntry, error) {
	fields, err := getter.HGetAll(ctx, fmt.Sprintf(liveKeyPattern, asset)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "load oracle price %s", asset)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	e := &liveEntry{}
	for name, dst := range map[string]*int64{
		"price": &e.price, "conf": &e.conf, "ts": &e.ts,
		"samples": &e.samples, "twap": &e.twap, "twap_ts": &e.twapTs,
	} {
		v, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse oracle field %s.%s", asset, name)
		}
		*dst = v
	}
	return e, nil
}

func (l *Live) GetPrice(ctx context.Context, asset string) (PriceData, error) {
	e, err := l.load(ctx, l.rdb, asset)
	if err != nil {
		return PriceData{}, err
	}
	if e == nil {
		return PriceData{}, errors.Wrapf(ErrPriceNotFound, "asset %s", asset)
	}
	return PriceData{
		Price:                           e.price,
		Confidence:                      e.conf,
		Delay:                           fixedpoint.Max64(0, l.now().Unix()-e.ts),
		HasSufficientNumberOfDataPoints: e.samples >= l.minSamples,
	}, nil
}

func (l *Live) GetTwap(ctx context.Context, asset string) (int64, error) {
	e, err := l.load(ctx, l.rdb, asset)
	if err != nil {
		return 0, err
	}
	if e == nil {
		return 0, errors.Wrapf(ErrPriceNotFound, "asset %s", asset)
	}
	return e.twap, nil
}

// Write 喂价方写入最新价格
func (l *Live) Write(ctx context.Context, u PriceUpdate) error {
	key := fmt.Sprintf(liveKeyPattern, u.Asset)
	now := l.now().Unix()

	return l.rdb.Watch(ctx, func(tx *redis.Tx) error {
		e, err := l.load(ctx, tx, u.Asset)
		if err != nil {
			return err
		}
		twap, samples := u.Price, int64(1)
		if e != nil {
			twap, err = UpdateTwap(e.twap, e.twapTs, u.Price, now, l.window)
			if err != nil {
				return err
			}
			samples = e.samples + 1
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"price", u.Price,
				"conf", u.Confidence,
				"ts", now,
				"samples", samples,
				"twap", twap,
				"twap_ts", now,
			)
			return nil
		})
		return err
	}, key)
}
