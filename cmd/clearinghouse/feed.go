// 文件: cmd/clearinghouse/feed.go
// 模拟喂价: GBM 生成价格，发布到 NATS 喂价主题并写入 Redis 价格板

package main

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vamm.com/pkg/market"
	"vamm.com/pkg/nats"
	"vamm.com/pkg/oracle"
)

type feedOptions struct {
	asset      string
	startPrice float64
	interval   time.Duration
	seed       int64
	volatility float64
}

func newFeedCmd(rt *runtime) *cobra.Command {
	o := feedOptions{}
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Publish simulated oracle prices to NATS and the Redis price board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFeed(cmd.Context(), rt, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.asset, "asset", "SOL/USD", "oracle asset")
	f.Float64Var(&o.startPrice, "price", 50, "starting price in USD")
	f.DurationVar(&o.interval, "interval", time.Second, "publish interval")
	f.Int64Var(&o.seed, "seed", time.Now().UnixNano(), "random seed")
	f.Float64Var(&o.volatility, "volatility", market.DefaultVolatility, "annualized volatility")
	return cmd
}

func runFeed(ctx context.Context, rt *runtime, o feedOptions) error {
	var sinks []func(oracle.PriceUpdate) error

	if rt.cfg.NATS.URL != "" && rt.cfg.NATS.PriceSubject != "" {
		pub, err := nats.NewPublisher(rt.cfg.NATS.URL, nats.DefaultOptions("vamm-feed"), rt.logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		subject := rt.cfg.NATS.PriceSubject
		sinks = append(sinks, func(u oracle.PriceUpdate) error { return pub.Publish(subject, u) })
	}
	if rt.cfg.Redis.Address != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     rt.cfg.Redis.Address,
			Username: rt.cfg.Redis.Username,
			Password: rt.cfg.Redis.Password,
			DB:       rt.cfg.Redis.DB,
		})
		defer rdb.Close()
		live := oracle.NewLive(rdb, nil)
		sinks = append(sinks, func(u oracle.PriceUpdate) error { return live.Write(ctx, u) })
	}
	if len(sinks) == 0 {
		return errors.New("feed needs nats.url/price_subject or redis.address")
	}

	ticker := market.NewTicker(o.asset, o.startPrice, o.interval, o.seed)
	ticker.Volatility = o.volatility
	b := market.NewBroadcaster()

	// 每个下游一个订阅通道，互不阻塞
	var wg sync.WaitGroup
	for _, sink := range sinks {
		sink := sink
		ch := b.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range ch {
				if err := sink(u); err != nil {
					rt.logger.Warn("publish price failed", zap.String("asset", u.Asset), zap.Error(err))
				}
			}
		}()
	}

	go b.Run(ticker.Start())
	rt.logger.Info("price feed started", zap.String("asset", o.asset), zap.Duration("interval", o.interval))

	<-ctx.Done()
	ticker.Stop()
	wg.Wait()
	rt.logger.Info("price feed stopped", zap.Float64("last_price", ticker.Price()))
	return nil
}
