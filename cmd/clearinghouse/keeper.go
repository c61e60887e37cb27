// 文件: cmd/clearinghouse/keeper.go
// keeper 进程: 资金费率 keeper + 强平引擎 + NATS 喂价 + 指标服务
//
// 收到 NATS 喂价后先写入模拟预言机，再对该资产所在市场的高危用户立即复查。

package main

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vamm.com/pkg/futures"
	"vamm.com/pkg/liquidation"
	"vamm.com/pkg/nats"
	"vamm.com/pkg/oracle"
)

func newKeeperCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "keeper",
		Short: "Run the funding and liquidation keepers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runKeeper(cmd.Context(), rt)
		},
	}
}

func runKeeper(ctx context.Context, rt *runtime) error {
	a, err := newApp(ctx, rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.ensureInitialized(ctx); err != nil {
		return err
	}

	kc := rt.cfg.Keeper
	funding := futures.NewFundingKeeper(a.ch, kc.FundingInterval, rt.logger)
	cfg := liquidation.DefaultConfig(kc.Liquidator)
	cfg.ScanInterval = kc.ScanInterval
	cfg.CriticalInterval = kc.CriticalInterval
	cfg.PoolSize = kc.PoolSize
	engine, err := liquidation.NewEngine(a.ch, cfg, rt.logger)
	if err != nil {
		return err
	}
	defer engine.Close()
	engine.SetObserver(a.alerter().Observe)

	if err := funding.Start(ctx); err != nil {
		return err
	}
	defer funding.Stop()
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	if rt.cfg.NATS.URL != "" && rt.cfg.NATS.PriceSubject != "" {
		sub, err := nats.NewSubscriber(rt.cfg.NATS.URL, nats.DefaultOptions("vamm-keeper"),
			nats.Chain(a.sim.HandleMessage, priceChangeHandler(ctx, a.ch, engine)), rt.logger)
		if err != nil {
			return err
		}
		defer sub.Close()
		if err := sub.Subscribe(rt.cfg.NATS.PriceSubject); err != nil {
			return err
		}
	}

	rt.logger.Info("keeper started",
		zap.String("liquidator", kc.Liquidator),
		zap.Duration("funding_interval", kc.FundingInterval),
		zap.String("metrics", rt.cfg.Metrics.Address))

	g, gctx := errgroup.WithContext(ctx)
	if rt.cfg.Metrics.Address != "" {
		g.Go(func() error { return serveMetrics(gctx, rt.cfg.Metrics.Address, rt.logger) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()
	rt.logger.Info("keeper stopping")
	return err
}

// priceChangeHandler 找出以该资产为预言机的市场，复查其中的高危用户
func priceChangeHandler(ctx context.Context, ch *futures.ClearingHouse, engine *liquidation.Engine) nats.MessageHandler {
	return func(_ string, data []byte) error {
		u, err := nats.UnmarshalJSON[oracle.PriceUpdate](data)
		if err != nil {
			return err
		}
		markets, err := ch.Store().ListMarkets(ctx)
		if err != nil {
			return err
		}
		for _, m := range markets {
			if m.Initialized && m.AMM.OracleAsset == u.Asset {
				engine.OnPriceChange(ctx, m.MarketIndex)
			}
		}
		return nil
	}
}

// serveMetrics 暴露 /metrics，ctx 取消后优雅关闭
func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	logger.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
