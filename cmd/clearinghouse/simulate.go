// 文件: cmd/clearinghouse/simulate.go
// 内存模拟: 随机交易者 + GBM 喂价 + 资金费 keeper + 强平 keeper
//
// 全部组件跑在内存里，时钟按步推进，相同 seed 结果相同。

package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vamm.com/pkg/alert"
	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/futures"
	"vamm.com/pkg/liquidation"
	"vamm.com/pkg/market"
	"vamm.com/pkg/oracle"
	"vamm.com/pkg/order"
	"vamm.com/pkg/vamm"
)

const simMarket = uint64(0)

type simOptions struct {
	asset      string
	startPrice float64
	traders    int
	steps      int
	step       time.Duration
	seed       int64
	volatility float64
	shockAt    int
	shock      float64
	maxLev     float64
}

func newSimulateCmd(rt *runtime) *cobra.Command {
	o := simOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an in-memory market simulation with random traders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulation(cmd.Context(), cmd.OutOrStdout(), rt, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.asset, "asset", "SOL/USD", "oracle asset")
	f.Float64Var(&o.startPrice, "price", 50, "starting price in USD")
	f.IntVar(&o.traders, "traders", 20, "number of random traders")
	f.IntVar(&o.steps, "steps", 48, "number of simulation steps")
	f.DurationVar(&o.step, "step", 15*time.Minute, "simulated time per step")
	f.Int64Var(&o.seed, "seed", 1, "random seed")
	f.Float64Var(&o.volatility, "volatility", 2, "annualized volatility")
	f.IntVar(&o.shockAt, "shock-at", 30, "step at which the price jumps (0 disables)")
	f.Float64Var(&o.shock, "shock", 0.8, "price multiplier applied at --shock-at")
	f.Float64Var(&o.maxLev, "max-leverage", 4.5, "maximum leverage of random traders")
	return cmd
}

// alertCounter 模拟只统计告警数
type alertCounter struct {
	count int
}

func (c *alertCounter) Send(context.Context, alert.MarginAlert) error {
	c.count++
	return nil
}

// simClock 按步推进的时钟
type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type simulation struct {
	ctx    context.Context
	out    io.Writer
	opts   simOptions
	admin  string
	logger *zap.Logger

	rng     *rand.Rand
	clock   *simClock
	ticker  *market.Ticker
	fixed   *oracle.Fixed
	vault   *futures.MemoryVault
	ch      *futures.ClearingHouse
	funding *futures.FundingKeeper
	engine  *liquidation.Engine
	alerts  *alertCounter
	traders []string

	rejected     int
	trades       int
	liquidations int
}

func runSimulation(ctx context.Context, out io.Writer, rt *runtime, o simOptions) error {
	if o.traders <= 0 || o.steps <= 0 || o.startPrice <= 0 {
		return errors.New("traders, steps and price must be positive")
	}
	s, err := newSimulation(ctx, out, rt, o)
	if err != nil {
		return err
	}
	defer s.engine.Close()

	if err := s.seedTraders(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%-5s %-12s %-12s %-14s %-6s %-6s\n", "step", "oracle", "mark", "funding_rate", "trades", "liqs")
	for i := 1; i <= o.steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.runStep(i); err != nil {
			return err
		}
	}
	return s.summary()
}

func newSimulation(ctx context.Context, out io.Writer, rt *runtime, o simOptions) (*simulation, error) {
	s := &simulation{
		ctx:    ctx,
		out:    out,
		opts:   o,
		admin:  rt.cfg.Admin.Authority,
		logger: rt.logger,
		rng:    rand.New(rand.NewSource(o.seed)),
		clock:  &simClock{now: time.Unix(1_700_000_000, 0)},
		fixed:  oracle.NewFixed(),
		vault:  futures.NewMemoryVault(),
	}
	s.ticker = market.NewTicker(o.asset, o.startPrice, o.step, o.seed)
	s.ticker.Volatility = o.volatility
	start := market.ToMarkPrecision(o.startPrice)
	s.fixed.Set(o.asset, start, start*market.DefaultConfidenceBps/10_000)

	ids, err := order.NewSnowflakeGenerator(rt.cfg.NodeID)
	if err != nil {
		return nil, err
	}
	registry := oracle.NewRegistry().Register(oracle.SourceFixed, s.fixed)
	s.ch = futures.NewClearingHouse(futures.NewMemoryStore(), registry,
		futures.WithVault(s.vault),
		futures.WithLogger(rt.logger),
		futures.WithClock(s.clock.Now),
		futures.WithIDGenerator(ids))

	if _, err := s.ch.Initialize(ctx, s.admin, true); err != nil {
		return nil, err
	}
	_, err = s.ch.InitializeMarket(ctx, s.admin, futures.InitializeMarketParams{
		MarketIndex:       simMarket,
		BaseAssetReserve:  10_000_000_000_000,
		QuoteAssetReserve: 10_000_000_000_000,
		PegMultiplier:     start / fixedpoint.PriceToPegPrecisionRatio,
		FundingPeriod:     3600,
		OracleSource:      oracle.SourceFixed,
		OracleAsset:       o.asset,
	})
	if err != nil {
		return nil, err
	}

	s.funding = futures.NewFundingKeeper(s.ch, o.step, rt.logger)
	cfg := liquidation.DefaultConfig(rt.cfg.Keeper.Liquidator)
	if rt.cfg.Keeper.PoolSize > 0 {
		cfg.PoolSize = rt.cfg.Keeper.PoolSize
	}
	if s.engine, err = liquidation.NewEngine(s.ch, cfg, rt.logger); err != nil {
		return nil, err
	}
	s.alerts = &alertCounter{}
	cooldown := rt.cfg.Keeper.AlertCooldown
	s.engine.SetObserver(alert.NewManager(alert.NewMemoryDeduper(cooldown, s.clock.Now),
		liquidation.RiskLevelDanger, rt.logger, s.alerts).Observe)
	return s, nil
}

// seedTraders 每个交易者随机充值 200~2000 USDC
func (s *simulation) seedTraders() error {
	for i := 0; i < s.opts.traders; i++ {
		authority := fmt.Sprintf("trader-%03d", i)
		if _, err := s.ch.InitializeUser(s.ctx, authority, ""); err != nil {
			return err
		}
		amount := usdc(200 + s.rng.Float64()*1800)
		if _, err := s.ch.DepositCollateral(s.ctx, authority, amount); err != nil {
			return err
		}
		s.traders = append(s.traders, authority)
	}
	return nil
}

func (s *simulation) runStep(i int) error {
	s.clock.advance(s.opts.step)

	u := s.ticker.Step(s.opts.step)
	if s.opts.shockAt > 0 && i == s.opts.shockAt {
		u = s.ticker.Shock(s.opts.shock)
	}
	s.fixed.Set(u.Asset, u.Price, u.Confidence)
	if _, err := s.ch.MoveAMMToPrice(s.ctx, s.admin, simMarket, u.Price); err != nil {
		return errors.Wrapf(err, "step %d: move amm", i)
	}

	before := s.trades
	for j := 0; j < 1+s.rng.Intn(len(s.traders)/2+1); j++ {
		s.trade(s.traders[s.rng.Intn(len(s.traders))])
	}

	records, err := s.funding.RunOnce(s.ctx)
	if err != nil {
		return err
	}
	fundingRate := "-"
	if len(records) > 0 {
		fundingRate = strconv.FormatInt(records[0].FundingRate, 10)
	}

	results, err := s.engine.RunOnce(s.ctx)
	if err != nil {
		return err
	}
	liqs := 0
	for _, r := range results {
		if r.Success() {
			liqs++
		}
	}
	s.liquidations += liqs

	m, err := s.ch.Market(s.ctx, simMarket)
	if err != nil {
		return err
	}
	mark, err := m.AMM.MarkPrice()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%-5d %-12s %-12s %-14s %-6d %-6d\n", i, price(u.Price), price(mark), fundingRate, s.trades-before, liqs)
	return nil
}

// trade 有仓位时 30% 概率平仓，否则按随机杠杆开仓
func (s *simulation) trade(authority string) {
	positions, err := s.ch.Positions(s.ctx, authority)
	if err != nil {
		s.rejected++
		return
	}
	open := false
	for _, p := range positions {
		if p.MarketIndex == simMarket && p.IsOpen() {
			open = true
		}
	}
	if open && s.rng.Float64() < 0.3 {
		_, err = s.ch.ClosePosition(s.ctx, futures.ClosePositionParams{Authority: authority, MarketIndex: simMarket})
		s.count(authority, err)
		return
	}

	u, err := s.ch.User(s.ctx, authority)
	if err != nil || u.Collateral == 0 {
		s.rejected++
		return
	}
	dir := vamm.DirectionLong
	if s.rng.Intn(2) == 0 {
		dir = vamm.DirectionShort
	}
	lev := 1 + s.rng.Float64()*(s.opts.maxLev-1)
	_, err = s.ch.OpenPosition(s.ctx, futures.OpenPositionParams{
		Authority:        authority,
		MarketIndex:      simMarket,
		Direction:        dir,
		QuoteAssetAmount: int64(float64(u.Collateral) * lev),
	})
	s.count(authority, err)
}

func (s *simulation) count(authority string, err error) {
	if err != nil {
		s.rejected++
		s.logger.Debug("trade rejected", zap.String("authority", authority), zap.Error(err))
		return
	}
	s.trades++
}

func (s *simulation) summary() error {
	st, err := s.ch.State(s.ctx)
	if err != nil {
		return err
	}
	m, err := s.ch.Market(s.ctx, simMarket)
	if err != nil {
		return err
	}
	store := s.ch.Store()

	fmt.Fprintln(s.out)
	fmt.Fprintf(s.out, "trades:             %d (rejected %d)\n", s.trades, s.rejected)
	fmt.Fprintf(s.out, "liquidations:       %d\n", s.liquidations)
	fmt.Fprintf(s.out, "margin alerts:      %d\n", s.alerts.count)
	fmt.Fprintf(s.out, "open interest:      %d users, long %s short %s\n",
		m.OpenInterest, base(m.BaseAssetAmountLong), base(m.BaseAssetAmountShort))
	fmt.Fprintf(s.out, "fees:               %s (after distributions %s)\n",
		quote(m.AMM.TotalFee), quote(m.AMM.TotalFeeMinusDistributions))
	fmt.Fprintf(s.out, "collateral vault:   %s\n", quote(st.CollateralVaultBalance))
	fmt.Fprintf(s.out, "insurance vault:    %s\n", quote(st.InsuranceVaultBalance))
	fmt.Fprintf(s.out, "vault transfers:    %d\n", len(s.vault.Transfers()))
	for _, kind := range futures.AllRecordKinds {
		n, err := store.HistoryLen(s.ctx, kind)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "history %-16s %d\n", string(kind)+":", n)
	}

	stats := s.engine.Stats()
	fmt.Fprintf(s.out, "risk index:         warning %d, danger %d, critical %d\n",
		stats.WarningUsers, stats.DangerUsers, stats.CriticalUsers)
	for _, level := range []liquidation.RiskLevel{liquidation.RiskLevelCritical, liquidation.RiskLevelDanger} {
		for _, u := range s.engine.Index().GetByLevel(level) {
			fmt.Fprintf(s.out, "  %-10s %-9s margin ratio %s\n", u.Authority, level, ratio(u.MarginRatio))
		}
	}
	return nil
}
