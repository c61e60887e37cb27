package futures

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vamm.com/pkg/oracle"
	"vamm.com/pkg/vamm"
)

const (
	testAdmin   = "admin"
	testAsset   = "SOL/USD"
	testMarket  = uint64(0)
	testT0      = int64(1_700_000_000)
	testReserve = int64(10_000_000_000_000)
	// 100 个，约 5000 USDC 深度
	thinReserve = int64(100_000_000)
	testPeg     = int64(50_000)
	// 50 USDC
	testMark = int64(500_000_000_000)

	usdc = int64(1_000_000)
)

// testClock 可手动推进的时钟
type testClock struct {
	mu  sync.Mutex
	now int64
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(c.now, 0)
}

func (c *testClock) Advance(seconds int64) {
	c.mu.Lock()
	c.now += seconds
	c.mu.Unlock()
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	ch     *ClearingHouse
	store  Store
	vault  *MemoryVault
	oracle *oracle.Fixed
	clock  *testClock
}

// newHarness 初始化清算所和一个 50 USDC 的市场，管理员可以调价
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store Store) *harness {
	t.Helper()
	return newHarnessWith(t, store, testReserve)
}

// newThinHarness 储备很浅的市场，大仓位平仓滑点明显
func newThinHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, NewMemoryStore(), thinReserve)
}

func newHarnessWith(t *testing.T, store Store, reserve int64) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		vault:  NewMemoryVault(),
		oracle: oracle.NewFixed().Set(testAsset, testMark, 0),
		clock:  &testClock{now: testT0},
	}
	registry := oracle.NewRegistry().Register(oracle.SourceFixed, h.oracle)
	h.ch = NewClearingHouse(h.store, registry, WithVault(h.vault), WithClock(h.clock.Now))

	_, err := h.ch.Initialize(h.ctx, testAdmin, true)
	require.NoError(t, err)
	_, err = h.ch.InitializeMarket(h.ctx, testAdmin, InitializeMarketParams{
		MarketIndex:       testMarket,
		BaseAssetReserve:  reserve,
		QuoteAssetReserve: reserve,
		PegMultiplier:     testPeg,
		FundingPeriod:     3600,
		OracleSource:      oracle.SourceFixed,
		OracleAsset:       testAsset,
	})
	require.NoError(t, err)
	return h
}

// newUser 创建用户并充值
func (h *harness) newUser(authority string, deposit int64) {
	h.t.Helper()
	_, err := h.ch.InitializeUser(h.ctx, authority, "")
	require.NoError(h.t, err)
	if deposit > 0 {
		_, err = h.ch.DepositCollateral(h.ctx, authority, deposit)
		require.NoError(h.t, err)
	}
}

// movePrice 预言机和 AMM 一起移动到目标价格
func (h *harness) movePrice(price int64) {
	h.t.Helper()
	h.oracle.Set(testAsset, price, 0)
	_, err := h.ch.MoveAMMToPrice(h.ctx, testAdmin, testMarket, price)
	require.NoError(h.t, err)
}

// stepDownUntil 从 from 开始每次下调 step，直到强平状态变成 want
func (h *harness) stepDownUntil(authority string, from, step int64, want LiquidationType) LiquidationStatus {
	h.t.Helper()
	for price := from; price > step; price -= step {
		h.movePrice(price)
		status, err := h.ch.LiquidationStatus(h.ctx, authority)
		require.NoError(h.t, err)
		if status.Type == want {
			return status
		}
	}
	h.t.Fatalf("liquidation status %s not reached", want)
	return LiquidationStatus{}
}

// setVaultBalances 直接改写两个金库的余额
func (h *harness) setVaultBalances(collateral, insurance int64) {
	h.t.Helper()
	err := h.ch.run(h.ctx, "set_vault_balances", scope{state: true}, func(tx *txn) error {
		st, err := tx.stateForUpdate()
		if err != nil {
			return err
		}
		st.CollateralVaultBalance = collateral
		st.InsuranceVaultBalance = insurance
		return nil
	})
	require.NoError(h.t, err)
}

func (h *harness) user(authority string) *User {
	h.t.Helper()
	u, err := h.ch.User(h.ctx, authority)
	require.NoError(h.t, err)
	return u
}

func (h *harness) market() *Market {
	h.t.Helper()
	m, err := h.ch.Market(h.ctx, testMarket)
	require.NoError(h.t, err)
	return m
}

func (h *harness) state() *State {
	h.t.Helper()
	st, err := h.ch.State(h.ctx)
	require.NoError(h.t, err)
	return st
}

func (h *harness) position(authority string) *Position {
	h.t.Helper()
	positions, err := h.ch.Positions(h.ctx, authority)
	require.NoError(h.t, err)
	for _, p := range positions {
		if p.MarketIndex == testMarket {
			return p
		}
	}
	return &Position{Authority: authority, MarketIndex: testMarket}
}

func (h *harness) historyLen(kind RecordKind) int64 {
	h.t.Helper()
	n, err := h.store.HistoryLen(h.ctx, kind)
	require.NoError(h.t, err)
	return n
}

func (h *harness) history(kind RecordKind) []Record {
	h.t.Helper()
	records, err := h.store.History(h.ctx, kind, 0, 0)
	require.NoError(h.t, err)
	return records
}

func (h *harness) openLong(authority string, quote int64) *TradeRecord {
	h.t.Helper()
	rec, err := h.ch.OpenPosition(h.ctx, OpenPositionParams{
		Authority:        authority,
		MarketIndex:      testMarket,
		Direction:        vamm.DirectionLong,
		QuoteAssetAmount: quote,
	})
	require.NoError(h.t, err)
	return rec
}
