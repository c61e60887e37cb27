// 文件: pkg/futures/admin.go
// 清算所初始化与管理员操作
//
// 【职责】
// 1. 初始化全局状态、用户、市场
// 2. 曲线调整: 移价 / repeg / 调 k，写曲线历史
// 3. 手续费池、保险金库提款
// 4. 参数更新与暂停开关
//
// 管理员操作全部校验签名者 == State.Admin

package futures

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vamm.com/pkg/fee"
	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/oracle"
	"vamm.com/pkg/vamm"
)

// =============================================================================
// 初始化
// =============================================================================

// Initialize 创建全局状态
func (ch *ClearingHouse) Initialize(ctx context.Context, admin string, adminControlsPrices bool) (*State, error) {
	if admin == "" {
		return nil, errors.Wrap(ErrInvalidParameter, "empty admin")
	}
	var st *State
	err := ch.run(ctx, "initialize", scope{state: true}, func(tx *txn) error {
		if _, err := tx.loadState(); err == nil {
			return ErrStateAlreadyInitialized
		} else if !errors.Is(err, ErrStateNotInitialized) {
			return err
		}
		st = NewState(admin, adminControlsPrices)
		return tx.putState(st)
	})
	if err != nil {
		return nil, err
	}
	ch.logger.Info("clearing house initialized", zap.String("admin", admin), zap.Bool("admin_controls_prices", adminControlsPrices))
	return st.Clone(), nil
}

// InitializeUser 创建用户，referrer 可以为空
func (ch *ClearingHouse) InitializeUser(ctx context.Context, authority, referrer string) (*User, error) {
	if authority == "" {
		return nil, errors.Wrap(ErrInvalidParameter, "empty authority")
	}
	if referrer == authority {
		return nil, errors.Wrapf(ErrInvalidReferrer, "user %s refers itself", authority)
	}
	var u *User
	err := ch.run(ctx, "initialize_user", scope{users: []string{authority}, credit: []string{referrer}}, func(tx *txn) error {
		if _, err := tx.loadState(); err != nil {
			return err
		}
		if _, err := tx.user(authority); err == nil {
			return errors.Wrapf(ErrUserAlreadyInitialized, "user %s", authority)
		} else if !errors.Is(err, ErrUserNotFound) {
			return err
		}
		if referrer != "" {
			if _, err := tx.user(referrer); err != nil {
				if errors.Is(err, ErrUserNotFound) {
					return errors.Wrapf(ErrInvalidReferrer, "referrer %s", referrer)
				}
				return err
			}
		}
		u = &User{Authority: authority, Referrer: referrer, CreatedTs: tx.now}
		return tx.putUser(u)
	})
	if err != nil {
		return nil, err
	}
	ch.logger.Info("user initialized", zap.String("authority", authority), zap.String("referrer", referrer))
	return u.Clone(), nil
}

// InitializeMarketParams 新市场参数
type InitializeMarketParams struct {
	MarketIndex       uint64
	BaseAssetReserve  int64
	QuoteAssetReserve int64
	PegMultiplier     int64
	FundingPeriod     int64
	OracleSource      oracle.Source
	OracleAsset       string

	// 为 0 时使用默认保证金率
	MarginRatioInitial     int64
	MarginRatioPartial     int64
	MarginRatioMaintenance int64
}

func (p *InitializeMarketParams) withDefaults() {
	if p.MarginRatioInitial == 0 && p.MarginRatioPartial == 0 && p.MarginRatioMaintenance == 0 {
		p.MarginRatioInitial = DefaultMarginRatioInitial
		p.MarginRatioPartial = DefaultMarginRatioPartial
		p.MarginRatioMaintenance = DefaultMarginRatioMaintenance
	}
}

// validate 储备相等、peg 为正、保证金率有序
func (p *InitializeMarketParams) validate() error {
	if p.BaseAssetReserve <= 0 || p.BaseAssetReserve != p.QuoteAssetReserve {
		return errors.Wrapf(ErrInvalidParameter, "reserves %d/%d must be equal and positive", p.BaseAssetReserve, p.QuoteAssetReserve)
	}
	if p.PegMultiplier <= 0 {
		return errors.Wrapf(ErrInvalidInitialPeg, "peg %d", p.PegMultiplier)
	}
	if p.FundingPeriod < 0 {
		return errors.Wrapf(ErrInvalidParameter, "funding period %d", p.FundingPeriod)
	}
	if p.OracleAsset == "" {
		return errors.Wrap(ErrInvalidParameter, "empty oracle asset")
	}
	return ValidateMarginRatios(p.MarginRatioInitial, p.MarginRatioPartial, p.MarginRatioMaintenance)
}

// InitializeMarket 创建市场，预言机必须可读
func (ch *ClearingHouse) InitializeMarket(ctx context.Context, signer string, p InitializeMarketParams) (*Market, error) {
	p.withDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	var m *Market
	err := ch.run(ctx, "initialize_market", scope{markets: []uint64{p.MarketIndex}, state: true}, func(tx *txn) error {
		st, err := tx.stateForUpdate()
		if err != nil {
			return err
		}
		if err := requireAdmin(st, signer); err != nil {
			return err
		}
		if existing, err := tx.store.LoadMarket(ctx, p.MarketIndex); err == nil && existing.Initialized {
			return errors.Wrapf(ErrMarketIndexAlreadyInitialized, "market %d", p.MarketIndex)
		} else if err != nil && !errors.Is(err, ErrMarketNotFound) {
			return err
		}

		data, err := ch.oracles.GetPrice(ctx, p.OracleSource, p.OracleAsset)
		if err != nil {
			return errors.Wrapf(err, "market %d oracle", p.MarketIndex)
		}
		if data.Price <= 0 {
			return errors.Wrapf(oracle.ErrInvalidOracle, "market %d oracle price %d", p.MarketIndex, data.Price)
		}
		oracleTwap, err := ch.oracles.GetTwap(ctx, p.OracleSource, p.OracleAsset)
		if err != nil {
			return errors.Wrapf(err, "market %d oracle twap", p.MarketIndex)
		}

		m = &Market{
			MarketIndex:            p.MarketIndex,
			Initialized:            true,
			MarginRatioInitial:     p.MarginRatioInitial,
			MarginRatioPartial:     p.MarginRatioPartial,
			MarginRatioMaintenance: p.MarginRatioMaintenance,
			AMM: vamm.AMM{
				BaseAssetReserve:           p.BaseAssetReserve,
				QuoteAssetReserve:          p.QuoteAssetReserve,
				SqrtK:                      p.BaseAssetReserve,
				PegMultiplier:              p.PegMultiplier,
				FundingPeriod:              p.FundingPeriod,
				LastFundingRateTs:          tx.now,
				LastOraclePrice:            data.Price,
				LastOraclePriceTwap:        oracleTwap,
				LastOraclePriceTwapTs:      tx.now,
				MinimumQuoteAssetTradeSize: DefaultMinimumTradeSize,
				MinimumBaseAssetTradeSize:  DefaultMinimumTradeSize,
				OracleSource:               p.OracleSource,
				OracleAsset:                p.OracleAsset,
			},
		}
		mark, err := m.AMM.MarkPrice()
		if err != nil {
			return err
		}
		m.AMM.LastMarkPriceTwap = mark
		m.AMM.LastMarkPriceTwapTs = tx.now
		if err := tx.putMarket(m); err != nil {
			return err
		}
		st.NumberOfMarkets++
		return nil
	})
	if err != nil {
		return nil, err
	}
	ch.logger.Info("market initialized",
		zap.Uint64("market", p.MarketIndex),
		zap.String("oracle", p.OracleAsset),
		zap.Int64("peg", p.PegMultiplier),
		zap.Int64("reserve", p.BaseAssetReserve))
	return m.Clone(), nil
}

// =============================================================================
// 通用管理员事务
// =============================================================================

// adminState 修改全局参数
func (ch *ClearingHouse) adminState(ctx context.Context, op, signer string, fn func(tx *txn, st *State) error) error {
	err := ch.run(ctx, op, scope{state: true}, func(tx *txn) error {
		st, err := tx.stateForUpdate()
		if err != nil {
			return err
		}
		if err := requireAdmin(st, signer); err != nil {
			return err
		}
		return fn(tx, st)
	})
	if err == nil {
		ch.logger.Info("admin update", zap.String("op", op), zap.String("signer", signer))
	}
	return err
}

// adminMarket 修改单个市场，state 为 true 时同时锁全局状态
func (ch *ClearingHouse) adminMarket(ctx context.Context, op, signer string, marketIndex uint64, state bool, fn func(tx *txn, st *State, m *Market) error) error {
	err := ch.run(ctx, op, scope{markets: []uint64{marketIndex}, state: state}, func(tx *txn) error {
		st, err := tx.loadState()
		if err != nil {
			return err
		}
		if err := requireAdmin(st, signer); err != nil {
			return err
		}
		if state {
			if st, err = tx.stateForUpdate(); err != nil {
				return err
			}
		}
		m, err := tx.marketForUpdate(marketIndex)
		if err != nil {
			return err
		}
		return fn(tx, st, m)
	})
	if err == nil {
		ch.logger.Info("admin market update", zap.String("op", op), zap.String("signer", signer), zap.Uint64("market", marketIndex))
	}
	return err
}

// =============================================================================
// 曲线调整
// =============================================================================

// curveAdjust 执行曲线调整并写曲线历史
func (ch *ClearingHouse) curveAdjust(ctx context.Context, op, signer string, marketIndex uint64, action CurveAction, fn func(tx *txn, st *State, m *Market) (cost, oraclePrice int64, err error)) (*CurveRecord, error) {
	var rec *CurveRecord
	err := ch.adminMarket(ctx, op, signer, marketIndex, false, func(tx *txn, st *State, m *Market) error {
		before := m.AMM
		cost, oraclePrice, err := fn(tx, st, m)
		if err != nil {
			return err
		}
		rec = newCurveRecord(action, &before, m, cost, oraclePrice)
		tx.record(rec)
		return nil
	})
	return rec, err
}

func requirePriceControl(st *State) error {
	if !st.AdminControlsPrices {
		return ErrAdminControlsPricesDisabled
	}
	return nil
}

// MoveAMMPrice 直接设置储备
func (ch *ClearingHouse) MoveAMMPrice(ctx context.Context, signer string, marketIndex uint64, baseAssetReserve, quoteAssetReserve int64) (*CurveRecord, error) {
	return ch.curveAdjust(ctx, "move_amm_price", signer, marketIndex, CurveMovePrice, func(_ *txn, st *State, m *Market) (int64, int64, error) {
		if err := requirePriceControl(st); err != nil {
			return 0, 0, err
		}
		return 0, 0, m.AMM.MovePrice(baseAssetReserve, quoteAssetReserve)
	})
}

// MoveAMMToPrice 保持 k 不变移动到目标价格
func (ch *ClearingHouse) MoveAMMToPrice(ctx context.Context, signer string, marketIndex uint64, targetPrice int64) (*CurveRecord, error) {
	return ch.curveAdjust(ctx, "move_amm_to_price", signer, marketIndex, CurveMovePrice, func(_ *txn, st *State, m *Market) (int64, int64, error) {
		if err := requirePriceControl(st); err != nil {
			return 0, 0, err
		}
		return 0, 0, m.AMM.MoveToPrice(targetPrice)
	})
}

// RepegAMMCurve 调整 peg，成本由手续费池承担
func (ch *ClearingHouse) RepegAMMCurve(ctx context.Context, signer string, marketIndex uint64, newPeg int64) (*CurveRecord, error) {
	return ch.curveAdjust(ctx, "repeg_amm_curve", signer, marketIndex, CurveRepeg, func(tx *txn, st *State, m *Market) (int64, int64, error) {
		data, err := ch.oraclePrice(ctx, m)
		if err != nil {
			return 0, 0, err
		}
		valid, err := oracle.IsValid(data, m.AMM.LastOraclePriceTwap, st.OracleGuardRails.Validity)
		if err != nil {
			return 0, 0, err
		}
		cost, err := m.AMM.Repeg(m.BaseAssetAmount, newPeg, data, valid)
		if err != nil {
			return 0, 0, err
		}
		return cost, data.Price, nil
	})
}

// UpdateK 调整 sqrt_k
func (ch *ClearingHouse) UpdateK(ctx context.Context, signer string, marketIndex uint64, sqrtK int64) (*CurveRecord, error) {
	return ch.curveAdjust(ctx, "update_k", signer, marketIndex, CurveUpdateK, func(tx *txn, st *State, m *Market) (int64, int64, error) {
		cost, err := m.AMM.UpdateK(m.BaseAssetAmount, sqrtK)
		if err != nil {
			return 0, 0, err
		}
		return cost, m.AMM.LastOraclePrice, nil
	})
}

// =============================================================================
// 提款
// =============================================================================

// WithdrawFees 从市场手续费池提款给管理员
//
// 上限: total_fee/2 - 已提款，并且不超过 total_fee_minus_distributions 和抵押金库余额
func (ch *ClearingHouse) WithdrawFees(ctx context.Context, signer string, marketIndex uint64, amount int64) error {
	if amount <= 0 {
		return errors.Wrapf(ErrInvalidParameter, "amount %d", amount)
	}
	return ch.adminMarket(ctx, "withdraw_fees", signer, marketIndex, true, func(tx *txn, st *State, m *Market) error {
		amm := &m.AMM
		var c fixedpoint.Calc
		maxWithdraw := c.Sub(c.MulDiv(amm.TotalFee, vamm.ShareOfFeesAllocatedToClearingHouseNumerator, vamm.ShareOfFeesAllocatedToClearingHouseDenominator), amm.TotalFeeWithdrawn)
		if err := c.Err(); err != nil {
			return err
		}
		if amount > maxWithdraw || amount > amm.TotalFeeMinusDistributions || amount > st.CollateralVaultBalance {
			return errors.Wrapf(ErrAdminWithdrawTooLarge, "amount %d max %d pool %d vault %d",
				amount, maxWithdraw, amm.TotalFeeMinusDistributions, st.CollateralVaultBalance)
		}
		amm.TotalFeeMinusDistributions = c.Sub(amm.TotalFeeMinusDistributions, amount)
		amm.TotalFeeWithdrawn = c.Add(amm.TotalFeeWithdrawn, amount)
		st.CollateralVaultBalance = c.Sub(st.CollateralVaultBalance, amount)
		if err := c.Err(); err != nil {
			return err
		}
		tx.transfer(VaultTransfer{From: AccountCollateral, To: AccountAdmin, Authority: signer, Amount: amount})
		return nil
	})
}

// WithdrawFromInsuranceVault 保险金库提款给管理员
func (ch *ClearingHouse) WithdrawFromInsuranceVault(ctx context.Context, signer string, amount int64) error {
	if amount <= 0 {
		return errors.Wrapf(ErrInvalidParameter, "amount %d", amount)
	}
	return ch.adminState(ctx, "withdraw_from_insurance_vault", signer, func(tx *txn, st *State) error {
		if amount > st.InsuranceVaultBalance {
			return errors.Wrapf(ErrAdminWithdrawTooLarge, "amount %d insurance %d", amount, st.InsuranceVaultBalance)
		}
		st.InsuranceVaultBalance -= amount
		tx.transfer(VaultTransfer{From: AccountInsurance, To: AccountAdmin, Authority: signer, Amount: amount})
		return nil
	})
}

// WithdrawFromInsuranceVaultToMarket 保险金库补充市场手续费池
func (ch *ClearingHouse) WithdrawFromInsuranceVaultToMarket(ctx context.Context, signer string, marketIndex uint64, amount int64) error {
	if amount <= 0 {
		return errors.Wrapf(ErrInvalidParameter, "amount %d", amount)
	}
	return ch.adminMarket(ctx, "withdraw_from_insurance_vault_to_market", signer, marketIndex, true, func(tx *txn, st *State, m *Market) error {
		if amount > st.InsuranceVaultBalance {
			return errors.Wrapf(ErrAdminWithdrawTooLarge, "amount %d insurance %d", amount, st.InsuranceVaultBalance)
		}
		var c fixedpoint.Calc
		st.InsuranceVaultBalance = c.Sub(st.InsuranceVaultBalance, amount)
		st.CollateralVaultBalance = c.Add(st.CollateralVaultBalance, amount)
		m.AMM.TotalFeeMinusDistributions = c.Add(m.AMM.TotalFeeMinusDistributions, amount)
		if err := c.Err(); err != nil {
			return err
		}
		tx.transfer(VaultTransfer{From: AccountInsurance, To: AccountCollateral, Amount: amount})
		return nil
	})
}

// =============================================================================
// 参数更新
// =============================================================================

func (ch *ClearingHouse) UpdateMarginRatio(ctx context.Context, signer string, marketIndex uint64, initial, partial, maintenance int64) error {
	if err := ValidateMarginRatios(initial, partial, maintenance); err != nil {
		return err
	}
	return ch.adminMarket(ctx, "update_margin_ratio", signer, marketIndex, false, func(_ *txn, _ *State, m *Market) error {
		m.MarginRatioInitial = initial
		m.MarginRatioPartial = partial
		m.MarginRatioMaintenance = maintenance
		return nil
	})
}

// UpdateMarketOracle 更换市场预言机，新预言机必须可读
func (ch *ClearingHouse) UpdateMarketOracle(ctx context.Context, signer string, marketIndex uint64, source oracle.Source, asset string) error {
	return ch.adminMarket(ctx, "update_market_oracle", signer, marketIndex, false, func(_ *txn, _ *State, m *Market) error {
		if _, err := ch.oracles.GetPrice(ctx, source, asset); err != nil {
			return errors.Wrapf(err, "market %d new oracle", marketIndex)
		}
		m.AMM.OracleSource = source
		m.AMM.OracleAsset = asset
		return nil
	})
}

// UpdateMarketMinimumTradeSize 最小成交单位
func (ch *ClearingHouse) UpdateMarketMinimumTradeSize(ctx context.Context, signer string, marketIndex uint64, quote, base int64) error {
	if quote <= 0 || base <= 0 {
		return errors.Wrapf(ErrInvalidParameter, "minimum trade size %d/%d", quote, base)
	}
	return ch.adminMarket(ctx, "update_minimum_trade_size", signer, marketIndex, false, func(_ *txn, _ *State, m *Market) error {
		m.AMM.MinimumQuoteAssetTradeSize = quote
		m.AMM.MinimumBaseAssetTradeSize = base
		return nil
	})
}

func (ch *ClearingHouse) UpdateFundingPeriod(ctx context.Context, signer string, marketIndex uint64, period int64) error {
	if period < 0 {
		return errors.Wrapf(ErrInvalidParameter, "funding period %d", period)
	}
	return ch.adminMarket(ctx, "update_funding_period", signer, marketIndex, false, func(_ *txn, _ *State, m *Market) error {
		m.AMM.FundingPeriod = period
		return nil
	})
}

func (ch *ClearingHouse) UpdateFeeStructure(ctx context.Context, signer string, s fee.Structure) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return ch.adminState(ctx, "update_fee_structure", signer, func(_ *txn, st *State) error {
		st.FeeStructure = s
		return nil
	})
}

func (ch *ClearingHouse) UpdateFillerReward(ctx context.Context, signer string, s fee.FillerRewardStructure) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return ch.adminState(ctx, "update_filler_reward", signer, func(_ *txn, st *State) error {
		st.FillerReward = s
		return nil
	})
}

func (ch *ClearingHouse) UpdateLiquidationParams(ctx context.Context, signer string, p LiquidationParams) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return ch.adminState(ctx, "update_liquidation_params", signer, func(_ *txn, st *State) error {
		st.Liquidation = p
		return nil
	})
}

func (ch *ClearingHouse) UpdateOracleGuardRails(ctx context.Context, signer string, rails oracle.GuardRails) error {
	if rails.PriceDivergence.MarkOracleDivergenceDenominator <= 0 {
		return errors.Wrap(ErrInvalidParameter, "divergence denominator")
	}
	return ch.adminState(ctx, "update_oracle_guard_rails", signer, func(_ *txn, st *State) error {
		st.OracleGuardRails = rails
		return nil
	})
}

// UpdateMaxDeposit 0 表示不限
func (ch *ClearingHouse) UpdateMaxDeposit(ctx context.Context, signer string, maxDeposit int64) error {
	if maxDeposit < 0 {
		return errors.Wrapf(ErrInvalidParameter, "max deposit %d", maxDeposit)
	}
	return ch.adminState(ctx, "update_max_deposit", signer, func(_ *txn, st *State) error {
		st.MaxDeposit = maxDeposit
		return nil
	})
}

func (ch *ClearingHouse) UpdateAdmin(ctx context.Context, signer, admin string) error {
	if admin == "" {
		return errors.Wrap(ErrInvalidParameter, "empty admin")
	}
	return ch.adminState(ctx, "update_admin", signer, func(_ *txn, st *State) error {
		st.Admin = admin
		return nil
	})
}

func (ch *ClearingHouse) UpdateExchangePaused(ctx context.Context, signer string, paused bool) error {
	return ch.adminState(ctx, "update_exchange_paused", signer, func(_ *txn, st *State) error {
		st.ExchangePaused = paused
		return nil
	})
}

func (ch *ClearingHouse) UpdateFundingPaused(ctx context.Context, signer string, paused bool) error {
	return ch.adminState(ctx, "update_funding_paused", signer, func(_ *txn, st *State) error {
		st.FundingPaused = paused
		return nil
	})
}

// DisableAdminControlsPrices 关闭后不可再打开
func (ch *ClearingHouse) DisableAdminControlsPrices(ctx context.Context, signer string) error {
	return ch.adminState(ctx, "disable_admin_controls_prices", signer, func(_ *txn, st *State) error {
		st.AdminControlsPrices = false
		return nil
	})
}

// =============================================================================
// 查询
// =============================================================================

func (ch *ClearingHouse) State(ctx context.Context) (*State, error) {
	return ch.store.LoadState(ctx)
}

func (ch *ClearingHouse) Market(ctx context.Context, marketIndex uint64) (*Market, error) {
	return ch.store.LoadMarket(ctx, marketIndex)
}

func (ch *ClearingHouse) User(ctx context.Context, authority string) (*User, error) {
	return ch.store.LoadUser(ctx, authority)
}

func (ch *ClearingHouse) Positions(ctx context.Context, authority string) ([]*Position, error) {
	return ch.store.LoadPositions(ctx, authority)
}
