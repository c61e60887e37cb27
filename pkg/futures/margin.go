// 文件: pkg/futures/margin.go
// 保证金计算与强平判定
//
// 【两种估值】
// - AMM 估值: 模拟把仓位全部还给 AMM，total_collateral 永远用它
// - 预言机估值: 预言机有效且与标记价格偏离不大时计算，
//   盈亏更好时用于 adjusted_total_collateral 和保证金要求
//
// 【判定】(A = adjusted_total_collateral)
//   A < maintenance_requirement           → FULL
//   maintenance <= A < partial_requirement → PARTIAL
//   其余                                   → NONE
//
// 空仓的保证金率为 math.MaxInt64，永远不会被强平。

package futures

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	"vamm.com/pkg/fixedpoint"
	"vamm.com/pkg/oracle"
	"vamm.com/pkg/vamm"
)

// MarginType 保证金率档位
type MarginType int8

const (
	MarginInitial MarginType = iota + 1
	MarginPartial
	MarginMaintenance
)

func (m *Market) marginRatio(t MarginType) int64 {
	switch t {
	case MarginPartial:
		return m.MarginRatioPartial
	case MarginMaintenance:
		return m.MarginRatioMaintenance
	}
	return m.MarginRatioInitial
}

// marginRequirementAndTotalCollateral AMM 估值下的保证金要求和总权益
func (tx *txn) marginRequirementAndTotalCollateral(authority string, t MarginType) (int64, int64, error) {
	u, err := tx.user(authority)
	if err != nil {
		return 0, 0, err
	}
	positions, err := tx.openPositions(authority)
	if err != nil {
		return 0, 0, err
	}
	var c fixedpoint.Calc
	var requirement, unrealizedPnl int64
	for _, p := range positions {
		m, err := tx.market(p.MarketIndex)
		if err != nil {
			return 0, 0, err
		}
		value, pnl, err := m.AMM.BaseAssetValueAndPnl(p.BaseAssetAmount, p.QuoteAssetAmount)
		if err != nil {
			return 0, 0, err
		}
		requirement = c.Add(requirement, c.MulDiv(value, m.marginRatio(t), fixedpoint.MarginPrecision))
		unrealizedPnl = c.Add(unrealizedPnl, pnl)
	}
	if err := c.Err(); err != nil {
		return 0, 0, err
	}
	total, err := updatedCollateral(u.Collateral, unrealizedPnl)
	if err != nil {
		return 0, 0, err
	}
	return requirement, total, nil
}

// meetsMarginRequirement 总权益 >= 保证金要求
func (tx *txn) meetsMarginRequirement(authority string, t MarginType) (bool, error) {
	requirement, total, err := tx.marginRequirementAndTotalCollateral(authority, t)
	if err != nil {
		return false, err
	}
	return total >= requirement, nil
}

// =============================================================================
// 强平判定
// =============================================================================

// LiquidationType 强平类型
type LiquidationType int8

const (
	LiquidationNone LiquidationType = iota
	LiquidationPartial
	LiquidationFull
)

func (t LiquidationType) String() string {
	switch t {
	case LiquidationPartial:
		return "PARTIAL"
	case LiquidationFull:
		return "FULL"
	}
	return "NONE"
}

// MarketStatus 单个市场的持仓风险
type MarketStatus struct {
	MarketIndex                  uint64
	PartialMarginRequirement     int64
	MaintenanceMarginRequirement int64
	BaseAssetValue               int64 // AMM 估值
	MarkPriceBefore              int64
	OracleStatus                 oracle.Status
	// ClosePositionSlippage 使用了预言机估值时已经算过的平仓滑点
	ClosePositionSlippage *int64
}

// LiquidationStatus 用户强平状态
type LiquidationStatus struct {
	Type                    LiquidationType
	TotalCollateral         int64
	AdjustedTotalCollateral int64
	UnrealizedPnl           int64
	BaseAssetValue          int64
	MarginRequirement       int64
	MarginRatio             int64
	// MarketStatuses 按对应的保证金要求从大到小排序
	MarketStatuses []MarketStatus
}

// marketOracleStatus 预言机取价失败按无效处理，强平退回 AMM 估值
func (ch *ClearingHouse) marketOracleStatus(ctx context.Context, m *Market, mark int64, rails oracle.GuardRails) (oracle.Status, error) {
	data, err := ch.oraclePrice(ctx, m)
	if err != nil {
		ch.logger.Debug("oracle unavailable", zap.Uint64("market", m.MarketIndex), zap.Error(err))
		return oracle.Status{}, nil
	}
	return oracle.GetStatus(data, mark, m.AMM.LastOraclePriceTwap, rails)
}

// liquidationStatus 计算用户强平状态
func (ch *ClearingHouse) liquidationStatus(tx *txn, authority string, st *State) (LiquidationStatus, error) {
	var out LiquidationStatus
	u, err := tx.user(authority)
	if err != nil {
		return out, err
	}
	positions, err := tx.openPositions(authority)
	if err != nil {
		return out, err
	}

	var c fixedpoint.Calc
	var partialRequirement, maintenanceRequirement, adjustedPnl int64
	for _, p := range positions {
		m, err := tx.market(p.MarketIndex)
		if err != nil {
			return out, err
		}
		ammValue, ammPnl, err := m.AMM.BaseAssetValueAndPnl(p.BaseAssetAmount, p.QuoteAssetAmount)
		if err != nil {
			return out, err
		}
		out.BaseAssetValue = c.Add(out.BaseAssetValue, ammValue)
		out.UnrealizedPnl = c.Add(out.UnrealizedPnl, ammPnl)

		mark, err := m.AMM.MarkPrice()
		if err != nil {
			return out, err
		}
		status, err := ch.marketOracleStatus(tx.ctx, m, mark, st.OracleGuardRails)
		if err != nil {
			return out, err
		}

		ms := MarketStatus{
			MarketIndex:     p.MarketIndex,
			BaseAssetValue:  ammValue,
			MarkPriceBefore: mark,
			OracleStatus:    status,
		}

		value, pnl := ammValue, ammPnl
		if status.IsValid && st.OracleGuardRails.UseForLiquidations {
			useOracle, err := oracle.UseOraclePriceForMargin(status.MarkSpreadPct, st.OracleGuardRails.PriceDivergence)
			if err != nil {
				return out, err
			}
			if useOracle {
				slippage, err := vamm.CalculateSlippage(ammValue, p.BaseAssetAmount, mark)
				if err != nil {
					return out, err
				}
				ms.ClosePositionSlippage = &slippage
				oracleExit := c.Add(status.PriceData.Price, slippage)
				oValue, oPnl, err := vamm.BaseAssetValueAndPnlWithOraclePrice(p.BaseAssetAmount, p.QuoteAssetAmount, oracleExit)
				if err != nil {
					return out, err
				}
				if oPnl > ammPnl {
					value, pnl = oValue, oPnl
				}
			}
		}
		adjustedPnl = c.Add(adjustedPnl, pnl)
		ms.PartialMarginRequirement = c.MulDiv(value, m.MarginRatioPartial, fixedpoint.MarginPrecision)
		ms.MaintenanceMarginRequirement = c.MulDiv(value, m.MarginRatioMaintenance, fixedpoint.MarginPrecision)
		partialRequirement = c.Add(partialRequirement, ms.PartialMarginRequirement)
		maintenanceRequirement = c.Add(maintenanceRequirement, ms.MaintenanceMarginRequirement)
		out.MarketStatuses = append(out.MarketStatuses, ms)
	}
	if err := c.Err(); err != nil {
		return out, err
	}

	if out.TotalCollateral, err = updatedCollateral(u.Collateral, out.UnrealizedPnl); err != nil {
		return out, err
	}
	if out.AdjustedTotalCollateral, err = updatedCollateral(u.Collateral, adjustedPnl); err != nil {
		return out, err
	}

	switch {
	case out.AdjustedTotalCollateral < maintenanceRequirement:
		out.Type = LiquidationFull
		out.MarginRequirement = maintenanceRequirement
		sort.SliceStable(out.MarketStatuses, func(i, j int) bool {
			return out.MarketStatuses[i].MaintenanceMarginRequirement > out.MarketStatuses[j].MaintenanceMarginRequirement
		})
	case out.AdjustedTotalCollateral < partialRequirement:
		out.Type = LiquidationPartial
		out.MarginRequirement = partialRequirement
		sort.SliceStable(out.MarketStatuses, func(i, j int) bool {
			return out.MarketStatuses[i].PartialMarginRequirement > out.MarketStatuses[j].PartialMarginRequirement
		})
	default:
		out.Type = LiquidationNone
		out.MarginRequirement = partialRequirement
	}

	out.MarginRatio = math.MaxInt64
	if out.BaseAssetValue != 0 {
		out.MarginRatio = c.MulDiv(out.TotalCollateral, fixedpoint.MarginPrecision, out.BaseAssetValue)
	}
	return out, c.Err()
}

// =============================================================================
// 查询
// =============================================================================

// LiquidationStatus 查询用户当前强平状态 (不结算资金费)
func (ch *ClearingHouse) LiquidationStatus(ctx context.Context, authority string) (LiquidationStatus, error) {
	var out LiquidationStatus
	err := ch.run(ctx, "liquidation_status", scope{users: []string{authority}}, func(tx *txn) error {
		st, err := tx.loadState()
		if err != nil {
			return err
		}
		out, err = ch.liquidationStatus(tx, authority, st)
		return err
	})
	return out, err
}

// MarginRatio 总权益 / 仓位价值 (MarginPrecision)，空仓返回 math.MaxInt64
func (ch *ClearingHouse) MarginRatio(ctx context.Context, authority string) (int64, error) {
	status, err := ch.LiquidationStatus(ctx, authority)
	if err != nil {
		return 0, err
	}
	return status.MarginRatio, nil
}
