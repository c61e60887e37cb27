// 文件: pkg/futures/errors.go
// 清算所错误定义
//
// 调用方用 errors.Is 匹配，具体上下文通过 errors.Wrapf 附加

package futures

import "github.com/pkg/errors"

var (
	// ===== 初始化 / 权限 =====
	ErrStateNotInitialized           = errors.New("clearing house not initialized")
	ErrStateAlreadyInitialized       = errors.New("clearing house already initialized")
	ErrUnauthorized                  = errors.New("unauthorized")
	ErrUserNotFound                  = errors.New("user not found")
	ErrUserAlreadyInitialized        = errors.New("user already initialized")
	ErrInvalidReferrer               = errors.New("invalid referrer")
	ErrMarketNotFound                = errors.New("market not found")
	ErrMarketNotInitialized          = errors.New("market not initialized")
	ErrMarketIndexAlreadyInitialized = errors.New("market index already initialized")
	ErrInvalidInitialPeg             = errors.New("invalid initial peg")
	ErrInvalidMarginRatio            = errors.New("invalid margin ratio")
	ErrInvalidParameter              = errors.New("invalid parameter")
	ErrExchangePaused                = errors.New("exchange paused")
	ErrFundingPaused                 = errors.New("funding paused")
	ErrAdminControlsPricesDisabled   = errors.New("admin does not control prices")

	// ===== 保证金 =====
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrInsufficientDeposit    = errors.New("insufficient deposit")
	ErrUserMaxDeposit         = errors.New("user max deposit exceeded")
	ErrMaxNumberOfPositions   = errors.New("max number of positions")
	ErrMaxNumberOfOrders      = errors.New("max number of orders")

	// ===== 交易 =====
	ErrTradeSizeTooLarge     = errors.New("trade size too large")
	ErrSlippageOutsideLimit  = errors.New("slippage outside limit price")
	ErrOracleMarkSpreadLimit = errors.New("oracle mark spread limit")
	ErrNoPositionToClose     = errors.New("no position to close")
	ErrInvalidDirection      = errors.New("invalid direction")

	// ===== 资金费 =====
	ErrInvalidFundingProfitability = errors.New("invalid funding profitability")

	// ===== 强平 =====
	ErrSufficientCollateral    = errors.New("sufficient collateral")
	ErrNoPositionsLiquidatable = errors.New("no positions liquidatable")

	// ===== 管理员提款 =====
	ErrAdminWithdrawTooLarge = errors.New("admin withdraw too large")

	// ===== 内部 =====
	ErrLockNotHeld = errors.New("entity lock not held")
)
