// 文件: pkg/futures/collateral.go
// 保证金充值 / 提现
//
// 充值: 用户 -> 抵押金库，累计充值受 MaxDeposit 限制
// 提现: 抵押金库优先，不足由保险金库补；提现后仍需满足初始保证金

package futures

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vamm.com/pkg/fixedpoint"
)

// DepositCollateral 充值保证金
func (ch *ClearingHouse) DepositCollateral(ctx context.Context, authority string, amount int64) (*DepositRecord, error) {
	if amount <= 0 {
		return nil, errors.Wrapf(ErrInsufficientDeposit, "amount %d", amount)
	}
	var rec *DepositRecord
	err := ch.run(ctx, "deposit_collateral", scope{users: []string{authority}, state: true}, func(tx *txn) error {
		st, err := tx.stateForUpdate()
		if err != nil {
			return err
		}
		if err := requireNotPaused(st); err != nil {
			return err
		}
		u, err := tx.userForUpdate(authority)
		if err != nil {
			return err
		}

		var c fixedpoint.Calc
		if st.MaxDeposit > 0 && c.Add(u.CumulativeDeposits, amount) > st.MaxDeposit {
			return errors.Wrapf(ErrUserMaxDeposit, "cumulative %d + %d > %d", u.CumulativeDeposits, amount, st.MaxDeposit)
		}
		rec = &DepositRecord{
			Authority:                authority,
			Direction:                DepositDirectionDeposit,
			CollateralBefore:         u.Collateral,
			CumulativeDepositsBefore: u.CumulativeDeposits,
			Amount:                   amount,
		}
		u.Collateral = c.Add(u.Collateral, amount)
		u.CumulativeDeposits = c.Add(u.CumulativeDeposits, amount)
		st.CollateralVaultBalance = c.Add(st.CollateralVaultBalance, amount)
		if err := c.Err(); err != nil {
			return err
		}
		tx.transfer(VaultTransfer{From: AccountUser, To: AccountCollateral, Authority: authority, Amount: amount})
		tx.record(rec)

		_, err = ch.settleFundingPayment(tx, authority)
		return err
	})
	if err != nil {
		return nil, err
	}
	ch.logger.Info("collateral deposited", zap.String("authority", authority), zap.Int64("amount", amount))
	return rec, nil
}

// WithdrawCollateral 提现，返回实际到账金额
func (ch *ClearingHouse) WithdrawCollateral(ctx context.Context, authority string, amount int64) (*DepositRecord, error) {
	if amount <= 0 {
		return nil, errors.Wrapf(ErrInvalidParameter, "withdraw amount %d", amount)
	}
	var rec *DepositRecord
	err := ch.run(ctx, "withdraw_collateral", scope{users: []string{authority}, state: true}, func(tx *txn) error {
		st, err := tx.loadState()
		if err != nil {
			return err
		}
		if err := requireNotPaused(st); err != nil {
			return err
		}
		if _, err := tx.user(authority); err != nil {
			return err
		}
		if _, err := ch.settleFundingPayment(tx, authority); err != nil {
			return err
		}
		u, err := tx.userForUpdate(authority)
		if err != nil {
			return err
		}
		if amount > u.Collateral {
			return errors.Wrapf(ErrInsufficientCollateral, "withdraw %d > collateral %d", amount, u.Collateral)
		}

		collateralBefore, depositsBefore := u.Collateral, u.CumulativeDeposits
		paid, err := tx.payOut(AccountUser, authority, amount)
		if err != nil {
			return err
		}
		var c fixedpoint.Calc
		u.Collateral = c.Sub(u.Collateral, paid)
		u.CumulativeDeposits = c.Sub(u.CumulativeDeposits, paid)
		if err := c.Err(); err != nil {
			return err
		}

		ok, err := tx.meetsMarginRequirement(authority, MarginInitial)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrInsufficientCollateral, "user %s initial margin after withdraw", authority)
		}

		rec = &DepositRecord{
			Authority:                authority,
			Direction:                DepositDirectionWithdraw,
			CollateralBefore:         collateralBefore,
			CumulativeDepositsBefore: depositsBefore,
			Amount:                   paid,
		}
		tx.record(rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	ch.logger.Info("collateral withdrawn", zap.String("authority", authority), zap.Int64("amount", rec.Amount))
	return rec, nil
}
