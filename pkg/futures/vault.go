// 文件: pkg/futures/vault.go
// 金库: 抵押金库 (用户保证金) + 保险金库 (强平罚金)
//
// 【职责划分】
// - 余额记账在 State 里，和其它变更一起原子提交
// - 真实转账由 VaultClient 在提交成功后执行 (NATS 消息 / 内存记录)
// - 提现先用抵押金库，不足部分由保险金库补

package futures

import (
	"context"
	"sync"

	"vamm.com/pkg/fixedpoint"
)

// VaultAccount 转账端点
type VaultAccount string

const (
	AccountUser       VaultAccount = "user"
	AccountCollateral VaultAccount = "collateral_vault"
	AccountInsurance  VaultAccount = "insurance_vault"
	AccountAdmin      VaultAccount = "admin"
)

// VaultTransfer 一笔金库转账
type VaultTransfer struct {
	From      VaultAccount `json:"from"`
	To        VaultAccount `json:"to"`
	Authority string       `json:"authority"` // From/To 为 user/admin 时的账户
	Amount    int64        `json:"amount"`
	Ts        int64        `json:"ts"`
}

// VaultClient 执行真实转账
type VaultClient interface {
	Transfer(ctx context.Context, t VaultTransfer) error
}

// =============================================================================
// NATS 实现
// =============================================================================

// Publisher 消息发布 (pkg/nats.Publisher 满足)
type Publisher interface {
	Publish(subject string, data any) error
}

// DefaultVaultSubject 金库转账消息主题
const DefaultVaultSubject = "vamm.vault.transfer"

var _ VaultClient = (*PublisherVaultClient)(nil)

// PublisherVaultClient 把转账发布给下游出纳服务
type PublisherVaultClient struct {
	pub     Publisher
	subject string
}

func NewPublisherVaultClient(pub Publisher, subject string) *PublisherVaultClient {
	if subject == "" {
		subject = DefaultVaultSubject
	}
	return &PublisherVaultClient{pub: pub, subject: subject}
}

func (c *PublisherVaultClient) Transfer(_ context.Context, t VaultTransfer) error {
	return c.pub.Publish(c.subject, t)
}

// =============================================================================
// 内存实现
// =============================================================================

var _ VaultClient = (*MemoryVault)(nil)

// MemoryVault 记录全部转账
type MemoryVault struct {
	mu        sync.Mutex
	transfers []VaultTransfer
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{}
}

func (v *MemoryVault) Transfer(_ context.Context, t VaultTransfer) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.transfers = append(v.transfers, t)
	return nil
}

// Transfers 已执行的转账副本
func (v *MemoryVault) Transfers() []VaultTransfer {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]VaultTransfer, len(v.transfers))
	copy(out, v.transfers)
	return out
}

// =============================================================================
// 提现拆分
// =============================================================================

// calculateWithdrawalAmounts 先从抵押金库出，不足部分由保险金库补
//
// 返回 (抵押金库出金, 保险金库出金)
func calculateWithdrawalAmounts(amount, collateralBalance, insuranceBalance int64) (int64, int64) {
	if collateralBalance >= amount {
		return amount, 0
	}
	if insuranceBalance > amount-collateralBalance {
		return collateralBalance, amount - collateralBalance
	}
	return collateralBalance, insuranceBalance
}

// payOut 从金库付给外部账户，返回实际付出金额
func (tx *txn) payOut(to VaultAccount, authority string, amount int64) (int64, error) {
	st, err := tx.stateForUpdate()
	if err != nil {
		return 0, err
	}
	fromCollateral, fromInsurance := calculateWithdrawalAmounts(amount, st.CollateralVaultBalance, st.InsuranceVaultBalance)

	var c fixedpoint.Calc
	st.CollateralVaultBalance = c.SubUnsigned(st.CollateralVaultBalance, fromCollateral)
	st.InsuranceVaultBalance = c.SubUnsigned(st.InsuranceVaultBalance, fromInsurance)
	paid := c.Add(fromCollateral, fromInsurance)
	if err := c.Err(); err != nil {
		return 0, err
	}
	if fromCollateral > 0 {
		tx.transfer(VaultTransfer{From: AccountCollateral, To: to, Authority: authority, Amount: fromCollateral})
	}
	if fromInsurance > 0 {
		tx.transfer(VaultTransfer{From: AccountInsurance, To: to, Authority: authority, Amount: fromInsurance})
	}
	return paid, nil
}

// settleLiquidationFee 罚金按金库余额封顶 (抵押金库优先，保险金库补足)，
// 再按 shareDenominator 拆给清算人和保险金库。
// 返回实际收取的罚金、清算人所得、保险金库所得
func (tx *txn) settleLiquidationFee(liquidator string, fee, shareDenominator int64) (int64, int64, int64, error) {
	if fee <= 0 {
		return 0, 0, 0, nil
	}
	st, err := tx.stateForUpdate()
	if err != nil {
		return 0, 0, 0, err
	}
	fromCollateral, fromInsurance := calculateWithdrawalAmounts(fee, st.CollateralVaultBalance, st.InsuranceVaultBalance)

	var c fixedpoint.Calc
	paid := c.Add(fromCollateral, fromInsurance)
	toLiquidator := c.Div(paid, shareDenominator)
	toInsurance := c.Sub(paid, toLiquidator)

	// 清算人先从抵押金库拿，抵押金库剩下的部分转进保险金库
	liquidatorFromCollateral := fixedpoint.Min64(toLiquidator, fromCollateral)
	liquidatorFromInsurance := c.Sub(toLiquidator, liquidatorFromCollateral)
	collateralToInsurance := c.Sub(fromCollateral, liquidatorFromCollateral)

	st.CollateralVaultBalance = c.SubUnsigned(st.CollateralVaultBalance, fromCollateral)
	st.InsuranceVaultBalance = c.SubUnsigned(st.InsuranceVaultBalance, liquidatorFromInsurance)
	st.InsuranceVaultBalance = c.Add(st.InsuranceVaultBalance, collateralToInsurance)
	if err := c.Err(); err != nil {
		return 0, 0, 0, err
	}

	if liquidatorFromCollateral > 0 {
		tx.transfer(VaultTransfer{From: AccountCollateral, To: AccountUser, Authority: liquidator, Amount: liquidatorFromCollateral})
	}
	if liquidatorFromInsurance > 0 {
		tx.transfer(VaultTransfer{From: AccountInsurance, To: AccountUser, Authority: liquidator, Amount: liquidatorFromInsurance})
	}
	if collateralToInsurance > 0 {
		tx.transfer(VaultTransfer{From: AccountCollateral, To: AccountInsurance, Amount: collateralToInsurance})
	}
	return paid, toLiquidator, toInsurance, nil
}
