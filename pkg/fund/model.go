// 文件: pkg/fund/model.go
// 金库流水模型
//
// 清算所提交成功后把每笔金库转账发到 NATS，ledger 进程消费后落库:
//   - vamm_vault_ledger   逐笔流水，只追加
//   - vamm_vault_balances 按 (账户, authority) 汇总的余额，增量 upsert
//
// 用户/管理员账户以 authority 区分，两个金库的 authority 为空。

package fund

import (
	"sort"
	"time"

	"vamm.com/pkg/futures"
)

// LedgerEntry 一笔流水
type LedgerEntry struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	FromAccount string `gorm:"type:varchar(32);not null" json:"from"`
	ToAccount   string `gorm:"type:varchar(32);not null" json:"to"`
	Authority   string `gorm:"type:varchar(64);index:idx_ledger_authority" json:"authority"`
	Amount      int64  `gorm:"not null" json:"amount"`
	Ts          int64  `gorm:"index:idx_ledger_ts" json:"ts"`
	ReceivedAt  int64  `json:"received_at"`
}

func (LedgerEntry) TableName() string { return "vamm_vault_ledger" }

// AccountBalance 账户累计净流入，QUOTE 精度
type AccountBalance struct {
	Account   string `gorm:"type:varchar(32);primaryKey" json:"account"`
	Authority string `gorm:"type:varchar(64);primaryKey" json:"authority"`
	Balance   int64  `gorm:"not null;default:0" json:"balance"`
	UpdatedAt int64  `json:"updated_at"`
}

func (AccountBalance) TableName() string { return "vamm_vault_balances" }

// EntryFromTransfer 转账消息 -> 流水
func EntryFromTransfer(t futures.VaultTransfer, receivedAt time.Time) LedgerEntry {
	return LedgerEntry{
		FromAccount: string(t.From),
		ToAccount:   string(t.To),
		Authority:   t.Authority,
		Amount:      t.Amount,
		Ts:          t.Ts,
		ReceivedAt:  receivedAt.Unix(),
	}
}

type balanceKey struct {
	account   string
	authority string
}

// ownerOf 金库账户不挂 authority
func ownerOf(account, authority string) string {
	switch futures.VaultAccount(account) {
	case futures.AccountUser, futures.AccountAdmin:
		return authority
	default:
		return ""
	}
}

// BalanceDeltas 一批流水对各账户余额的净影响，按 (账户, authority) 排序，
// 净额为 0 的账户不出现
func BalanceDeltas(entries []LedgerEntry) []AccountBalance {
	sum := make(map[balanceKey]int64)
	for _, e := range entries {
		sum[balanceKey{e.FromAccount, ownerOf(e.FromAccount, e.Authority)}] -= e.Amount
		sum[balanceKey{e.ToAccount, ownerOf(e.ToAccount, e.Authority)}] += e.Amount
	}

	out := make([]AccountBalance, 0, len(sum))
	for k, v := range sum {
		if v == 0 {
			continue
		}
		out = append(out, AccountBalance{Account: k.account, Authority: k.authority, Balance: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Authority < out[j].Authority
	})
	return out
}
