// 文件: cmd/clearinghouse/format.go
// 定点数展示

package main

import (
	"github.com/shopspring/decimal"
)

// quote 1e6 精度 (USDC / 仓位数量)
func quote(v int64) string {
	return decimal.New(v, -6).StringFixed(2)
}

// base 1e6 精度，保留更多小数
func base(v int64) string {
	return decimal.New(v, -6).StringFixed(4)
}

// price 1e10 精度
func price(v int64) string {
	return decimal.New(v, -10).StringFixed(4)
}

// ratio 保证金率，1e4 精度
func ratio(v int64) string {
	return decimal.New(v, -2).StringFixed(2) + "%"
}

// usdc 美元金额转 1e6 精度
func usdc(amount float64) int64 {
	return decimal.NewFromFloat(amount).Shift(6).IntPart()
}
