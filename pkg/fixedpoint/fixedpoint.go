// 文件: pkg/fixedpoint/fixedpoint.go
// 定点数精度常量与带溢出检查的整数运算
//
// 【核心约束】
// - 全部金额/价格使用 int64 定点数，绝不使用浮点
// - 可能超过 64 位的中间乘积 (k², 价格乘积, 资金费) 统一用 uint256 计算
// - 第一次出错即记录，后续运算短路，调用方最后检查 Err()

package fixedpoint

import (
	"math"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// =============================================================================
// 精度常量
// =============================================================================

const (
	MarkPricePrecision      int64 = 10_000_000_000 // 价格精度 1e10
	AMMReservePrecision     int64 = 1_000_000      // 虚拟储备/仓位精度 1e6
	QuotePrecision          int64 = 1_000_000      // 保证金(USDC)精度 1e6
	PegPrecision            int64 = 1_000          // 锚定乘数精度 1e3
	FundingPaymentPrecision int64 = 10_000         // 资金费率额外精度 1e4
	MarginPrecision         int64 = 10_000         // 保证金率精度 (2000 = 20%)

	PriceToPegPrecisionRatio               = MarkPricePrecision / PegPrecision
	AMMToQuotePrecisionRatio               = AMMReservePrecision / QuotePrecision
	AMMTimesPegToQuotePrecisionRatio       = AMMReservePrecision * PegPrecision / QuotePrecision
	MarkPriceTimesAMMToQuotePrecisionRatio = MarkPricePrecision * AMMToQuotePrecisionRatio
	PriceToQuotePrecisionRatio             = MarkPricePrecision / QuotePrecision
	QuoteToBaseAmtFundingPrecision         = AMMToQuotePrecisionRatio * MarkPricePrecision * FundingPaymentPrecision

	OneHour        int64 = 3600
	TwentyFourHour int64 = 24 * OneHour
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrMath           = errors.New("math error")
	ErrDivisionByZero = errors.New("division by zero")
	ErrCastingFailure = errors.New("casting failure")
)

// =============================================================================
// Calc - 错误累积计算器
// =============================================================================

// Calc 带溢出检查的计算器
//
// 用法:
//
//	var c fixedpoint.Calc
//	v := c.MulDiv(quote, peg, base)
//	v = c.Add(v, 1)
//	if err := c.Err(); err != nil { ... }
type Calc struct {
	err error
}

// Err 返回第一次出错的原因
func (c *Calc) Err() error {
	return c.err
}

// Fail 手动标记失败 (用于调用方自己的校验)
func (c *Calc) Fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Ok 是否仍然没有出错
func (c *Calc) Ok() bool {
	return c.err == nil
}

func (c *Calc) fail(base error, format string, args ...any) {
	if c.err == nil {
		c.err = errors.Wrapf(base, format, args...)
	}
}

// Add a + b
func (c *Calc) Add(a, b int64) int64 {
	if c.err != nil {
		return 0
	}
	r := a + b
	if (b > 0 && r < a) || (b < 0 && r > a) {
		c.fail(ErrMath, "add overflow %d + %d", a, b)
		return 0
	}
	return r
}

// Sub a - b
func (c *Calc) Sub(a, b int64) int64 {
	if c.err != nil {
		return 0
	}
	r := a - b
	if (b < 0 && r < a) || (b > 0 && r > a) {
		c.fail(ErrMath, "sub overflow %d - %d", a, b)
		return 0
	}
	return r
}

// SubUnsigned a - b，结果为负视为下溢 (对应无符号量)
func (c *Calc) SubUnsigned(a, b int64) int64 {
	r := c.Sub(a, b)
	if c.err == nil && r < 0 {
		c.fail(ErrMath, "sub underflow %d - %d", a, b)
		return 0
	}
	return r
}

// Mul a * b
func (c *Calc) Mul(a, b int64) int64 {
	if c.err != nil {
		return 0
	}
	if a == 0 || b == 0 {
		return 0
	}
	r := a * b
	if r/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		c.fail(ErrMath, "mul overflow %d * %d", a, b)
		return 0
	}
	return r
}

// Div a / b，向零截断
func (c *Calc) Div(a, b int64) int64 {
	if c.err != nil {
		return 0
	}
	if b == 0 {
		c.fail(ErrDivisionByZero, "%d / 0", a)
		return 0
	}
	if a == math.MinInt64 && b == -1 {
		c.fail(ErrMath, "div overflow %d / %d", a, b)
		return 0
	}
	return a / b
}

// Neg -a
func (c *Calc) Neg(a int64) int64 {
	if c.err != nil {
		return 0
	}
	if a == math.MinInt64 {
		c.fail(ErrMath, "neg overflow %d", a)
		return 0
	}
	return -a
}

// Abs |a|
func (c *Calc) Abs(a int64) int64 {
	if a < 0 {
		return c.Neg(a)
	}
	return a
}

// MulDiv a * b / d，中间结果 256 位，向零截断
func (c *Calc) MulDiv(a, b, d int64) int64 {
	if c.err != nil {
		return 0
	}
	if d == 0 {
		c.fail(ErrDivisionByZero, "%d * %d / 0", a, b)
		return 0
	}
	neg := (a < 0) != (b < 0) != (d < 0)
	x := uint256.NewInt(magnitude(a))
	y := uint256.NewInt(magnitude(b))
	z := uint256.NewInt(magnitude(d))
	q, overflow := new(uint256.Int).MulDivOverflow(x, y, z)
	if overflow || !q.IsUint64() {
		c.fail(ErrMath, "muldiv overflow %d * %d / %d", a, b, d)
		return 0
	}
	return c.fromMagnitude(q.Uint64(), neg)
}

// =============================================================================
// 宽整数 (uint256) 辅助
// =============================================================================

// Wide int64 -> uint256，负数视为转换失败
func (c *Calc) Wide(v int64) *uint256.Int {
	if c.err != nil {
		return new(uint256.Int)
	}
	if v < 0 {
		c.fail(ErrCastingFailure, "negative value %d to unsigned", v)
		return new(uint256.Int)
	}
	return uint256.NewInt(uint64(v))
}

// Narrow uint256 -> int64
func (c *Calc) Narrow(v *uint256.Int) int64 {
	if c.err != nil {
		return 0
	}
	if !v.IsUint64() || v.Uint64() > math.MaxInt64 {
		c.fail(ErrCastingFailure, "value %s exceeds int64", v.Dec())
		return 0
	}
	return int64(v.Uint64())
}

// WideMul x * y，溢出 256 位视为错误
func (c *Calc) WideMul(x, y *uint256.Int) *uint256.Int {
	if c.err != nil {
		return new(uint256.Int)
	}
	r, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		c.fail(ErrMath, "u256 mul overflow")
		return new(uint256.Int)
	}
	return r
}

// WideAdd x + y
func (c *Calc) WideAdd(x, y *uint256.Int) *uint256.Int {
	if c.err != nil {
		return new(uint256.Int)
	}
	r, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		c.fail(ErrMath, "u256 add overflow")
		return new(uint256.Int)
	}
	return r
}

// WideDiv x / y
func (c *Calc) WideDiv(x, y *uint256.Int) *uint256.Int {
	if c.err != nil {
		return new(uint256.Int)
	}
	if y.IsZero() {
		c.fail(ErrDivisionByZero, "u256 div by zero")
		return new(uint256.Int)
	}
	return new(uint256.Int).Div(x, y)
}

// Square sqrtK² (恒定乘积不变量)
func (c *Calc) Square(v int64) *uint256.Int {
	w := c.Wide(v)
	return c.WideMul(w, w)
}

// WeightedAverage (a*wa + b*wb) / (wa + wb)，要求全部非负
func (c *Calc) WeightedAverage(a, wa, b, wb int64) int64 {
	num := c.WideAdd(c.WideMul(c.Wide(a), c.Wide(wa)), c.WideMul(c.Wide(b), c.Wide(wb)))
	den := c.WideAdd(c.Wide(wa), c.Wide(wb))
	return c.Narrow(c.WideDiv(num, den))
}

// Isqrt 整数平方根 (向下取整)
func Isqrt(v *uint256.Int) *uint256.Int {
	return new(uint256.Int).Sqrt(v)
}

// Isqrt64 int64 的整数平方根
func (c *Calc) Isqrt64(v int64) int64 {
	return c.Narrow(Isqrt(c.Wide(v)))
}

// =============================================================================
// 小工具
// =============================================================================

// Max64 较大值
func Max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Min64 较小值
func Min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Clamp 夹到 [lo, hi]
func Clamp(v, lo, hi int64) int64 {
	return Max64(lo, Min64(v, hi))
}

// SaturatingSub a - b，结果不小于 0 (保证金扣费)
func SaturatingSub(a, b int64) int64 {
	if b >= a {
		return 0
	}
	return a - b
}

func magnitude(v int64) uint64 {
	if v < 0 {
		return uint64(-(v + 1)) + 1
	}
	return uint64(v)
}

func (c *Calc) fromMagnitude(m uint64, neg bool) int64 {
	if neg {
		if m > 1<<63 {
			c.fail(ErrMath, "negative magnitude %d overflows int64", m)
			return 0
		}
		if m == 1<<63 {
			return math.MinInt64
		}
		return -int64(m)
	}
	if m > math.MaxInt64 {
		c.fail(ErrMath, "magnitude %d overflows int64", m)
		return 0
	}
	return int64(m)
}
