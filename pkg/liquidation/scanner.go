// 文件: pkg/liquidation/scanner.go
// 全量风险扫描
//
// 【流程】
//  1. 列出全部有持仓的用户
//  2. 提交到 ants 协程池，逐个向清算所查询强平状态
//  3. 按风险等级分组，重建索引
//  4. 返回可强平用户 (风险率从高到低)

package liquidation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"vamm.com/pkg/futures"
)

// =============================================================================
// 配置常量
// =============================================================================

const (
	// DefaultScanInterval 默认全量扫描间隔
	DefaultScanInterval = 5 * time.Second

	// DefaultPoolSize 默认协程池大小
	DefaultPoolSize = 16
)

// =============================================================================
// 接口定义
// =============================================================================

// Exchange 扫描和强平需要的清算所能力 (*futures.ClearingHouse 满足)
type Exchange interface {
	Store() futures.Store
	LiquidationStatus(ctx context.Context, authority string) (futures.LiquidationStatus, error)
	Liquidate(ctx context.Context, liquidator, authority string) (*futures.LiquidationRecord, error)
}

var _ Exchange = (*futures.ClearingHouse)(nil)

// =============================================================================
// Scanner 扫描器
// =============================================================================

// ScanResult 一次全量扫描的结果
type ScanResult struct {
	Scanned      int
	Failed       int
	Levels       map[RiskLevel]int
	Liquidatable []UserRiskData
	// AtRisk Warning 及以上的全部用户，按风险率从高到低
	AtRisk  []UserRiskData
	Elapsed time.Duration
}

// Scanner 全量扫描作为兜底，保证索引与清算所一致
type Scanner struct {
	ex     Exchange
	index  *RiskLevelIndex
	pool   *ants.Pool
	logger *zap.Logger
	now    func() time.Time
}

func NewScanner(ex Exchange, index *RiskLevelIndex, pool *ants.Pool, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{ex: ex, index: index, pool: pool, logger: logger, now: time.Now}
}

// Check 计算单个用户的风险快照
func (s *Scanner) Check(ctx context.Context, authority string) (UserRiskData, error) {
	status, err := s.ex.LiquidationStatus(ctx, authority)
	if err != nil {
		return UserRiskData{}, errors.Wrapf(err, "liquidation status %s", authority)
	}
	return NewUserRiskData(authority, status, s.now()), nil
}

// Scan 执行一次全量扫描并重建索引
func (s *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	start := time.Now()
	result := ScanResult{Levels: make(map[RiskLevel]int)}

	users, err := s.ex.Store().ListUsers(ctx)
	if err != nil {
		return result, errors.Wrap(err, "list users")
	}

	var authorities []string
	for _, u := range users {
		if u.OpenPositions > 0 {
			authorities = append(authorities, u.Authority)
		}
	}

	datas, failed := s.checkAll(ctx, authorities)
	if err := ctx.Err(); err != nil {
		return result, err
	}

	s.index.Rebuild(datas)
	for _, d := range datas {
		result.Levels[d.Level]++
		if d.Level >= RiskLevelWarning {
			result.AtRisk = append(result.AtRisk, d)
		}
		if d.Level == RiskLevelLiquidate {
			result.Liquidatable = append(result.Liquidatable, d)
		}
	}
	sortByRisk(result.AtRisk)
	sortByRisk(result.Liquidatable)

	result.Scanned = len(authorities)
	result.Failed = failed
	result.Elapsed = time.Since(start)
	s.logger.Debug("scan completed",
		zap.Int("users", result.Scanned),
		zap.Int("failed", failed),
		zap.Int("warning", result.Levels[RiskLevelWarning]),
		zap.Int("danger", result.Levels[RiskLevelDanger]),
		zap.Int("critical", result.Levels[RiskLevelCritical]),
		zap.Int("liquidate", result.Levels[RiskLevelLiquidate]),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

// checkAll 并行计算，失败的用户只记日志
func (s *Scanner) checkAll(ctx context.Context, authorities []string) ([]UserRiskData, int) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		out    = make([]UserRiskData, 0, len(authorities))
		failed int
	)
	fail := func(authority string, err error) {
		s.logger.Warn("risk check failed", zap.String("authority", authority), zap.Error(err))
		mu.Lock()
		failed++
		mu.Unlock()
	}

	for _, authority := range authorities {
		authority := authority
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			data, err := s.Check(ctx, authority)
			if err != nil {
				fail(authority, err)
				return
			}
			mu.Lock()
			out = append(out, data)
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			fail(authority, err)
		}
	}
	wg.Wait()
	return out, failed
}

// sortByRisk 风险率从高到低，相同时按 authority 保证顺序稳定
func sortByRisk(users []UserRiskData) {
	sort.Slice(users, func(i, j int) bool {
		if users[i].RiskRatio != users[j].RiskRatio {
			return users[i].RiskRatio > users[j].RiskRatio
		}
		return users[i].Authority < users[j].Authority
	})
}
