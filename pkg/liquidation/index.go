// 文件: pkg/liquidation/index.go
// 风险等级索引
//
// 【读写模型】
// 每个等级一个 Copy-on-Write Map:
// - 读操作原子加载指针，完全无锁
// - 写操作加写锁，复制后原子替换，不阻塞读
// 高风险用户通常只有几百到几千，复制开销可以接受

package liquidation

import (
	"sync"
	"sync/atomic"
)

// =============================================================================
// CowMap - Copy-on-Write Map
// =============================================================================

// CowMap authority -> UserRiskData
type CowMap struct {
	data    atomic.Pointer[map[string]UserRiskData]
	writeMu sync.Mutex
}

func NewCowMap() *CowMap {
	m := &CowMap{}
	empty := make(map[string]UserRiskData)
	m.data.Store(&empty)
	return m
}

// Get 读取调用时的快照，即使同时有写操作也不受影响
func (m *CowMap) Get(authority string) (UserRiskData, bool) {
	data, ok := (*m.data.Load())[authority]
	return data, ok
}

// GetAll 所有用户的快照
func (m *CowMap) GetAll() []UserRiskData {
	current := m.data.Load()
	out := make([]UserRiskData, 0, len(*current))
	for _, v := range *current {
		out = append(out, v)
	}
	return out
}

func (m *CowMap) Len() int {
	return len(*m.data.Load())
}

func (m *CowMap) Contains(authority string) bool {
	_, ok := (*m.data.Load())[authority]
	return ok
}

// BatchUpdate 先删除再更新，原子替换
//
// 读者要么看到旧数据，要么看到新数据，不会看到中间状态
func (m *CowMap) BatchUpdate(updates []UserRiskData, removes []string) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.data.Load()
	next := make(map[string]UserRiskData, len(*old)+len(updates))
	for k, v := range *old {
		next[k] = v
	}
	for _, authority := range removes {
		delete(next, authority)
	}
	for _, data := range updates {
		next[data.Authority] = data
	}
	m.data.Store(&next)
}

// Set 单个写入，频繁调用会产生大量复制，批量场景用 BatchUpdate
func (m *CowMap) Set(data UserRiskData) {
	m.BatchUpdate([]UserRiskData{data}, nil)
}

func (m *CowMap) Remove(authority string) {
	m.BatchUpdate(nil, []string{authority})
}

// =============================================================================
// RiskLevelIndex - 风险等级索引
// =============================================================================

// RiskLevelIndex 管理 Warning / Danger / Critical 三个等级
//
// Safe 用户数量多且不需要频繁检查，Liquidate 用户直接进入强平队列，两者都不存储
type RiskLevelIndex struct {
	levels [3]*CowMap

	// marketToUsers 市场 → 高风险用户，预言机变价时只检查受影响的用户
	marketToUsers atomic.Pointer[map[uint64][]string]

	// userLevel authority -> level 的快速查找
	userLevel atomic.Pointer[map[string]RiskLevel]

	mu sync.Mutex
}

func NewRiskLevelIndex() *RiskLevelIndex {
	idx := &RiskLevelIndex{
		levels: [3]*CowMap{NewCowMap(), NewCowMap(), NewCowMap()},
	}
	markets := make(map[uint64][]string)
	idx.marketToUsers.Store(&markets)
	users := make(map[string]RiskLevel)
	idx.userLevel.Store(&users)
	return idx
}

// levelToIndex Safe 或 Liquidate 返回 -1
func levelToIndex(level RiskLevel) int {
	switch level {
	case RiskLevelWarning:
		return 0
	case RiskLevelDanger:
		return 1
	case RiskLevelCritical:
		return 2
	default:
		return -1
	}
}

// GetByLevel 指定等级的所有用户
func (idx *RiskLevelIndex) GetByLevel(level RiskLevel) []UserRiskData {
	i := levelToIndex(level)
	if i < 0 {
		return nil
	}
	return idx.levels[i].GetAll()
}

// GetUser 先查等级索引再直接读对应等级，O(1)
func (idx *RiskLevelIndex) GetUser(authority string) (UserRiskData, bool) {
	level, ok := (*idx.userLevel.Load())[authority]
	if !ok {
		return UserRiskData{}, false
	}
	i := levelToIndex(level)
	if i < 0 {
		return UserRiskData{}, false
	}
	return idx.levels[i].Get(authority)
}

// UpdateUser 按 data.Level 放入对应等级，等级变化时从旧等级移除
func (idx *RiskLevelIndex) UpdateUser(data UserRiskData) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	newIndex := levelToIndex(data.Level)
	for i, level := range idx.levels {
		if i != newIndex && level.Contains(data.Authority) {
			level.Remove(data.Authority)
		}
	}
	if newIndex >= 0 {
		idx.levels[newIndex].Set(data)
	}
	idx.storeUserLevels(map[string]RiskLevel{data.Authority: data.Level})
	idx.storeMarkets([]UserRiskData{data}, false)
}

// Remove 用户被强平或脱离风险
func (idx *RiskLevelIndex) Remove(authority string) {
	idx.UpdateUser(UserRiskData{Authority: authority, Level: RiskLevelSafe})
}

// Rebuild 用一次全量扫描的结果替换整个索引
func (idx *RiskLevelIndex) Rebuild(users []UserRiskData) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var grouped [3][]UserRiskData
	present := make(map[string]struct{}, len(users))
	levels := make(map[string]RiskLevel, len(users))
	for _, u := range users {
		if i := levelToIndex(u.Level); i >= 0 {
			grouped[i] = append(grouped[i], u)
			present[u.Authority] = struct{}{}
			levels[u.Authority] = u.Level
		}
	}
	for i, level := range idx.levels {
		var removes []string
		for _, u := range level.GetAll() {
			if _, ok := present[u.Authority]; !ok || levelToIndex(levels[u.Authority]) != i {
				removes = append(removes, u.Authority)
			}
		}
		level.BatchUpdate(grouped[i], removes)
	}

	next := make(map[string]RiskLevel, len(levels))
	for k, v := range levels {
		next[k] = v
	}
	idx.userLevel.Store(&next)

	var all []UserRiskData
	for _, g := range grouped {
		all = append(all, g...)
	}
	idx.storeMarkets(all, true)
}

// storeUserLevels 调用方持有 mu
func (idx *RiskLevelIndex) storeUserLevels(changes map[string]RiskLevel) {
	old := idx.userLevel.Load()
	next := make(map[string]RiskLevel, len(*old)+len(changes))
	for k, v := range *old {
		next[k] = v
	}
	for authority, level := range changes {
		if levelToIndex(level) < 0 {
			delete(next, authority)
		} else {
			next[authority] = level
		}
	}
	idx.userLevel.Store(&next)
}

// storeMarkets 调用方持有 mu；reset 为 true 时整体重建
func (idx *RiskLevelIndex) storeMarkets(users []UserRiskData, reset bool) {
	next := make(map[uint64][]string)
	if !reset {
		touched := make(map[string]struct{}, len(users))
		for _, u := range users {
			touched[u.Authority] = struct{}{}
		}
		for market, authorities := range *idx.marketToUsers.Load() {
			for _, a := range authorities {
				if _, ok := touched[a]; !ok {
					next[market] = append(next[market], a)
				}
			}
		}
	}
	for _, u := range users {
		if levelToIndex(u.Level) < 0 {
			continue
		}
		for _, market := range u.Markets {
			next[market] = append(next[market], u.Authority)
		}
	}
	idx.marketToUsers.Store(&next)
}

// GetUsersByMarket 持有指定市场仓位的高风险用户
func (idx *RiskLevelIndex) GetUsersByMarket(marketIndex uint64) []string {
	return (*idx.marketToUsers.Load())[marketIndex]
}

// TotalCount 所有等级的用户总数
func (idx *RiskLevelIndex) TotalCount() int {
	total := 0
	for _, level := range idx.levels {
		total += level.Len()
	}
	return total
}
