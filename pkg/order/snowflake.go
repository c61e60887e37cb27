// 文件: pkg/order/snowflake.go
// 订单 ID 生成器
// 使用开源库: github.com/bwmarrin/snowflake

package order

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator 订单 ID 生成接口，测试可替换为递增序列
type IDGenerator interface {
	NextID() int64
}

// SnowflakeGenerator 雪花算法实现
type SnowflakeGenerator struct {
	node *snowflake.Node
}

// NewSnowflakeGenerator nodeID: 节点ID (0-1023)
func NewSnowflakeGenerator(nodeID int64) (*SnowflakeGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, err
	}
	return &SnowflakeGenerator{node: node}, nil
}

func (g *SnowflakeGenerator) NextID() int64 {
	return g.node.Generate().Int64()
}

var (
	defaultGen  *SnowflakeGenerator
	defaultOnce sync.Once
)

// DefaultGenerator 节点 0 的共享生成器
func DefaultGenerator() IDGenerator {
	defaultOnce.Do(func() {
		// 节点 0 一定合法
		defaultGen, _ = NewSnowflakeGenerator(0)
	})
	return defaultGen
}
