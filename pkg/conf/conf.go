// 文件: pkg/conf/conf.go
// 配置加载
//
// 读取 conf/<GO_ENV>/conf.yaml (GO_ENV 默认 test)，
// 文件内容先做 ${VAR} 环境变量展开，.env 由命令入口用 godotenv 预先加载。

package conf

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kr/pretty"
	"github.com/pkg/errors"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"

	"vamm.com/pkg/kafka"
	"vamm.com/pkg/logger"
)

var (
	conf    *Config
	confErr error
	once    sync.Once
)

type Config struct {
	Env     string        `yaml:"-"`
	NodeID  int64         `yaml:"node_id" validate:"min=0,max=1023"` // snowflake 节点号，多实例各不相同
	Log     logger.Config `yaml:"log"`
	Store   Store         `yaml:"store"`
	Redis   Redis         `yaml:"redis"`
	NATS    NATS          `yaml:"nats"`
	Kafka   Kafka         `yaml:"kafka"`
	Oracle  Oracle        `yaml:"oracle"`
	Keeper  Keeper        `yaml:"keeper"`
	Admin   Admin         `yaml:"admin"`
	Metrics Metrics       `yaml:"metrics"`
	Ledger  Ledger        `yaml:"ledger"`
}

// Store driver = memory / mysql / postgres
type Store struct {
	Driver string `yaml:"driver" validate:"regexp=^(memory|mysql|postgres)$"`
	DSN    string `yaml:"dsn"`
	// SilentSQL 关闭 gorm SQL 日志
	SilentSQL bool `yaml:"silent_sql"`
}

type Redis struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
	// CacheStore 用 Redis 缓存全局状态和市场
	CacheStore bool `yaml:"cache_store"`
}

type NATS struct {
	URL          string `yaml:"url"`
	VaultSubject string `yaml:"vault_subject"`
	PriceSubject string `yaml:"price_subject"`
	AlertSubject string `yaml:"alert_subject"`
}

type Kafka struct {
	kafka.ProducerConfig `yaml:",inline"`
	TopicPrefix          string `yaml:"topic_prefix"`
	GroupID              string `yaml:"group_id"`
}

type Oracle struct {
	// Source 新建市场默认使用的预言机: live / simulated / fixed
	Source     string `yaml:"source" validate:"regexp=^(live|simulated|fixed)$"`
	MinSamples int    `yaml:"min_samples" validate:"min=0"`
}

type Keeper struct {
	Liquidator       string        `yaml:"liquidator" validate:"nonzero"`
	FundingInterval  time.Duration `yaml:"funding_interval"`
	ScanInterval     time.Duration `yaml:"scan_interval"`
	CriticalInterval time.Duration `yaml:"critical_interval"`
	PoolSize         int           `yaml:"pool_size" validate:"min=0"`
	// AlertCooldown 同一用户同一风险等级的告警间隔
	AlertCooldown time.Duration `yaml:"alert_cooldown"`
}

type Admin struct {
	Authority           string `yaml:"authority" validate:"nonzero"`
	AdminControlsPrices bool   `yaml:"admin_controls_prices"`
}

type Metrics struct {
	Address string `yaml:"address"`
}

// Ledger 金库流水落库进程
type Ledger struct {
	Queue         string        `yaml:"queue"`
	BatchSize     int           `yaml:"batch_size" validate:"min=0"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// GetConf 进程级单例，加载失败直接 panic
func GetConf() *Config {
	once.Do(func() {
		conf, confErr = Load(filepath.Join("conf", GetEnv(), "conf.yaml"))
	})
	if confErr != nil {
		panic(confErr)
	}
	return conf
}

// Load 读取并校验指定配置文件
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(content)
}

// Parse 展开环境变量后解析并校验
func Parse(content []byte) (*Config, error) {
	c := new(Config)
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), c); err != nil {
		return nil, errors.Wrap(err, "parse yaml")
	}
	if err := validator.Validate(c); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return nil, errors.Errorf("store driver %s requires dsn", c.Store.Driver)
	}
	c.Env = GetEnv()
	return c, nil
}

// Dump 打印配置，密码字段打码
func (c *Config) Dump(w io.Writer) {
	masked := *c
	if masked.Redis.Password != "" {
		masked.Redis.Password = "******"
	}
	if masked.Store.DSN != "" {
		masked.Store.DSN = "******"
	}
	pretty.Fprintf(w, "%# v\n", masked)
}

// GetEnv GO_ENV，默认 test
func GetEnv() string {
	e := os.Getenv("GO_ENV")
	if len(e) == 0 {
		return "test"
	}
	return e
}
