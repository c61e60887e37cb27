// 文件: cmd/clearinghouse/root.go
// 根命令: 加载 .env、配置文件、日志

package main

import (
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vamm.com/pkg/conf"
	"vamm.com/pkg/fund"
	"vamm.com/pkg/futures"
	"vamm.com/pkg/logger"
)

// runtime 根命令加载后供子命令使用
type runtime struct {
	configPath string
	cfg        *conf.Config
	logger     *zap.Logger
	flush      func()
}

func newRootCmd() *cobra.Command {
	rt := &runtime{}
	cmd := &cobra.Command{
		Use:           "clearinghouse",
		Short:         "vAMM perpetual futures clearing house",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return rt.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if rt.flush != nil {
				rt.flush()
			}
		},
	}
	cmd.PersistentFlags().StringVarP(&rt.configPath, "config", "c", "",
		"config file (default conf/$GO_ENV/conf.yaml)")

	cmd.AddCommand(
		newConfigCmd(rt),
		newMigrateCmd(rt),
		newKeeperCmd(rt),
		newSimulateCmd(rt),
		newFeedCmd(rt),
		newHistoryCmd(rt),
		newLedgerCmd(rt),
	)
	return cmd
}

func (rt *runtime) load() error {
	// .env 不存在时忽略
	_ = godotenv.Load()

	path := rt.configPath
	if path == "" {
		path = filepath.Join("conf", conf.GetEnv(), "conf.yaml")
	}
	cfg, err := conf.Load(path)
	if err != nil {
		return err
	}
	rt.cfg = cfg
	rt.logger, rt.flush = logger.New(cfg.Log)
	rt.logger.Debug("config loaded", zap.String("path", path), zap.String("env", cfg.Env))
	return nil
}

func newConfigCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration (secrets masked)",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			rt.cfg.Dump(cmd.OutOrStdout())
		},
	}
}

func newMigrateCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the SQL schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rt.cfg.Store.Driver == "memory" {
				rt.logger.Info("memory store, nothing to migrate")
				return nil
			}
			db, closeDB, err := rt.openDB()
			if err != nil {
				return err
			}
			defer closeDB()
			if err := futures.NewGormStore(db).AutoMigrate(cmd.Context()); err != nil {
				return err
			}
			if err := fund.NewLedgerRepo(db).AutoMigrate(cmd.Context()); err != nil {
				return err
			}
			rt.logger.Info("schema migrated", zap.String("driver", rt.cfg.Store.Driver))
			return nil
		},
	}
}

// openDB 打开 SQL 存储，memory 驱动下报错
func (rt *runtime) openDB() (*gorm.DB, func(), error) {
	db, err := futures.OpenDB(rt.cfg.Store.Driver, rt.cfg.Store.DSN, rt.cfg.Store.SilentSQL)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return db, closeDB, nil
}
