// 文件: cmd/clearinghouse/ledger.go
// 金库流水: 消费 NATS 金库转账并落库，查询账户余额

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vamm.com/pkg/fund"
	"vamm.com/pkg/futures"
	"vamm.com/pkg/nats"
)

func newLedgerCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Persist vault transfers and inspect vault balances",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Consume vault transfers from NATS into the SQL ledger",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runLedger(cmd.Context(), rt)
			},
		},
		newLedgerBalancesCmd(rt),
	)
	return cmd
}

func runLedger(ctx context.Context, rt *runtime) error {
	if rt.cfg.NATS.URL == "" {
		return errors.New("ledger requires nats.url")
	}
	db, closeDB, err := rt.openDB()
	if err != nil {
		return err
	}
	defer closeDB()

	repo := fund.NewLedgerRepo(db)
	if err := repo.AutoMigrate(ctx); err != nil {
		return err
	}

	lc := rt.cfg.Ledger
	w := fund.NewWriter(repo, fund.WriterConfig{BatchSize: lc.BatchSize, FlushInterval: lc.FlushInterval}, rt.logger)
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	sub, err := nats.NewSubscriber(rt.cfg.NATS.URL, nats.DefaultOptions("vamm-ledger"), w.HandleMessage, rt.logger)
	if err != nil {
		return err
	}
	// 先断开订阅，再由 Stop 刷出最后一批
	defer sub.Close()

	subject := rt.cfg.NATS.VaultSubject
	if subject == "" {
		subject = futures.DefaultVaultSubject
	}
	queue := lc.Queue
	if queue == "" {
		queue = fund.DefaultQueue
	}
	if err := sub.SubscribeQueue(subject, queue); err != nil {
		return err
	}
	rt.logger.Info("ledger started", zap.String("subject", subject), zap.String("queue", queue))

	<-ctx.Done()
	stats := w.Stats()
	rt.logger.Info("ledger stopping",
		zap.Int64("received", stats.Received),
		zap.Int64("written", stats.Written),
		zap.Int64("errors", stats.Errors),
		zap.Int64("dropped", stats.Dropped))
	return nil
}

func newLedgerBalancesCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "balances",
		Short: "Print accumulated vault and user balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, closeDB, err := rt.openDB()
			if err != nil {
				return err
			}
			defer closeDB()
			balances, err := fund.NewLedgerRepo(db).Balances(cmd.Context())
			if err != nil {
				return err
			}
			printBalances(cmd.OutOrStdout(), balances)
			return nil
		},
	}
}

func printBalances(out io.Writer, balances []fund.AccountBalance) {
	fmt.Fprintf(out, "%-18s %-20s %16s\n", "ACCOUNT", "AUTHORITY", "BALANCE")
	for _, b := range balances {
		authority := b.Authority
		if authority == "" {
			authority = "-"
		}
		fmt.Fprintf(out, "%-18s %-20s %16s\n", b.Account, authority, quote(b.Balance))
	}
}
