// 文件: cmd/clearinghouse/history.go
// 历史记录查询: list 读存储，tail 消费 Kafka 导出的记录

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vamm.com/pkg/futures"
	"vamm.com/pkg/kafka"
)

func newHistoryCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect clearing house history records",
	}
	cmd.AddCommand(newHistoryListCmd(rt), newHistoryTailCmd(rt))
	return cmd
}

func parseKinds(args []string) ([]futures.RecordKind, error) {
	if len(args) == 0 {
		return futures.AllRecordKinds, nil
	}
	kinds := make([]futures.RecordKind, 0, len(args))
	for _, a := range args {
		kind := futures.RecordKind(a)
		if _, err := futures.NewRecord(kind); err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

func printRecord(w io.Writer, kind futures.RecordKind, rec futures.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	_, err = fmt.Fprintf(w, "%-16s %s\n", kind, data)
	return err
}

func newHistoryListCmd(rt *runtime) *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "list [kind...]",
		Short: "List history records from the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			// 只需要存储，不连 NATS / Kafka
			a := &app{cfg: rt.cfg, logger: rt.logger}
			defer a.close()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			return listHistory(ctx, cmd.OutOrStdout(), store, kinds, offset, limit)
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip per kind")
	cmd.Flags().IntVar(&limit, "limit", 20, "max records per kind")
	return cmd
}

func listHistory(ctx context.Context, w io.Writer, store futures.Store, kinds []futures.RecordKind, offset, limit int) error {
	for _, kind := range kinds {
		total, err := store.HistoryLen(ctx, kind)
		if err != nil {
			return err
		}
		records, err := store.History(ctx, kind, offset, limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "# %s (%d total)\n", kind, total)
		for _, rec := range records {
			if err := printRecord(w, kind, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func newHistoryTailCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "tail [kind...]",
		Short: "Follow history records exported to Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(args)
			if err != nil {
				return err
			}
			kc := rt.cfg.Kafka
			if len(kc.Brokers) == 0 {
				return errors.New("kafka.brokers is empty")
			}
			prefix := kc.TopicPrefix
			if prefix == "" {
				prefix = futures.DefaultHistoryTopicPrefix
			}
			topics := make([]string, 0, len(kinds))
			for _, kind := range kinds {
				topics = append(topics, prefix+string(kind))
			}
			groupID := kc.GroupID
			if groupID == "" {
				groupID = "vamm-history-tail"
			}

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			consumer, err := kafka.NewConsumer(kafka.DefaultConsumerConfig(kc.Brokers, groupID, topics),
				func(topic string, _ int32, _ int64, _, value []byte) error {
					rec, err := futures.DecodeHistoryMessage(prefix, topic, value)
					if err != nil {
						return err
					}
					mu.Lock()
					defer mu.Unlock()
					return printRecord(out, rec.Kind(), rec)
				}, rt.logger)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			consumer.Start(ctx)
			rt.logger.Info("tailing history", zap.Strings("topics", topics))
			<-ctx.Done()
			return consumer.Stop()
		},
	}
}
