package fund

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vamm.com/pkg/futures"
)

type fakeRepo struct {
	mu      sync.Mutex
	batches [][]LedgerEntry
	fail    int
}

func (r *fakeRepo) Append(_ context.Context, entries []LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("db down")
	}
	r.batches = append(r.batches, append([]LedgerEntry(nil), entries...))
	return nil
}

func (r *fakeRepo) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		n += len(b)
	}
	return n
}

func deposit(authority string, amount int64) futures.VaultTransfer {
	return futures.VaultTransfer{
		From:      futures.AccountUser,
		To:        futures.AccountCollateral,
		Authority: authority,
		Amount:    amount,
		Ts:        1_700_000_000,
	}
}

func TestBalanceDeltas(t *testing.T) {
	now := time.Unix(1_700_000_100, 0)
	entries := []LedgerEntry{
		EntryFromTransfer(deposit("alice", 100), now),
		EntryFromTransfer(deposit("bob", 50), now),
		EntryFromTransfer(futures.VaultTransfer{From: futures.AccountCollateral, To: futures.AccountUser, Authority: "alice", Amount: 30}, now),
		EntryFromTransfer(futures.VaultTransfer{From: futures.AccountCollateral, To: futures.AccountInsurance, Authority: "bob", Amount: 5}, now),
	}
	assert.Equal(t, int64(1_700_000_100), entries[0].ReceivedAt)

	got := BalanceDeltas(entries)
	assert.Equal(t, []AccountBalance{
		{Account: "collateral_vault", Balance: 115},
		{Account: "insurance_vault", Balance: 5},
		{Account: "user", Authority: "alice", Balance: -70},
		{Account: "user", Authority: "bob", Balance: -50},
	}, got)
}

func TestBalanceDeltasSkipsZeroNet(t *testing.T) {
	now := time.Now()
	entries := []LedgerEntry{
		EntryFromTransfer(deposit("alice", 40), now),
		EntryFromTransfer(futures.VaultTransfer{From: futures.AccountCollateral, To: futures.AccountUser, Authority: "alice", Amount: 40}, now),
	}
	assert.Empty(t, BalanceDeltas(entries))
}

func TestWriterHandleMessage(t *testing.T) {
	repo := &fakeRepo{}
	w := NewWriter(repo, WriterConfig{BatchSize: 10}, nil)

	data, err := json.Marshal(deposit("alice", 100))
	require.NoError(t, err)
	require.NoError(t, w.HandleMessage(futures.DefaultVaultSubject, data))
	assert.Error(t, w.HandleMessage(futures.DefaultVaultSubject, []byte("{")))

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Received)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, 1, stats.Buffered)

	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, repo.batches, 1)
	e := repo.batches[0][0]
	assert.Equal(t, "user", e.FromAccount)
	assert.Equal(t, "collateral_vault", e.ToAccount)
	assert.Equal(t, "alice", e.Authority)
	assert.Equal(t, int64(100), e.Amount)
	assert.Equal(t, 0, w.Stats().Buffered)

	// 空缓冲不写库
	require.NoError(t, w.Flush(context.Background()))
	assert.Len(t, repo.batches, 1)
}

func TestWriterRequeuesFailedBatch(t *testing.T) {
	repo := &fakeRepo{fail: 1}
	w := NewWriter(repo, WriterConfig{BatchSize: 10}, nil)
	w.Add(deposit("alice", 1))
	w.Add(deposit("bob", 2))

	assert.Error(t, w.Flush(context.Background()))
	assert.Equal(t, 2, w.Stats().Buffered)

	w.Add(deposit("carol", 3))
	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, repo.batches, 1)
	batch := repo.batches[0]
	require.Len(t, batch, 3)
	assert.Equal(t, []string{"alice", "bob", "carol"}, []string{batch[0].Authority, batch[1].Authority, batch[2].Authority})

	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Written)
	assert.Equal(t, int64(1), stats.Batches)
	assert.Equal(t, int64(1), stats.Errors)
}

func TestWriterDropsOldestWhenBufferFull(t *testing.T) {
	repo := &fakeRepo{fail: 100}
	w := NewWriter(repo, WriterConfig{BatchSize: 2, MaxBuffered: 3}, nil)
	for _, a := range []string{"a", "b", "c", "d"} {
		w.Add(deposit(a, 1))
	}
	stats := w.Stats()
	assert.Equal(t, 3, stats.Buffered)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestWriterFlushesOnBatchSizeAndStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	repo := &fakeRepo{}
	w := NewWriter(repo, WriterConfig{BatchSize: 2, FlushInterval: time.Hour}, nil)
	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrWriterRunning)

	w.Add(deposit("alice", 1))
	w.Add(deposit("bob", 2))
	assert.Eventually(t, func() bool { return repo.total() == 2 }, time.Second, 5*time.Millisecond)

	// 不足一批的流水在 Stop 时写出
	w.Add(deposit("carol", 3))
	w.Stop()
	w.Stop()
	assert.Equal(t, 3, repo.total())
	assert.Equal(t, 0, w.Stats().Buffered)
}
