package futures

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vamm.com/pkg/kafka"
	"vamm.com/pkg/oracle"
)

// captureSender 记录发送的消息，fail 为 true 时全部失败
type captureSender struct {
	mu   sync.Mutex
	msgs []kafka.Message
	fail bool
}

func (s *captureSender) Send(msg kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broker down")
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func newExportingHarness(t *testing.T, sender *captureSender) *ClearingHouse {
	t.Helper()
	fixed := oracle.NewFixed().Set(testAsset, testMark, 0)
	ch := NewClearingHouse(NewMemoryStore(), oracle.NewRegistry().Register(oracle.SourceFixed, fixed),
		WithVault(NewMemoryVault()),
		WithExporter(NewKafkaHistoryExporter(sender, "")))
	_, err := ch.Initialize(context.Background(), testAdmin, true)
	require.NoError(t, err)
	_, err = ch.InitializeUser(context.Background(), "alice", "")
	require.NoError(t, err)
	return ch
}

func TestKafkaHistoryExporter(t *testing.T) {
	sender := &captureSender{}
	ch := newExportingHarness(t, sender)

	_, err := ch.DepositCollateral(context.Background(), "alice", 5*usdc)
	require.NoError(t, err)

	require.Len(t, sender.msgs, 1)
	msg := sender.msgs[0]
	assert.Equal(t, "vamm.history.deposit", msg.Topic())
	assert.Equal(t, "deposit:1", msg.Key())

	value, err := msg.Value()
	require.NoError(t, err)
	rec, err := DecodeHistoryMessage("", msg.Topic(), value)
	require.NoError(t, err)
	dep, ok := rec.(*DepositRecord)
	require.True(t, ok)
	assert.Equal(t, int64(1), dep.RecordID)
	assert.Equal(t, "alice", dep.Authority)
	assert.Equal(t, 5*usdc, dep.Amount)
	assert.Equal(t, DepositDirectionDeposit, dep.Direction)
}

func TestExportFailureDoesNotRollBack(t *testing.T) {
	sender := &captureSender{fail: true}
	ch := newExportingHarness(t, sender)

	_, err := ch.DepositCollateral(context.Background(), "alice", 5*usdc)
	require.NoError(t, err)
	u, err := ch.User(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 5*usdc, u.Collateral)
}

func TestDecodeHistoryMessageErrors(t *testing.T) {
	_, err := DecodeHistoryMessage("", "other.topic", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrUnknownRecordKind))

	_, err = DecodeHistoryMessage("", "vamm.history.bogus", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrUnknownRecordKind))

	_, err = DecodeHistoryMessage("", "vamm.history.trade", []byte(`{`))
	assert.Error(t, err)
}
