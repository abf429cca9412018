package production_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nemonet1337/zaiflow/pkg/production"
	"github.com/nemonet1337/zaiflow/pkg/production/storage"
)

// flakyStorage は指定回数だけ楽観ロック失敗を返すストレージ
type flakyStorage struct {
	*storage.MemoryStorage
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStorage) WithTx(ctx context.Context, fn func(tx production.Tx) error) error {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return production.ErrVersionMismatch
	}
	return f.MemoryStorage.WithTx(ctx, fn)
}

func newFlakyManager(t *testing.T, failures int) (*production.Manager, *flakyStorage, *prometheus.Registry) {
	t.Helper()
	mem := storage.NewMemoryStorage()
	seedGarments(mem)
	flaky := &flakyStorage{MemoryStorage: mem, failures: failures}
	reg := prometheus.NewRegistry()
	m := production.NewManager(mem, flaky, nil, zap.NewNop(), production.DefaultConfig())
	m.SetMetrics(production.NewMetrics(reg))
	return m, flaky, reg
}

// TestManager_RetryOnVersionMismatch は競合時に再試行して成功するテスト
func TestManager_RetryOnVersionMismatch(t *testing.T) {
	m, flaky, reg := newFlakyManager(t, 2)

	lot, err := m.ReceiveStock(ctx, "FABRIC", "RM-MAIN", d("10"), "GRN-1")
	require.NoError(t, err)
	assert.NotEmpty(t, lot.ID)
	assert.Equal(t, 3, flaky.calls)

	expected := `
# HELP zaiflow_concurrent_modification_retries_total Transactions retried after a concurrent modification, by operation.
# TYPE zaiflow_concurrent_modification_retries_total counter
zaiflow_concurrent_modification_retries_total{operation="receive_stock"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "zaiflow_concurrent_modification_retries_total"))
}

// TestManager_RetryExhausted は再試行上限でConcurrencyErrorを返すテスト
func TestManager_RetryExhausted(t *testing.T) {
	m, flaky, _ := newFlakyManager(t, 10)

	_, err := m.ReceiveStock(ctx, "FABRIC", "RM-MAIN", d("10"), "GRN-1")
	require.Error(t, err)
	var ce *production.ConcurrencyError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "receive_stock", ce.Operation)
	assert.Equal(t, "FABRIC@RM-MAIN", ce.Resource)
	assert.Equal(t, 3, ce.Attempts)
	assert.True(t, errors.Is(err, production.ErrConcurrentModification))
	assert.Equal(t, 3, flaky.calls)
}

// TestManager_NoRetryOnDomainError は業務エラーを再試行しないテスト
func TestManager_NoRetryOnDomainError(t *testing.T) {
	m, flaky, _ := newFlakyManager(t, 0)

	_, err := m.ReceiveStock(ctx, "FABRIC", "RM-MAIN", d("0"), "GRN-1")
	var ve *production.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, 1, flaky.calls)

	_, err = m.ReceiveStock(ctx, "bad id", "RM-MAIN", d("1"), "GRN-1")
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, 1, flaky.calls)
}

// TestManager_PublishFailureDoesNotFail はイベント発行失敗が操作を失敗させないテスト
func TestManager_PublishFailureDoesNotFail(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("PublishWorkOrderChanged", mock.Anything, mock.Anything).Return(errors.New("broker unavailable"))
	h := newHarnessWith(t, production.DefaultConfig(), publisher)

	res, err := h.manager.Schedule(ctx, "SHIRT", d("10"))
	require.NoError(t, err)
	require.Len(t, res.WorkOrders, 2)

	publisher.AssertNumberOfCalls(t, "PublishWorkOrderChanged", 2)
	publisher.AssertCalled(t, "PublishWorkOrderChanged", mock.Anything, mock.MatchedBy(func(e production.WorkOrderChangedEvent) bool {
		return e.WorkOrderID == res.WorkOrders[1].ID && e.NewStatus == production.WorkOrderPending && e.UserID == "tester"
	}))

	got, err := h.manager.GetWorkOrder(ctx, res.WorkOrders[0].ID)
	require.NoError(t, err)
	assert.Equal(t, production.WorkOrderPending, got.Status)
}

// TestManager_TransferEvents は引き渡しとラインのイベント内容のテスト
func TestManager_TransferEvents(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("PublishTransferChanged", mock.Anything, mock.Anything).Return(nil)
	publisher.On("PublishLineChanged", mock.Anything, mock.Anything).Return(nil)
	h := newHarnessWith(t, production.DefaultConfig(), publisher)

	_, err := h.manager.PauseLine(ctx, "SEWING", "SEW-1")
	require.NoError(t, err)
	h.receive(t, "FRONT-PANEL", "WIP-CUTTING", "10", "B-1")
	tr, err := h.manager.CreateTransfer(ctx, cutToSew("FRONT-PANEL", "10"))
	require.Error(t, err)

	publisher.AssertCalled(t, "PublishLineChanged", mock.Anything, mock.MatchedBy(func(e production.LineChangedEvent) bool {
		return e.NewStatus == production.LinePaused && e.OldStatus == production.LineClear
	}))
	publisher.AssertCalled(t, "PublishTransferChanged", mock.Anything, mock.MatchedBy(func(e production.TransferChangedEvent) bool {
		return e.TransferID == tr.ID && e.NewStatus == production.TransferBlocked && e.Reason == string(production.BlockLinePaused)
	}))

	// 同じ状態への一時停止はイベントを出さない
	_, err = h.manager.PauseLine(ctx, "SEWING", "SEW-1")
	require.NoError(t, err)
	publisher.AssertNumberOfCalls(t, "PublishLineChanged", 1)

	_, err = h.manager.ResumeLine(ctx, "SEWING", "SEW-1")
	require.NoError(t, err)
	_, err = h.manager.RetryTransfer(ctx, tr.ID)
	require.NoError(t, err)
	_, err = h.manager.AcceptTransfer(ctx, tr.ID, d("10"), "sewing-lead", production.AcceptOptions{})
	require.NoError(t, err)

	publisher.AssertCalled(t, "PublishTransferChanged", mock.Anything, mock.MatchedBy(func(e production.TransferChangedEvent) bool {
		return e.TransferID == tr.ID && e.OldStatus == production.TransferLocked && e.NewStatus == production.TransferCompleted
	}))
	publisher.AssertCalled(t, "PublishLineChanged", mock.Anything, mock.MatchedBy(func(e production.LineChangedEvent) bool {
		return e.NewStatus == production.LineOccupied && e.ArticleID == "FRONT-PANEL"
	}))
}

// TestManager_DebtEvents は債務イベントのテスト
func TestManager_DebtEvents(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("PublishWorkOrderChanged", mock.Anything, mock.Anything).Return(nil)
	publisher.On("PublishMaterialAllocated", mock.Anything, mock.Anything).Return(nil)
	publisher.On("PublishDebtChanged", mock.Anything, mock.Anything).Return(nil)
	h := newHarnessWith(t, production.DefaultConfig(), publisher)
	addCutOnly(h.store, "PANEL-E", "1")
	wo := h.scheduleOne(t, "PANEL-E", "30")

	res, err := h.manager.AllocateMaterials(ctx, wo.ID, true)
	require.NoError(t, err)
	_, err = h.manager.AutoSettleFromGRN(ctx, "FABRIC", d("30"), "GRN-9")
	require.NoError(t, err)

	publisher.AssertCalled(t, "PublishMaterialAllocated", mock.Anything, mock.MatchedBy(func(e production.MaterialAllocatedEvent) bool {
		return e.Status == production.AllocationPendingDebt && e.QtyFromDebt.Equal(d("30"))
	}))
	publisher.AssertCalled(t, "PublishDebtChanged", mock.Anything, mock.MatchedBy(func(e production.DebtChangedEvent) bool {
		return e.DebtID == res.Debts[0].ID && e.ChangeType == "raised"
	}))
	publisher.AssertCalled(t, "PublishDebtChanged", mock.Anything, mock.MatchedBy(func(e production.DebtChangedEvent) bool {
		return e.ChangeType == "settled" && e.Status == production.DebtFullyPaid && e.Reference == "GRN-9"
	}))
	// 引当で材料が揃ったため READY への変更も通知される
	publisher.AssertCalled(t, "PublishWorkOrderChanged", mock.Anything, mock.MatchedBy(func(e production.WorkOrderChangedEvent) bool {
		return e.WorkOrderID == wo.ID && e.NewStatus == production.WorkOrderReady
	}))
}

// TestZapEventPublisher はzapへのイベント出力のテスト
func TestZapEventPublisher(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	p := production.NewZapEventPublisher(zap.New(core))

	err := p.PublishTransferChanged(context.Background(), production.TransferChangedEvent{
		TransferID: "tr-1",
		FromDept:   "CUTTING",
		ToDept:     "SEWING",
		ToLine:     "SEW-1",
		OldStatus:  production.TransferInitiated,
		NewStatus:  production.TransferBlocked,
		Reason:     "LINE_OCCUPIED",
		UserID:     "tester",
	})
	require.NoError(t, err)

	entries := logs.FilterMessage("引き渡しの状態が変更されました").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "events", entries[0].LoggerName)
	fields := entries[0].ContextMap()
	assert.Equal(t, "tr-1", fields["transfer_id"])
	assert.Equal(t, "BLOCKED", fields["new_status"])
	assert.Equal(t, "LINE_OCCUPIED", fields["reason"])
}

// TestActorFromContext はユーザーIDの取得テスト
func TestActorFromContext(t *testing.T) {
	assert.Equal(t, "system", production.ActorFromContext(context.Background()))
	assert.Equal(t, "system", production.ActorFromContext(production.WithActor(context.Background(), "")))
	assert.Equal(t, "alice", production.ActorFromContext(production.WithActor(context.Background(), "alice")))
}

// firstReceiptRaceStorage は最初のトランザクションでのみ既存の在庫集計を見えなくし、同時初回入庫を再現する
type firstReceiptRaceStorage struct {
	production.Storage
	mu     sync.Mutex
	raced  bool
	txRuns int
}

func (s *firstReceiptRaceStorage) WithTx(ctx context.Context, fn func(tx production.Tx) error) error {
	s.mu.Lock()
	hide := !s.raced
	s.raced = true
	s.txRuns++
	s.mu.Unlock()
	return s.Storage.WithTx(ctx, func(tx production.Tx) error {
		if hide {
			return fn(&staleQuantTx{Tx: tx})
		}
		return fn(tx)
	})
}

type staleQuantTx struct {
	production.Tx
}

func (tx *staleQuantTx) GetQuantForUpdate(ctx context.Context, productID, locationID string) (*production.StockQuant, error) {
	return nil, production.ErrStockNotFound
}

// TestManager_FirstReceiptRaceRetries は初回入庫の同時作成が再試行で吸収されるテスト
func TestManager_FirstReceiptRaceRetries(t *testing.T) {
	store := storage.NewMemoryStorage()
	seedGarments(store)
	require.NoError(t, store.WithTx(ctx, func(tx production.Tx) error {
		return tx.CreateQuant(ctx, &production.StockQuant{
			ProductID: "FABRIC", LocationID: "RM-MAIN",
			QtyOnHand: d("0"), QtyReserved: d("0"), Version: 1,
		})
	}))

	racing := &firstReceiptRaceStorage{Storage: store}
	m := production.NewManager(store, racing, nil, zap.NewNop(), production.DefaultConfig())

	lot, err := m.ReceiveStock(ctx, "FABRIC", "RM-MAIN", d("40"), "GRN-RACE")
	require.NoError(t, err)
	assertDecimal(t, "40", lot.QtyRemaining)
	assert.Equal(t, 2, racing.txRuns)

	q, err := m.GetQuant(ctx, "FABRIC", "RM-MAIN")
	require.NoError(t, err)
	assertDecimal(t, "40", q.QtyOnHand)
}
