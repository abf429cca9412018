package production_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiflow/pkg/production"
	"github.com/nemonet1337/zaiflow/pkg/production/storage"
)

var ctx = production.WithActor(context.Background(), "tester")

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fakeClock はテスト用の時計
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// MockPublisher はテスト用のEventPublisherモック
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishWorkOrderChanged(ctx context.Context, e production.WorkOrderChangedEvent) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockPublisher) PublishMaterialAllocated(ctx context.Context, e production.MaterialAllocatedEvent) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockPublisher) PublishDebtChanged(ctx context.Context, e production.DebtChangedEvent) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockPublisher) PublishTransferChanged(ctx context.Context, e production.TransferChangedEvent) error {
	return m.Called(ctx, e).Error(0)
}

func (m *MockPublisher) PublishLineChanged(ctx context.Context, e production.LineChangedEvent) error {
	return m.Called(ctx, e).Error(0)
}

type harness struct {
	store   *storage.MemoryStorage
	manager *production.Manager
	clock   *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, production.DefaultConfig(), nil)
}

func newHarnessWith(t *testing.T, cfg *production.Config, publisher production.EventPublisher) *harness {
	t.Helper()
	require.NoError(t, cfg.Validate())
	store := storage.NewMemoryStorage()
	seedGarments(store)
	m := production.NewManager(store, store, publisher, zap.NewNop(), cfg)
	clock := newFakeClock()
	m.SetClock(clock.Now)
	return &harness{store: store, manager: m, clock: clock}
}

// seedGarments は衣料品の品目と部品表を登録する
//
//	TSHIRT-PACKED (梱包) <- TSHIRT-FIN (仕上げ) <- TSHIRT-SEWN (縫製) <- FRONT-PANEL / BACK-PANEL (裁断) <- FABRIC
//	SHIRT (縫製) <- BODY (裁断) <- FABRIC
func seedGarments(s *storage.MemoryStorage) {
	for _, p := range []production.Product{
		{ID: "FABRIC", Name: "生地", Kind: production.ProductKindRaw, UOM: "M"},
		{ID: "THREAD", Name: "糸", Kind: production.ProductKindRaw, UOM: "M"},
		{ID: "LABEL", Name: "ラベル", Kind: production.ProductKindRaw, UOM: "PCS"},
		{ID: "POLYBAG", Name: "袋", Kind: production.ProductKindRaw, UOM: "PCS"},
		{ID: "FRONT-PANEL", Name: "前身頃", Kind: production.ProductKindWIP, Category: "CUT_PANEL", UOM: "PCS"},
		{ID: "BACK-PANEL", Name: "後身頃", Kind: production.ProductKindWIP, Category: "CUT_PANEL", UOM: "PCS"},
		{ID: "TSHIRT-SEWN", Name: "縫製済みTシャツ", Kind: production.ProductKindWIP, Category: "SEWN_GARMENT", UOM: "PCS"},
		{ID: "TSHIRT-FIN", Name: "仕上げ済みTシャツ", Kind: production.ProductKindWIP, Category: "FINISHED_GARMENT", UOM: "PCS"},
		{ID: "TSHIRT-PACKED", Name: "Tシャツ", Kind: production.ProductKindFinished, Category: "PACKED_GOOD", UOM: "PCS"},
		{ID: "BODY", Name: "胴体パーツ", Kind: production.ProductKindWIP, Category: "CUT_PANEL", UOM: "PCS"},
		{ID: "SHIRT", Name: "シャツ", Kind: production.ProductKindFinished, Category: "SEWN_GARMENT", UOM: "PCS"},
	} {
		s.AddProduct(p)
	}

	s.AddBOM(production.BOMNode{ProductID: "TSHIRT-PACKED", Lines: []production.BOMLine{
		{ComponentID: "TSHIRT-FIN", QtyPerUnit: d("1"), WastagePct: d("0")},
		{ComponentID: "POLYBAG", QtyPerUnit: d("1"), WastagePct: d("0")},
	}})
	s.AddBOM(production.BOMNode{ProductID: "TSHIRT-FIN", Lines: []production.BOMLine{
		{ComponentID: "TSHIRT-SEWN", QtyPerUnit: d("1"), WastagePct: d("0")},
		{ComponentID: "LABEL", QtyPerUnit: d("1"), WastagePct: d("0")},
	}})
	s.AddBOM(production.BOMNode{ProductID: "TSHIRT-SEWN", Lines: []production.BOMLine{
		{ComponentID: "FRONT-PANEL", QtyPerUnit: d("1"), WastagePct: d("0")},
		{ComponentID: "BACK-PANEL", QtyPerUnit: d("1"), WastagePct: d("0")},
		{ComponentID: "THREAD", QtyPerUnit: d("0.5"), WastagePct: d("0")},
	}})
	s.AddBOM(production.BOMNode{ProductID: "FRONT-PANEL", Lines: []production.BOMLine{
		{ComponentID: "FABRIC", QtyPerUnit: d("0.6"), WastagePct: d("5")},
	}})
	s.AddBOM(production.BOMNode{ProductID: "BACK-PANEL", Lines: []production.BOMLine{
		{ComponentID: "FABRIC", QtyPerUnit: d("0.6"), WastagePct: d("5")},
	}})
	s.AddBOM(production.BOMNode{ProductID: "BODY", Lines: []production.BOMLine{
		{ComponentID: "FABRIC", QtyPerUnit: d("1"), WastagePct: d("0")},
	}})
	s.AddBOM(production.BOMNode{ProductID: "SHIRT", Lines: []production.BOMLine{
		{ComponentID: "BODY", QtyPerUnit: d("1"), WastagePct: d("0")},
		{ComponentID: "THREAD", QtyPerUnit: d("1"), WastagePct: d("0")},
	}})
}

// addCutOnly は原材料1種のみを使う裁断品を登録する（qtyPer は生地の使用量）
func addCutOnly(s *storage.MemoryStorage, id, qtyPer string) {
	s.AddProduct(production.Product{ID: id, Name: id, Kind: production.ProductKindFinished, Category: "CUT_PANEL", UOM: "PCS"})
	s.AddBOM(production.BOMNode{ProductID: id, Lines: []production.BOMLine{
		{ComponentID: "FABRIC", QtyPerUnit: d(qtyPer), WastagePct: d("0")},
	}})
}

// scheduleOne は単一工程の作業指示を登録して返す
func (h *harness) scheduleOne(t *testing.T, productID, qty string) *production.WorkOrder {
	t.Helper()
	res, err := h.manager.Schedule(ctx, productID, d(qty))
	require.NoError(t, err)
	require.Len(t, res.WorkOrders, 1)
	return res.WorkOrders[0]
}

func (h *harness) receive(t *testing.T, productID, locationID, qty, batch string) *production.StockLot {
	t.Helper()
	lot, err := h.manager.ReceiveStock(ctx, productID, locationID, d(qty), batch)
	require.NoError(t, err)
	return lot
}

func (h *harness) quant(t *testing.T, productID, locationID string) *production.StockQuant {
	t.Helper()
	q, err := h.manager.GetQuant(ctx, productID, locationID)
	require.NoError(t, err)
	return q
}

func assertDecimal(t *testing.T, expected string, actual decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	require.Truef(t, d(expected).Equal(actual), "expected %s, got %s %v", expected, actual.String(), msgAndArgs)
}
