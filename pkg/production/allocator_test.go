package production_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiflow/pkg/production"
)

// TestAllocateMaterials_FIFOAcrossLots は複数ロットにまたがる先入先出引当のテスト
func TestAllocateMaterials_FIFOAcrossLots(t *testing.T) {
	h := newHarness(t)
	addCutOnly(h.store, "PANEL-A", "1.2")
	wo := h.scheduleOne(t, "PANEL-A", "100")
	assertDecimal(t, "120", wo.Materials[0].Qty)

	lotA := h.receive(t, "FABRIC", "RM-MAIN", "100", "GRN-A")
	h.clock.Advance(24 * time.Hour)
	lotB := h.receive(t, "FABRIC", "RM-MAIN", "50", "GRN-B")

	res, err := h.manager.AllocateMaterials(ctx, wo.ID, false)
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)
	assert.Empty(t, res.Debts)

	alloc := res.Allocations[0]
	assert.Equal(t, production.AllocationAllocated, alloc.Status)
	assertDecimal(t, "120", alloc.QtyAllocated)
	assertDecimal(t, "0", alloc.QtyFromDebt)
	require.Len(t, alloc.Draws, 2)
	assert.Equal(t, lotA.ID, alloc.Draws[0].LotID)
	assertDecimal(t, "100", alloc.Draws[0].Qty)
	assert.Equal(t, lotB.ID, alloc.Draws[1].LotID)
	assertDecimal(t, "20", alloc.Draws[1].Qty)

	lots, err := h.manager.ListLots(ctx, "FABRIC", "RM-MAIN")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, lotB.ID, lots[0].ID)
	assertDecimal(t, "30", lots[0].QtyRemaining)
	assertDecimal(t, "30", h.quant(t, "FABRIC", "RM-MAIN").QtyOnHand)

	// 材料が揃い入力もないため着手可能になる
	got, err := h.manager.GetWorkOrder(ctx, wo.ID)
	require.NoError(t, err)
	assert.Equal(t, production.WorkOrderReady, got.Status)
}

// TestAllocateMaterials_PartialWithDebt は在庫不足分を債務に回すテスト
func TestAllocateMaterials_PartialWithDebt(t *testing.T) {
	h := newHarness(t)
	addCutOnly(h.store, "PANEL-D", "1.5")
	wo := h.scheduleOne(t, "PANEL-D", "100")
	h.receive(t, "FABRIC", "RM-MAIN", "100", "GRN-1")

	res, err := h.manager.AllocateMaterials(ctx, wo.ID, true)
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)
	require.Len(t, res.Debts, 1)

	alloc := res.Allocations[0]
	assert.Equal(t, production.AllocationPartial, alloc.Status)
	assertDecimal(t, "100", alloc.QtyAllocated)
	assertDecimal(t, "50", alloc.QtyFromDebt)
	assert.True(t, alloc.Covered())

	debt := res.Debts[0]
	assert.Equal(t, alloc.DebtID, debt.ID)
	assert.Equal(t, wo.ID, debt.WorkOrderID)
	assert.Equal(t, production.DebtActive, debt.Status)
	assert.Equal(t, production.RiskHigh, debt.RiskLevel)
	assertDecimal(t, "50", debt.TotalDebtQty)
	assertDecimal(t, "50", debt.BalanceQty)
	assert.Equal(t, "tester", debt.CreatedBy)

	assertDecimal(t, "0", h.quant(t, "FABRIC", "RM-MAIN").QtyOnHand)

	open, err := h.manager.ListOpenDebts(ctx, "FABRIC")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, debt.ID, open[0].ID)
}

// TestAllocateMaterials_AllDebt は在庫ゼロで全量が債務になるテスト
func TestAllocateMaterials_AllDebt(t *testing.T) {
	h := newHarness(t)
	addCutOnly(h.store, "PANEL-Z", "1")
	wo := h.scheduleOne(t, "PANEL-Z", "40")

	res, err := h.manager.AllocateMaterials(ctx, wo.ID, true)
	require.NoError(t, err)
	alloc := res.Allocations[0]
	assert.Equal(t, production.AllocationPendingDebt, alloc.Status)
	assertDecimal(t, "0", alloc.QtyAllocated)
	assertDecimal(t, "40", alloc.QtyFromDebt)
	assert.Empty(t, alloc.Draws)
	assert.Equal(t, production.RiskCritical, res.Debts[0].RiskLevel)
}

// TestAllocateMaterials_ShortfallWithoutDebt は債務不可の場合に何も書き込まないテスト
func TestAllocateMaterials_ShortfallWithoutDebt(t *testing.T) {
	h := newHarness(t)
	res, err := h.manager.Schedule(ctx, "SHIRT", d("100"))
	require.NoError(t, err)
	body := res.WorkOrders[0]
	require.Equal(t, "BODY", body.OutputWIPID)

	h.receive(t, "FABRIC", "RM-MAIN", "60", "GRN-1")

	_, err = h.manager.AllocateMaterials(ctx, body.ID, false)
	require.Error(t, err)
	var shortfall *production.AllocationShortfallError
	require.True(t, errors.As(err, &shortfall))
	assert.True(t, errors.Is(err, production.ErrAllocationShortfall))
	assert.Equal(t, body.ID, shortfall.WorkOrderID)
	assert.Equal(t, "CUTTING", shortfall.Department)
	require.Len(t, shortfall.Shortfalls, 1)
	assert.Equal(t, "FABRIC", shortfall.Shortfalls[0].MaterialID)
	assertDecimal(t, "100", shortfall.Shortfalls[0].Needed)
	assertDecimal(t, "60", shortfall.Shortfalls[0].Available)

	assertDecimal(t, "60", h.quant(t, "FABRIC", "RM-MAIN").QtyOnHand)
	lots, err := h.manager.ListLots(ctx, "FABRIC", "RM-MAIN")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assertDecimal(t, "60", lots[0].QtyRemaining)
	open, err := h.manager.ListOpenDebts(ctx, "FABRIC")
	require.NoError(t, err)
	assert.Empty(t, open)

	readiness, err := h.manager.IsReady(ctx, body.ID)
	require.NoError(t, err)
	assert.False(t, readiness.Ready)
	assert.Equal(t, []string{"FABRIC"}, readiness.MissingMaterials)
}

// TestAllocateMaterials_Reentrant は引当済み材料を二重に引き当てないテスト
func TestAllocateMaterials_Reentrant(t *testing.T) {
	h := newHarness(t)
	addCutOnly(h.store, "PANEL-R", "1")
	wo := h.scheduleOne(t, "PANEL-R", "50")
	h.receive(t, "FABRIC", "RM-MAIN", "200", "GRN-1")

	_, err := h.manager.AllocateMaterials(ctx, wo.ID, false)
	require.NoError(t, err)

	again, err := h.manager.AllocateMaterials(ctx, wo.ID, false)
	require.NoError(t, err)
	assert.Empty(t, again.Allocations)
	assert.Equal(t, []string{"FABRIC"}, again.Skipped)
	assertDecimal(t, "150", h.quant(t, "FABRIC", "RM-MAIN").QtyOnHand)
}

// TestAllocateMaterials_Concurrent は同時引当で過剰払い出しが起きないテスト
func TestAllocateMaterials_Concurrent(t *testing.T) {
	h := newHarness(t)
	addCutOnly(h.store, "PANEL-C", "1")
	h.receive(t, "FABRIC", "RM-MAIN", "100", "GRN-1")

	const workers = 4
	ids := make([]string, workers)
	for i := range ids {
		ids[i] = h.scheduleOne(t, "PANEL-C", "60").ID
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ok     int
		failed int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := h.manager.AllocateMaterials(ctx, id, false)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
				return
			}
			if errors.Is(err, production.ErrAllocationShortfall) {
				failed++
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, failed)
	assertDecimal(t, "40", h.quant(t, "FABRIC", "RM-MAIN").QtyOnHand)
}

// TestAllocateMaterials_FinishedWorkOrder は完了済み作業指示への引当拒否テスト
func TestAllocateMaterials_FinishedWorkOrder(t *testing.T) {
	h := newHarness(t)
	addCutOnly(h.store, "PANEL-F", "1")
	wo := h.scheduleOne(t, "PANEL-F", "10")
	h.receive(t, "FABRIC", "RM-MAIN", "10", "GRN-1")
	_, err := h.manager.AllocateMaterials(ctx, wo.ID, false)
	require.NoError(t, err)
	_, err = h.manager.Advance(ctx, wo.ID, d("11"))
	require.NoError(t, err)

	_, err = h.manager.AllocateMaterials(ctx, wo.ID, true)
	var be *production.BusinessRuleError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "work_order_finished", be.Rule)

	_, err = h.manager.AllocateMaterials(ctx, "missing", true)
	assert.True(t, errors.Is(err, production.ErrWorkOrderNotFound))
}
