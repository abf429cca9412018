package production_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiflow/pkg/production"
)

// raiseDebts は在庫ゼロで2つの作業指示を引当し、古い順の債務を返す
func raiseDebts(t *testing.T, h *harness) (*production.MaterialDebt, *production.MaterialDebt) {
	t.Helper()
	addCutOnly(h.store, "PANEL-1", "1.2")
	addCutOnly(h.store, "PANEL-2", "1.2")

	first := h.scheduleOne(t, "PANEL-1", "100")
	res1, err := h.manager.AllocateMaterials(ctx, first.ID, true)
	require.NoError(t, err)
	require.Len(t, res1.Debts, 1)

	h.clock.Advance(time.Hour)
	second := h.scheduleOne(t, "PANEL-2", "100")
	res2, err := h.manager.AllocateMaterials(ctx, second.ID, true)
	require.NoError(t, err)
	require.Len(t, res2.Debts, 1)

	return res1.Debts[0], res2.Debts[0]
}

// TestAutoSettleFromGRN_FIFO は入庫による古い債務からの自動消込テスト
func TestAutoSettleFromGRN_FIFO(t *testing.T) {
	h := newHarness(t)
	debt1, debt2 := raiseDebts(t, h)
	assertDecimal(t, "120", debt1.BalanceQty)
	assertDecimal(t, "120", debt2.BalanceQty)

	res, err := h.manager.AutoSettleFromGRN(ctx, "FABRIC", d("150"), "GRN-100")
	require.NoError(t, err)
	assertDecimal(t, "150", res.QtySettled)
	assertDecimal(t, "0", res.QtyLeftover)
	assert.Nil(t, res.LeftoverLot)
	require.Len(t, res.Settlements, 2)
	assert.Equal(t, debt1.ID, res.Settlements[0].DebtID)
	assertDecimal(t, "120", res.Settlements[0].Qty)
	assert.Equal(t, debt2.ID, res.Settlements[1].DebtID)
	assertDecimal(t, "30", res.Settlements[1].Qty)
	assert.Equal(t, "GRN-100", res.Settlements[1].SourceReceiptRef)

	assert.Equal(t, production.DebtFullyPaid, res.Debts[0].Status)
	assertDecimal(t, "0", res.Debts[0].BalanceQty)
	assert.Equal(t, production.DebtPartialPaid, res.Debts[1].Status)
	assertDecimal(t, "90", res.Debts[1].BalanceQty)

	open, err := h.manager.ListOpenDebts(ctx, "FABRIC")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, debt2.ID, open[0].ID)

	// 残りを消込んだ後の余剰は入庫ロットになる
	res, err = h.manager.AutoSettleFromGRN(ctx, "FABRIC", d("100"), "GRN-101")
	require.NoError(t, err)
	assertDecimal(t, "90", res.QtySettled)
	assertDecimal(t, "10", res.QtyLeftover)
	require.NotNil(t, res.LeftoverLot)
	assert.Equal(t, "RM-MAIN", res.LeftoverLot.LocationID)
	assert.Equal(t, "GRN-101", res.LeftoverLot.BatchRef)
	assertDecimal(t, "10", h.quant(t, "FABRIC", "RM-MAIN").QtyOnHand)

	assert.Len(t, h.store.Settlements(debt1.ID), 1)
	assert.Len(t, h.store.Settlements(debt2.ID), 2)

	open, err = h.manager.ListOpenDebts(ctx, "FABRIC")
	require.NoError(t, err)
	assert.Empty(t, open)
}

// TestAutoSettleFromGRN_NoDebt は債務がない場合に全量が在庫になるテスト
func TestAutoSettleFromGRN_NoDebt(t *testing.T) {
	h := newHarness(t)

	res, err := h.manager.AutoSettleFromGRN(ctx, "THREAD", d("25"), "GRN-7")
	require.NoError(t, err)
	assert.Empty(t, res.Settlements)
	assertDecimal(t, "25", res.QtyLeftover)
	assertDecimal(t, "25", h.quant(t, "THREAD", "RM-MAIN").QtyOnHand)

	_, err = h.manager.AutoSettleFromGRN(ctx, "THREAD", d("25"), "")
	var ve *production.ValidationError
	assert.True(t, errors.As(err, &ve))
}

// TestSettleDebt_Manual は手動消込のルールのテスト
func TestSettleDebt_Manual(t *testing.T) {
	h := newHarness(t)
	debt1, debt2 := raiseDebts(t, h)

	_, err := h.manager.SettleDebt(ctx, debt2.ID, d("10"), "MANUAL-1")
	var be *production.BusinessRuleError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "fifo_settlement", be.Rule)

	_, err = h.manager.SettleDebt(ctx, debt1.ID, d("200"), "MANUAL-2")
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "settlement_exceeds_balance", be.Rule)

	settled, err := h.manager.SettleDebt(ctx, debt1.ID, d("50"), "MANUAL-3")
	require.NoError(t, err)
	assert.Equal(t, production.DebtPartialPaid, settled.Status)
	assertDecimal(t, "50", settled.SettledQty)
	assertDecimal(t, "70", settled.BalanceQty)

	settled, err = h.manager.SettleDebt(ctx, debt1.ID, d("70"), "MANUAL-4")
	require.NoError(t, err)
	assert.Equal(t, production.DebtFullyPaid, settled.Status)
	assert.Len(t, h.store.Settlements(debt1.ID), 2)

	// 古い債務が完済されたので次の債務を消込できる
	_, err = h.manager.SettleDebt(ctx, debt2.ID, d("10"), "MANUAL-5")
	require.NoError(t, err)

	_, err = h.manager.SettleDebt(ctx, debt1.ID, d("1"), "MANUAL-6")
	assert.True(t, errors.Is(err, production.ErrInvalidTransition))

	_, err = h.manager.SettleDebt(ctx, "unknown", d("1"), "MANUAL-7")
	assert.True(t, errors.Is(err, production.ErrDebtNotFound))
}

// TestWriteOffDebt は債務償却のテスト
func TestWriteOffDebt(t *testing.T) {
	h := newHarness(t)
	debt1, debt2 := raiseDebts(t, h)

	_, err := h.manager.WriteOffDebt(ctx, debt1.ID, "  ")
	var ve *production.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "reason", ve.Field)

	written, err := h.manager.WriteOffDebt(ctx, debt1.ID, "生地不良のため廃棄")
	require.NoError(t, err)
	assert.Equal(t, production.DebtWrittenOff, written.Status)
	assert.Equal(t, "生地不良のため廃棄", written.WriteOffReason)
	assertDecimal(t, "120", written.BalanceQty)

	_, err = h.manager.SettleDebt(ctx, debt1.ID, d("10"), "MANUAL-1")
	assert.True(t, errors.Is(err, production.ErrInvalidTransition))
	_, err = h.manager.WriteOffDebt(ctx, debt1.ID, "再償却")
	assert.True(t, errors.Is(err, production.ErrInvalidTransition))

	// 償却済みの債務は自動消込の対象外
	res, err := h.manager.AutoSettleFromGRN(ctx, "FABRIC", d("20"), "GRN-1")
	require.NoError(t, err)
	require.Len(t, res.Settlements, 1)
	assert.Equal(t, debt2.ID, res.Settlements[0].DebtID)
}

// TestReassessDebtRisk はリスクレベル再評価のテスト
func TestReassessDebtRisk(t *testing.T) {
	h := newHarness(t)
	debt1, _ := raiseDebts(t, h)
	assert.Equal(t, production.RiskCritical, debt1.RiskLevel)

	reassessed, err := h.manager.ReassessDebtRisk(ctx, debt1.ID, production.RiskLow)
	require.NoError(t, err)
	assert.Equal(t, production.RiskLow, reassessed.RiskLevel)
	assertDecimal(t, "120", reassessed.BalanceQty)

	_, err = h.manager.ReassessDebtRisk(ctx, debt1.ID, production.RiskLevel("EXTREME"))
	var ve *production.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = h.manager.AutoSettleFromGRN(ctx, "FABRIC", d("120"), "GRN-1")
	require.NoError(t, err)
	_, err = h.manager.ReassessDebtRisk(ctx, debt1.ID, production.RiskHigh)
	var be *production.BusinessRuleError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "debt_closed", be.Rule)
}

// lockRecordingTx は品目ロックと在庫ロックの取得順を記録する
type lockRecordingTx struct {
	production.Tx
	calls []string
}

func (tx *lockRecordingTx) LockProductDebts(ctx context.Context, productID string) error {
	tx.calls = append(tx.calls, "product:"+productID)
	return tx.Tx.LockProductDebts(ctx, productID)
}

func (tx *lockRecordingTx) GetQuantForUpdate(ctx context.Context, productID, locationID string) (*production.StockQuant, error) {
	tx.calls = append(tx.calls, "quant:"+productID)
	return tx.Tx.GetQuantForUpdate(ctx, productID, locationID)
}

func (tx *lockRecordingTx) ListOpenDebtsForUpdate(ctx context.Context, productID string) ([]*production.MaterialDebt, error) {
	tx.calls = append(tx.calls, "debts:"+productID)
	return tx.Tx.ListOpenDebtsForUpdate(ctx, productID)
}

// TestDebt_ProductLockOrder は債務計上と入荷消込が同じ順序で品目ロックを取得するテスト
func TestDebt_ProductLockOrder(t *testing.T) {
	h := newHarness(t)
	cfg := production.DefaultConfig()
	logger := zap.NewNop()
	stock := production.NewStockLedger(logger, h.clock.Now)
	debts := production.NewDebtLedger(cfg, stock, logger, h.clock.Now)
	allocator := production.NewAllocator(cfg, stock, debts, logger, h.clock.Now)

	wo := &production.WorkOrder{
		ID:         "WO-LOCK",
		Department: "CUTTING",
		Materials:  []production.MaterialRequirement{{MaterialID: "FABRIC", Qty: d("50")}},
	}

	var allocCalls []string
	require.NoError(t, h.store.WithTx(ctx, func(tx production.Tx) error {
		rec := &lockRecordingTx{Tx: tx}
		res, err := allocator.Allocate(ctx, rec, wo, true, "planner")
		if err != nil {
			return err
		}
		require.Len(t, res.Debts, 1)
		allocCalls = rec.calls
		return nil
	}))
	require.GreaterOrEqual(t, len(allocCalls), 2)
	assert.Equal(t, []string{"product:FABRIC", "quant:FABRIC"}, allocCalls[:2])

	var settleCalls []string
	require.NoError(t, h.store.WithTx(ctx, func(tx production.Tx) error {
		rec := &lockRecordingTx{Tx: tx}
		res, err := debts.AutoSettle(ctx, rec, "FABRIC", d("80"), "GRN-LOCK", "receiver")
		if err != nil {
			return err
		}
		assertDecimal(t, "50", res.QtySettled)
		assertDecimal(t, "30", res.QtyLeftover)
		settleCalls = rec.calls
		return nil
	}))
	require.GreaterOrEqual(t, len(settleCalls), 3)
	assert.Equal(t, []string{"product:FABRIC", "debts:FABRIC", "quant:FABRIC"}, settleCalls[:3])

	// 債務を作らない引当は品目ロックを取らない
	plain := &production.WorkOrder{
		ID:         "WO-PLAIN",
		Department: "CUTTING",
		Materials:  []production.MaterialRequirement{{MaterialID: "FABRIC", Qty: d("10")}},
	}
	require.NoError(t, h.store.WithTx(ctx, func(tx production.Tx) error {
		rec := &lockRecordingTx{Tx: tx}
		if _, err := allocator.Allocate(ctx, rec, plain, false, "planner"); err != nil {
			return err
		}
		assert.NotContains(t, rec.calls, "product:FABRIC")
		return nil
	}))
}
