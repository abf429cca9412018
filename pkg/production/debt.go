package production

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DebtLedger tracks negative-inventory obligations and settles them FIFO
// 材料債務を管理し、先入先出で消込する
type DebtLedger struct {
	config *Config
	stock  *StockLedger
	logger *zap.Logger
	now    func() time.Time
}

// SettlementResult is the outcome of applying a receipt against open debts
// 入庫による債務消込の結果
type SettlementResult struct {
	ProductID   string                    `json:"product_id"`
	ReceiptRef  string                    `json:"receipt_ref"`
	QtyReceived decimal.Decimal           `json:"qty_received"`
	QtySettled  decimal.Decimal           `json:"qty_settled"`
	QtyLeftover decimal.Decimal           `json:"qty_leftover"`
	Settlements []*MaterialDebtSettlement `json:"settlements"`
	Debts       []*MaterialDebt           `json:"debts"`
	LeftoverLot *StockLot                 `json:"leftover_lot,omitempty"`
}

// NewDebtLedger creates a new debt ledger
func NewDebtLedger(config *Config, stock *StockLedger, logger *zap.Logger, now func() time.Time) *DebtLedger {
	return &DebtLedger{config: config, stock: stock, logger: logger, now: now}
}

// Raise creates the debt of (work order, product) or increments the open one
// 債務を新規作成、または既存の未済債務に加算
func (d *DebtLedger) Raise(ctx context.Context, tx Tx, workOrderID, productID string, qty, shortfallPct decimal.Decimal, actor string) (*MaterialDebt, error) {
	risk := riskForShortfall(shortfallPct)
	now := d.now()

	debt, err := tx.FindOpenDebtForUpdate(ctx, workOrderID, productID)
	if err != nil && !errors.Is(err, ErrDebtNotFound) {
		return nil, wrapStorage("find_debt", "債務取得に失敗しました", err)
	}
	if debt != nil {
		debt.TotalDebtQty = debt.TotalDebtQty.Add(qty)
		debt.BalanceQty = debt.TotalDebtQty.Sub(debt.SettledQty)
		if riskRank(risk) > riskRank(debt.RiskLevel) {
			debt.RiskLevel = risk
			debt.ShortfallPct = shortfallPct
		}
		debt.Version++
		debt.UpdatedAt = now
		if err := tx.SaveDebt(ctx, debt); err != nil {
			return nil, wrapStorage("update_debt", "債務更新に失敗しました", err)
		}
		return debt, nil
	}

	debt = &MaterialDebt{
		ID:           NewID(),
		ProductID:    productID,
		WorkOrderID:  workOrderID,
		TotalDebtQty: qty,
		SettledQty:   decimal.Zero,
		BalanceQty:   qty,
		Status:       DebtActive,
		RiskLevel:    risk,
		ShortfallPct: shortfallPct,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
		CreatedBy:    actor,
	}
	if err := tx.CreateDebt(ctx, debt); err != nil {
		return nil, wrapStorage("create_debt", "債務作成に失敗しました", err)
	}
	d.logger.Info("材料債務を計上しました",
		zap.String("debt_id", debt.ID),
		zap.String("product_id", productID),
		zap.String("work_order_id", workOrderID),
		zap.String("qty", qty.String()),
		zap.String("risk_level", string(risk)))
	return debt, nil
}

// apply settles qty against one debt and appends the settlement entry
func (d *DebtLedger) apply(ctx context.Context, tx Tx, debt *MaterialDebt, qty decimal.Decimal, ref, actor string) (*MaterialDebtSettlement, error) {
	next := DebtPartialPaid
	if qty.Equal(debt.BalanceQty) {
		next = DebtFullyPaid
	}
	if !debt.Status.CanTransition(next) {
		return nil, &InvalidTransitionError{Entity: "material_debt", ID: debt.ID, From: string(debt.Status), To: string(next)}
	}
	now := d.now()
	debt.SettledQty = debt.SettledQty.Add(qty)
	debt.BalanceQty = debt.TotalDebtQty.Sub(debt.SettledQty)
	debt.Status = next
	debt.Version++
	debt.UpdatedAt = now
	if err := tx.SaveDebt(ctx, debt); err != nil {
		return nil, wrapStorage("update_debt", "債務更新に失敗しました", err)
	}
	settlement := &MaterialDebtSettlement{
		ID:               NewID(),
		DebtID:           debt.ID,
		ProductID:        debt.ProductID,
		Qty:              qty,
		SourceReceiptRef: ref,
		SettledBy:        actor,
		SettledAt:        now,
	}
	if err := tx.AppendSettlement(ctx, settlement); err != nil {
		return nil, wrapStorage("append_settlement", "消込記録に失敗しました", err)
	}
	return settlement, nil
}

// AutoSettle applies a goods receipt to the product's open debts oldest first.
// Whatever is left becomes a new lot at the receiving location.
// 入庫数量で古い債務から順に消込し、残りを在庫として計上
func (d *DebtLedger) AutoSettle(ctx context.Context, tx Tx, productID string, qty decimal.Decimal, receiptRef, actor string) (*SettlementResult, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if err := ValidatePositive("qty", qty); err != nil {
		return nil, err
	}
	if err := ValidateRequired("receipt_ref", receiptRef); err != nil {
		return nil, err
	}

	// 債務計上と同じ順序（品目ロック→在庫）でロックする
	if err := tx.LockProductDebts(ctx, productID); err != nil {
		return nil, wrapStorage("lock_product", "品目ロックの取得に失敗しました", err)
	}
	debts, err := tx.ListOpenDebtsForUpdate(ctx, productID)
	if err != nil {
		return nil, wrapStorage("list_debts", "債務一覧の取得に失敗しました", err)
	}

	result := &SettlementResult{
		ProductID:   productID,
		ReceiptRef:  receiptRef,
		QtyReceived: qty,
		QtySettled:  decimal.Zero,
	}
	remaining := qty
	for _, debt := range debts {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(remaining, debt.BalanceQty)
		if !take.IsPositive() {
			continue
		}
		s, err := d.apply(ctx, tx, debt, take, receiptRef, actor)
		if err != nil {
			return nil, err
		}
		result.Settlements = append(result.Settlements, s)
		result.Debts = append(result.Debts, debt)
		result.QtySettled = result.QtySettled.Add(take)
		remaining = remaining.Sub(take)
	}

	result.QtyLeftover = remaining
	if remaining.IsPositive() {
		lot, err := d.stock.Receive(ctx, tx, productID, d.config.ReceivingLocationID, remaining, receiptRef, actor)
		if err != nil {
			return nil, err
		}
		result.LeftoverLot = lot
	}
	return result, nil
}

// Settle applies a manual settlement; an older open debt for the product must be cleared first
// 手動消込（同一品目の古い債務が残っている場合は拒否）
func (d *DebtLedger) Settle(ctx context.Context, tx Tx, debtID string, qty decimal.Decimal, ref, actor string) (*MaterialDebt, *MaterialDebtSettlement, error) {
	if err := ValidatePositive("qty", qty); err != nil {
		return nil, nil, err
	}
	debt, err := d.load(ctx, tx, debtID)
	if err != nil {
		return nil, nil, err
	}
	if !debt.Status.Open() {
		return nil, nil, &InvalidTransitionError{Entity: "material_debt", ID: debt.ID, From: string(debt.Status), To: string(DebtPartialPaid)}
	}
	if qty.GreaterThan(debt.BalanceQty) {
		return nil, nil, NewBusinessRuleError("settlement_exceeds_balance", "消込数量が債務残高を超えています",
			debt.ID+" 残高="+debt.BalanceQty.String()+" 消込="+qty.String())
	}

	open, err := tx.ListOpenDebtsForUpdate(ctx, debt.ProductID)
	if err != nil {
		return nil, nil, wrapStorage("list_debts", "債務一覧の取得に失敗しました", err)
	}
	if len(open) > 0 && open[0].ID != debt.ID {
		return nil, nil, NewBusinessRuleError("fifo_settlement", "古い債務から消込する必要があります",
			"先行債務="+open[0].ID+" 品目="+debt.ProductID)
	}

	s, err := d.apply(ctx, tx, debt, qty, ref, actor)
	if err != nil {
		return nil, nil, err
	}
	return debt, s, nil
}

// WriteOff closes a debt without settlement; the reason is mandatory
// 債務を償却（理由必須、取り消し不可）
func (d *DebtLedger) WriteOff(ctx context.Context, tx Tx, debtID, reason string) (*MaterialDebt, error) {
	if err := ValidateRequired("reason", reason); err != nil {
		return nil, err
	}
	debt, err := d.load(ctx, tx, debtID)
	if err != nil {
		return nil, err
	}
	if !debt.Status.CanTransition(DebtWrittenOff) {
		return nil, &InvalidTransitionError{Entity: "material_debt", ID: debt.ID, From: string(debt.Status), To: string(DebtWrittenOff)}
	}
	debt.Status = DebtWrittenOff
	debt.WriteOffReason = reason
	debt.Version++
	debt.UpdatedAt = d.now()
	if err := tx.SaveDebt(ctx, debt); err != nil {
		return nil, wrapStorage("update_debt", "債務更新に失敗しました", err)
	}
	d.logger.Info("材料債務を償却しました",
		zap.String("debt_id", debt.ID),
		zap.String("balance", debt.BalanceQty.String()),
		zap.String("reason", reason))
	return debt, nil
}

// ReassessRisk changes the risk level of an open debt without touching its balance
// リスクレベルの再評価（残高は変更しない）
func (d *DebtLedger) ReassessRisk(ctx context.Context, tx Tx, debtID string, level RiskLevel) (*MaterialDebt, error) {
	if !level.Valid() {
		return nil, NewValidationError("risk_level", "無効なリスクレベルです", string(level))
	}
	debt, err := d.load(ctx, tx, debtID)
	if err != nil {
		return nil, err
	}
	if !debt.Status.Open() {
		return nil, NewBusinessRuleError("debt_closed", "完了済みの債務は再評価できません", debt.ID)
	}
	debt.RiskLevel = level
	debt.Version++
	debt.UpdatedAt = d.now()
	if err := tx.SaveDebt(ctx, debt); err != nil {
		return nil, wrapStorage("update_debt", "債務更新に失敗しました", err)
	}
	return debt, nil
}

func (d *DebtLedger) load(ctx context.Context, tx Tx, debtID string) (*MaterialDebt, error) {
	if err := ValidateRequired("debt_id", debtID); err != nil {
		return nil, err
	}
	debt, err := tx.GetDebtForUpdate(ctx, debtID)
	if err != nil {
		return nil, wrapStorage("get_debt", "債務取得に失敗しました", err)
	}
	return debt, nil
}
