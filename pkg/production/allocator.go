package production

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Allocator draws raw materials for work orders FIFO and falls back to debt
// 作業指示に材料を先入先出で引当し、不足分は債務に回す
type Allocator struct {
	config *Config
	stock  *StockLedger
	debts  *DebtLedger
	logger *zap.Logger
	now    func() time.Time
}

// AllocationResult is the outcome of allocating one work order
// 材料引当の結果
type AllocationResult struct {
	WorkOrderID string                `json:"work_order_id"`
	Allocations []*MaterialAllocation `json:"allocations"`
	Skipped     []string              `json:"skipped,omitempty"` // 既に引当済みの材料
	Shortfalls  []Shortfall           `json:"shortfalls,omitempty"`
	Debts       []*MaterialDebt       `json:"debts,omitempty"`
}

// NewAllocator creates a new material allocator
func NewAllocator(config *Config, stock *StockLedger, debts *DebtLedger, logger *zap.Logger, now func() time.Time) *Allocator {
	return &Allocator{config: config, stock: stock, debts: debts, logger: logger, now: now}
}

type allocationPlan struct {
	req      MaterialRequirement
	quant    *StockQuant
	fromLots decimal.Decimal
	short    decimal.Decimal
}

// Allocate covers every material requirement of a work order.
// Without allowDebt any shortfall rejects the whole allocation and nothing is written.
// 作業指示の材料を引当（債務不可の場合、不足があれば全体を拒否）
func (a *Allocator) Allocate(ctx context.Context, tx Tx, wo *WorkOrder, allowDebt bool, actor string) (*AllocationResult, error) {
	dept, err := a.config.Department(wo.Department)
	if err != nil {
		return nil, err
	}
	location := dept.MaterialLocation(a.config.ReceivingLocationID)

	existing, err := tx.ListAllocations(ctx, wo.ID)
	if err != nil {
		return nil, wrapStorage("list_allocations", "引当一覧の取得に失敗しました", err)
	}
	done := make(map[string]bool, len(existing))
	for _, alloc := range existing {
		done[alloc.MaterialID] = true
	}

	result := &AllocationResult{WorkOrderID: wo.ID}
	var plans []*allocationPlan

	// 1回目: 在庫をロックして不足を算出
	for _, req := range wo.Materials {
		if done[req.MaterialID] {
			result.Skipped = append(result.Skipped, req.MaterialID)
			continue
		}
		if allowDebt {
			// 入荷消込と競合しないよう在庫より先に品目をロック
			if err := tx.LockProductDebts(ctx, req.MaterialID); err != nil {
				return nil, wrapStorage("lock_product", "品目ロックの取得に失敗しました", err)
			}
		}
		q, _, err := a.stock.quant(ctx, tx, req.MaterialID, location, true)
		if err != nil {
			return nil, err
		}
		available := decimal.Max(q.Available(), decimal.Zero)
		take := decimal.Min(available, req.Qty)
		plan := &allocationPlan{req: req, quant: q, fromLots: take, short: req.Qty.Sub(take)}
		if plan.short.IsPositive() {
			result.Shortfalls = append(result.Shortfalls, Shortfall{MaterialID: req.MaterialID, Needed: req.Qty, Available: available})
		}
		plans = append(plans, plan)
	}

	if len(result.Shortfalls) > 0 && !allowDebt {
		a.logger.Warn("材料が不足しているため引当を拒否しました",
			zap.String("work_order_id", wo.ID),
			zap.String("department", wo.Department),
			zap.Int("shortfalls", len(result.Shortfalls)))
		return nil, &AllocationShortfallError{WorkOrderID: wo.ID, Department: wo.Department, Shortfalls: result.Shortfalls}
	}

	// 2回目: 払い出しと債務計上
	for _, plan := range plans {
		alloc := &MaterialAllocation{
			ID:           NewID(),
			WorkOrderID:  wo.ID,
			MaterialID:   plan.req.MaterialID,
			LocationID:   location,
			QtyNeeded:    plan.req.Qty,
			QtyAllocated: plan.fromLots,
			QtyFromDebt:  plan.short,
			CreatedAt:    a.now(),
			CreatedBy:    actor,
		}
		if plan.fromLots.IsPositive() {
			draws, err := a.stock.Issue(ctx, tx, plan.quant, plan.fromLots, actor)
			if err != nil {
				return nil, err
			}
			alloc.Draws = draws
		}

		switch {
		case !plan.short.IsPositive():
			alloc.Status = AllocationAllocated
		case plan.fromLots.IsPositive():
			alloc.Status = AllocationPartial
		default:
			alloc.Status = AllocationPendingDebt
		}

		if plan.short.IsPositive() {
			pct := plan.short.Div(plan.req.Qty).Mul(hundred)
			debt, err := a.debts.Raise(ctx, tx, wo.ID, plan.req.MaterialID, plan.short, pct, actor)
			if err != nil {
				return nil, err
			}
			alloc.DebtID = debt.ID
			result.Debts = append(result.Debts, debt)
		}

		if err := tx.SaveAllocation(ctx, alloc); err != nil {
			return nil, wrapStorage("save_allocation", "引当の保存に失敗しました", err)
		}
		result.Allocations = append(result.Allocations, alloc)
	}

	a.logger.Info("材料を引当しました",
		zap.String("work_order_id", wo.ID),
		zap.String("department", wo.Department),
		zap.Int("allocations", len(result.Allocations)),
		zap.Int("debts", len(result.Debts)))
	return result, nil
}
