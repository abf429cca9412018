package production

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Scheduler persists explosion output as linked work orders and tracks their readiness
// 展開結果を作業指示として保存し、着手可否を管理する
type Scheduler struct {
	config *Config
	stock  *StockLedger
	logger *zap.Logger
	now    func() time.Time
}

// ScheduleResult is a persisted production request with its work orders
// 生産依頼と作業指示の登録結果
type ScheduleResult struct {
	Request    *ProductionRequest `json:"request"`
	WorkOrders []*WorkOrder       `json:"work_orders"`
}

// InputReadiness reports delivery progress of one input WIP
type InputReadiness struct {
	WIPID         string          `json:"wip_id"`
	PredecessorID string          `json:"predecessor_id"`
	Required      decimal.Decimal `json:"required"`
	Delivered     decimal.Decimal `json:"delivered"`
}

// Readiness is the answer to is_ready
// 着手可否の判定結果
type Readiness struct {
	WorkOrderID      string           `json:"work_order_id"`
	Ready            bool             `json:"ready"`
	Status           WorkOrderStatus  `json:"status"`
	Inputs           []InputReadiness `json:"inputs"`
	MaterialsCovered bool             `json:"materials_covered"`
	MissingMaterials []string         `json:"missing_materials,omitempty"`
}

// NewScheduler creates a new work order scheduler
func NewScheduler(config *Config, stock *StockLedger, logger *zap.Logger, now func() time.Time) *Scheduler {
	return &Scheduler{config: config, stock: stock, logger: logger, now: now}
}

// Persist stores the request and one work order per stage, linking inputs to their producers
// 生産依頼と工程ごとの作業指示を保存し、前工程と紐付ける
func (s *Scheduler) Persist(ctx context.Context, tx Tx, finishedGoodID string, qty decimal.Decimal, specs []WorkOrderSpec, actor string) (*ScheduleResult, error) {
	now := s.now()
	req := &ProductionRequest{
		ID:             NewID(),
		FinishedGoodID: finishedGoodID,
		Quantity:       qty,
		CreatedBy:      actor,
		CreatedAt:      now,
	}
	if err := tx.CreateRequest(ctx, req); err != nil {
		return nil, wrapStorage("create_request", "生産依頼の作成に失敗しました", err)
	}

	// 深い工程から並んでいるため、前工程は常に先に作成済み
	producer := make(map[string]*WorkOrder, len(specs))
	result := &ScheduleResult{Request: req}
	for _, spec := range specs {
		wo := &WorkOrder{
			ID:          NewID(),
			RequestID:   req.ID,
			Department:  spec.Department,
			Sequence:    spec.Sequence,
			Depth:       spec.Depth,
			OutputWIPID: spec.ProductID,
			Materials:   spec.Materials,
			BaseQty:     spec.BaseQty,
			BufferPct:   spec.BufferPct,
			TargetQty:   spec.TargetQty,
			OutputQty:   decimal.Zero,
			Status:      WorkOrderPending,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		for _, in := range spec.Inputs {
			pred, ok := producer[in.WIPID]
			if !ok {
				return nil, NewBusinessRuleError("stage_order", "前工程の作業指示が見つかりません", spec.ProductID+"<-"+in.WIPID)
			}
			wo.InputWIPIDs = append(wo.InputWIPIDs, in.WIPID)
			wo.Inputs = append(wo.Inputs, WorkOrderInput{WIPID: in.WIPID, RequiredQty: in.Qty, PredecessorID: pred.ID})
		}
		if err := tx.CreateWorkOrder(ctx, wo); err != nil {
			return nil, wrapStorage("create_work_order", "作業指示の作成に失敗しました", err)
		}
		producer[spec.ProductID] = wo
		result.WorkOrders = append(result.WorkOrders, wo)
	}

	s.logger.Info("作業指示を登録しました",
		zap.String("request_id", req.ID),
		zap.String("finished_good_id", finishedGoodID),
		zap.String("quantity", qty.String()),
		zap.Int("work_orders", len(result.WorkOrders)))
	return result, nil
}

// Evaluate computes readiness without changing state
// 着手可否を判定（状態は変更しない）
func (s *Scheduler) Evaluate(ctx context.Context, tx Tx, wo *WorkOrder) (*Readiness, error) {
	r := &Readiness{WorkOrderID: wo.ID, Status: wo.Status, MaterialsCovered: true}
	inputsOK := true

	for _, in := range wo.Inputs {
		ir := InputReadiness{WIPID: in.WIPID, PredecessorID: in.PredecessorID, Required: in.RequiredQty, Delivered: decimal.Zero}
		pred, err := tx.GetWorkOrderForUpdate(ctx, in.PredecessorID)
		if err != nil {
			return nil, wrapStorage("get_work_order", "作業指示の取得に失敗しました", err)
		}
		if pred.Department == wo.Department {
			// 同一部門内の前工程は引き渡し不要
			if pred.Status == WorkOrderFinished {
				ir.Delivered = pred.OutputQty
			}
		} else {
			transfers, err := tx.ListTransfers(ctx, TransferFilter{
				ToDept:            wo.Department,
				ProductID:         in.WIPID,
				SourceWorkOrderID: in.PredecessorID,
				Status:            TransferCompleted,
			})
			if err != nil {
				return nil, wrapStorage("list_transfers", "引き渡し一覧の取得に失敗しました", err)
			}
			for _, t := range transfers {
				if t.QtyReceived != nil {
					ir.Delivered = ir.Delivered.Add(*t.QtyReceived)
				}
			}
		}
		if ir.Delivered.LessThan(ir.Required) {
			inputsOK = false
		}
		r.Inputs = append(r.Inputs, ir)
	}

	if len(wo.Materials) > 0 {
		allocs, err := tx.ListAllocations(ctx, wo.ID)
		if err != nil {
			return nil, wrapStorage("list_allocations", "引当一覧の取得に失敗しました", err)
		}
		covered := make(map[string]bool, len(allocs))
		for _, a := range allocs {
			if a.Covered() {
				covered[a.MaterialID] = true
			}
		}
		for _, m := range wo.Materials {
			if !covered[m.MaterialID] {
				r.MaterialsCovered = false
				r.MissingMaterials = append(r.MissingMaterials, m.MaterialID)
			}
		}
	}

	r.Ready = inputsOK && r.MaterialsCovered
	return r, nil
}

// Refresh evaluates readiness and persists PENDING -> READY
// 着手可否を判定し、可能ならREADYに更新
func (s *Scheduler) Refresh(ctx context.Context, tx Tx, wo *WorkOrder) (*Readiness, bool, error) {
	r, err := s.Evaluate(ctx, tx, wo)
	if err != nil {
		return nil, false, err
	}
	if !r.Ready || wo.Status != WorkOrderPending {
		return r, false, nil
	}
	if err := s.transition(ctx, tx, wo, WorkOrderReady); err != nil {
		return nil, false, err
	}
	r.Status = wo.Status
	return r, true, nil
}

// Start moves a READY work order to RUNNING
func (s *Scheduler) Start(ctx context.Context, tx Tx, wo *WorkOrder) error {
	return s.transition(ctx, tx, wo, WorkOrderRunning)
}

// Advance records the actual output, finishes the work order and re-evaluates its successors.
// The output is booked as a lot at the department's location.
// 実績数量を記録して作業指示を完了し、後工程の着手可否を再判定
func (s *Scheduler) Advance(ctx context.Context, tx Tx, wo *WorkOrder, outputQty decimal.Decimal, actor string) ([]*WorkOrder, error) {
	if err := ValidatePositive("output_qty", outputQty); err != nil {
		return nil, err
	}
	if wo.Status == WorkOrderPending {
		if _, _, err := s.Refresh(ctx, tx, wo); err != nil {
			return nil, err
		}
	}
	if !wo.Status.CanTransition(WorkOrderFinished) {
		return nil, &InvalidTransitionError{Entity: "work_order", ID: wo.ID, From: string(wo.Status), To: string(WorkOrderFinished)}
	}
	dept, err := s.config.Department(wo.Department)
	if err != nil {
		return nil, err
	}
	if _, err := s.stock.Receive(ctx, tx, wo.OutputWIPID, dept.LocationID, outputQty, wo.ID, actor); err != nil {
		return nil, err
	}
	now := s.now()
	wo.OutputQty = outputQty
	wo.FinishedAt = &now
	if err := s.transition(ctx, tx, wo, WorkOrderFinished); err != nil {
		return nil, err
	}

	siblings, err := tx.ListWorkOrdersByRequest(ctx, wo.RequestID)
	if err != nil {
		return nil, wrapStorage("list_work_orders", "作業指示一覧の取得に失敗しました", err)
	}
	var promoted []*WorkOrder
	for _, next := range siblings {
		if next.Status != WorkOrderPending || !dependsOn(next, wo.ID) {
			continue
		}
		succ, err := tx.GetWorkOrderForUpdate(ctx, next.ID)
		if err != nil {
			return nil, wrapStorage("get_work_order", "作業指示の取得に失敗しました", err)
		}
		_, changed, err := s.Refresh(ctx, tx, succ)
		if err != nil {
			return nil, err
		}
		if changed {
			promoted = append(promoted, succ)
		}
	}
	s.logger.Info("作業指示が完了しました",
		zap.String("work_order_id", wo.ID),
		zap.String("output_wip_id", wo.OutputWIPID),
		zap.String("output_qty", outputQty.String()),
		zap.Int("promoted", len(promoted)))
	return promoted, nil
}

// ReviseTarget changes target_qty of a PENDING work order; an approval reference is mandatory
// 着手前の目標数量を変更（承認番号必須）
func (s *Scheduler) ReviseTarget(ctx context.Context, tx Tx, wo *WorkOrder, newTarget decimal.Decimal, approvalRef, actor string) error {
	if err := ValidatePositive("target_qty", newTarget); err != nil {
		return err
	}
	if err := ValidateRequired("approval_ref", approvalRef); err != nil {
		return err
	}
	if wo.Status != WorkOrderPending {
		return NewBusinessRuleError("target_frozen", "着手可能以降の作業指示は目標数量を変更できません", wo.ID+" 状態="+string(wo.Status))
	}
	now := s.now()
	wo.TargetRevisions = append(wo.TargetRevisions, TargetRevision{
		OldQty:      wo.TargetQty,
		NewQty:      newTarget,
		ApprovalRef: approvalRef,
		RevisedBy:   actor,
		RevisedAt:   now,
	})
	wo.TargetQty = newTarget
	return s.save(ctx, tx, wo)
}

func (s *Scheduler) transition(ctx context.Context, tx Tx, wo *WorkOrder, next WorkOrderStatus) error {
	if !wo.Status.CanTransition(next) {
		return &InvalidTransitionError{Entity: "work_order", ID: wo.ID, From: string(wo.Status), To: string(next)}
	}
	wo.Status = next
	return s.save(ctx, tx, wo)
}

func (s *Scheduler) save(ctx context.Context, tx Tx, wo *WorkOrder) error {
	wo.Version++
	wo.UpdatedAt = s.now()
	return wrapStorage("update_work_order", "作業指示の更新に失敗しました", tx.SaveWorkOrder(ctx, wo))
}

func dependsOn(wo *WorkOrder, predecessorID string) bool {
	for _, in := range wo.Inputs {
		if in.PredecessorID == predecessorID {
			return true
		}
	}
	return false
}
