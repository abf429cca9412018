package production

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type contextKey string

const actorKey contextKey = "user_id"

// WithActor attaches the caller identity to ctx
// 呼び出し元のユーザーIDをコンテキストに設定
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the caller identity, or "system"
// コンテキストからユーザーIDを取得
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return "system"
}

// Manager implements the Engine interface
// Engineインターフェースの実装
type Manager struct {
	catalog   Catalog        // 品目・部品表マスタ
	storage   Storage        // ストレージ層
	publisher EventPublisher // イベント発行者
	logger    *zap.Logger    // ログ
	config    *Config        // 設定
	metrics   *Metrics       // メトリクス
	now       func() time.Time

	exploder  *Exploder
	stock     *StockLedger
	debts     *DebtLedger
	allocator *Allocator
	gate      *LineGate
	handshake *Handshake
	scheduler *Scheduler
}

// すべてのインターフェースを実装することを明示
var _ Engine = (*Manager)(nil)

// NewManager creates a new production manager
// 新しい生産マネージャーを作成
func NewManager(catalog Catalog, storage Storage, publisher EventPublisher, logger *zap.Logger, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	config.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		catalog:   catalog,
		storage:   storage,
		publisher: publisher,
		logger:    logger,
		config:    config,
		now:       time.Now,
	}
	clock := func() time.Time { return m.now() }

	m.exploder = NewExploder(catalog, config, logger.Named("explosion"))
	m.stock = NewStockLedger(logger.Named("stock"), clock)
	m.debts = NewDebtLedger(config, m.stock, logger.Named("debt"), clock)
	m.allocator = NewAllocator(config, m.stock, m.debts, logger.Named("allocator"), clock)
	m.gate = NewLineGate(config, logger.Named("line"), clock)
	m.handshake = NewHandshake(config, m.stock, m.gate, logger.Named("handshake"), clock)
	m.scheduler = NewScheduler(config, m.stock, logger.Named("scheduler"), clock)
	return m
}

// SetMetrics attaches Prometheus collectors
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// SetClock replaces the time source
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Config returns the active configuration
func (m *Manager) Config() *Config {
	return m.config
}

// withTx runs fn in a transaction, retrying lost races up to MaxRetryAttempts
// トランザクションを実行し、競合時は上限回数まで再試行
func (m *Manager) withTx(ctx context.Context, operation, resource string, fn func(tx Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := m.storage.WithTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		if attempt >= m.config.MaxRetryAttempts {
			m.logger.Error("競合による再試行の上限に達しました",
				zap.String("operation", operation),
				zap.String("resource", resource),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return NewConcurrencyError(operation, resource, err.Error(), attempt)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		m.metrics.retry(operation)
		m.logger.Warn("競合が発生したため再試行します",
			zap.String("operation", operation),
			zap.String("resource", resource),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

// publish runs event emission after commit; failures are only logged
func (m *Manager) publish(ctx context.Context, kind string, fn func(EventPublisher) error) {
	if m.publisher == nil {
		return
	}
	if err := fn(m.publisher); err != nil {
		m.logger.Error("イベント発行に失敗しました", zap.String("event", kind), zap.Error(err))
	}
}

func (m *Manager) workOrderEvent(ctx context.Context, wo *WorkOrder, old WorkOrderStatus) {
	e := WorkOrderChangedEvent{
		WorkOrderID: wo.ID,
		RequestID:   wo.RequestID,
		Department:  wo.Department,
		OldStatus:   old,
		NewStatus:   wo.Status,
		Timestamp:   m.now(),
		UserID:      ActorFromContext(ctx),
	}
	m.publish(ctx, "work_order_changed", func(p EventPublisher) error { return p.PublishWorkOrderChanged(ctx, e) })
}

func (m *Manager) transferEvent(ctx context.Context, t *TransferRecord, old TransferState, reason string) {
	m.metrics.transfer(t.Status)
	e := TransferChangedEvent{
		TransferID: t.ID,
		FromDept:   t.FromDept,
		ToDept:     t.ToDept,
		ToLine:     t.ToLine,
		ArticleID:  t.ArticleID,
		OldStatus:  old,
		NewStatus:  t.Status,
		Reason:     reason,
		Timestamp:  m.now(),
		UserID:     ActorFromContext(ctx),
	}
	m.publish(ctx, "transfer_changed", func(p EventPublisher) error { return p.PublishTransferChanged(ctx, e) })
}

func (m *Manager) debtEvent(ctx context.Context, d *MaterialDebt, change string, qty decimal.Decimal, ref string) {
	e := DebtChangedEvent{
		DebtID:     d.ID,
		ProductID:  d.ProductID,
		ChangeType: change,
		Qty:        qty,
		Balance:    d.BalanceQty,
		Status:     d.Status,
		RiskLevel:  d.RiskLevel,
		Reference:  ref,
		Timestamp:  m.now(),
		UserID:     ActorFromContext(ctx),
	}
	m.publish(ctx, "debt_changed", func(p EventPublisher) error { return p.PublishDebtChanged(ctx, e) })
}

func (m *Manager) lineEvent(ctx context.Context, l *LineOccupancy, old LineStatus) {
	e := LineChangedEvent{
		Department: l.Department,
		LineID:     l.LineID,
		OldStatus:  old,
		NewStatus:  l.Status,
		ArticleID:  l.CurrentArticleID,
		Timestamp:  m.now(),
		UserID:     ActorFromContext(ctx),
	}
	m.publish(ctx, "line_changed", func(p EventPublisher) error { return p.PublishLineChanged(ctx, e) })
}

// ExplodeBOM expands a finished good without persisting anything
// 部品表を展開（保存しない）
func (m *Manager) ExplodeBOM(ctx context.Context, finishedGoodID string, qty decimal.Decimal) ([]WorkOrderSpec, error) {
	specs, err := m.exploder.Explode(ctx, finishedGoodID, qty)
	m.metrics.explosion(err == nil)
	return specs, err
}

// Schedule explodes the request and persists its work orders in one transaction
// 展開結果を作業指示として登録
func (m *Manager) Schedule(ctx context.Context, finishedGoodID string, qty decimal.Decimal) (*ScheduleResult, error) {
	specs, err := m.ExplodeBOM(ctx, finishedGoodID, qty)
	if err != nil {
		return nil, err
	}
	actor := ActorFromContext(ctx)
	var result *ScheduleResult
	err = m.withTx(ctx, "schedule", finishedGoodID, func(tx Tx) error {
		var err error
		result, err = m.scheduler.Persist(ctx, tx, finishedGoodID, qty, specs, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, wo := range result.WorkOrders {
		m.workOrderEvent(ctx, wo, "")
	}
	return result, nil
}

func (m *Manager) loadWorkOrder(ctx context.Context, tx Tx, id string) (*WorkOrder, error) {
	if err := ValidateRequired("work_order_id", id); err != nil {
		return nil, err
	}
	wo, err := tx.GetWorkOrderForUpdate(ctx, id)
	if err != nil {
		return nil, wrapStorage("get_work_order", "作業指示の取得に失敗しました", err)
	}
	return wo, nil
}

// IsReady answers whether a work order may start, promoting PENDING to READY
// 作業指示の着手可否を判定
func (m *Manager) IsReady(ctx context.Context, workOrderID string) (*Readiness, error) {
	var (
		r       *Readiness
		wo      *WorkOrder
		changed bool
	)
	err := m.withTx(ctx, "is_ready", workOrderID, func(tx Tx) error {
		var err error
		if wo, err = m.loadWorkOrder(ctx, tx, workOrderID); err != nil {
			return err
		}
		r, changed, err = m.scheduler.Refresh(ctx, tx, wo)
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		m.workOrderEvent(ctx, wo, WorkOrderPending)
	}
	return r, nil
}

// Start moves a ready work order to RUNNING
// 作業指示を開始
func (m *Manager) Start(ctx context.Context, workOrderID string) (*WorkOrder, error) {
	var (
		wo  *WorkOrder
		old WorkOrderStatus
	)
	err := m.withTx(ctx, "start_work_order", workOrderID, func(tx Tx) error {
		var err error
		if wo, err = m.loadWorkOrder(ctx, tx, workOrderID); err != nil {
			return err
		}
		old = wo.Status
		if wo.Status == WorkOrderPending {
			if _, _, err := m.scheduler.Refresh(ctx, tx, wo); err != nil {
				return err
			}
		}
		return m.scheduler.Start(ctx, tx, wo)
	})
	if err != nil {
		return nil, err
	}
	m.workOrderEvent(ctx, wo, old)
	return wo, nil
}

// Advance records output, finishes the work order and promotes ready successors
// 実績を記録し作業指示を完了
func (m *Manager) Advance(ctx context.Context, workOrderID string, outputQty decimal.Decimal) (*WorkOrder, error) {
	actor := ActorFromContext(ctx)
	var (
		wo       *WorkOrder
		old      WorkOrderStatus
		promoted []*WorkOrder
	)
	err := m.withTx(ctx, "advance_work_order", workOrderID, func(tx Tx) error {
		var err error
		if wo, err = m.loadWorkOrder(ctx, tx, workOrderID); err != nil {
			return err
		}
		old = wo.Status
		promoted, err = m.scheduler.Advance(ctx, tx, wo, outputQty, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.workOrderEvent(ctx, wo, old)
	for _, next := range promoted {
		m.workOrderEvent(ctx, next, WorkOrderPending)
	}
	return wo, nil
}

// ReviseTarget changes the target of a PENDING work order with an approval reference
// 着手前の目標数量を変更
func (m *Manager) ReviseTarget(ctx context.Context, workOrderID string, newTarget decimal.Decimal, approvalRef string) (*WorkOrder, error) {
	actor := ActorFromContext(ctx)
	var wo *WorkOrder
	err := m.withTx(ctx, "revise_target", workOrderID, func(tx Tx) error {
		var err error
		if wo, err = m.loadWorkOrder(ctx, tx, workOrderID); err != nil {
			return err
		}
		return m.scheduler.ReviseTarget(ctx, tx, wo, newTarget, approvalRef, actor)
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("目標数量を変更しました",
		zap.String("work_order_id", wo.ID),
		zap.String("target_qty", wo.TargetQty.String()),
		zap.String("approval_ref", approvalRef))
	return wo, nil
}

// GetWorkOrder returns a work order
func (m *Manager) GetWorkOrder(ctx context.Context, workOrderID string) (*WorkOrder, error) {
	var wo *WorkOrder
	err := m.withTx(ctx, "get_work_order", workOrderID, func(tx Tx) error {
		var err error
		wo, err = m.loadWorkOrder(ctx, tx, workOrderID)
		return err
	})
	return wo, err
}

// AllocateMaterials allocates the raw materials of a work order
// 作業指示の材料を引当
func (m *Manager) AllocateMaterials(ctx context.Context, workOrderID string, allowDebt bool) (*AllocationResult, error) {
	actor := ActorFromContext(ctx)
	var (
		result   *AllocationResult
		wo       *WorkOrder
		promoted bool
	)
	err := m.withTx(ctx, "allocate_materials", workOrderID, func(tx Tx) error {
		var err error
		if wo, err = m.loadWorkOrder(ctx, tx, workOrderID); err != nil {
			return err
		}
		if wo.Status == WorkOrderFinished {
			return NewBusinessRuleError("work_order_finished", "完了済みの作業指示には引当できません", wo.ID)
		}
		if result, err = m.allocator.Allocate(ctx, tx, wo, allowDebt, actor); err != nil {
			return err
		}
		_, promoted, err = m.scheduler.Refresh(ctx, tx, wo)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, a := range result.Allocations {
		m.metrics.allocation(a.Status)
		e := MaterialAllocatedEvent{
			WorkOrderID:  a.WorkOrderID,
			MaterialID:   a.MaterialID,
			QtyAllocated: a.QtyAllocated,
			QtyFromDebt:  a.QtyFromDebt,
			Status:       a.Status,
			Timestamp:    m.now(),
			UserID:       actor,
		}
		m.publish(ctx, "material_allocated", func(p EventPublisher) error { return p.PublishMaterialAllocated(ctx, e) })
	}
	for _, d := range result.Debts {
		m.metrics.debt(d.RiskLevel)
		m.debtEvent(ctx, d, "raised", d.TotalDebtQty, wo.ID)
	}
	if promoted {
		m.workOrderEvent(ctx, wo, WorkOrderPending)
	}
	return result, nil
}

// SettleDebt applies a manual settlement to one debt
// 債務を手動で消込
func (m *Manager) SettleDebt(ctx context.Context, debtID string, qty decimal.Decimal, ref string) (*MaterialDebt, error) {
	actor := ActorFromContext(ctx)
	var debt *MaterialDebt
	err := m.withTx(ctx, "settle_debt", debtID, func(tx Tx) error {
		var err error
		debt, _, err = m.debts.Settle(ctx, tx, debtID, qty, ref, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.metrics.settlements(1)
	m.debtEvent(ctx, debt, "settled", qty, ref)
	return debt, nil
}

// AutoSettleFromGRN settles a goods receipt against open debts of the product, oldest first
// 入庫で債務を自動消込
func (m *Manager) AutoSettleFromGRN(ctx context.Context, productID string, qty decimal.Decimal, receiptRef string) (*SettlementResult, error) {
	actor := ActorFromContext(ctx)
	var result *SettlementResult
	err := m.withTx(ctx, "auto_settle_from_grn", productID, func(tx Tx) error {
		var err error
		result, err = m.debts.AutoSettle(ctx, tx, productID, qty, receiptRef, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.metrics.settlements(len(result.Settlements))
	for i, d := range result.Debts {
		m.debtEvent(ctx, d, "settled", result.Settlements[i].Qty, receiptRef)
	}
	m.logger.Info("入庫による債務消込が完了しました",
		zap.String("product_id", productID),
		zap.String("receipt_ref", receiptRef),
		zap.String("qty_settled", result.QtySettled.String()),
		zap.String("qty_leftover", result.QtyLeftover.String()))
	return result, nil
}

// WriteOffDebt closes a debt with a reason
// 債務を償却
func (m *Manager) WriteOffDebt(ctx context.Context, debtID, reason string) (*MaterialDebt, error) {
	var debt *MaterialDebt
	err := m.withTx(ctx, "write_off_debt", debtID, func(tx Tx) error {
		var err error
		debt, err = m.debts.WriteOff(ctx, tx, debtID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.debtEvent(ctx, debt, "written_off", debt.BalanceQty, reason)
	return debt, nil
}

// ReassessDebtRisk changes the risk level of a debt
// 債務のリスクレベルを再評価
func (m *Manager) ReassessDebtRisk(ctx context.Context, debtID string, level RiskLevel) (*MaterialDebt, error) {
	var debt *MaterialDebt
	err := m.withTx(ctx, "reassess_debt_risk", debtID, func(tx Tx) error {
		var err error
		debt, err = m.debts.ReassessRisk(ctx, tx, debtID, level)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.debtEvent(ctx, debt, "reassessed", decimal.Zero, string(level))
	return debt, nil
}

// ListOpenDebts returns the open debts of a product in settlement order
func (m *Manager) ListOpenDebts(ctx context.Context, productID string) ([]*MaterialDebt, error) {
	var debts []*MaterialDebt
	err := m.withTx(ctx, "list_open_debts", productID, func(tx Tx) error {
		var err error
		debts, err = tx.ListOpenDebtsForUpdate(ctx, productID)
		return wrapStorage("list_debts", "債務一覧の取得に失敗しました", err)
	})
	return debts, err
}

// CreateTransfer initiates a transfer. When the destination line refuses it, the BLOCKED
// record is persisted and returned together with a *LineBlockedError.
// 引き渡しを作成（ブロック時は記録と*LineBlockedErrorを返す）
func (m *Manager) CreateTransfer(ctx context.Context, req TransferRequest) (*TransferRecord, error) {
	actor := ActorFromContext(ctx)
	var (
		t       *TransferRecord
		blocked *LineBlockedError
	)
	err := m.withTx(ctx, "create_transfer", req.ToDept+"/"+req.ToLine, func(tx Tx) error {
		var err error
		t, blocked, err = m.handshake.Create(ctx, tx, req, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.transferEvent(ctx, t, TransferInitiated, string(t.BlockReason))
	if blocked != nil {
		return t, blocked
	}
	return t, nil
}

// RetryTransfer re-evaluates a BLOCKED transfer
// ブロック中の引き渡しを再評価
func (m *Manager) RetryTransfer(ctx context.Context, transferID string) (*TransferRecord, error) {
	actor := ActorFromContext(ctx)
	var (
		t       *TransferRecord
		blocked *LineBlockedError
		old     TransferState
	)
	err := m.withTx(ctx, "retry_transfer", transferID, func(tx Tx) error {
		var err error
		t, blocked, old, err = m.handshake.Retry(ctx, tx, transferID, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.transferEvent(ctx, t, old, string(t.BlockReason))
	if blocked != nil {
		return t, blocked
	}
	return t, nil
}

// AcceptTransfer confirms receipt and re-evaluates the destination work orders
// 受入確認を行い、受入側の作業指示を再判定
func (m *Manager) AcceptTransfer(ctx context.Context, transferID string, qtyReceived decimal.Decimal, acceptedBy string, opts AcceptOptions) (*TransferRecord, error) {
	actor := ActorFromContext(ctx)
	var (
		t        *TransferRecord
		line     *LineOccupancy
		oldLine  LineStatus
		promoted []*WorkOrder
	)
	err := m.withTx(ctx, "accept_transfer", transferID, func(tx Tx) error {
		var err error
		promoted = nil
		if t, line, oldLine, err = m.handshake.Accept(ctx, tx, transferID, qtyReceived, acceptedBy, opts, actor); err != nil {
			return err
		}
		promoted, err = m.refreshDestination(ctx, tx, t)
		return err
	})
	if err != nil {
		var dup *DoubleAcceptanceError
		if errors.As(err, &dup) {
			m.logger.Warn("二重受入を拒否しました", zap.String("transfer_id", transferID))
		}
		return nil, err
	}
	m.transferEvent(ctx, t, TransferLocked, t.OverrideReason)
	m.lineEvent(ctx, line, oldLine)
	for _, wo := range promoted {
		m.workOrderEvent(ctx, wo, WorkOrderPending)
	}
	return t, nil
}

// refreshDestination re-evaluates PENDING work orders fed by the transfer's source work order
func (m *Manager) refreshDestination(ctx context.Context, tx Tx, t *TransferRecord) ([]*WorkOrder, error) {
	if t.SourceWorkOrderID == "" {
		return nil, nil
	}
	src, err := tx.GetWorkOrderForUpdate(ctx, t.SourceWorkOrderID)
	if errors.Is(err, ErrWorkOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStorage("get_work_order", "作業指示の取得に失敗しました", err)
	}
	siblings, err := tx.ListWorkOrdersByRequest(ctx, src.RequestID)
	if err != nil {
		return nil, wrapStorage("list_work_orders", "作業指示一覧の取得に失敗しました", err)
	}
	var promoted []*WorkOrder
	for _, s := range siblings {
		if s.Status != WorkOrderPending || s.Department != t.ToDept || !dependsOn(s, src.ID) {
			continue
		}
		wo, err := tx.GetWorkOrderForUpdate(ctx, s.ID)
		if err != nil {
			return nil, wrapStorage("get_work_order", "作業指示の取得に失敗しました", err)
		}
		_, changed, err := m.scheduler.Refresh(ctx, tx, wo)
		if err != nil {
			return nil, err
		}
		if changed {
			promoted = append(promoted, wo)
		}
	}
	return promoted, nil
}

// CancelTransfer cancels a transfer before acceptance
// 引き渡しを取消
func (m *Manager) CancelTransfer(ctx context.Context, transferID, reason string) (*TransferRecord, error) {
	actor := ActorFromContext(ctx)
	var (
		t   *TransferRecord
		old TransferState
	)
	err := m.withTx(ctx, "cancel_transfer", transferID, func(tx Tx) error {
		var err error
		t, old, err = m.handshake.Cancel(ctx, tx, transferID, reason, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.transferEvent(ctx, t, old, reason)
	return t, nil
}

// GetTransfer returns a transfer record
func (m *Manager) GetTransfer(ctx context.Context, transferID string) (*TransferRecord, error) {
	var t *TransferRecord
	err := m.withTx(ctx, "get_transfer", transferID, func(tx Tx) error {
		var err error
		t, err = m.handshake.load(ctx, tx, transferID)
		return err
	})
	return t, err
}

func (m *Manager) lineID(dept, line string) (string, error) {
	if line != "" {
		return line, nil
	}
	return m.config.DefaultLine(dept)
}

// AcknowledgeLineClearance records an operator clearance; an empty line means the default line
// ラインの切替確認を記録
func (m *Manager) AcknowledgeLineClearance(ctx context.Context, dept, line string, method ClearanceMethod, evidenceRef string) (*LineOccupancy, error) {
	actor := ActorFromContext(ctx)
	lineID, err := m.lineID(dept, line)
	if err != nil {
		return nil, err
	}
	var (
		l   *LineOccupancy
		old LineStatus
	)
	err = m.withTx(ctx, "acknowledge_line_clearance", dept+"/"+lineID, func(tx Tx) error {
		current, err := m.gate.Load(ctx, tx, dept, lineID)
		if err != nil {
			return err
		}
		old = current.Status
		l, _, err = m.gate.Acknowledge(ctx, tx, dept, lineID, method, evidenceRef, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.lineEvent(ctx, l, old)
	return l, nil
}

// PauseLine stops a line from accepting new transfers
// ラインを一時停止
func (m *Manager) PauseLine(ctx context.Context, dept, line string) (*LineOccupancy, error) {
	return m.changeLine(ctx, "pause_line", dept, line, m.gate.Pause)
}

// ResumeLine resumes a paused line
// ラインを再開
func (m *Manager) ResumeLine(ctx context.Context, dept, line string) (*LineOccupancy, error) {
	return m.changeLine(ctx, "resume_line", dept, line, m.gate.Resume)
}

func (m *Manager) changeLine(ctx context.Context, operation, dept, line string,
	fn func(context.Context, Tx, string, string, string) (*LineOccupancy, LineStatus, error)) (*LineOccupancy, error) {
	actor := ActorFromContext(ctx)
	lineID, err := m.lineID(dept, line)
	if err != nil {
		return nil, err
	}
	var (
		l   *LineOccupancy
		old LineStatus
	)
	err = m.withTx(ctx, operation, dept+"/"+lineID, func(tx Tx) error {
		var err error
		l, old, err = fn(ctx, tx, dept, lineID, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	if old != l.Status {
		m.lineEvent(ctx, l, old)
	}
	return l, nil
}

// GetLine returns the occupancy of a line
func (m *Manager) GetLine(ctx context.Context, dept, line string) (*LineOccupancy, error) {
	lineID, err := m.lineID(dept, line)
	if err != nil {
		return nil, err
	}
	var l *LineOccupancy
	err = m.withTx(ctx, "get_line", dept+"/"+lineID, func(tx Tx) error {
		var err error
		l, err = m.gate.Load(ctx, tx, dept, lineID)
		return err
	})
	return l, err
}

// ReceiveStock books a plain receipt as a new lot
// 入庫を登録
func (m *Manager) ReceiveStock(ctx context.Context, productID, locationID string, qty decimal.Decimal, batchRef string) (*StockLot, error) {
	if err := ValidateProductID(productID); err != nil {
		return nil, err
	}
	if err := ValidateLocationID(locationID); err != nil {
		return nil, err
	}
	actor := ActorFromContext(ctx)
	var lot *StockLot
	err := m.withTx(ctx, "receive_stock", productID+"@"+locationID, func(tx Tx) error {
		var err error
		lot, err = m.stock.Receive(ctx, tx, productID, locationID, qty, batchRef, actor)
		return err
	})
	return lot, err
}

// GetQuant returns the stock aggregate of a product at a location
// 在庫集計を取得
func (m *Manager) GetQuant(ctx context.Context, productID, locationID string) (*StockQuant, error) {
	var q *StockQuant
	err := m.withTx(ctx, "get_quant", productID+"@"+locationID, func(tx Tx) error {
		var err error
		q, _, err = m.stock.quant(ctx, tx, productID, locationID, false)
		return err
	})
	return q, err
}

// ListLots returns the lots with remaining quantity, oldest first
// 残数のあるロットを古い順に取得
func (m *Manager) ListLots(ctx context.Context, productID, locationID string) ([]*StockLot, error) {
	var lots []*StockLot
	err := m.withTx(ctx, "list_lots", productID+"@"+locationID, func(tx Tx) error {
		var err error
		lots, err = tx.ListLotsForUpdate(ctx, productID, locationID)
		return wrapStorage("list_lots", "ロット取得に失敗しました", err)
	})
	return lots, err
}
