package production

import (
	"context"

	"go.uber.org/zap"
)

// ZapEventPublisher writes events to a zap logger
// イベントをzapロガーに出力する発行者
type ZapEventPublisher struct {
	logger *zap.Logger
}

var _ EventPublisher = (*ZapEventPublisher)(nil)

// NewZapEventPublisher creates a publisher that logs every event
func NewZapEventPublisher(logger *zap.Logger) *ZapEventPublisher {
	return &ZapEventPublisher{logger: logger.Named("events")}
}

func (p *ZapEventPublisher) PublishWorkOrderChanged(ctx context.Context, e WorkOrderChangedEvent) error {
	p.logger.Info("作業指示の状態が変更されました",
		zap.String("work_order_id", e.WorkOrderID),
		zap.String("request_id", e.RequestID),
		zap.String("department", e.Department),
		zap.String("old_status", string(e.OldStatus)),
		zap.String("new_status", string(e.NewStatus)),
		zap.String("user_id", e.UserID))
	return nil
}

func (p *ZapEventPublisher) PublishMaterialAllocated(ctx context.Context, e MaterialAllocatedEvent) error {
	p.logger.Info("材料が引当されました",
		zap.String("work_order_id", e.WorkOrderID),
		zap.String("material_id", e.MaterialID),
		zap.String("qty_allocated", e.QtyAllocated.String()),
		zap.String("qty_from_debt", e.QtyFromDebt.String()),
		zap.String("status", string(e.Status)),
		zap.String("user_id", e.UserID))
	return nil
}

func (p *ZapEventPublisher) PublishDebtChanged(ctx context.Context, e DebtChangedEvent) error {
	p.logger.Info("材料債務が変更されました",
		zap.String("debt_id", e.DebtID),
		zap.String("product_id", e.ProductID),
		zap.String("change_type", e.ChangeType),
		zap.String("qty", e.Qty.String()),
		zap.String("balance", e.Balance.String()),
		zap.String("status", string(e.Status)),
		zap.String("risk_level", string(e.RiskLevel)),
		zap.String("reference", e.Reference),
		zap.String("user_id", e.UserID))
	return nil
}

func (p *ZapEventPublisher) PublishTransferChanged(ctx context.Context, e TransferChangedEvent) error {
	p.logger.Info("引き渡しの状態が変更されました",
		zap.String("transfer_id", e.TransferID),
		zap.String("from_dept", e.FromDept),
		zap.String("to_dept", e.ToDept),
		zap.String("to_line", e.ToLine),
		zap.String("article_id", e.ArticleID),
		zap.String("old_status", string(e.OldStatus)),
		zap.String("new_status", string(e.NewStatus)),
		zap.String("reason", e.Reason),
		zap.String("user_id", e.UserID))
	return nil
}

func (p *ZapEventPublisher) PublishLineChanged(ctx context.Context, e LineChangedEvent) error {
	p.logger.Info("ラインの状態が変更されました",
		zap.String("department", e.Department),
		zap.String("line_id", e.LineID),
		zap.String("old_status", string(e.OldStatus)),
		zap.String("new_status", string(e.NewStatus)),
		zap.String("article_id", e.ArticleID),
		zap.String("user_id", e.UserID))
	return nil
}
