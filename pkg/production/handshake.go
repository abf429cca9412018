package production

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handshake drives the lock/accept protocol between adjacent departments
// 隣接部門間のロック・受入ハンドシェイク
type Handshake struct {
	config *Config
	stock  *StockLedger
	gate   *LineGate
	logger *zap.Logger
	now    func() time.Time
}

// NewHandshake creates a new transfer handshake
func NewHandshake(config *Config, stock *StockLedger, gate *LineGate, logger *zap.Logger, now func() time.Time) *Handshake {
	return &Handshake{config: config, stock: stock, gate: gate, logger: logger, now: now}
}

// transition moves t to next and records the step
func (h *Handshake) transition(t *TransferRecord, next TransferState, actor, note string) error {
	if !t.Status.CanTransition(next) {
		return &InvalidTransitionError{Entity: "transfer", ID: t.ID, From: string(t.Status), To: string(next)}
	}
	now := h.now()
	t.History = append(t.History, TransferStep{From: t.Status, To: next, By: actor, At: now, Note: note})
	t.Status = next
	t.UpdatedAt = now
	return nil
}

func (h *Handshake) sourceLocation(t *TransferRecord) (string, error) {
	d, err := h.config.Department(t.FromDept)
	if err != nil {
		return "", err
	}
	return d.LocationID, nil
}

// Create initiates a transfer and immediately tries to lock the destination line.
// A blocked transfer is persisted and returned together with the reason.
// 引き渡しを作成し、受入ラインのロックを試みる（ブロック時も記録は保存する）
func (h *Handshake) Create(ctx context.Context, tx Tx, req TransferRequest, actor string) (*TransferRecord, *LineBlockedError, error) {
	if err := ValidateTransferRequest(req); err != nil {
		return nil, nil, err
	}
	if _, err := h.config.Department(req.FromDept); err != nil {
		return nil, nil, err
	}
	if _, err := h.config.Department(req.ToDept); err != nil {
		return nil, nil, err
	}
	if !h.config.Adjacent(req.FromDept, req.ToDept) {
		return nil, nil, NewBusinessRuleError("department_adjacency", ErrNotAdjacent.Error(), req.FromDept+"->"+req.ToDept)
	}
	toLine := req.ToLine
	if toLine == "" {
		l, err := h.config.DefaultLine(req.ToDept)
		if err != nil {
			return nil, nil, err
		}
		toLine = l
	}
	article := req.ArticleID
	if article == "" {
		article = req.ProductID
	}

	now := h.now()
	t := &TransferRecord{
		ID:                NewID(),
		FromDept:          req.FromDept,
		ToDept:            req.ToDept,
		ToLine:            toLine,
		ProductID:         req.ProductID,
		ArticleID:         article,
		BatchRef:          req.BatchRef,
		Destination:       req.Destination,
		Week:              req.Week,
		SourceWorkOrderID: req.SourceWorkOrderID,
		QtySent:           req.Qty,
		Status:            TransferInitiated,
		Version:           1,
		CreatedBy:         actor,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	blocked, err := h.lockOrBlock(ctx, tx, t, actor)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.CreateTransfer(ctx, t); err != nil {
		return nil, nil, wrapStorage("create_transfer", "引き渡し記録の作成に失敗しました", err)
	}
	return t, blocked, nil
}

// Retry re-evaluates a BLOCKED transfer against the current line state
// ブロック中の引き渡しを再評価する
func (h *Handshake) Retry(ctx context.Context, tx Tx, transferID, actor string) (*TransferRecord, *LineBlockedError, TransferState, error) {
	t, err := h.load(ctx, tx, transferID)
	if err != nil {
		return nil, nil, "", err
	}
	old := t.Status
	if t.Status != TransferBlocked {
		return nil, nil, old, &InvalidTransitionError{Entity: "transfer", ID: t.ID, From: string(t.Status), To: string(TransferLocked)}
	}
	blocked, err := h.lockOrBlock(ctx, tx, t, actor)
	if err != nil {
		return nil, nil, old, err
	}
	if err := h.save(ctx, tx, t); err != nil {
		return nil, nil, old, err
	}
	return t, blocked, old, nil
}

// lockOrBlock evaluates the destination line under its row lock and moves t to LOCKED or BLOCKED
func (h *Handshake) lockOrBlock(ctx context.Context, tx Tx, t *TransferRecord, actor string) (*LineBlockedError, error) {
	line, err := h.gate.Load(ctx, tx, t.ToDept, t.ToLine)
	if err != nil {
		return nil, err
	}
	blocked, err := h.gate.Evaluate(ctx, tx, line, t)
	if err != nil {
		return nil, err
	}
	if blocked != nil {
		if err := h.transition(t, TransferBlocked, actor, string(blocked.Reason)); err != nil {
			return nil, err
		}
		t.IsLineClear = false
		t.BlockReason = blocked.Reason
		t.RequiredAction = blocked.RequiredAction
		h.logger.Info("引き渡しがブロックされました",
			zap.String("transfer_id", t.ID),
			zap.String("to_dept", t.ToDept),
			zap.String("to_line", t.ToLine),
			zap.String("reason", string(blocked.Reason)),
			zap.String("current_article", blocked.CurrentArticle))
		return blocked, nil
	}

	source, err := h.sourceLocation(t)
	if err != nil {
		return nil, err
	}
	if _, err := h.stock.Reserve(ctx, tx, t.ProductID, source, t.QtySent, actor); err != nil {
		return nil, err
	}
	if err := h.transition(t, TransferLocked, actor, ""); err != nil {
		return nil, err
	}
	t.IsLineClear = true
	t.BlockReason = ""
	t.RequiredAction = ""
	h.logger.Info("引き渡しをロックしました",
		zap.String("transfer_id", t.ID),
		zap.String("product_id", t.ProductID),
		zap.String("qty", t.QtySent.String()),
		zap.String("to_line", t.ToLine))
	return nil, nil
}

// Accept confirms receipt at the destination and moves the stock.
// Only a LOCKED transfer can be accepted, exactly once.
// 受入確認を行い在庫を移動する（LOCKEDのみ、1回限り）
func (h *Handshake) Accept(ctx context.Context, tx Tx, transferID string, qtyReceived decimal.Decimal, acceptedBy string, opts AcceptOptions, actor string) (*TransferRecord, *LineOccupancy, LineStatus, error) {
	if err := ValidateRequired("accepted_by", acceptedBy); err != nil {
		return nil, nil, "", err
	}
	if err := ValidatePositive("qty_received", qtyReceived); err != nil {
		return nil, nil, "", err
	}
	t, err := h.load(ctx, tx, transferID)
	if err != nil {
		return nil, nil, "", err
	}
	if t.Status == TransferAccepted || t.Status == TransferCompleted || t.QtyReceived != nil {
		return nil, nil, "", &DoubleAcceptanceError{TransferID: t.ID, Status: t.Status, AcceptedBy: t.AcceptedBy}
	}
	if t.Status != TransferLocked {
		return nil, nil, "", &InvalidTransitionError{Entity: "transfer", ID: t.ID, From: string(t.Status), To: string(TransferAccepted)}
	}

	tol := h.config.tolerance()
	variance := qtyReceived.Sub(t.QtySent).Abs().Div(t.QtySent).Mul(hundred)
	if variance.GreaterThan(tol) {
		if opts.OverrideReason == "" {
			return nil, nil, "", &ToleranceExceededError{TransferID: t.ID, QtySent: t.QtySent, QtyReceived: qtyReceived, TolerancePct: tol}
		}
		t.OverrideReason = opts.OverrideReason
		h.logger.Warn("許容範囲外の受入を上書き承認しました",
			zap.String("transfer_id", t.ID),
			zap.String("qty_sent", t.QtySent.String()),
			zap.String("qty_received", qtyReceived.String()),
			zap.String("override_reason", opts.OverrideReason))
	}

	// ラインを先にロックして占有状態の競合を防ぐ
	line, err := h.gate.Load(ctx, tx, t.ToDept, t.ToLine)
	if err != nil {
		return nil, nil, "", err
	}
	oldLine := line.Status
	if line.Status == LinePaused {
		// 一時停止はResumeLineでのみ解除
		return nil, nil, "", &LineBlockedError{
			TransferID:     t.ID,
			Department:     line.Department,
			LineID:         line.LineID,
			Reason:         BlockLinePaused,
			RequiredAction: ActionResumeLine,
			CurrentArticle: line.CurrentArticleID,
		}
	}

	source, err := h.sourceLocation(t)
	if err != nil {
		return nil, nil, "", err
	}
	dest, err := h.config.Department(t.ToDept)
	if err != nil {
		return nil, nil, "", err
	}
	if _, err := h.stock.ConsumeReserved(ctx, tx, t.ProductID, source, t.QtySent, actor); err != nil {
		return nil, nil, "", err
	}
	if _, err := h.stock.Receive(ctx, tx, t.ProductID, dest.LocationID, qtyReceived, t.BatchRef, actor); err != nil {
		return nil, nil, "", err
	}

	received := qtyReceived
	t.QtyReceived = &received
	t.AcceptedBy = acceptedBy
	if err := h.transition(t, TransferAccepted, actor, ""); err != nil {
		return nil, nil, "", err
	}
	if err := h.gate.Occupy(ctx, tx, line, t, actor); err != nil {
		return nil, nil, "", err
	}
	if err := h.transition(t, TransferCompleted, actor, ""); err != nil {
		return nil, nil, "", err
	}
	if err := h.save(ctx, tx, t); err != nil {
		return nil, nil, "", err
	}
	h.logger.Info("引き渡しを受入しました",
		zap.String("transfer_id", t.ID),
		zap.String("qty_sent", t.QtySent.String()),
		zap.String("qty_received", qtyReceived.String()),
		zap.String("accepted_by", acceptedBy))
	return t, line, oldLine, nil
}

// Cancel cancels a transfer before acceptance, releasing any reservation in the same transaction
// 受入前の引き渡しを取消（予約は同一トランザクションで解除）
func (h *Handshake) Cancel(ctx context.Context, tx Tx, transferID, reason, actor string) (*TransferRecord, TransferState, error) {
	if err := ValidateRequired("reason", reason); err != nil {
		return nil, "", err
	}
	t, err := h.load(ctx, tx, transferID)
	if err != nil {
		return nil, "", err
	}
	old := t.Status
	if !t.Status.CanTransition(TransferCancelled) {
		return nil, old, &InvalidTransitionError{Entity: "transfer", ID: t.ID, From: string(t.Status), To: string(TransferCancelled)}
	}
	if old == TransferLocked {
		source, err := h.sourceLocation(t)
		if err != nil {
			return nil, old, err
		}
		if _, err := h.stock.Release(ctx, tx, t.ProductID, source, t.QtySent, actor); err != nil {
			return nil, old, err
		}
	}
	if err := h.transition(t, TransferCancelled, actor, reason); err != nil {
		return nil, old, err
	}
	t.CancelReason = reason
	if err := h.save(ctx, tx, t); err != nil {
		return nil, old, err
	}
	return t, old, nil
}

func (h *Handshake) load(ctx context.Context, tx Tx, transferID string) (*TransferRecord, error) {
	if err := ValidateRequired("transfer_id", transferID); err != nil {
		return nil, err
	}
	t, err := tx.GetTransferForUpdate(ctx, transferID)
	if err != nil {
		return nil, wrapStorage("get_transfer", "引き渡し記録の取得に失敗しました", err)
	}
	return t, nil
}

func (h *Handshake) save(ctx context.Context, tx Tx, t *TransferRecord) error {
	t.Version++
	return wrapStorage("update_transfer", "引き渡し記録の更新に失敗しました", tx.SaveTransfer(ctx, t))
}
