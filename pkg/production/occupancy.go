package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// LineGate tracks line occupancy and decides whether a transfer may lock its destination
// ライン占有状態を管理し、引き渡しの可否を判定する
type LineGate struct {
	config *Config
	logger *zap.Logger
	now    func() time.Time
}

// NewLineGate creates a new line gate
func NewLineGate(config *Config, logger *zap.Logger, now func() time.Time) *LineGate {
	return &LineGate{config: config, logger: logger, now: now}
}

// Load locks a line row, provisioning it as CLEAR when the registry knows it
// ラインを行ロック付きで取得（未作成なら登録済みラインとして作成）
func (g *LineGate) Load(ctx context.Context, tx Tx, dept, lineID string) (*LineOccupancy, error) {
	if !g.config.HasLine(dept, lineID) {
		return nil, NewValidationError("line_id", "部門に登録されていないラインです", dept+"/"+lineID)
	}
	line, err := tx.GetLineForUpdate(ctx, dept, lineID)
	if errors.Is(err, ErrLineNotFound) {
		line = &LineOccupancy{
			Department: dept,
			LineID:     lineID,
			Status:     LineClear,
			Version:    1,
			UpdatedAt:  g.now(),
			UpdatedBy:  "system",
		}
		if err := tx.CreateLine(ctx, line); err != nil {
			if errors.Is(err, ErrDuplicate) {
				// 同時に作成された場合は再試行させる
				return nil, fmt.Errorf("%w: line %s/%s", ErrConcurrentModification, dept, lineID)
			}
			return nil, wrapStorage("create_line", "ライン作成に失敗しました", err)
		}
		return line, nil
	}
	if err != nil {
		return nil, wrapStorage("get_line", "ライン取得に失敗しました", err)
	}
	return line, nil
}

// Evaluate checks a transfer against the locked line and the transfers already locked toward it.
// It returns nil when the line may take the transfer.
// 受入ラインの占有・仕向地分離を判定
func (g *LineGate) Evaluate(ctx context.Context, tx Tx, line *LineOccupancy, t *TransferRecord) (*LineBlockedError, error) {
	blocked := func(reason BlockReason, action, article string) *LineBlockedError {
		return &LineBlockedError{
			TransferID:     t.ID,
			Department:     line.Department,
			LineID:         line.LineID,
			Reason:         reason,
			RequiredAction: action,
			CurrentArticle: article,
		}
	}

	if line.Status == LinePaused {
		return blocked(BlockLinePaused, ActionResumeLine, line.CurrentArticleID), nil
	}
	if line.Status == LineOccupied && line.CurrentArticleID != t.ArticleID {
		return blocked(BlockLineOccupied, ActionAcknowledgeClearance, line.CurrentArticleID), nil
	}

	// 同じラインに向けてロック中の引き渡しも占有とみなす
	pending, err := tx.ListTransfers(ctx, TransferFilter{ToDept: line.Department, ToLine: line.LineID, Status: TransferLocked})
	if err != nil {
		return nil, wrapStorage("list_transfers", "引き渡し一覧の取得に失敗しました", err)
	}
	for _, other := range pending {
		if other.ID == t.ID {
			continue
		}
		if other.ArticleID != t.ArticleID {
			return blocked(BlockLineOccupied, ActionAcknowledgeClearance, other.ArticleID), nil
		}
		if segregationDiffers(other.Destination, other.Week, t.Destination, t.Week) {
			return blocked(BlockSegregation, ActionAcknowledgeClearance, other.ArticleID), nil
		}
	}

	if line.Status == LineOccupied && segregationDiffers(line.CurrentDestination, line.CurrentWeek, t.Destination, t.Week) {
		if line.LastLoadedAt != nil {
			readyAt := line.LastLoadedAt.Add(g.config.SegregationDelay)
			if !g.now().Before(readyAt) {
				return nil, nil
			}
			b := blocked(BlockSegregation, ActionAcknowledgeClearance, line.CurrentArticleID)
			b.ReadyAt = readyAt.Format(time.RFC3339)
			return b, nil
		}
		return blocked(BlockSegregation, ActionAcknowledgeClearance, line.CurrentArticleID), nil
	}
	return nil, nil
}

// segregationDiffers reports whether two destination/week pairs must not share a line.
// An empty field on either side is treated as unspecified.
func segregationDiffers(destA, weekA, destB, weekB string) bool {
	if destA != "" && destB != "" && destA != destB {
		return true
	}
	return weekA != "" && weekB != "" && weekA != weekB
}

// Occupy marks the line as carrying the accepted transfer
// 受入完了した引き渡しでラインを占有状態にする
func (g *LineGate) Occupy(ctx context.Context, tx Tx, line *LineOccupancy, t *TransferRecord, actor string) error {
	now := g.now()
	if line.Status != LineOccupied || line.CurrentArticleID != t.ArticleID {
		line.OccupiedSince = &now
	}
	line.Status = LineOccupied
	line.CurrentArticleID = t.ArticleID
	line.CurrentBatchRef = t.BatchRef
	if t.Destination != "" {
		line.CurrentDestination = t.Destination
	}
	if t.Week != "" {
		line.CurrentWeek = t.Week
	}
	line.LastLoadedAt = &now
	return g.save(ctx, tx, line, actor)
}

// Acknowledge records an operator clearance and resets the line to CLEAR
// オペレーターの切替確認を記録し、ラインをクリアにする
func (g *LineGate) Acknowledge(ctx context.Context, tx Tx, dept, lineID string, method ClearanceMethod, evidenceRef, actor string) (*LineOccupancy, *ClearanceAcknowledgement, error) {
	if !method.Valid() {
		return nil, nil, NewValidationError("method", "無効な確認方法です", string(method))
	}
	if err := ValidateRequired("evidence_ref", evidenceRef); err != nil {
		return nil, nil, err
	}
	line, err := g.Load(ctx, tx, dept, lineID)
	if err != nil {
		return nil, nil, err
	}
	ack := &ClearanceAcknowledgement{
		ID:             NewID(),
		Department:     dept,
		LineID:         lineID,
		Method:         method,
		EvidenceRef:    evidenceRef,
		AcknowledgedBy: actor,
		AcknowledgedAt: g.now(),
	}
	if err := tx.AppendClearance(ctx, ack); err != nil {
		return nil, nil, wrapStorage("append_clearance", "切替確認の記録に失敗しました", err)
	}

	line.Status = LineClear
	line.CurrentArticleID = ""
	line.CurrentBatchRef = ""
	line.CurrentDestination = ""
	line.CurrentWeek = ""
	line.OccupiedSince = nil
	line.LastClearanceID = ack.ID
	if err := g.save(ctx, tx, line, actor); err != nil {
		return nil, nil, err
	}
	g.logger.Info("ラインの切替確認を記録しました",
		zap.String("department", dept),
		zap.String("line_id", lineID),
		zap.String("method", string(method)),
		zap.String("evidence_ref", evidenceRef))
	return line, ack, nil
}

// Pause stops a line from taking new transfers
func (g *LineGate) Pause(ctx context.Context, tx Tx, dept, lineID, actor string) (*LineOccupancy, LineStatus, error) {
	line, err := g.Load(ctx, tx, dept, lineID)
	if err != nil {
		return nil, "", err
	}
	old := line.Status
	if old == LinePaused {
		return line, old, nil
	}
	line.Status = LinePaused
	return line, old, g.save(ctx, tx, line, actor)
}

// Resume returns a paused line to CLEAR, or OCCUPIED when it still carries an article
func (g *LineGate) Resume(ctx context.Context, tx Tx, dept, lineID, actor string) (*LineOccupancy, LineStatus, error) {
	line, err := g.Load(ctx, tx, dept, lineID)
	if err != nil {
		return nil, "", err
	}
	old := line.Status
	if old != LinePaused {
		return nil, old, &InvalidTransitionError{Entity: "line", ID: dept + "/" + lineID, From: string(old), To: string(LineClear)}
	}
	line.Status = LineClear
	if line.CurrentArticleID != "" {
		line.Status = LineOccupied
	}
	return line, old, g.save(ctx, tx, line, actor)
}

func (g *LineGate) save(ctx context.Context, tx Tx, line *LineOccupancy, actor string) error {
	line.Version++
	line.UpdatedAt = g.now()
	line.UpdatedBy = actor
	return wrapStorage("update_line", "ライン更新に失敗しました", tx.SaveLine(ctx, line))
}
