package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StockLedger reads and writes lots and quants inside a transaction
// トランザクション内でロットと在庫集計を操作する
type StockLedger struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewStockLedger creates a new stock ledger
func NewStockLedger(logger *zap.Logger, now func() time.Time) *StockLedger {
	return &StockLedger{logger: logger, now: now}
}

// quant loads a quant for update, creating an empty one in memory when create is set
func (s *StockLedger) quant(ctx context.Context, tx Tx, productID, locationID string, create bool) (*StockQuant, bool, error) {
	q, err := tx.GetQuantForUpdate(ctx, productID, locationID)
	if errors.Is(err, ErrStockNotFound) && create {
		return &StockQuant{
			ProductID:   productID,
			LocationID:  locationID,
			QtyOnHand:   decimal.Zero,
			QtyReserved: decimal.Zero,
		}, true, nil
	}
	if err != nil {
		return nil, false, wrapStorage("get_quant", "在庫取得に失敗しました", err)
	}
	return q, false, nil
}

// saveQuant persists q, bumping its version
func (s *StockLedger) saveQuant(ctx context.Context, tx Tx, q *StockQuant, isNew bool, actor string) error {
	q.UpdatedAt = s.now()
	q.UpdatedBy = actor
	if isNew {
		q.Version = 1
		err := tx.CreateQuant(ctx, q)
		if errors.Is(err, ErrDuplicate) {
			// 同時に初回入庫された場合は再試行させる
			return fmt.Errorf("%w: quant %s/%s", ErrConcurrentModification, q.ProductID, q.LocationID)
		}
		return wrapStorage("create_quant", "在庫作成に失敗しました", err)
	}
	q.Version++
	return wrapStorage("update_quant", "在庫更新に失敗しました", tx.SaveQuant(ctx, q))
}

// Receive books a new lot and raises on-hand
// 入庫ロットを登録し手持在庫を増やす
func (s *StockLedger) Receive(ctx context.Context, tx Tx, productID, locationID string, qty decimal.Decimal, batchRef, actor string) (*StockLot, error) {
	if err := ValidatePositive("qty", qty); err != nil {
		return nil, err
	}
	q, isNew, err := s.quant(ctx, tx, productID, locationID, true)
	if err != nil {
		return nil, err
	}
	lot := &StockLot{
		ID:           NewID(),
		ProductID:    productID,
		LocationID:   locationID,
		BatchRef:     batchRef,
		ReceivedAt:   s.now(),
		QtyReceived:  qty,
		QtyRemaining: qty,
	}
	if err := tx.CreateLot(ctx, lot); err != nil {
		return nil, wrapStorage("create_lot", "ロット作成に失敗しました", err)
	}
	q.QtyOnHand = q.QtyOnHand.Add(qty)
	if err := s.saveQuant(ctx, tx, q, isNew, actor); err != nil {
		return nil, err
	}
	s.logger.Debug("入庫を記録しました",
		zap.String("product_id", productID),
		zap.String("location_id", locationID),
		zap.String("qty", qty.String()),
		zap.String("lot_id", lot.ID))
	return lot, nil
}

// drawLots consumes up to qty from the product's lots oldest first.
// Lots are never deleted; a fully drawn lot keeps QtyRemaining at zero.
// 古いロットから順に引き落とす
func (s *StockLedger) drawLots(ctx context.Context, tx Tx, productID, locationID string, qty decimal.Decimal) ([]LotDraw, decimal.Decimal, error) {
	lots, err := tx.ListLotsForUpdate(ctx, productID, locationID)
	if err != nil {
		return nil, decimal.Zero, wrapStorage("list_lots", "ロット取得に失敗しました", err)
	}
	remaining := qty
	drawn := decimal.Zero
	var draws []LotDraw
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		if !lot.QtyRemaining.IsPositive() {
			continue
		}
		take := decimal.Min(lot.QtyRemaining, remaining)
		lot.QtyRemaining = lot.QtyRemaining.Sub(take)
		if err := tx.SaveLot(ctx, lot); err != nil {
			return nil, decimal.Zero, wrapStorage("update_lot", "ロット更新に失敗しました", err)
		}
		draws = append(draws, LotDraw{LotID: lot.ID, ReceivedAt: lot.ReceivedAt, Qty: take})
		remaining = remaining.Sub(take)
		drawn = drawn.Add(take)
	}
	return draws, drawn, nil
}

// Issue removes qty from available stock, drawing lots FIFO
// 利用可能在庫から払い出す（先入先出）
func (s *StockLedger) Issue(ctx context.Context, tx Tx, q *StockQuant, qty decimal.Decimal, actor string) ([]LotDraw, error) {
	if qty.GreaterThan(q.Available()) {
		return nil, &InsufficientStockError{ProductID: q.ProductID, LocationID: q.LocationID, Requested: qty, Available: q.Available()}
	}
	draws, drawn, err := s.drawLots(ctx, tx, q.ProductID, q.LocationID, qty)
	if err != nil {
		return nil, err
	}
	if !drawn.Equal(qty) {
		// ロット合計と在庫集計の不一致
		return nil, NewBusinessRuleError("lot_quant_mismatch", "ロット残数が在庫集計と一致しません", q.ProductID+"@"+q.LocationID)
	}
	q.QtyOnHand = q.QtyOnHand.Sub(qty)
	return draws, s.saveQuant(ctx, tx, q, false, actor)
}

// Reserve raises the reserved quantity of a quant
// 在庫を予約する
func (s *StockLedger) Reserve(ctx context.Context, tx Tx, productID, locationID string, qty decimal.Decimal, actor string) (*StockQuant, error) {
	q, _, err := s.quant(ctx, tx, productID, locationID, false)
	if errors.Is(err, ErrStockNotFound) {
		return nil, &InsufficientStockError{ProductID: productID, LocationID: locationID, Requested: qty, Available: decimal.Zero}
	}
	if err != nil {
		return nil, err
	}
	if qty.GreaterThan(q.Available()) {
		return nil, &InsufficientStockError{ProductID: productID, LocationID: locationID, Requested: qty, Available: q.Available()}
	}
	q.QtyReserved = q.QtyReserved.Add(qty)
	return q, s.saveQuant(ctx, tx, q, false, actor)
}

// Release lowers the reserved quantity of a quant
// 予約を解除する
func (s *StockLedger) Release(ctx context.Context, tx Tx, productID, locationID string, qty decimal.Decimal, actor string) (*StockQuant, error) {
	q, _, err := s.quant(ctx, tx, productID, locationID, false)
	if err != nil {
		return nil, err
	}
	if qty.GreaterThan(q.QtyReserved) {
		return nil, NewBusinessRuleError("release_exceeds_reserved", "予約量を超えて解除できません", productID+"@"+locationID)
	}
	q.QtyReserved = q.QtyReserved.Sub(qty)
	return q, s.saveQuant(ctx, tx, q, false, actor)
}

// ConsumeReserved releases a reservation and issues the same quantity in one step
// 予約分を解除して払い出す
func (s *StockLedger) ConsumeReserved(ctx context.Context, tx Tx, productID, locationID string, qty decimal.Decimal, actor string) ([]LotDraw, error) {
	q, _, err := s.quant(ctx, tx, productID, locationID, false)
	if err != nil {
		return nil, err
	}
	if qty.GreaterThan(q.QtyReserved) {
		return nil, NewBusinessRuleError("release_exceeds_reserved", "予約量を超えて解除できません", productID+"@"+locationID)
	}
	q.QtyReserved = q.QtyReserved.Sub(qty)
	return s.Issue(ctx, tx, q, qty, actor)
}
