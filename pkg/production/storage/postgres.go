package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiflow/pkg/production"
)

// PostgreSQLStorage implements production.Storage and production.Catalog using PostgreSQL
// PostgreSQLを使用したStorage・Catalogインターフェースの実装
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ production.Storage = (*PostgreSQLStorage)(nil)
	_ production.Catalog = (*PostgreSQLStorage)(nil)
)

// PoolConfig holds connection pool settings
// 接続プール設定
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, pool PoolConfig, logger *zap.Logger) (*PostgreSQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 25
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 10
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	return &PostgreSQLStorage{db: db, logger: logger}, nil
}

// WithTx runs fn inside a READ COMMITTED transaction; rows are locked with SELECT ... FOR UPDATE
// トランザクション内でfnを実行（行ロックはSELECT ... FOR UPDATE）
func (s *PostgreSQLStorage) WithTx(ctx context.Context, fn func(tx production.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return production.NewStorageError("begin", "トランザクション開始に失敗しました", mapError(err))
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
		}
		return mapError(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// Ping checks the database connection
// データベース接続を確認
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
// データベース接続をクローズ
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// mapError converts driver errors into domain sentinels
// ドライバーエラーをドメインエラーに変換
func mapError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", production.ErrDuplicate, pqErr.Message)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", production.ErrConcurrentModification, pqErr.Message)
		case "55P03": // lock_not_available
			return fmt.Errorf("%w: %s", production.ErrConcurrentModification, pqErr.Message)
		}
	}
	return err
}

// GetProduct retrieves a product
// 品目を取得
func (s *PostgreSQLStorage) GetProduct(ctx context.Context, productID string) (*production.Product, error) {
	query := `
		SELECT id, name, kind, category, uom, department
		FROM products
		WHERE id = $1`

	p := &production.Product{}
	err := s.db.QueryRowContext(ctx, query, productID).Scan(&p.ID, &p.Name, &p.Kind, &p.Category, &p.UOM, &p.Department)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", production.ErrProductNotFound, productID)
	}
	if err != nil {
		return nil, fmt.Errorf("品目取得に失敗しました: %w", err)
	}
	return p, nil
}

// GetBOM retrieves the recipe lines of a product
// 部品表を取得
func (s *PostgreSQLStorage) GetBOM(ctx context.Context, productID string) (*production.BOMNode, error) {
	query := `
		SELECT component_id, qty_per_unit, wastage_pct
		FROM bom_lines
		WHERE product_id = $1
		ORDER BY line_no`

	rows, err := s.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("部品表取得に失敗しました: %w", err)
	}
	defer rows.Close()

	node := &production.BOMNode{ProductID: productID}
	for rows.Next() {
		var line production.BOMLine
		if err := rows.Scan(&line.ComponentID, &line.QtyPerUnit, &line.WastagePct); err != nil {
			return nil, fmt.Errorf("部品表スキャンに失敗しました: %w", err)
		}
		node.Lines = append(node.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("部品表取得に失敗しました: %w", err)
	}
	if len(node.Lines) == 0 {
		return nil, production.ErrBOMNotFound
	}
	return node, nil
}

// pgTx implements production.Tx on a *sql.Tx
type pgTx struct {
	tx *sql.Tx
}

var _ production.Tx = (*pgTx)(nil)

// execVersioned runs an UPDATE guarded by the previous version
func (t *pgTx) execVersioned(ctx context.Context, operation, query string, args ...interface{}) error {
	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s に失敗しました: %w", operation, mapError(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return production.ErrVersionMismatch
	}
	return nil
}

func (t *pgTx) exec(ctx context.Context, operation, query string, args ...interface{}) error {
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s に失敗しました: %w", operation, mapError(err))
	}
	return nil
}

func toJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func fromJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// --- stock ---

func (t *pgTx) GetQuantForUpdate(ctx context.Context, productID, locationID string) (*production.StockQuant, error) {
	query := `
		SELECT product_id, location_id, qty_on_hand, qty_reserved, version, updated_at, updated_by
		FROM stock_quants
		WHERE product_id = $1 AND location_id = $2
		FOR UPDATE`

	q := &production.StockQuant{}
	err := t.tx.QueryRowContext(ctx, query, productID, locationID).Scan(
		&q.ProductID, &q.LocationID, &q.QtyOnHand, &q.QtyReserved, &q.Version, &q.UpdatedAt, &q.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, production.ErrStockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("在庫取得に失敗しました: %w", mapError(err))
	}
	return q, nil
}

func (t *pgTx) CreateQuant(ctx context.Context, q *production.StockQuant) error {
	query := `
		INSERT INTO stock_quants (product_id, location_id, qty_on_hand, qty_reserved, version, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	return t.exec(ctx, "在庫作成", query,
		q.ProductID, q.LocationID, q.QtyOnHand, q.QtyReserved, q.Version, q.UpdatedAt, q.UpdatedBy)
}

func (t *pgTx) SaveQuant(ctx context.Context, q *production.StockQuant) error {
	query := `
		UPDATE stock_quants
		SET qty_on_hand = $3, qty_reserved = $4, version = $5, updated_at = $6, updated_by = $7
		WHERE product_id = $1 AND location_id = $2 AND version = $8`
	return t.execVersioned(ctx, "在庫更新", query,
		q.ProductID, q.LocationID, q.QtyOnHand, q.QtyReserved, q.Version, q.UpdatedAt, q.UpdatedBy,
		q.Version-1, // 楽観的ロックのための前バージョン
	)
}

func (t *pgTx) ListLotsForUpdate(ctx context.Context, productID, locationID string) ([]*production.StockLot, error) {
	query := `
		SELECT id, product_id, location_id, batch_ref, received_at, qty_received, qty_remaining
		FROM stock_lots
		WHERE product_id = $1 AND location_id = $2 AND qty_remaining > 0
		ORDER BY received_at, seq
		FOR UPDATE`

	rows, err := t.tx.QueryContext(ctx, query, productID, locationID)
	if err != nil {
		return nil, fmt.Errorf("ロット取得に失敗しました: %w", mapError(err))
	}
	defer rows.Close()

	var lots []*production.StockLot
	for rows.Next() {
		lot := &production.StockLot{}
		if err := rows.Scan(&lot.ID, &lot.ProductID, &lot.LocationID, &lot.BatchRef,
			&lot.ReceivedAt, &lot.QtyReceived, &lot.QtyRemaining); err != nil {
			return nil, fmt.Errorf("ロットスキャンに失敗しました: %w", err)
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func (t *pgTx) CreateLot(ctx context.Context, lot *production.StockLot) error {
	query := `
		INSERT INTO stock_lots (id, product_id, location_id, batch_ref, received_at, qty_received, qty_remaining)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	return t.exec(ctx, "ロット作成", query,
		lot.ID, lot.ProductID, lot.LocationID, lot.BatchRef, lot.ReceivedAt, lot.QtyReceived, lot.QtyRemaining)
}

func (t *pgTx) SaveLot(ctx context.Context, lot *production.StockLot) error {
	query := `UPDATE stock_lots SET qty_remaining = $2 WHERE id = $1`
	return t.exec(ctx, "ロット更新", query, lot.ID, lot.QtyRemaining)
}

// --- debt ---

const debtColumns = `id, product_id, work_order_id, total_debt_qty, settled_qty, balance_qty, status,
		risk_level, shortfall_pct, write_off_reason, version, created_at, updated_at, created_by`

func scanDebt(row interface{ Scan(...interface{}) error }) (*production.MaterialDebt, error) {
	d := &production.MaterialDebt{}
	err := row.Scan(&d.ID, &d.ProductID, &d.WorkOrderID, &d.TotalDebtQty, &d.SettledQty, &d.BalanceQty,
		&d.Status, &d.RiskLevel, &d.ShortfallPct, &d.WriteOffReason, &d.Version, &d.CreatedAt, &d.UpdatedAt, &d.CreatedBy)
	return d, err
}

func (t *pgTx) CreateDebt(ctx context.Context, d *production.MaterialDebt) error {
	query := `
		INSERT INTO material_debts (` + debtColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	return t.exec(ctx, "債務作成", query,
		d.ID, d.ProductID, d.WorkOrderID, d.TotalDebtQty, d.SettledQty, d.BalanceQty, d.Status,
		d.RiskLevel, d.ShortfallPct, d.WriteOffReason, d.Version, d.CreatedAt, d.UpdatedAt, d.CreatedBy)
}

func (t *pgTx) SaveDebt(ctx context.Context, d *production.MaterialDebt) error {
	query := `
		UPDATE material_debts
		SET total_debt_qty = $2, settled_qty = $3, balance_qty = $4, status = $5, risk_level = $6,
			shortfall_pct = $7, write_off_reason = $8, version = $9, updated_at = $10
		WHERE id = $1 AND version = $11`
	return t.execVersioned(ctx, "債務更新", query,
		d.ID, d.TotalDebtQty, d.SettledQty, d.BalanceQty, d.Status, d.RiskLevel,
		d.ShortfallPct, d.WriteOffReason, d.Version, d.UpdatedAt, d.Version-1)
}

func (t *pgTx) GetDebtForUpdate(ctx context.Context, debtID string) (*production.MaterialDebt, error) {
	query := `SELECT ` + debtColumns + ` FROM material_debts WHERE id = $1 FOR UPDATE`
	d, err := scanDebt(t.tx.QueryRowContext(ctx, query, debtID))
	if err == sql.ErrNoRows {
		return nil, production.ErrDebtNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("債務取得に失敗しました: %w", mapError(err))
	}
	return d, nil
}

func (t *pgTx) FindOpenDebtForUpdate(ctx context.Context, workOrderID, productID string) (*production.MaterialDebt, error) {
	query := `SELECT ` + debtColumns + `
		FROM material_debts
		WHERE work_order_id = $1 AND product_id = $2 AND status IN ('ACTIVE', 'PARTIAL_PAID')
		ORDER BY created_at, seq
		LIMIT 1
		FOR UPDATE`
	d, err := scanDebt(t.tx.QueryRowContext(ctx, query, workOrderID, productID))
	if err == sql.ErrNoRows {
		return nil, production.ErrDebtNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("債務取得に失敗しました: %w", mapError(err))
	}
	return d, nil
}

// LockProductDebts takes a transaction-scoped advisory lock keyed by product.
// It also covers debts inserted after ListOpenDebtsForUpdate has run.
// 品目単位のアドバイザリロック（トランザクション終了で解放）
func (t *pgTx) LockProductDebts(ctx context.Context, productID string) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('material_debts:' || $1))`, productID); err != nil {
		return fmt.Errorf("品目ロックの取得に失敗しました: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) ListOpenDebtsForUpdate(ctx context.Context, productID string) ([]*production.MaterialDebt, error) {
	query := `SELECT ` + debtColumns + `
		FROM material_debts
		WHERE product_id = $1 AND status IN ('ACTIVE', 'PARTIAL_PAID')
		ORDER BY created_at, seq
		FOR UPDATE`
	rows, err := t.tx.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, fmt.Errorf("債務一覧の取得に失敗しました: %w", mapError(err))
	}
	defer rows.Close()

	var debts []*production.MaterialDebt
	for rows.Next() {
		d, err := scanDebt(rows)
		if err != nil {
			return nil, fmt.Errorf("債務スキャンに失敗しました: %w", err)
		}
		debts = append(debts, d)
	}
	return debts, rows.Err()
}

func (t *pgTx) AppendSettlement(ctx context.Context, st *production.MaterialDebtSettlement) error {
	query := `
		INSERT INTO material_debt_settlements (id, debt_id, product_id, qty, source_receipt_ref, settled_by, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	return t.exec(ctx, "消込記録", query,
		st.ID, st.DebtID, st.ProductID, st.Qty, st.SourceReceiptRef, st.SettledBy, st.SettledAt)
}

func (t *pgTx) ListSettlements(ctx context.Context, debtID string) ([]*production.MaterialDebtSettlement, error) {
	query := `
		SELECT id, debt_id, product_id, qty, source_receipt_ref, settled_by, settled_at
		FROM material_debt_settlements
		WHERE debt_id = $1
		ORDER BY settled_at, id`
	rows, err := t.tx.QueryContext(ctx, query, debtID)
	if err != nil {
		return nil, fmt.Errorf("消込記録の取得に失敗しました: %w", mapError(err))
	}
	defer rows.Close()

	var out []*production.MaterialDebtSettlement
	for rows.Next() {
		st := &production.MaterialDebtSettlement{}
		if err := rows.Scan(&st.ID, &st.DebtID, &st.ProductID, &st.Qty, &st.SourceReceiptRef, &st.SettledBy, &st.SettledAt); err != nil {
			return nil, fmt.Errorf("消込記録スキャンに失敗しました: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- transfers ---

const transferColumns = `id, from_dept, to_dept, to_line, product_id, article_id, batch_ref, destination, week,
		source_work_order_id, qty_sent, qty_received, status, is_line_clear, block_reason, required_action,
		accepted_by, override_reason, cancel_reason, history, version, created_by, created_at, updated_at`

func scanTransfer(row interface{ Scan(...interface{}) error }) (*production.TransferRecord, error) {
	tr := &production.TransferRecord{}
	var (
		received decimal.NullDecimal
		history  []byte
	)
	err := row.Scan(&tr.ID, &tr.FromDept, &tr.ToDept, &tr.ToLine, &tr.ProductID, &tr.ArticleID, &tr.BatchRef,
		&tr.Destination, &tr.Week, &tr.SourceWorkOrderID, &tr.QtySent, &received, &tr.Status, &tr.IsLineClear,
		&tr.BlockReason, &tr.RequiredAction, &tr.AcceptedBy, &tr.OverrideReason, &tr.CancelReason, &history,
		&tr.Version, &tr.CreatedBy, &tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if received.Valid {
		v := received.Decimal
		tr.QtyReceived = &v
	}
	if err := fromJSON(history, &tr.History); err != nil {
		return nil, fmt.Errorf("履歴のデコードに失敗しました: %w", err)
	}
	return tr, nil
}

func transferArgs(tr *production.TransferRecord) ([]interface{}, error) {
	history, err := toJSON(tr.History)
	if err != nil {
		return nil, err
	}
	received := decimal.NullDecimal{}
	if tr.QtyReceived != nil {
		received = decimal.NullDecimal{Decimal: *tr.QtyReceived, Valid: true}
	}
	return []interface{}{tr.ID, tr.FromDept, tr.ToDept, tr.ToLine, tr.ProductID, tr.ArticleID, tr.BatchRef,
		tr.Destination, tr.Week, tr.SourceWorkOrderID, tr.QtySent, received, tr.Status, tr.IsLineClear,
		tr.BlockReason, tr.RequiredAction, tr.AcceptedBy, tr.OverrideReason, tr.CancelReason, history,
		tr.Version, tr.CreatedBy, tr.CreatedAt, tr.UpdatedAt}, nil
}

func (t *pgTx) CreateTransfer(ctx context.Context, tr *production.TransferRecord) error {
	args, err := transferArgs(tr)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO transfers (` + transferColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`
	return t.exec(ctx, "引き渡し作成", query, args...)
}

func (t *pgTx) SaveTransfer(ctx context.Context, tr *production.TransferRecord) error {
	history, err := toJSON(tr.History)
	if err != nil {
		return err
	}
	received := decimal.NullDecimal{}
	if tr.QtyReceived != nil {
		received = decimal.NullDecimal{Decimal: *tr.QtyReceived, Valid: true}
	}
	// qty_received は一度だけ書き込み可能
	query := `
		UPDATE transfers
		SET qty_received = COALESCE(qty_received, $2), status = $3, is_line_clear = $4, block_reason = $5,
			required_action = $6, accepted_by = $7, override_reason = $8, cancel_reason = $9,
			history = $10, version = $11, updated_at = $12
		WHERE id = $1 AND version = $13`
	return t.execVersioned(ctx, "引き渡し更新", query,
		tr.ID, received, tr.Status, tr.IsLineClear, tr.BlockReason, tr.RequiredAction, tr.AcceptedBy,
		tr.OverrideReason, tr.CancelReason, history, tr.Version, tr.UpdatedAt, tr.Version-1)
}

func (t *pgTx) GetTransferForUpdate(ctx context.Context, transferID string) (*production.TransferRecord, error) {
	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = $1 FOR UPDATE`
	tr, err := scanTransfer(t.tx.QueryRowContext(ctx, query, transferID))
	if err == sql.ErrNoRows {
		return nil, production.ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("引き渡し取得に失敗しました: %w", mapError(err))
	}
	return tr, nil
}

func (t *pgTx) ListTransfers(ctx context.Context, f production.TransferFilter) ([]*production.TransferRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("to_dept", f.ToDept)
	add("to_line", f.ToLine)
	add("product_id", f.ProductID)
	add("source_work_order_id", f.SourceWorkOrderID)
	add("status", string(f.Status))

	query := `SELECT ` + transferColumns + ` FROM transfers`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("引き渡し一覧の取得に失敗しました: %w", mapError(err))
	}
	defer rows.Close()

	var out []*production.TransferRecord
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("引き渡しスキャンに失敗しました: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// --- lines ---

func (t *pgTx) GetLineForUpdate(ctx context.Context, dept, lineID string) (*production.LineOccupancy, error) {
	query := `
		SELECT department, line_id, current_article_id, current_batch_ref, current_destination, current_week,
			status, occupied_since, last_loaded_at, last_clearance_id, version, updated_at, updated_by
		FROM line_occupancy
		WHERE department = $1 AND line_id = $2
		FOR UPDATE`

	l := &production.LineOccupancy{}
	var occupiedSince, lastLoaded sql.NullTime
	err := t.tx.QueryRowContext(ctx, query, dept, lineID).Scan(&l.Department, &l.LineID, &l.CurrentArticleID,
		&l.CurrentBatchRef, &l.CurrentDestination, &l.CurrentWeek, &l.Status, &occupiedSince, &lastLoaded,
		&l.LastClearanceID, &l.Version, &l.UpdatedAt, &l.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, production.ErrLineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ライン取得に失敗しました: %w", mapError(err))
	}
	l.OccupiedSince = timePtr(occupiedSince)
	l.LastLoadedAt = timePtr(lastLoaded)
	return l, nil
}

func (t *pgTx) CreateLine(ctx context.Context, l *production.LineOccupancy) error {
	query := `
		INSERT INTO line_occupancy (department, line_id, current_article_id, current_batch_ref, current_destination,
			current_week, status, occupied_since, last_loaded_at, last_clearance_id, version, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	return t.exec(ctx, "ライン作成", query, l.Department, l.LineID, l.CurrentArticleID, l.CurrentBatchRef,
		l.CurrentDestination, l.CurrentWeek, l.Status, nullTime(l.OccupiedSince), nullTime(l.LastLoadedAt),
		l.LastClearanceID, l.Version, l.UpdatedAt, l.UpdatedBy)
}

func (t *pgTx) SaveLine(ctx context.Context, l *production.LineOccupancy) error {
	query := `
		UPDATE line_occupancy
		SET current_article_id = $3, current_batch_ref = $4, current_destination = $5, current_week = $6,
			status = $7, occupied_since = $8, last_loaded_at = $9, last_clearance_id = $10, version = $11,
			updated_at = $12, updated_by = $13
		WHERE department = $1 AND line_id = $2 AND version = $14`
	return t.execVersioned(ctx, "ライン更新", query, l.Department, l.LineID, l.CurrentArticleID, l.CurrentBatchRef,
		l.CurrentDestination, l.CurrentWeek, l.Status, nullTime(l.OccupiedSince), nullTime(l.LastLoadedAt),
		l.LastClearanceID, l.Version, l.UpdatedAt, l.UpdatedBy, l.Version-1)
}

func (t *pgTx) AppendClearance(ctx context.Context, ack *production.ClearanceAcknowledgement) error {
	query := `
		INSERT INTO clearance_acknowledgements (id, department, line_id, method, evidence_ref, acknowledged_by, acknowledged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	return t.exec(ctx, "切替確認の記録", query,
		ack.ID, ack.Department, ack.LineID, ack.Method, ack.EvidenceRef, ack.AcknowledgedBy, ack.AcknowledgedAt)
}

// --- work orders ---

func (t *pgTx) CreateRequest(ctx context.Context, r *production.ProductionRequest) error {
	query := `
		INSERT INTO production_requests (id, finished_good_id, quantity, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	return t.exec(ctx, "生産依頼作成", query, r.ID, r.FinishedGoodID, r.Quantity, r.CreatedBy, r.CreatedAt)
}

const workOrderColumns = `id, request_id, department, sequence, depth, output_wip_id, input_wip_ids, inputs,
		materials, base_qty, buffer_pct, target_qty, output_qty, status, target_revisions, version,
		created_at, updated_at, finished_at`

func scanWorkOrder(row interface{ Scan(...interface{}) error }) (*production.WorkOrder, error) {
	wo := &production.WorkOrder{}
	var (
		inputIDs, inputs, materials, revisions []byte
		finishedAt                             sql.NullTime
	)
	err := row.Scan(&wo.ID, &wo.RequestID, &wo.Department, &wo.Sequence, &wo.Depth, &wo.OutputWIPID,
		&inputIDs, &inputs, &materials, &wo.BaseQty, &wo.BufferPct, &wo.TargetQty, &wo.OutputQty, &wo.Status,
		&revisions, &wo.Version, &wo.CreatedAt, &wo.UpdatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	for _, field := range []struct {
		data []byte
		dst  interface{}
	}{
		{inputIDs, &wo.InputWIPIDs},
		{inputs, &wo.Inputs},
		{materials, &wo.Materials},
		{revisions, &wo.TargetRevisions},
	} {
		if err := fromJSON(field.data, field.dst); err != nil {
			return nil, fmt.Errorf("作業指示のデコードに失敗しました: %w", err)
		}
	}
	wo.FinishedAt = timePtr(finishedAt)
	return wo, nil
}

func workOrderArgs(wo *production.WorkOrder) ([]interface{}, error) {
	encoded := make([][]byte, 0, 4)
	for _, v := range []interface{}{wo.InputWIPIDs, wo.Inputs, wo.Materials, wo.TargetRevisions} {
		b, err := toJSON(v)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, b)
	}
	return []interface{}{wo.ID, wo.RequestID, wo.Department, wo.Sequence, wo.Depth, wo.OutputWIPID,
		encoded[0], encoded[1], encoded[2], wo.BaseQty, wo.BufferPct, wo.TargetQty, wo.OutputQty, wo.Status,
		encoded[3], wo.Version, wo.CreatedAt, wo.UpdatedAt, nullTime(wo.FinishedAt)}, nil
}

func (t *pgTx) CreateWorkOrder(ctx context.Context, wo *production.WorkOrder) error {
	args, err := workOrderArgs(wo)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO work_orders (` + workOrderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	return t.exec(ctx, "作業指示作成", query, args...)
}

func (t *pgTx) SaveWorkOrder(ctx context.Context, wo *production.WorkOrder) error {
	revisions, err := toJSON(wo.TargetRevisions)
	if err != nil {
		return err
	}
	query := `
		UPDATE work_orders
		SET target_qty = $2, output_qty = $3, status = $4, target_revisions = $5, version = $6,
			updated_at = $7, finished_at = $8
		WHERE id = $1 AND version = $9`
	return t.execVersioned(ctx, "作業指示更新", query, wo.ID, wo.TargetQty, wo.OutputQty, wo.Status,
		revisions, wo.Version, wo.UpdatedAt, nullTime(wo.FinishedAt), wo.Version-1)
}

func (t *pgTx) GetWorkOrderForUpdate(ctx context.Context, workOrderID string) (*production.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders WHERE id = $1 FOR UPDATE`
	wo, err := scanWorkOrder(t.tx.QueryRowContext(ctx, query, workOrderID))
	if err == sql.ErrNoRows {
		return nil, production.ErrWorkOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("作業指示取得に失敗しました: %w", mapError(err))
	}
	return wo, nil
}

func (t *pgTx) ListWorkOrdersByRequest(ctx context.Context, requestID string) ([]*production.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders WHERE request_id = $1 ORDER BY sequence`
	rows, err := t.tx.QueryContext(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("作業指示一覧の取得に失敗しました: %w", mapError(err))
	}
	defer rows.Close()

	var out []*production.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("作業指示スキャンに失敗しました: %w", err)
		}
		out = append(out, wo)
	}
	return out, rows.Err()
}

func (t *pgTx) SaveAllocation(ctx context.Context, a *production.MaterialAllocation) error {
	draws, err := toJSON(a.Draws)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO material_allocations (id, work_order_id, material_id, location_id, qty_needed, qty_allocated,
			qty_from_debt, status, debt_id, draws, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE
		SET qty_allocated = EXCLUDED.qty_allocated, qty_from_debt = EXCLUDED.qty_from_debt,
			status = EXCLUDED.status, debt_id = EXCLUDED.debt_id, draws = EXCLUDED.draws`
	return t.exec(ctx, "引当保存", query, a.ID, a.WorkOrderID, a.MaterialID, a.LocationID, a.QtyNeeded,
		a.QtyAllocated, a.QtyFromDebt, a.Status, a.DebtID, draws, a.CreatedAt, a.CreatedBy)
}

func (t *pgTx) ListAllocations(ctx context.Context, workOrderID string) ([]*production.MaterialAllocation, error) {
	query := `
		SELECT id, work_order_id, material_id, location_id, qty_needed, qty_allocated, qty_from_debt,
			status, debt_id, draws, created_at, created_by
		FROM material_allocations
		WHERE work_order_id = $1
		ORDER BY material_id`
	rows, err := t.tx.QueryContext(ctx, query, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("引当一覧の取得に失敗しました: %w", mapError(err))
	}
	defer rows.Close()

	var out []*production.MaterialAllocation
	for rows.Next() {
		a := &production.MaterialAllocation{}
		var draws []byte
		if err := rows.Scan(&a.ID, &a.WorkOrderID, &a.MaterialID, &a.LocationID, &a.QtyNeeded, &a.QtyAllocated,
			&a.QtyFromDebt, &a.Status, &a.DebtID, &draws, &a.CreatedAt, &a.CreatedBy); err != nil {
			return nil, fmt.Errorf("引当スキャンに失敗しました: %w", err)
		}
		if err := fromJSON(draws, &a.Draws); err != nil {
			return nil, fmt.Errorf("引当のデコードに失敗しました: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
