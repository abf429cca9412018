// Package production provides the material flow core: BOM explosion, FIFO
// material allocation with a debt ledger, and the inter-department transfer
// handshake.
package production

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Product represents a raw material, WIP or finished good
// 原材料・仕掛品・完成品を表現
type Product struct {
	ID         string      `json:"id" db:"id"`                 // 品目ID
	Name       string      `json:"name" db:"name"`             // 品目名
	Kind       ProductKind `json:"kind" db:"kind"`             // 品目区分
	Category   string      `json:"category" db:"category"`     // カテゴリ
	UOM        string      `json:"uom" db:"uom"`               // 単位
	Department string      `json:"department" db:"department"` // 明示的な担当部門（任意）
}

// BOMLine is one component row of a recipe
// 部品表の構成行
type BOMLine struct {
	ComponentID string          `json:"component_id" db:"component_id"` // 構成品目ID
	QtyPerUnit  decimal.Decimal `json:"qty_per_unit" db:"qty_per_unit"` // 親1単位あたりの数量
	WastagePct  decimal.Decimal `json:"wastage_pct" db:"wastage_pct"`   // ロス率（%）
}

// BOMNode is the recipe of a single product
// 単一品目の部品表
type BOMNode struct {
	ProductID string    `json:"product_id"`
	Lines     []BOMLine `json:"lines"`
}

// ProductionRequest is an immutable request to produce a finished good
// 完成品の生産依頼（作成後は不変）
type ProductionRequest struct {
	ID             string          `json:"id" db:"id"`
	FinishedGoodID string          `json:"finished_good_id" db:"finished_good_id"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"`
	CreatedBy      string          `json:"created_by" db:"created_by"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// MaterialRequirement is a raw material need attributed to a stage
// 工程に紐づく原材料所要量
type MaterialRequirement struct {
	MaterialID string          `json:"material_id"`
	Qty        decimal.Decimal `json:"qty"`
}

// StageInput is a WIP consumed by a stage
type StageInput struct {
	WIPID string          `json:"wip_id"`
	Qty   decimal.Decimal `json:"qty"`
}

// WorkOrderSpec is one ordered stage produced by the explosion engine
// 展開エンジンが出力する工程仕様
type WorkOrderSpec struct {
	Sequence    int                   `json:"sequence"`
	Depth       int                   `json:"depth"`
	ProductID   string                `json:"product_id"` // 産出する仕掛品/完成品
	Department  string                `json:"department"`
	BaseQty     decimal.Decimal       `json:"base_qty"`
	BufferPct   decimal.Decimal       `json:"buffer_pct"`
	TargetQty   decimal.Decimal       `json:"target_qty"`
	Inputs      []StageInput          `json:"inputs"`
	Materials   []MaterialRequirement `json:"materials"`
}

// WorkOrderInput links an input WIP to the work order producing it
// 投入仕掛品と前工程作業指示の紐付け
type WorkOrderInput struct {
	WIPID         string          `json:"wip_id"`
	RequiredQty   decimal.Decimal `json:"required_qty"`
	PredecessorID string          `json:"predecessor_id"`
}

// TargetRevision records an approved pre-start change of target_qty
// 着手前の目標数量変更の承認記録
type TargetRevision struct {
	OldQty      decimal.Decimal `json:"old_qty"`
	NewQty      decimal.Decimal `json:"new_qty"`
	ApprovalRef string          `json:"approval_ref"`
	RevisedBy   string          `json:"revised_by"`
	RevisedAt   time.Time       `json:"revised_at"`
}

// WorkOrder is a department-scoped production task
// 部門単位の作業指示
type WorkOrder struct {
	ID              string                `json:"id" db:"id"`
	RequestID       string                `json:"request_id" db:"request_id"`
	Department      string                `json:"department" db:"department"`
	Sequence        int                   `json:"sequence" db:"sequence"`
	Depth           int                   `json:"depth" db:"depth"`
	OutputWIPID     string                `json:"output_wip_id" db:"output_wip_id"`
	InputWIPIDs     []string              `json:"input_wip_ids" db:"-"`
	Inputs          []WorkOrderInput      `json:"inputs" db:"inputs"`
	Materials       []MaterialRequirement `json:"materials" db:"materials"`
	BaseQty         decimal.Decimal       `json:"base_qty" db:"base_qty"`
	BufferPct       decimal.Decimal       `json:"buffer_pct" db:"buffer_pct"`
	TargetQty       decimal.Decimal       `json:"target_qty" db:"target_qty"`
	OutputQty       decimal.Decimal       `json:"output_qty" db:"output_qty"`
	Status          WorkOrderStatus       `json:"status" db:"status"`
	TargetRevisions []TargetRevision      `json:"target_revisions" db:"target_revisions"`
	Version         int64                 `json:"version" db:"version"`
	CreatedAt       time.Time             `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at" db:"updated_at"`
	FinishedAt      *time.Time            `json:"finished_at" db:"finished_at"`
}

// StockLot is a discrete received batch, consumed oldest-first
// 先入先出で消費される入庫ロット
type StockLot struct {
	ID           string          `json:"id" db:"id"`
	ProductID    string          `json:"product_id" db:"product_id"`
	LocationID   string          `json:"location_id" db:"location_id"`
	BatchRef     string          `json:"batch_ref" db:"batch_ref"`
	ReceivedAt   time.Time       `json:"received_at" db:"received_at"`
	QtyReceived  decimal.Decimal `json:"qty_received" db:"qty_received"`
	QtyRemaining decimal.Decimal `json:"qty_remaining" db:"qty_remaining"`
}

// StockQuant is the per product/location aggregate
// 品目・ロケーション単位の在庫集計
type StockQuant struct {
	ProductID   string          `json:"product_id" db:"product_id"`
	LocationID  string          `json:"location_id" db:"location_id"`
	QtyOnHand   decimal.Decimal `json:"qty_on_hand" db:"qty_on_hand"`
	QtyReserved decimal.Decimal `json:"qty_reserved" db:"qty_reserved"`
	Version     int64           `json:"version" db:"version"` // 楽観的ロック用バージョン
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
	UpdatedBy   string          `json:"updated_by" db:"updated_by"`
}

// Available returns on-hand minus reserved
// 利用可能数量（手持 - 予約）
func (q *StockQuant) Available() decimal.Decimal {
	return q.QtyOnHand.Sub(q.QtyReserved)
}

// LotDraw records how much of one lot an allocation or transfer consumed
type LotDraw struct {
	LotID      string          `json:"lot_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Qty        decimal.Decimal `json:"qty"`
}

// MaterialAllocation is the allocation of one material to a work order
// 作業指示への材料引当
type MaterialAllocation struct {
	ID           string           `json:"id" db:"id"`
	WorkOrderID  string           `json:"work_order_id" db:"work_order_id"`
	MaterialID   string           `json:"material_id" db:"material_id"`
	LocationID   string           `json:"location_id" db:"location_id"`
	QtyNeeded    decimal.Decimal  `json:"qty_needed" db:"qty_needed"`
	QtyAllocated decimal.Decimal  `json:"qty_allocated" db:"qty_allocated"`
	QtyFromDebt  decimal.Decimal  `json:"qty_from_debt" db:"qty_from_debt"`
	Status       AllocationStatus `json:"status" db:"status"`
	DebtID       string           `json:"debt_id,omitempty" db:"debt_id"`
	Draws        []LotDraw        `json:"draws" db:"draws"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
	CreatedBy    string           `json:"created_by" db:"created_by"`
}

// Covered reports whether stock plus debt satisfies the need
func (a *MaterialAllocation) Covered() bool {
	return a.QtyAllocated.Add(a.QtyFromDebt).GreaterThanOrEqual(a.QtyNeeded)
}

// MaterialDebt is a negative-inventory obligation
// マイナス在庫（材料借り）の債務
type MaterialDebt struct {
	ID             string          `json:"id" db:"id"`
	ProductID      string          `json:"product_id" db:"product_id"`
	WorkOrderID    string          `json:"work_order_id" db:"work_order_id"`
	TotalDebtQty   decimal.Decimal `json:"total_debt_qty" db:"total_debt_qty"`
	SettledQty     decimal.Decimal `json:"settled_qty" db:"settled_qty"`
	BalanceQty     decimal.Decimal `json:"balance_qty" db:"balance_qty"`
	Status         DebtStatus      `json:"status" db:"status"`
	RiskLevel      RiskLevel       `json:"risk_level" db:"risk_level"`
	ShortfallPct   decimal.Decimal `json:"shortfall_pct" db:"shortfall_pct"`
	WriteOffReason string          `json:"write_off_reason,omitempty" db:"write_off_reason"`
	Version        int64           `json:"version" db:"version"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	CreatedBy      string          `json:"created_by" db:"created_by"`
}

// MaterialDebtSettlement is an append-only settlement entry
// 債務消込の記録（追記のみ）
type MaterialDebtSettlement struct {
	ID               string          `json:"id" db:"id"`
	DebtID           string          `json:"debt_id" db:"debt_id"`
	ProductID        string          `json:"product_id" db:"product_id"`
	Qty              decimal.Decimal `json:"qty" db:"qty"`
	SourceReceiptRef string          `json:"source_receipt_ref" db:"source_receipt_ref"`
	SettledBy        string          `json:"settled_by" db:"settled_by"`
	SettledAt        time.Time       `json:"settled_at" db:"settled_at"`
}

// TransferStep is one entry of a transfer's state history
type TransferStep struct {
	From TransferState `json:"from"`
	To   TransferState `json:"to"`
	By   string        `json:"by"`
	At   time.Time     `json:"at"`
	Note string        `json:"note,omitempty"`
}

// TransferRecord is the handoff of goods between adjacent departments
// 隣接部門間の引き渡し記録
type TransferRecord struct {
	ID                string           `json:"id" db:"id"`
	FromDept          string           `json:"from_dept" db:"from_dept"`
	ToDept            string           `json:"to_dept" db:"to_dept"`
	ToLine            string           `json:"to_line" db:"to_line"`
	ProductID         string           `json:"product_id" db:"product_id"`
	ArticleID         string           `json:"article_id" db:"article_id"`
	BatchRef          string           `json:"batch_ref" db:"batch_ref"`
	Destination       string           `json:"destination" db:"destination"`
	Week              string           `json:"week" db:"week"`
	SourceWorkOrderID string           `json:"source_work_order_id,omitempty" db:"source_work_order_id"`
	QtySent           decimal.Decimal  `json:"qty_sent" db:"qty_sent"`
	QtyReceived       *decimal.Decimal `json:"qty_received,omitempty" db:"qty_received"` // 一度だけ書き込み可
	Status            TransferState    `json:"status" db:"status"`
	IsLineClear       bool             `json:"is_line_clear" db:"is_line_clear"`
	BlockReason       BlockReason      `json:"block_reason,omitempty" db:"block_reason"`
	RequiredAction    string           `json:"required_action,omitempty" db:"required_action"`
	AcceptedBy        string           `json:"accepted_by,omitempty" db:"accepted_by"`
	OverrideReason    string           `json:"override_reason,omitempty" db:"override_reason"`
	CancelReason      string           `json:"cancel_reason,omitempty" db:"cancel_reason"`
	History           []TransferStep   `json:"history" db:"history"`
	Version           int64            `json:"version" db:"version"`
	CreatedBy         string           `json:"created_by" db:"created_by"`
	CreatedAt         time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at" db:"updated_at"`
}

// LineOccupancy is the current state of a department's physical line
// 部門ラインの現在の占有状態
type LineOccupancy struct {
	Department         string     `json:"department" db:"department"`
	LineID             string     `json:"line_id" db:"line_id"`
	CurrentArticleID   string     `json:"current_article_id" db:"current_article_id"`
	CurrentBatchRef    string     `json:"current_batch_ref" db:"current_batch_ref"`
	CurrentDestination string     `json:"current_destination" db:"current_destination"`
	CurrentWeek        string     `json:"current_week" db:"current_week"`
	Status             LineStatus `json:"status" db:"status"`
	OccupiedSince      *time.Time `json:"occupied_since" db:"occupied_since"`
	LastLoadedAt       *time.Time `json:"last_loaded_at" db:"last_loaded_at"`
	LastClearanceID    string     `json:"last_clearance_id" db:"last_clearance_id"`
	Version            int64      `json:"version" db:"version"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
	UpdatedBy          string     `json:"updated_by" db:"updated_by"`
}

// ClearanceAcknowledgement is an operator statement that a line was physically cleared
// オペレーターによるライン清掃・切替確認の記録
type ClearanceAcknowledgement struct {
	ID             string          `json:"id" db:"id"`
	Department     string          `json:"department" db:"department"`
	LineID         string          `json:"line_id" db:"line_id"`
	Method         ClearanceMethod `json:"method" db:"method"`
	EvidenceRef    string          `json:"evidence_ref" db:"evidence_ref"`
	AcknowledgedBy string          `json:"acknowledged_by" db:"acknowledged_by"`
	AcknowledgedAt time.Time       `json:"acknowledged_at" db:"acknowledged_at"`
}

// TransferRequest carries the parameters of create_transfer
// 引き渡し作成リクエスト
type TransferRequest struct {
	FromDept          string          `json:"from_dept"`
	ToDept            string          `json:"to_dept"`
	ToLine            string          `json:"to_line,omitempty"`
	ProductID         string          `json:"product_id"`
	ArticleID         string          `json:"article_id,omitempty"`
	BatchRef          string          `json:"batch_ref"`
	Destination       string          `json:"destination,omitempty"`
	Week              string          `json:"week,omitempty"`
	SourceWorkOrderID string          `json:"source_work_order_id,omitempty"`
	Qty               decimal.Decimal `json:"qty"`
}

// AcceptOptions tunes accept_transfer
type AcceptOptions struct {
	// OverrideReason permits a quantity outside the tolerance band; it is stored on the record.
	OverrideReason string `json:"override_reason,omitempty"`
}

// NewID generates a new identifier
// 新しいIDを生成
func NewID() string {
	return uuid.New().String()
}
