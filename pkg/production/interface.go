package production

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Engine defines the operations exposed to the API layer
// APIレイヤーに公開する操作を定義
type Engine interface {
	// 部品表展開・スケジュール - Explosion and scheduling
	ExplodeBOM(ctx context.Context, finishedGoodID string, qty decimal.Decimal) ([]WorkOrderSpec, error)
	Schedule(ctx context.Context, finishedGoodID string, qty decimal.Decimal) (*ScheduleResult, error)
	IsReady(ctx context.Context, workOrderID string) (*Readiness, error)
	Start(ctx context.Context, workOrderID string) (*WorkOrder, error)
	Advance(ctx context.Context, workOrderID string, outputQty decimal.Decimal) (*WorkOrder, error)
	ReviseTarget(ctx context.Context, workOrderID string, newTarget decimal.Decimal, approvalRef string) (*WorkOrder, error)
	GetWorkOrder(ctx context.Context, workOrderID string) (*WorkOrder, error)

	// 材料引当・債務 - Allocation and debt
	AllocateMaterials(ctx context.Context, workOrderID string, allowDebt bool) (*AllocationResult, error)
	SettleDebt(ctx context.Context, debtID string, qty decimal.Decimal, ref string) (*MaterialDebt, error)
	AutoSettleFromGRN(ctx context.Context, productID string, qty decimal.Decimal, receiptRef string) (*SettlementResult, error)
	WriteOffDebt(ctx context.Context, debtID, reason string) (*MaterialDebt, error)
	ReassessDebtRisk(ctx context.Context, debtID string, level RiskLevel) (*MaterialDebt, error)
	ListOpenDebts(ctx context.Context, productID string) ([]*MaterialDebt, error)

	// 引き渡し - Transfers
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferRecord, error)
	RetryTransfer(ctx context.Context, transferID string) (*TransferRecord, error)
	AcceptTransfer(ctx context.Context, transferID string, qtyReceived decimal.Decimal, acceptedBy string, opts AcceptOptions) (*TransferRecord, error)
	CancelTransfer(ctx context.Context, transferID, reason string) (*TransferRecord, error)
	GetTransfer(ctx context.Context, transferID string) (*TransferRecord, error)

	// ライン管理 - Lines
	AcknowledgeLineClearance(ctx context.Context, dept, line string, method ClearanceMethod, evidenceRef string) (*LineOccupancy, error)
	PauseLine(ctx context.Context, dept, line string) (*LineOccupancy, error)
	ResumeLine(ctx context.Context, dept, line string) (*LineOccupancy, error)
	GetLine(ctx context.Context, dept, line string) (*LineOccupancy, error)

	// 在庫 - Stock
	ReceiveStock(ctx context.Context, productID, locationID string, qty decimal.Decimal, batchRef string) (*StockLot, error)
	GetQuant(ctx context.Context, productID, locationID string) (*StockQuant, error)
	ListLots(ctx context.Context, productID, locationID string) ([]*StockLot, error)
}

// Catalog is the read-only product and BOM master
// 品目・部品表マスタ（読み取り専用）
type Catalog interface {
	GetProduct(ctx context.Context, productID string) (*Product, error)
	// GetBOM returns ErrBOMNotFound when the product has no recipe.
	GetBOM(ctx context.Context, productID string) (*BOMNode, error)
}

// Storage defines the transactional persistence layer
// トランザクション対応の永続化層
type Storage interface {
	// WithTx runs fn in one transaction; any error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx groups the repositories available inside a transaction
type Tx interface {
	StockRepository
	DebtRepository
	TransferRepository
	WorkOrderRepository
}

// StockRepository persists quants and lots
// 在庫集計とロットの永続化
type StockRepository interface {
	GetQuantForUpdate(ctx context.Context, productID, locationID string) (*StockQuant, error)
	CreateQuant(ctx context.Context, quant *StockQuant) error
	// SaveQuant expects quant.Version to be the stored version plus one.
	SaveQuant(ctx context.Context, quant *StockQuant) error
	// ListLotsForUpdate returns lots with remaining quantity, oldest first.
	ListLotsForUpdate(ctx context.Context, productID, locationID string) ([]*StockLot, error)
	CreateLot(ctx context.Context, lot *StockLot) error
	SaveLot(ctx context.Context, lot *StockLot) error
}

// DebtRepository persists material debts and their settlements
// 材料債務と消込の永続化
type DebtRepository interface {
	CreateDebt(ctx context.Context, debt *MaterialDebt) error
	SaveDebt(ctx context.Context, debt *MaterialDebt) error
	GetDebtForUpdate(ctx context.Context, debtID string) (*MaterialDebt, error)
	FindOpenDebtForUpdate(ctx context.Context, workOrderID, productID string) (*MaterialDebt, error)
	// LockProductDebts serializes debt raising and settlement for one product until the transaction ends.
	LockProductDebts(ctx context.Context, productID string) error
	// ListOpenDebtsForUpdate returns ACTIVE and PARTIAL_PAID debts, oldest first.
	ListOpenDebtsForUpdate(ctx context.Context, productID string) ([]*MaterialDebt, error)
	AppendSettlement(ctx context.Context, settlement *MaterialDebtSettlement) error
	ListSettlements(ctx context.Context, debtID string) ([]*MaterialDebtSettlement, error)
}

// TransferFilter narrows ListTransfers; empty fields match everything
type TransferFilter struct {
	ToDept            string
	ToLine            string
	ProductID         string
	SourceWorkOrderID string
	Status            TransferState
}

// TransferRepository persists transfers, line occupancy and clearance acknowledgements
// 引き渡し・ライン占有・切替確認の永続化
type TransferRepository interface {
	CreateTransfer(ctx context.Context, transfer *TransferRecord) error
	SaveTransfer(ctx context.Context, transfer *TransferRecord) error
	GetTransferForUpdate(ctx context.Context, transferID string) (*TransferRecord, error)
	ListTransfers(ctx context.Context, filter TransferFilter) ([]*TransferRecord, error)
	GetLineForUpdate(ctx context.Context, dept, lineID string) (*LineOccupancy, error)
	CreateLine(ctx context.Context, line *LineOccupancy) error
	SaveLine(ctx context.Context, line *LineOccupancy) error
	AppendClearance(ctx context.Context, ack *ClearanceAcknowledgement) error
}

// WorkOrderRepository persists requests, work orders and allocations
// 生産依頼・作業指示・引当の永続化
type WorkOrderRepository interface {
	CreateRequest(ctx context.Context, req *ProductionRequest) error
	CreateWorkOrder(ctx context.Context, wo *WorkOrder) error
	SaveWorkOrder(ctx context.Context, wo *WorkOrder) error
	GetWorkOrderForUpdate(ctx context.Context, workOrderID string) (*WorkOrder, error)
	ListWorkOrdersByRequest(ctx context.Context, requestID string) ([]*WorkOrder, error)
	SaveAllocation(ctx context.Context, alloc *MaterialAllocation) error
	ListAllocations(ctx context.Context, workOrderID string) ([]*MaterialAllocation, error)
}

// EventPublisher defines interface for publishing production events
// 生産イベント発行のインターフェースを定義
type EventPublisher interface {
	PublishWorkOrderChanged(ctx context.Context, event WorkOrderChangedEvent) error
	PublishMaterialAllocated(ctx context.Context, event MaterialAllocatedEvent) error
	PublishDebtChanged(ctx context.Context, event DebtChangedEvent) error
	PublishTransferChanged(ctx context.Context, event TransferChangedEvent) error
	PublishLineChanged(ctx context.Context, event LineChangedEvent) error
}

// Events for production operations
// 生産操作のイベント

// WorkOrderChangedEvent represents a work order status change
// 作業指示の状態変更イベント
type WorkOrderChangedEvent struct {
	WorkOrderID string          `json:"work_order_id"`
	RequestID   string          `json:"request_id"`
	Department  string          `json:"department"`
	OldStatus   WorkOrderStatus `json:"old_status"`
	NewStatus   WorkOrderStatus `json:"new_status"`
	Timestamp   time.Time       `json:"timestamp"`
	UserID      string          `json:"user_id"`
}

// MaterialAllocatedEvent represents the outcome of one allocation
// 材料引当イベント
type MaterialAllocatedEvent struct {
	WorkOrderID  string           `json:"work_order_id"`
	MaterialID   string           `json:"material_id"`
	QtyAllocated decimal.Decimal  `json:"qty_allocated"`
	QtyFromDebt  decimal.Decimal  `json:"qty_from_debt"`
	Status       AllocationStatus `json:"status"`
	Timestamp    time.Time        `json:"timestamp"`
	UserID       string           `json:"user_id"`
}

// DebtChangedEvent represents a debt being raised, settled or written off
// 材料債務変更イベント
type DebtChangedEvent struct {
	DebtID     string          `json:"debt_id"`
	ProductID  string          `json:"product_id"`
	ChangeType string          `json:"change_type"` // raised, settled, written_off, reassessed
	Qty        decimal.Decimal `json:"qty"`
	Balance    decimal.Decimal `json:"balance"`
	Status     DebtStatus      `json:"status"`
	RiskLevel  RiskLevel       `json:"risk_level"`
	Reference  string          `json:"reference"`
	Timestamp  time.Time       `json:"timestamp"`
	UserID     string          `json:"user_id"`
}

// TransferChangedEvent represents a handshake state change
// 引き渡し状態変更イベント
type TransferChangedEvent struct {
	TransferID string        `json:"transfer_id"`
	FromDept   string        `json:"from_dept"`
	ToDept     string        `json:"to_dept"`
	ToLine     string        `json:"to_line"`
	ArticleID  string        `json:"article_id"`
	OldStatus  TransferState `json:"old_status"`
	NewStatus  TransferState `json:"new_status"`
	Reason     string        `json:"reason,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	UserID     string        `json:"user_id"`
}

// LineChangedEvent represents a line occupancy change
// ライン状態変更イベント
type LineChangedEvent struct {
	Department string     `json:"department"`
	LineID     string     `json:"line_id"`
	OldStatus  LineStatus `json:"old_status"`
	NewStatus  LineStatus `json:"new_status"`
	ArticleID  string     `json:"article_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	UserID     string     `json:"user_id"`
}
