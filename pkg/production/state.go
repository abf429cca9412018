package production

// ProductKind classifies a product
// 品目区分
type ProductKind string

const (
	ProductKindRaw      ProductKind = "RAW"      // 原材料
	ProductKindWIP      ProductKind = "WIP"      // 仕掛品
	ProductKindFinished ProductKind = "FINISHED" // 完成品
)

// Valid reports whether k is a known kind
func (k ProductKind) Valid() bool {
	switch k {
	case ProductKindRaw, ProductKindWIP, ProductKindFinished:
		return true
	}
	return false
}

// WorkOrderStatus is the lifecycle state of a work order
// 作業指示のステータス
type WorkOrderStatus string

const (
	WorkOrderPending  WorkOrderStatus = "PENDING"  // 入力待ち
	WorkOrderReady    WorkOrderStatus = "READY"    // 着手可能
	WorkOrderRunning  WorkOrderStatus = "RUNNING"  // 作業中
	WorkOrderFinished WorkOrderStatus = "FINISHED" // 完了
)

var workOrderTransitions = map[WorkOrderStatus][]WorkOrderStatus{
	WorkOrderPending: {WorkOrderReady},
	WorkOrderReady:   {WorkOrderRunning, WorkOrderFinished},
	WorkOrderRunning: {WorkOrderFinished},
}

// CanTransition reports whether s may move to next
// 状態遷移が許可されているか判定
func (s WorkOrderStatus) CanTransition(next WorkOrderStatus) bool {
	for _, allowed := range workOrderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllocationStatus describes how a material need was covered
// 材料引当のステータス
type AllocationStatus string

const (
	AllocationAllocated   AllocationStatus = "ALLOCATED"    // 在庫で全量引当
	AllocationPartial     AllocationStatus = "PARTIAL"      // 一部在庫＋債務
	AllocationPendingDebt AllocationStatus = "PENDING_DEBT" // 全量債務
)

// DebtStatus is the lifecycle state of a material debt
// 材料債務のステータス
type DebtStatus string

const (
	DebtActive      DebtStatus = "ACTIVE"
	DebtPartialPaid DebtStatus = "PARTIAL_PAID"
	DebtFullyPaid   DebtStatus = "FULLY_PAID"
	DebtWrittenOff  DebtStatus = "WRITTEN_OFF"
)

// Open reports whether the debt still has a balance to settle
func (s DebtStatus) Open() bool {
	return s == DebtActive || s == DebtPartialPaid
}

var debtTransitions = map[DebtStatus][]DebtStatus{
	DebtActive:      {DebtPartialPaid, DebtFullyPaid, DebtWrittenOff},
	DebtPartialPaid: {DebtPartialPaid, DebtFullyPaid, DebtWrittenOff},
}

// CanTransition reports whether s may move to next
func (s DebtStatus) CanTransition(next DebtStatus) bool {
	for _, allowed := range debtTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RiskLevel rates how exposed production is to an unpaid debt
// 債務のリスクレベル
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// Valid reports whether r is a known level
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// TransferState is the handshake state of a transfer
// 引き渡しハンドシェイクの状態
type TransferState string

const (
	TransferInitiated TransferState = "INITIATED" // 作成直後
	TransferBlocked   TransferState = "BLOCKED"   // ライン条件で保留
	TransferLocked    TransferState = "LOCKED"    // 数量予約済み
	TransferAccepted  TransferState = "ACCEPTED"  // 受入確認
	TransferCompleted TransferState = "COMPLETED" // 完了
	TransferCancelled TransferState = "CANCELLED" // 取消
)

var transferTransitions = map[TransferState][]TransferState{
	TransferInitiated: {TransferBlocked, TransferLocked, TransferCancelled},
	TransferBlocked:   {TransferLocked, TransferBlocked, TransferCancelled},
	TransferLocked:    {TransferAccepted, TransferCancelled},
	TransferAccepted:  {TransferCompleted},
}

// CanTransition reports whether s may move to next
// 状態遷移が許可されているか判定
func (s TransferState) CanTransition(next TransferState) bool {
	for _, allowed := range transferTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s TransferState) Terminal() bool {
	return s == TransferCompleted || s == TransferCancelled
}

// LineStatus is the physical state of a department line
// ラインの状態
type LineStatus string

const (
	LineClear    LineStatus = "CLEAR"
	LineOccupied LineStatus = "OCCUPIED"
	LinePaused   LineStatus = "PAUSED"
)

// ClearanceMethod is how an operator verified a line was cleared
// ライン切替確認の方法
type ClearanceMethod string

const (
	ClearancePhysicalGap      ClearanceMethod = "PHYSICAL_GAP"
	ClearanceLineStop         ClearanceMethod = "LINE_STOP"
	ClearanceManualInspection ClearanceMethod = "MANUAL_INSPECTION"
)

// Valid reports whether m is a known method
func (m ClearanceMethod) Valid() bool {
	switch m {
	case ClearancePhysicalGap, ClearanceLineStop, ClearanceManualInspection:
		return true
	}
	return false
}

// BlockReason explains why a transfer could not lock its destination line
// 引き渡し保留の理由
type BlockReason string

const (
	BlockLinePaused   BlockReason = "LINE_PAUSED"
	BlockLineOccupied BlockReason = "LINE_OCCUPIED"
	BlockSegregation  BlockReason = "SEGREGATION"
)

// ActionAcknowledgeClearance is the required action stored on blocked transfers
const ActionAcknowledgeClearance = "ACKNOWLEDGE_CLEARANCE"

// ActionResumeLine is required when the destination line is paused
const ActionResumeLine = "RESUME_LINE"
