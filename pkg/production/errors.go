package production

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Common production errors
// 共通の生産エラー定義

var (
	// ErrDataIntegrity is the family of master data problems (cycles, missing BOMs, routing)
	// マスタデータ不整合のエラー
	ErrDataIntegrity = errors.New("マスタデータに不整合があります")

	// ErrProductNotFound is returned when a product doesn't exist
	// 品目が存在しない場合のエラー
	ErrProductNotFound = errors.New("品目が見つかりません")

	// ErrBOMNotFound is returned by a catalog when a product has no recipe
	// 部品表が存在しない場合のエラー
	ErrBOMNotFound = errors.New("部品表が見つかりません")

	// ErrAllocationShortfall is returned when stock cannot cover a need and debt is not allowed
	// 在庫不足で引当できない場合のエラー
	ErrAllocationShortfall = errors.New("引当に必要な在庫が不足しています")

	// ErrInsufficientStock is returned when a reservation exceeds available stock
	// 在庫不足の場合のエラー
	ErrInsufficientStock = errors.New("在庫が不足しています")

	// ErrToleranceExceeded is returned when the received quantity is outside the tolerance band
	// 受入数量が許容範囲外の場合のエラー
	ErrToleranceExceeded = errors.New("受入数量が許容範囲を超えています")

	// ErrLineBlocked is returned when the destination line cannot take the transfer
	// 受入ラインが使用できない場合のエラー
	ErrLineBlocked = errors.New("受入ラインがブロックされています")

	// ErrDoubleAcceptance is returned when a transfer is accepted twice
	// 二重受入のエラー
	ErrDoubleAcceptance = errors.New("引き渡しは既に受入済みです")

	// ErrInvalidTransition is returned for a state change the state machine forbids
	// 不正な状態遷移のエラー
	ErrInvalidTransition = errors.New("不正な状態遷移です")

	// ErrConcurrentModification is returned when a row lock or version check lost a race
	// 同時更新の競合エラー
	ErrConcurrentModification = errors.New("他の処理と競合しました")

	// ErrVersionMismatch is returned when optimistic locking fails
	// 楽観的ロック失敗時のエラー
	ErrVersionMismatch = errors.New("バージョンが一致しません。他のユーザーによって更新されています")

	// ErrWorkOrderNotFound is returned when a work order doesn't exist
	// 作業指示が存在しない場合のエラー
	ErrWorkOrderNotFound = errors.New("作業指示が見つかりません")

	// ErrTransferNotFound is returned when a transfer doesn't exist
	// 引き渡し記録が存在しない場合のエラー
	ErrTransferNotFound = errors.New("引き渡し記録が見つかりません")

	// ErrDebtNotFound is returned when a material debt doesn't exist
	// 材料債務が存在しない場合のエラー
	ErrDebtNotFound = errors.New("材料債務が見つかりません")

	// ErrLineNotFound is returned when a line isn't configured
	// ラインが存在しない場合のエラー
	ErrLineNotFound = errors.New("ラインが見つかりません")

	// ErrStockNotFound is returned when stock record doesn't exist
	// 在庫記録が存在しない場合のエラー
	ErrStockNotFound = errors.New("在庫記録が見つかりません")

	// ErrDepartmentNotFound is returned when a department code isn't registered
	// 部門が登録されていない場合のエラー
	ErrDepartmentNotFound = errors.New("部門が見つかりません")

	// ErrNotAdjacent is returned when a transfer skips the department routing
	// 隣接していない部門間の引き渡しエラー
	ErrNotAdjacent = errors.New("隣接していない部門間の引き渡しです")

	// ErrDuplicate is returned when a record already exists
	// 既に存在する記録を作成しようとした場合のエラー
	ErrDuplicate = errors.New("記録は既に存在します")
)

// ValidationError represents a validation error with details
// 詳細付きバリデーションエラーを表現
type ValidationError struct {
	Field   string `json:"field"`   // エラーフィールド
	Message string `json:"message"` // エラーメッセージ
	Value   string `json:"value"`   // 無効な値
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("バリデーションエラー [%s]: %s (値: %s)", e.Field, e.Message, e.Value)
}

// BusinessRuleError represents a business rule violation
// ビジネスルール違反を表現
type BusinessRuleError struct {
	Rule    string `json:"rule"`    // ルール名
	Message string `json:"message"` // エラーメッセージ
	Context string `json:"context"` // コンテキスト情報
}

func (e BusinessRuleError) Error() string {
	return fmt.Sprintf("ビジネスルール違反 [%s]: %s (コンテキスト: %s)", e.Rule, e.Message, e.Context)
}

// ConcurrencyError is returned after retries on concurrent modification are exhausted
// 同時実行関連のエラーを表現
type ConcurrencyError struct {
	Operation string `json:"operation"` // 操作名
	Resource  string `json:"resource"`  // リソース
	Message   string `json:"message"`   // エラーメッセージ
	Attempts  int    `json:"attempts"`  // 試行回数
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("同時実行エラー [%s:%s]: %s (試行回数: %d)", e.Operation, e.Resource, e.Message, e.Attempts)
}

func (e ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrentModification
}

// StorageError represents a storage layer error
// ストレージ層のエラーを表現
type StorageError struct {
	Operation string `json:"operation"` // 操作名
	Message   string `json:"message"`   // エラーメッセージ
	Cause     error  `json:"cause"`     // 原因エラー
}

func (e StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ストレージエラー [%s]: %s (原因: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("ストレージエラー [%s]: %s", e.Operation, e.Message)
}

func (e StorageError) Unwrap() error {
	return e.Cause
}

// CycleDetectedError carries the product path that closes a BOM cycle
// 部品表の循環参照エラー
type CycleDetectedError struct {
	Path []string `json:"path"`
}

func (e CycleDetectedError) Error() string {
	return fmt.Sprintf("部品表に循環参照があります: %s", strings.Join(e.Path, " -> "))
}

func (e CycleDetectedError) Is(target error) bool {
	return target == ErrDataIntegrity
}

// MissingBOMError is returned when a WIP or finished good has no recipe
// 部品表欠落エラー
type MissingBOMError struct {
	ProductID string `json:"product_id"`
	ParentID  string `json:"parent_id,omitempty"`
}

func (e MissingBOMError) Error() string {
	if e.ParentID != "" {
		return fmt.Sprintf("部品表がありません: %s (親: %s)", e.ProductID, e.ParentID)
	}
	return fmt.Sprintf("部品表がありません: %s", e.ProductID)
}

func (e MissingBOMError) Is(target error) bool {
	return target == ErrDataIntegrity || target == ErrBOMNotFound
}

// DepartmentResolutionError is returned when a stage can't be routed to exactly one department
// 部門の解決に失敗した場合のエラー
type DepartmentResolutionError struct {
	ProductID  string   `json:"product_id"`
	Category   string   `json:"category"`
	Candidates []string `json:"candidates"`
}

func (e DepartmentResolutionError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("担当部門を解決できません: 品目=%s カテゴリ=%s", e.ProductID, e.Category)
	}
	return fmt.Sprintf("担当部門が一意に決まりません: 品目=%s カテゴリ=%s 候補=%s",
		e.ProductID, e.Category, strings.Join(e.Candidates, ","))
}

func (e DepartmentResolutionError) Is(target error) bool {
	return target == ErrDataIntegrity
}

// ExplosionError wraps a failure of a whole BOM explosion
// 部品表展開エラー
type ExplosionError struct {
	FinishedGoodID string          `json:"finished_good_id"`
	Quantity       decimal.Decimal `json:"quantity"`
	Cause          error           `json:"cause"`
}

func (e ExplosionError) Error() string {
	return fmt.Sprintf("部品表展開に失敗しました [%s x %s]: %v", e.FinishedGoodID, e.Quantity.String(), e.Cause)
}

func (e ExplosionError) Unwrap() error {
	return e.Cause
}

// Shortfall is the uncovered portion of one material need
type Shortfall struct {
	MaterialID string          `json:"material_id"`
	Needed     decimal.Decimal `json:"needed"`
	Available  decimal.Decimal `json:"available"`
}

// AllocationShortfallError lists materials stock couldn't cover when debt isn't allowed
// 引当不足エラー
type AllocationShortfallError struct {
	WorkOrderID string      `json:"work_order_id"`
	Department  string      `json:"department"`
	Shortfalls  []Shortfall `json:"shortfalls"`
}

func (e AllocationShortfallError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s(必要=%s 在庫=%s)", s.MaterialID, s.Needed.String(), s.Available.String()))
	}
	return fmt.Sprintf("引当不足 [作業指示=%s 部門=%s]: %s", e.WorkOrderID, e.Department, strings.Join(parts, ", "))
}

func (e AllocationShortfallError) Is(target error) bool {
	return target == ErrAllocationShortfall
}

// InsufficientStockError is returned when a quant can't cover a reservation
// 在庫不足エラー
type InsufficientStockError struct {
	ProductID  string          `json:"product_id"`
	LocationID string          `json:"location_id"`
	Requested  decimal.Decimal `json:"requested"`
	Available  decimal.Decimal `json:"available"`
}

func (e InsufficientStockError) Error() string {
	return fmt.Sprintf("在庫が不足しています [%s@%s]: 要求=%s 利用可能=%s",
		e.ProductID, e.LocationID, e.Requested.String(), e.Available.String())
}

func (e InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ToleranceExceededError is returned when a receipt differs too much from what was sent
// 許容範囲超過エラー
type ToleranceExceededError struct {
	TransferID   string          `json:"transfer_id"`
	QtySent      decimal.Decimal `json:"qty_sent"`
	QtyReceived  decimal.Decimal `json:"qty_received"`
	TolerancePct decimal.Decimal `json:"tolerance_pct"`
}

func (e ToleranceExceededError) Error() string {
	return fmt.Sprintf("受入数量が許容範囲外です [引き渡し=%s]: 送付=%s 受入=%s 許容=±%s%%",
		e.TransferID, e.QtySent.String(), e.QtyReceived.String(), e.TolerancePct.String())
}

func (e ToleranceExceededError) Is(target error) bool {
	return target == ErrToleranceExceeded
}

// LineBlockedError describes why a destination line refused a transfer
// ラインブロックエラー
type LineBlockedError struct {
	TransferID     string      `json:"transfer_id"`
	Department     string      `json:"department"`
	LineID         string      `json:"line_id"`
	Reason         BlockReason `json:"reason"`
	RequiredAction string      `json:"required_action"`
	CurrentArticle string      `json:"current_article,omitempty"`
	ReadyAt        string      `json:"ready_at,omitempty"`
}

func (e LineBlockedError) Error() string {
	msg := fmt.Sprintf("受入ラインがブロックされています [%s/%s]: 理由=%s 必要な対応=%s",
		e.Department, e.LineID, e.Reason, e.RequiredAction)
	if e.ReadyAt != "" {
		msg += " 解除予定=" + e.ReadyAt
	}
	return msg
}

func (e LineBlockedError) Is(target error) bool {
	return target == ErrLineBlocked
}

// DoubleAcceptanceError is returned on a second accept of the same transfer
// 二重受入エラー
type DoubleAcceptanceError struct {
	TransferID string        `json:"transfer_id"`
	Status     TransferState `json:"status"`
	AcceptedBy string        `json:"accepted_by"`
}

func (e DoubleAcceptanceError) Error() string {
	return fmt.Sprintf("引き渡しは既に受入済みです [%s]: 状態=%s 受入者=%s", e.TransferID, e.Status, e.AcceptedBy)
}

func (e DoubleAcceptanceError) Is(target error) bool {
	return target == ErrDoubleAcceptance
}

// InvalidTransitionError is returned when a state machine refuses a move
// 不正な状態遷移エラー
type InvalidTransitionError struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("不正な状態遷移です [%s:%s]: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

func (e InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// NewValidationError creates a new validation error
// 新しいバリデーションエラーを作成
func NewValidationError(field, message, value string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// NewBusinessRuleError creates a new business rule error
// 新しいビジネスルールエラーを作成
func NewBusinessRuleError(rule, message, context string) *BusinessRuleError {
	return &BusinessRuleError{
		Rule:    rule,
		Message: message,
		Context: context,
	}
}

// NewConcurrencyError creates a new concurrency error
// 新しい同時実行エラーを作成
func NewConcurrencyError(operation, resource, message string, attempts int) *ConcurrencyError {
	return &ConcurrencyError{
		Operation: operation,
		Resource:  resource,
		Message:   message,
		Attempts:  attempts,
	}
}

// NewStorageError creates a new storage error
// 新しいストレージエラーを作成
func NewStorageError(operation, message string, cause error) *StorageError {
	return &StorageError{
		Operation: operation,
		Message:   message,
		Cause:     cause,
	}
}

// wrapStorage keeps domain errors intact and wraps everything else as a StorageError
func wrapStorage(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return NewStorageError(operation, message, err)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrDataIntegrity, ErrProductNotFound, ErrBOMNotFound, ErrAllocationShortfall,
		ErrInsufficientStock, ErrToleranceExceeded, ErrLineBlocked, ErrDoubleAcceptance,
		ErrInvalidTransition, ErrConcurrentModification, ErrVersionMismatch,
		ErrWorkOrderNotFound, ErrTransferNotFound, ErrDebtNotFound, ErrLineNotFound,
		ErrStockNotFound, ErrDepartmentNotFound, ErrNotAdjacent, ErrDuplicate,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var ve *ValidationError
	var be *BusinessRuleError
	return errors.As(err, &ve) || errors.As(err, &be)
}

// isRetryable reports whether err is a lost race worth retrying
func isRetryable(err error) bool {
	var ce *ConcurrencyError
	if errors.As(err, &ce) {
		return false
	}
	return errors.Is(err, ErrVersionMismatch) || errors.Is(err, ErrConcurrentModification)
}
