package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiflow/pkg/production"
)

// validate checks request bodies; field names follow the json tags
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// catalogWriter is implemented by stores whose product master can be edited at runtime
type catalogWriter interface {
	AddProduct(p production.Product)
	AddBOM(node production.BOMNode)
}

// Handlers holds HTTP handlers for the production API
// 生産API用のHTTPハンドラーを保持
type Handlers struct {
	engine  production.Engine
	storage production.Storage
	catalog catalogWriter // メモリストレージ利用時のみ
	logger  *zap.Logger
}

// NewHandlers creates new HTTP handlers
// 新しいHTTPハンドラーを作成
func NewHandlers(engine production.Engine, storage production.Storage, logger *zap.Logger) *Handlers {
	h := &Handlers{
		engine:  engine,
		storage: storage,
		logger:  logger,
	}
	if cw, ok := storage.(catalogWriter); ok {
		h.catalog = cw
	}
	return h
}

// APIResponse represents standard API response format
// 標準的なAPIレスポンス形式を表現
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
}

// ScheduleRequest represents request to explode or schedule a finished good
// 展開・スケジュールリクエストを表現
type ScheduleRequest struct {
	FinishedGoodID string          `json:"finished_good_id" validate:"required"`
	Quantity       decimal.Decimal `json:"quantity"`
}

// AdvanceRequest records the output of a work order
type AdvanceRequest struct {
	OutputQty decimal.Decimal `json:"output_qty"`
}

// ReviseTargetRequest represents request to change a work order target
type ReviseTargetRequest struct {
	TargetQty   decimal.Decimal `json:"target_qty"`
	ApprovalRef string          `json:"approval_ref"`
}

// AllocateRequest represents request to allocate materials
// 材料引当リクエストを表現
type AllocateRequest struct {
	AllowDebt bool `json:"allow_debt"`
}

// SettleDebtRequest represents a manual debt settlement
type SettleDebtRequest struct {
	Qty       decimal.Decimal `json:"qty"`
	Reference string          `json:"reference"`
}

// AutoSettleRequest represents a goods receipt applied to open debts
// 入荷による債務自動消込リクエストを表現
type AutoSettleRequest struct {
	ProductID  string          `json:"product_id" validate:"required"`
	Qty        decimal.Decimal `json:"qty"`
	ReceiptRef string          `json:"receipt_ref" validate:"required"`
}

// ReasonRequest carries a free-text reason
type ReasonRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// RiskRequest represents request to reassess a debt risk level
type RiskRequest struct {
	RiskLevel production.RiskLevel `json:"risk_level" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
}

// AcceptTransferRequest represents request to accept a locked transfer
// 引き渡し受入リクエストを表現
type AcceptTransferRequest struct {
	QtyReceived    decimal.Decimal `json:"qty_received"`
	AcceptedBy     string          `json:"accepted_by"`
	OverrideReason string          `json:"override_reason,omitempty"`
}

// ClearanceRequest represents a line clearance acknowledgement
// ラインクリアランス確認リクエストを表現
type ClearanceRequest struct {
	Method      production.ClearanceMethod `json:"method" validate:"required,oneof=PHYSICAL_GAP LINE_STOP MANUAL_INSPECTION"`
	EvidenceRef string                     `json:"evidence_ref" validate:"required"`
}

// ReceiveStockRequest represents a stock receipt
// 入庫リクエストを表現
type ReceiveStockRequest struct {
	ProductID  string          `json:"product_id" validate:"required"`
	LocationID string          `json:"location_id" validate:"required"`
	Qty        decimal.Decimal `json:"qty"`
	BatchRef   string          `json:"batch_ref"`
}

// HealthCheck handles health check requests
// ヘルスチェックリクエストを処理
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.storage.Ping(ctx); err != nil {
		h.logger.Warn("ストレージの疎通確認に失敗しました", zap.Error(err))
		h.sendError(w, http.StatusServiceUnavailable, "ストレージに接続できません", nil)
		return
	}

	h.sendSuccess(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "zaiflow",
	})
}

// --- 展開・スケジュール ---

// ExplodeBOM handles BOM explosion requests
// 部品表展開リクエストを処理
func (h *Handlers) ExplodeBOM(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	specs, err := h.engine.ExplodeBOM(r.Context(), req.FinishedGoodID, req.Quantity)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, specs)
}

// Schedule handles scheduling requests
// スケジュール作成リクエストを処理
func (h *Handlers) Schedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.Schedule(r.Context(), req.FinishedGoodID, req.Quantity)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendCreated(w, res)
}

func (h *Handlers) GetWorkOrder(w http.ResponseWriter, r *http.Request) {
	wo, err := h.engine.GetWorkOrder(r.Context(), mux.Vars(r)["workOrderId"])
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, wo)
}

// GetReadiness handles readiness inquiries
// 着手可否の照会を処理
func (h *Handlers) GetReadiness(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.IsReady(r.Context(), mux.Vars(r)["workOrderId"])
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, res)
}

func (h *Handlers) StartWorkOrder(w http.ResponseWriter, r *http.Request) {
	wo, err := h.engine.Start(r.Context(), mux.Vars(r)["workOrderId"])
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, wo)
}

// AdvanceWorkOrder handles output reports
// 実績報告を処理
func (h *Handlers) AdvanceWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	wo, err := h.engine.Advance(r.Context(), mux.Vars(r)["workOrderId"], req.OutputQty)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, wo)
}

func (h *Handlers) ReviseTarget(w http.ResponseWriter, r *http.Request) {
	var req ReviseTargetRequest
	if !h.decode(w, r, &req) {
		return
	}
	wo, err := h.engine.ReviseTarget(r.Context(), mux.Vars(r)["workOrderId"], req.TargetQty, req.ApprovalRef)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, wo)
}

// --- 材料引当・債務 ---

// AllocateMaterials handles allocation requests
// 材料引当リクエストを処理
func (h *Handlers) AllocateMaterials(w http.ResponseWriter, r *http.Request) {
	var req AllocateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.AllocateMaterials(r.Context(), mux.Vars(r)["workOrderId"], req.AllowDebt)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, res)
}

func (h *Handlers) ListOpenDebts(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		h.sendError(w, http.StatusBadRequest, "product_idを指定してください", nil)
		return
	}
	debts, err := h.engine.ListOpenDebts(r.Context(), productID)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, debts)
}

// SettleDebt handles manual debt settlement
// 債務の手動消込を処理
func (h *Handlers) SettleDebt(w http.ResponseWriter, r *http.Request) {
	var req SettleDebtRequest
	if !h.decode(w, r, &req) {
		return
	}
	debt, err := h.engine.SettleDebt(r.Context(), mux.Vars(r)["debtId"], req.Qty, req.Reference)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, debt)
}

// AutoSettle handles goods receipts that settle open debts first
// 入荷による債務自動消込を処理
func (h *Handlers) AutoSettle(w http.ResponseWriter, r *http.Request) {
	var req AutoSettleRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.engine.AutoSettleFromGRN(r.Context(), req.ProductID, req.Qty, req.ReceiptRef)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, res)
}

func (h *Handlers) WriteOffDebt(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	debt, err := h.engine.WriteOffDebt(r.Context(), mux.Vars(r)["debtId"], req.Reason)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, debt)
}

func (h *Handlers) ReassessDebtRisk(w http.ResponseWriter, r *http.Request) {
	var req RiskRequest
	if !h.decode(w, r, &req) {
		return
	}
	debt, err := h.engine.ReassessDebtRisk(r.Context(), mux.Vars(r)["debtId"], req.RiskLevel)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, debt)
}

// --- 引き渡し ---

// CreateTransfer handles transfer creation; a blocked transfer is still returned with 409
// 引き渡し作成リクエストを処理
func (h *Handlers) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req production.TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	tr, err := h.engine.CreateTransfer(r.Context(), req)
	if err != nil {
		h.handleError(w, err, tr)
		return
	}
	h.sendCreated(w, tr)
}

func (h *Handlers) GetTransfer(w http.ResponseWriter, r *http.Request) {
	tr, err := h.engine.GetTransfer(r.Context(), mux.Vars(r)["transferId"])
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, tr)
}

// RetryTransfer re-evaluates a blocked transfer
// ブロック中の引き渡しを再評価
func (h *Handlers) RetryTransfer(w http.ResponseWriter, r *http.Request) {
	tr, err := h.engine.RetryTransfer(r.Context(), mux.Vars(r)["transferId"])
	if err != nil {
		h.handleError(w, err, tr)
		return
	}
	h.sendSuccess(w, tr)
}

// AcceptTransfer handles receiving-side acceptance
// 引き渡し受入リクエストを処理
func (h *Handlers) AcceptTransfer(w http.ResponseWriter, r *http.Request) {
	var req AcceptTransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	acceptedBy := req.AcceptedBy
	if acceptedBy == "" {
		acceptedBy = production.ActorFromContext(r.Context())
	}
	tr, err := h.engine.AcceptTransfer(r.Context(), mux.Vars(r)["transferId"], req.QtyReceived, acceptedBy,
		production.AcceptOptions{OverrideReason: req.OverrideReason})
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, tr)
}

func (h *Handlers) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.decode(w, r, &req) {
		return
	}
	tr, err := h.engine.CancelTransfer(r.Context(), mux.Vars(r)["transferId"], req.Reason)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, tr)
}

// --- ライン ---

func (h *Handlers) GetLine(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	line, err := h.engine.GetLine(r.Context(), vars["dept"], vars["line"])
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, line)
}

// AcknowledgeClearance records a line clearance
// ラインクリアランスの確認を処理
func (h *Handlers) AcknowledgeClearance(w http.ResponseWriter, r *http.Request) {
	var req ClearanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	line, err := h.engine.AcknowledgeLineClearance(r.Context(), vars["dept"], vars["line"], req.Method, req.EvidenceRef)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, line)
}

func (h *Handlers) PauseLine(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	line, err := h.engine.PauseLine(r.Context(), vars["dept"], vars["line"])
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, line)
}

func (h *Handlers) ResumeLine(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	line, err := h.engine.ResumeLine(r.Context(), vars["dept"], vars["line"])
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, line)
}

// --- 在庫 ---

// ReceiveStock handles stock receipts
// 入庫リクエストを処理
func (h *Handlers) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	var req ReceiveStockRequest
	if !h.decode(w, r, &req) {
		return
	}
	lot, err := h.engine.ReceiveStock(r.Context(), req.ProductID, req.LocationID, req.Qty, req.BatchRef)
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendCreated(w, lot)
}

// GetStock handles get stock requests
// 在庫取得リクエストを処理
func (h *Handlers) GetStock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	quant, err := h.engine.GetQuant(r.Context(), vars["productId"], vars["locationId"])
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, quant)
}

func (h *Handlers) ListLots(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	lots, err := h.engine.ListLots(r.Context(), vars["productId"], vars["locationId"])
	if err != nil {
		h.handleError(w, err, nil)
		return
	}
	h.sendSuccess(w, lots)
}

// --- マスタ（メモリストレージのみ） ---

// RegisterProduct adds a product to an editable catalog
// 品目を登録
func (h *Handlers) RegisterProduct(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.sendError(w, http.StatusNotImplemented, "このストレージでは品目マスタを更新できません", nil)
		return
	}
	var p production.Product
	if !h.decode(w, r, &p) {
		return
	}
	if err := production.ValidateProductID(p.ID); err != nil {
		h.handleError(w, err, nil)
		return
	}
	if !p.Kind.Valid() {
		h.handleError(w, production.NewValidationError("kind", "無効な品目区分です", string(p.Kind)), nil)
		return
	}
	h.catalog.AddProduct(p)
	h.sendCreated(w, p)
}

// RegisterBOM adds a recipe to an editable catalog
// 部品表を登録
func (h *Handlers) RegisterBOM(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.sendError(w, http.StatusNotImplemented, "このストレージでは部品表を更新できません", nil)
		return
	}
	var node production.BOMNode
	if !h.decode(w, r, &node) {
		return
	}
	if err := production.ValidateProductID(node.ProductID); err != nil {
		h.handleError(w, err, nil)
		return
	}
	for _, l := range node.Lines {
		if err := production.ValidateProductID(l.ComponentID); err != nil {
			h.handleError(w, err, nil)
			return
		}
		if !l.QtyPerUnit.IsPositive() || l.WastagePct.IsNegative() {
			h.handleError(w, production.NewValidationError("lines", "構成数量またはロス率が不正です", l.ComponentID), nil)
			return
		}
	}
	h.catalog.AddBOM(node)
	h.sendCreated(w, node)
}

// ヘルパーメソッド

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.sendError(w, http.StatusBadRequest, "無効なリクエスト形式です", nil)
		return false
	}
	if err := validate.Struct(v); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			fe := fields[0]
			h.handleError(w, production.NewValidationError(fe.Field(), "入力値が不正です: "+fe.Tag(), fmt.Sprint(fe.Value())), nil)
			return false
		}
		h.handleError(w, err, nil)
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes
// ドメインエラーをHTTPステータスに変換
func statusFor(err error) int {
	var (
		validation *production.ValidationError
		rule       *production.BusinessRuleError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.Is(err, production.ErrWorkOrderNotFound),
		errors.Is(err, production.ErrTransferNotFound),
		errors.Is(err, production.ErrDebtNotFound),
		errors.Is(err, production.ErrLineNotFound),
		errors.Is(err, production.ErrStockNotFound),
		errors.Is(err, production.ErrProductNotFound),
		errors.Is(err, production.ErrDepartmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, production.ErrLineBlocked),
		errors.Is(err, production.ErrDoubleAcceptance),
		errors.Is(err, production.ErrInvalidTransition),
		errors.Is(err, production.ErrConcurrentModification),
		errors.Is(err, production.ErrVersionMismatch),
		errors.Is(err, production.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, production.ErrDataIntegrity),
		errors.Is(err, production.ErrAllocationShortfall),
		errors.Is(err, production.ErrInsufficientStock),
		errors.Is(err, production.ErrToleranceExceeded),
		errors.Is(err, production.ErrNotAdjacent),
		errors.As(err, &rule):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// handleError sends err with its mapped status; data carries a partially useful result such as a blocked transfer
func (h *Handlers) handleError(w http.ResponseWriter, err error, data interface{}) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("リクエスト処理に失敗しました", zap.Error(err))
	}

	var detail interface{}
	var blocked *production.LineBlockedError
	if errors.As(err, &blocked) {
		detail = blocked
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := APIResponse{Success: false, Data: data, Error: err.Error(), Detail: detail}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("エラーレスポンス送信に失敗しました", zap.Error(err))
	}
}

// sendSuccess sends a successful API response
// 成功APIレスポンスを送信
func (h *Handlers) sendSuccess(w http.ResponseWriter, data interface{}) {
	h.send(w, http.StatusOK, data)
}

func (h *Handlers) sendCreated(w http.ResponseWriter, data interface{}) {
	h.send(w, http.StatusCreated, data)
}

func (h *Handlers) send(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := APIResponse{
		Success: true,
		Data:    data,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("レスポンス送信に失敗しました", zap.Error(err))
	}
}

// sendError sends an error API response
// エラーAPIレスポンスを送信
func (h *Handlers) sendError(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := APIResponse{
		Success: false,
		Data:    data,
		Error:   message,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("エラーレスポンス送信に失敗しました", zap.Error(err))
	}
}
