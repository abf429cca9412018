package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nemonet1337/zaiflow/pkg/production"
)

// MemoryStorage is an in-process implementation of production.Storage and production.Catalog.
// Transactions are serialized by one mutex and their writes are staged until commit.
// プロセス内ストレージ（トランザクションは直列化し、コミットまで書き込みを保留）
type MemoryStorage struct {
	mu sync.Mutex // トランザクション全体を保護

	catalogMu sync.RWMutex
	products  map[string]*production.Product
	boms      map[string]*production.BOMNode

	seq         int64
	quants      map[string]*production.StockQuant
	lots        map[string]*production.StockLot
	debts       map[string]*production.MaterialDebt
	transfers   map[string]*production.TransferRecord
	lines       map[string]*production.LineOccupancy
	requests    map[string]*production.ProductionRequest
	workOrders  map[string]*production.WorkOrder
	allocations map[string]*production.MaterialAllocation
	order       map[string]int64 // 挿入順（同時刻の並び替え用）
	settlements []*production.MaterialDebtSettlement
	clearances  []*production.ClearanceAcknowledgement
	closed      bool
}

var (
	_ production.Storage = (*MemoryStorage)(nil)
	_ production.Catalog = (*MemoryStorage)(nil)
)

// NewMemoryStorage creates an empty memory store
// 新しいメモリストレージを作成
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		products:    make(map[string]*production.Product),
		boms:        make(map[string]*production.BOMNode),
		quants:      make(map[string]*production.StockQuant),
		lots:        make(map[string]*production.StockLot),
		debts:       make(map[string]*production.MaterialDebt),
		transfers:   make(map[string]*production.TransferRecord),
		lines:       make(map[string]*production.LineOccupancy),
		requests:    make(map[string]*production.ProductionRequest),
		workOrders:  make(map[string]*production.WorkOrder),
		allocations: make(map[string]*production.MaterialAllocation),
		order:       make(map[string]int64),
	}
}

// AddProduct registers a product in the catalog
func (s *MemoryStorage) AddProduct(p production.Product) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	s.products[p.ID] = &p
}

// AddBOM registers the recipe of a product
func (s *MemoryStorage) AddBOM(node production.BOMNode) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()
	lines := append([]production.BOMLine(nil), node.Lines...)
	s.boms[node.ProductID] = &production.BOMNode{ProductID: node.ProductID, Lines: lines}
}

// GetProduct implements production.Catalog
func (s *MemoryStorage) GetProduct(ctx context.Context, productID string) (*production.Product, error) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", production.ErrProductNotFound, productID)
	}
	c := *p
	return &c, nil
}

// GetBOM implements production.Catalog
func (s *MemoryStorage) GetBOM(ctx context.Context, productID string) (*production.BOMNode, error) {
	s.catalogMu.RLock()
	defer s.catalogMu.RUnlock()
	node, ok := s.boms[productID]
	if !ok {
		return nil, production.ErrBOMNotFound
	}
	return &production.BOMNode{ProductID: node.ProductID, Lines: append([]production.BOMLine(nil), node.Lines...)}, nil
}

// WithTx runs fn with exclusive access; staged writes are applied only when fn succeeds
// トランザクションを実行（成功時のみ反映）
func (s *MemoryStorage) WithTx(ctx context.Context, fn func(tx production.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return production.NewStorageError("begin", "ストレージは既にクローズされています", nil)
	}
	tx := newMemTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// Ping implements production.Storage
func (s *MemoryStorage) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("memory storage closed")
	}
	return nil
}

// Close implements production.Storage
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// table overlays staged rows on a committed map
type table[T any] struct {
	base   map[string]*T
	staged map[string]*T
	clone  func(*T) *T
}

func newTable[T any](base map[string]*T, clone func(*T) *T) *table[T] {
	return &table[T]{base: base, staged: make(map[string]*T), clone: clone}
}

func (t *table[T]) get(key string) (*T, bool) {
	if v, ok := t.staged[key]; ok {
		return t.clone(v), true
	}
	if v, ok := t.base[key]; ok {
		return t.clone(v), true
	}
	return nil, false
}

func (t *table[T]) put(key string, v *T) {
	t.staged[key] = t.clone(v)
}

func (t *table[T]) all() []*T {
	out := make([]*T, 0, len(t.base)+len(t.staged))
	for k, v := range t.base {
		if _, ok := t.staged[k]; !ok {
			out = append(out, t.clone(v))
		}
	}
	for _, v := range t.staged {
		out = append(out, t.clone(v))
	}
	return out
}

func (t *table[T]) commit() {
	for k, v := range t.staged {
		t.base[k] = v
	}
}

// memTx is one transaction against MemoryStorage
type memTx struct {
	s           *MemoryStorage
	seq         int64
	order       map[string]int64
	quants      *table[production.StockQuant]
	lots        *table[production.StockLot]
	debts       *table[production.MaterialDebt]
	transfers   *table[production.TransferRecord]
	lines       *table[production.LineOccupancy]
	requests    *table[production.ProductionRequest]
	workOrders  *table[production.WorkOrder]
	allocations *table[production.MaterialAllocation]
	settlements []*production.MaterialDebtSettlement
	clearances  []*production.ClearanceAcknowledgement
}

var _ production.Tx = (*memTx)(nil)

func newMemTx(s *MemoryStorage) *memTx {
	return &memTx{
		s:           s,
		seq:         s.seq,
		order:       make(map[string]int64),
		quants:      newTable(s.quants, cloneQuant),
		lots:        newTable(s.lots, cloneLot),
		debts:       newTable(s.debts, cloneDebt),
		transfers:   newTable(s.transfers, cloneTransfer),
		lines:       newTable(s.lines, cloneLine),
		requests:    newTable(s.requests, cloneRequest),
		workOrders:  newTable(s.workOrders, cloneWorkOrder),
		allocations: newTable(s.allocations, cloneAllocation),
	}
}

func (tx *memTx) commit() {
	tx.quants.commit()
	tx.lots.commit()
	tx.debts.commit()
	tx.transfers.commit()
	tx.lines.commit()
	tx.requests.commit()
	tx.workOrders.commit()
	tx.allocations.commit()
	for k, v := range tx.order {
		tx.s.order[k] = v
	}
	tx.s.seq = tx.seq
	tx.s.settlements = append(tx.s.settlements, tx.settlements...)
	tx.s.clearances = append(tx.s.clearances, tx.clearances...)
}

func (tx *memTx) stamp(key string) {
	tx.seq++
	tx.order[key] = tx.seq
}

func (tx *memTx) orderOf(key string) int64 {
	if v, ok := tx.order[key]; ok {
		return v
	}
	return tx.s.order[key]
}

func quantKey(productID, locationID string) string { return productID + "@" + locationID }
func lineKey(dept, lineID string) string { return dept + "/" + lineID }

// --- stock ---

func (tx *memTx) GetQuantForUpdate(ctx context.Context, productID, locationID string) (*production.StockQuant, error) {
	q, ok := tx.quants.get(quantKey(productID, locationID))
	if !ok {
		return nil, production.ErrStockNotFound
	}
	return q, nil
}

func (tx *memTx) CreateQuant(ctx context.Context, q *production.StockQuant) error {
	key := quantKey(q.ProductID, q.LocationID)
	if _, ok := tx.quants.get(key); ok {
		return production.ErrDuplicate
	}
	tx.quants.put(key, q)
	return nil
}

func (tx *memTx) SaveQuant(ctx context.Context, q *production.StockQuant) error {
	key := quantKey(q.ProductID, q.LocationID)
	stored, ok := tx.quants.get(key)
	if !ok {
		return production.ErrStockNotFound
	}
	if stored.Version != q.Version-1 {
		return production.ErrVersionMismatch
	}
	tx.quants.put(key, q)
	return nil
}

func (tx *memTx) ListLotsForUpdate(ctx context.Context, productID, locationID string) ([]*production.StockLot, error) {
	var out []*production.StockLot
	for _, lot := range tx.lots.all() {
		if lot.ProductID == productID && lot.LocationID == locationID && lot.QtyRemaining.IsPositive() {
			out = append(out, lot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return tx.orderOf("lot:"+out[i].ID) < tx.orderOf("lot:"+out[j].ID)
	})
	return out, nil
}

func (tx *memTx) CreateLot(ctx context.Context, lot *production.StockLot) error {
	if _, ok := tx.lots.get(lot.ID); ok {
		return production.ErrDuplicate
	}
	tx.lots.put(lot.ID, lot)
	tx.stamp("lot:" + lot.ID)
	return nil
}

func (tx *memTx) SaveLot(ctx context.Context, lot *production.StockLot) error {
	if _, ok := tx.lots.get(lot.ID); !ok {
		return production.ErrStockNotFound
	}
	tx.lots.put(lot.ID, lot)
	return nil
}

// --- debt ---

func (tx *memTx) CreateDebt(ctx context.Context, d *production.MaterialDebt) error {
	if _, ok := tx.debts.get(d.ID); ok {
		return production.ErrDuplicate
	}
	tx.debts.put(d.ID, d)
	tx.stamp("debt:" + d.ID)
	return nil
}

func (tx *memTx) SaveDebt(ctx context.Context, d *production.MaterialDebt) error {
	stored, ok := tx.debts.get(d.ID)
	if !ok {
		return production.ErrDebtNotFound
	}
	if stored.Version != d.Version-1 {
		return production.ErrVersionMismatch
	}
	tx.debts.put(d.ID, d)
	return nil
}

func (tx *memTx) GetDebtForUpdate(ctx context.Context, debtID string) (*production.MaterialDebt, error) {
	d, ok := tx.debts.get(debtID)
	if !ok {
		return nil, production.ErrDebtNotFound
	}
	return d, nil
}

func (tx *memTx) FindOpenDebtForUpdate(ctx context.Context, workOrderID, productID string) (*production.MaterialDebt, error) {
	for _, d := range tx.openDebts(productID) {
		if d.WorkOrderID == workOrderID {
			return d, nil
		}
	}
	return nil, production.ErrDebtNotFound
}

// LockProductDebts is a no-op: memory transactions already run one at a time
func (tx *memTx) LockProductDebts(ctx context.Context, productID string) error {
	return ctx.Err()
}

func (tx *memTx) ListOpenDebtsForUpdate(ctx context.Context, productID string) ([]*production.MaterialDebt, error) {
	return tx.openDebts(productID), nil
}

func (tx *memTx) openDebts(productID string) []*production.MaterialDebt {
	var out []*production.MaterialDebt
	for _, d := range tx.debts.all() {
		if d.ProductID == productID && d.Status.Open() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return tx.orderOf("debt:"+out[i].ID) < tx.orderOf("debt:"+out[j].ID)
	})
	return out
}

func (tx *memTx) AppendSettlement(ctx context.Context, st *production.MaterialDebtSettlement) error {
	c := *st
	tx.settlements = append(tx.settlements, &c)
	return nil
}

func (tx *memTx) ListSettlements(ctx context.Context, debtID string) ([]*production.MaterialDebtSettlement, error) {
	var out []*production.MaterialDebtSettlement
	for _, src := range [][]*production.MaterialDebtSettlement{tx.s.settlements, tx.settlements} {
		for _, st := range src {
			if st.DebtID == debtID {
				c := *st
				out = append(out, &c)
			}
		}
	}
	return out, nil
}

// --- transfer & line ---

func (tx *memTx) CreateTransfer(ctx context.Context, t *production.TransferRecord) error {
	if _, ok := tx.transfers.get(t.ID); ok {
		return production.ErrDuplicate
	}
	tx.transfers.put(t.ID, t)
	tx.stamp("transfer:" + t.ID)
	return nil
}

func (tx *memTx) SaveTransfer(ctx context.Context, t *production.TransferRecord) error {
	stored, ok := tx.transfers.get(t.ID)
	if !ok {
		return production.ErrTransferNotFound
	}
	if stored.Version != t.Version-1 {
		return production.ErrVersionMismatch
	}
	if stored.QtyReceived != nil && (t.QtyReceived == nil || !stored.QtyReceived.Equal(*t.QtyReceived)) {
		return production.NewBusinessRuleError("qty_received_write_once", "受入数量は変更できません", t.ID)
	}
	tx.transfers.put(t.ID, t)
	return nil
}

func (tx *memTx) GetTransferForUpdate(ctx context.Context, transferID string) (*production.TransferRecord, error) {
	t, ok := tx.transfers.get(transferID)
	if !ok {
		return nil, production.ErrTransferNotFound
	}
	return t, nil
}

func (tx *memTx) ListTransfers(ctx context.Context, f production.TransferFilter) ([]*production.TransferRecord, error) {
	var out []*production.TransferRecord
	for _, t := range tx.transfers.all() {
		if (f.ToDept == "" || t.ToDept == f.ToDept) &&
			(f.ToLine == "" || t.ToLine == f.ToLine) &&
			(f.ProductID == "" || t.ProductID == f.ProductID) &&
			(f.SourceWorkOrderID == "" || t.SourceWorkOrderID == f.SourceWorkOrderID) &&
			(f.Status == "" || t.Status == f.Status) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return tx.orderOf("transfer:"+out[i].ID) < tx.orderOf("transfer:"+out[j].ID)
	})
	return out, nil
}

func (tx *memTx) GetLineForUpdate(ctx context.Context, dept, lineID string) (*production.LineOccupancy, error) {
	l, ok := tx.lines.get(lineKey(dept, lineID))
	if !ok {
		return nil, production.ErrLineNotFound
	}
	return l, nil
}

func (tx *memTx) CreateLine(ctx context.Context, l *production.LineOccupancy) error {
	key := lineKey(l.Department, l.LineID)
	if _, ok := tx.lines.get(key); ok {
		return production.ErrDuplicate
	}
	tx.lines.put(key, l)
	return nil
}

func (tx *memTx) SaveLine(ctx context.Context, l *production.LineOccupancy) error {
	key := lineKey(l.Department, l.LineID)
	stored, ok := tx.lines.get(key)
	if !ok {
		return production.ErrLineNotFound
	}
	if stored.Version != l.Version-1 {
		return production.ErrVersionMismatch
	}
	tx.lines.put(key, l)
	return nil
}

func (tx *memTx) AppendClearance(ctx context.Context, ack *production.ClearanceAcknowledgement) error {
	c := *ack
	tx.clearances = append(tx.clearances, &c)
	return nil
}

// --- work orders ---

func (tx *memTx) CreateRequest(ctx context.Context, r *production.ProductionRequest) error {
	if _, ok := tx.requests.get(r.ID); ok {
		return production.ErrDuplicate
	}
	tx.requests.put(r.ID, r)
	return nil
}

func (tx *memTx) CreateWorkOrder(ctx context.Context, wo *production.WorkOrder) error {
	if _, ok := tx.workOrders.get(wo.ID); ok {
		return production.ErrDuplicate
	}
	tx.workOrders.put(wo.ID, wo)
	return nil
}

func (tx *memTx) SaveWorkOrder(ctx context.Context, wo *production.WorkOrder) error {
	stored, ok := tx.workOrders.get(wo.ID)
	if !ok {
		return production.ErrWorkOrderNotFound
	}
	if stored.Version != wo.Version-1 {
		return production.ErrVersionMismatch
	}
	tx.workOrders.put(wo.ID, wo)
	return nil
}

func (tx *memTx) GetWorkOrderForUpdate(ctx context.Context, workOrderID string) (*production.WorkOrder, error) {
	wo, ok := tx.workOrders.get(workOrderID)
	if !ok {
		return nil, production.ErrWorkOrderNotFound
	}
	return wo, nil
}

func (tx *memTx) ListWorkOrdersByRequest(ctx context.Context, requestID string) ([]*production.WorkOrder, error) {
	var out []*production.WorkOrder
	for _, wo := range tx.workOrders.all() {
		if wo.RequestID == requestID {
			out = append(out, wo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (tx *memTx) SaveAllocation(ctx context.Context, a *production.MaterialAllocation) error {
	tx.allocations.put(a.ID, a)
	return nil
}

func (tx *memTx) ListAllocations(ctx context.Context, workOrderID string) ([]*production.MaterialAllocation, error) {
	var out []*production.MaterialAllocation
	for _, a := range tx.allocations.all() {
		if a.WorkOrderID == workOrderID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MaterialID < out[j].MaterialID })
	return out, nil
}

// Clearances returns every recorded clearance acknowledgement of a line
func (s *MemoryStorage) Clearances(dept, lineID string) []production.ClearanceAcknowledgement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []production.ClearanceAcknowledgement
	for _, c := range s.clearances {
		if c.Department == dept && c.LineID == lineID {
			out = append(out, *c)
		}
	}
	return out
}

// Settlements returns the settlement entries of a debt
func (s *MemoryStorage) Settlements(debtID string) []production.MaterialDebtSettlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []production.MaterialDebtSettlement
	for _, st := range s.settlements {
		if st.DebtID == debtID {
			out = append(out, *st)
		}
	}
	return out
}

// --- clones ---

func cloneQuant(q *production.StockQuant) *production.StockQuant { c := *q; return &c }
func cloneLot(l *production.StockLot) *production.StockLot { c := *l; return &c }
func cloneDebt(d *production.MaterialDebt) *production.MaterialDebt {
	c := *d
	return &c
}
func cloneRequest(r *production.ProductionRequest) *production.ProductionRequest {
	c := *r
	return &c
}

func cloneTransfer(t *production.TransferRecord) *production.TransferRecord {
	c := *t
	if t.QtyReceived != nil {
		q := *t.QtyReceived
		c.QtyReceived = &q
	}
	c.History = append([]production.TransferStep(nil), t.History...)
	return &c
}

func cloneLine(l *production.LineOccupancy) *production.LineOccupancy {
	c := *l
	if l.OccupiedSince != nil {
		v := *l.OccupiedSince
		c.OccupiedSince = &v
	}
	if l.LastLoadedAt != nil {
		v := *l.LastLoadedAt
		c.LastLoadedAt = &v
	}
	return &c
}

func cloneWorkOrder(wo *production.WorkOrder) *production.WorkOrder {
	c := *wo
	c.InputWIPIDs = append([]string(nil), wo.InputWIPIDs...)
	c.Inputs = append([]production.WorkOrderInput(nil), wo.Inputs...)
	c.Materials = append([]production.MaterialRequirement(nil), wo.Materials...)
	c.TargetRevisions = append([]production.TargetRevision(nil), wo.TargetRevisions...)
	if wo.FinishedAt != nil {
		v := *wo.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

func cloneAllocation(a *production.MaterialAllocation) *production.MaterialAllocation {
	c := *a
	c.Draws = append([]production.LotDraw(nil), a.Draws...)
	return &c
}
