package production

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Exploder expands a finished good into ordered department stages
// 部品表を部門工程に展開するエンジン
type Exploder struct {
	catalog Catalog
	config  *Config
	logger  *zap.Logger
}

// NewExploder creates a new explosion engine
// 新しい展開エンジンを作成
func NewExploder(catalog Catalog, config *Config, logger *zap.Logger) *Exploder {
	return &Exploder{catalog: catalog, config: config, logger: logger}
}

// stageAcc accumulates one WIP stage while walking the BOM graph
type stageAcc struct {
	qty       decimal.Decimal
	depth     int
	inputs    map[string]decimal.Decimal
	materials map[string]decimal.Decimal
}

// subtree is the contribution of one (product, quantity) node; depths are relative to its root
type subtree map[string]*stageAcc

// explosion holds the call-scoped state of one Explode call
type explosion struct {
	ctx      context.Context
	e        *Exploder
	memo     map[string]subtree
	inPath   map[string]bool
	path     []string
	products map[string]*Product
}

// Explode expands finishedGoodID × qty into WorkOrderSpecs ordered deepest stage first.
// Nothing is returned on failure.
// 完成品を展開し、深い工程から順に並べた工程仕様を返す
func (e *Exploder) Explode(ctx context.Context, finishedGoodID string, qty decimal.Decimal) ([]WorkOrderSpec, error) {
	specs, err := e.explode(ctx, finishedGoodID, qty)
	if err != nil {
		e.logger.Warn("部品表展開に失敗しました",
			zap.String("finished_good_id", finishedGoodID),
			zap.String("quantity", qty.String()),
			zap.Error(err))
		return nil, &ExplosionError{FinishedGoodID: finishedGoodID, Quantity: qty, Cause: err}
	}
	e.logger.Debug("部品表展開が完了しました",
		zap.String("finished_good_id", finishedGoodID),
		zap.Int("stages", len(specs)))
	return specs, nil
}

func (e *Exploder) explode(ctx context.Context, finishedGoodID string, qty decimal.Decimal) ([]WorkOrderSpec, error) {
	if err := ValidateProductID(finishedGoodID); err != nil {
		return nil, err
	}
	if err := ValidatePositive("quantity", qty); err != nil {
		return nil, err
	}

	x := &explosion{
		ctx:      ctx,
		e:        e,
		memo:     make(map[string]subtree),
		inPath:   make(map[string]bool),
		products: make(map[string]*Product),
	}
	root, err := x.product(finishedGoodID)
	if err != nil {
		return nil, err
	}
	node, err := x.bom(root)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, &MissingBOMError{ProductID: finishedGoodID}
	}

	stages, err := x.walk(finishedGoodID, qty, 0)
	if err != nil {
		return nil, err
	}
	return x.order(stages)
}

func (x *explosion) product(id string) (*Product, error) {
	if p, ok := x.products[id]; ok {
		return p, nil
	}
	p, err := x.e.catalog.GetProduct(x.ctx, id)
	if err != nil {
		return nil, err
	}
	x.products[id] = p
	return p, nil
}

// bom returns the recipe of p; a producible product without one is a data error
func (x *explosion) bom(p *Product) (*BOMNode, error) {
	node, err := x.e.catalog.GetBOM(x.ctx, p.ID)
	if errors.Is(err, ErrBOMNotFound) {
		if p.Kind == ProductKindRaw {
			return nil, nil
		}
		parent := ""
		if len(x.path) > 0 {
			parent = x.path[len(x.path)-1]
		}
		return nil, &MissingBOMError{ProductID: p.ID, ParentID: parent}
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

// walk explodes one stage and returns its subtree contribution
func (x *explosion) walk(productID string, need decimal.Decimal, level int) (subtree, error) {
	if x.inPath[productID] {
		return nil, &CycleDetectedError{Path: x.cyclePath(productID)}
	}
	if level > x.e.config.MaxExplosionDepth {
		return nil, &CycleDetectedError{Path: append(append([]string{}, x.path...), productID)}
	}
	key := productID + "|" + need.String()
	if cached, ok := x.memo[key]; ok {
		return cached, nil
	}

	x.inPath[productID] = true
	x.path = append(x.path, productID)
	defer func() {
		x.path = x.path[:len(x.path)-1]
		delete(x.inPath, productID)
	}()

	p, err := x.product(productID)
	if err != nil {
		return nil, err
	}
	node, err := x.bom(p)
	if err != nil {
		return nil, err
	}

	self := &stageAcc{
		qty:       need,
		inputs:    make(map[string]decimal.Decimal),
		materials: make(map[string]decimal.Decimal),
	}
	result := subtree{productID: self}

	for _, line := range node.Lines {
		required := need.Mul(line.QtyPerUnit).Mul(one.Add(line.WastagePct.Div(hundred)))

		comp, err := x.product(line.ComponentID)
		if err != nil {
			return nil, err
		}
		compBOM, err := x.bom(comp)
		if err != nil {
			return nil, err
		}
		if compBOM == nil {
			// レシピのない原材料は直近の工程に計上
			self.materials[comp.ID] = self.materials[comp.ID].Add(required)
			continue
		}

		self.inputs[comp.ID] = self.inputs[comp.ID].Add(required)
		child, err := x.walk(comp.ID, required, level+1)
		if err != nil {
			return nil, err
		}
		result.merge(child, 1)
	}

	x.memo[key] = result
	return result, nil
}

func (x *explosion) cyclePath(productID string) []string {
	for i, id := range x.path {
		if id == productID {
			cycle := append([]string{}, x.path[i:]...)
			return append(cycle, productID)
		}
	}
	return append(append([]string{}, x.path...), productID)
}

// merge adds child into s, shifting the child's depths by offset
func (s subtree) merge(child subtree, offset int) {
	for id, c := range child {
		acc, ok := s[id]
		if !ok {
			acc = &stageAcc{
				qty:       decimal.Zero,
				depth:     c.depth + offset,
				inputs:    make(map[string]decimal.Decimal),
				materials: make(map[string]decimal.Decimal),
			}
			s[id] = acc
		}
		acc.qty = acc.qty.Add(c.qty)
		if c.depth+offset > acc.depth {
			acc.depth = c.depth + offset
		}
		for k, v := range c.inputs {
			acc.inputs[k] = acc.inputs[k].Add(v)
		}
		for k, v := range c.materials {
			acc.materials[k] = acc.materials[k].Add(v)
		}
	}
}

// order resolves departments, applies buffers and sequences stages deepest first
func (x *explosion) order(stages subtree) ([]WorkOrderSpec, error) {
	cfg := x.e.config
	prec := cfg.QuantityPrecision
	specs := make([]WorkOrderSpec, 0, len(stages))
	seqOf := make(map[string]int)

	for id, acc := range stages {
		p, err := x.product(id)
		if err != nil {
			return nil, err
		}
		deptCode, err := cfg.ResolveDepartment(p)
		if err != nil {
			return nil, err
		}
		dept, err := cfg.Department(deptCode)
		if err != nil {
			return nil, err
		}
		seqOf[deptCode] = dept.Sequence

		base := acc.qty.Round(prec)
		buffer := dept.BufferPctDecimal()
		spec := WorkOrderSpec{
			Depth:      acc.depth,
			ProductID:  id,
			Department: deptCode,
			BaseQty:    base,
			BufferPct:  buffer,
			TargetQty:  base.Mul(one.Add(buffer.Div(hundred))).Round(prec),
		}
		for wip, q := range acc.inputs {
			spec.Inputs = append(spec.Inputs, StageInput{WIPID: wip, Qty: q.Round(prec)})
		}
		sort.Slice(spec.Inputs, func(i, j int) bool { return spec.Inputs[i].WIPID < spec.Inputs[j].WIPID })
		for m, q := range acc.materials {
			spec.Materials = append(spec.Materials, MaterialRequirement{MaterialID: m, Qty: q.Round(prec)})
		}
		sort.Slice(spec.Materials, func(i, j int) bool { return spec.Materials[i].MaterialID < spec.Materials[j].MaterialID })
		specs = append(specs, spec)
	}

	sort.Slice(specs, func(i, j int) bool {
		a, b := specs[i], specs[j]
		if a.Depth != b.Depth {
			return a.Depth > b.Depth
		}
		if seqOf[a.Department] != seqOf[b.Department] {
			return seqOf[a.Department] < seqOf[b.Department]
		}
		return a.ProductID < b.ProductID
	})
	for i := range specs {
		specs[i].Sequence = i + 1
	}
	return specs, nil
}
