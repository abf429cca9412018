package production_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiflow/pkg/production"
	"github.com/nemonet1337/zaiflow/pkg/production/storage"
)

// TestExplodeBOM_GarmentRouting は多段の部品表展開と工程順のテスト
func TestExplodeBOM_GarmentRouting(t *testing.T) {
	h := newHarness(t)

	specs, err := h.manager.ExplodeBOM(ctx, "TSHIRT-PACKED", d("100"))
	require.NoError(t, err)
	require.Len(t, specs, 5)

	var order []string
	for i, s := range specs {
		assert.Equal(t, i+1, s.Sequence)
		order = append(order, s.ProductID)
	}
	assert.Equal(t, []string{"BACK-PANEL", "FRONT-PANEL", "TSHIRT-SEWN", "TSHIRT-FIN", "TSHIRT-PACKED"}, order)

	front := specs[1]
	assert.Equal(t, "CUTTING", front.Department)
	assert.Equal(t, 3, front.Depth)
	assertDecimal(t, "100", front.BaseQty)
	assertDecimal(t, "110", front.TargetQty)
	require.Len(t, front.Materials, 1)
	assert.Equal(t, "FABRIC", front.Materials[0].MaterialID)
	assertDecimal(t, "63", front.Materials[0].Qty)

	sewn := specs[2]
	assert.Equal(t, "SEWING", sewn.Department)
	assertDecimal(t, "106.7", sewn.TargetQty)
	require.Len(t, sewn.Inputs, 2)
	assert.Equal(t, "BACK-PANEL", sewn.Inputs[0].WIPID)
	assert.Equal(t, "FRONT-PANEL", sewn.Inputs[1].WIPID)
	require.Len(t, sewn.Materials, 1)
	assertDecimal(t, "50", sewn.Materials[0].Qty)

	packed := specs[4]
	assert.Equal(t, "PACKING", packed.Department)
	assert.Equal(t, 0, packed.Depth)
	assertDecimal(t, "103.3", packed.TargetQty)
	assert.Equal(t, "POLYBAG", packed.Materials[0].MaterialID)
}

// TestExplodeBOM_Diamond は共有部品（ダイヤモンド構成）の集約テスト
func TestExplodeBOM_Diamond(t *testing.T) {
	h := newHarness(t)
	h.store.AddProduct(production.Product{ID: "KIT", Kind: production.ProductKindFinished, Category: "PACKED_GOOD"})
	h.store.AddProduct(production.Product{ID: "SLEEVE-L", Kind: production.ProductKindWIP, Category: "EMBROIDERED_PANEL"})
	h.store.AddProduct(production.Product{ID: "SLEEVE-R", Kind: production.ProductKindWIP, Category: "EMBROIDERED_PANEL"})
	h.store.AddProduct(production.Product{ID: "PANEL-X", Kind: production.ProductKindWIP, Category: "CUT_PANEL"})
	h.store.AddBOM(production.BOMNode{ProductID: "KIT", Lines: []production.BOMLine{
		{ComponentID: "SLEEVE-L", QtyPerUnit: d("1"), WastagePct: d("0")},
		{ComponentID: "SLEEVE-R", QtyPerUnit: d("1"), WastagePct: d("0")},
	}})
	for _, id := range []string{"SLEEVE-L", "SLEEVE-R"} {
		h.store.AddBOM(production.BOMNode{ProductID: id, Lines: []production.BOMLine{
			{ComponentID: "PANEL-X", QtyPerUnit: d("2"), WastagePct: d("0")},
		}})
	}
	h.store.AddBOM(production.BOMNode{ProductID: "PANEL-X", Lines: []production.BOMLine{
		{ComponentID: "FABRIC", QtyPerUnit: d("1"), WastagePct: d("0")},
	}})

	specs, err := h.manager.ExplodeBOM(ctx, "KIT", d("10"))
	require.NoError(t, err)
	require.Len(t, specs, 4)

	panel := specs[0]
	assert.Equal(t, "PANEL-X", panel.ProductID)
	assert.Equal(t, 2, panel.Depth)
	assertDecimal(t, "40", panel.BaseQty)
	assertDecimal(t, "40", panel.Materials[0].Qty)
	assert.Equal(t, "SLEEVE-L", specs[1].ProductID)
	assert.Equal(t, "SLEEVE-R", specs[2].ProductID)
	assert.Equal(t, "KIT", specs[3].ProductID)

	// 共有工程は1つの作業指示にまとまり、両方の後工程から参照される
	res, err := h.manager.Schedule(ctx, "KIT", d("10"))
	require.NoError(t, err)
	require.Len(t, res.WorkOrders, 4)
	panelWO := res.WorkOrders[0]
	for _, wo := range res.WorkOrders[1:3] {
		require.Len(t, wo.Inputs, 1)
		assert.Equal(t, panelWO.ID, wo.Inputs[0].PredecessorID)
		assertDecimal(t, "20", wo.Inputs[0].RequiredQty)
	}
}

// TestExplodeBOM_Cycle は循環参照の検出テスト
func TestExplodeBOM_Cycle(t *testing.T) {
	h := newHarness(t)
	h.store.AddProduct(production.Product{ID: "LOOP-FG", Kind: production.ProductKindFinished, Category: "SEWN_GARMENT"})
	h.store.AddProduct(production.Product{ID: "LOOP-A", Kind: production.ProductKindWIP, Category: "CUT_PANEL"})
	h.store.AddProduct(production.Product{ID: "LOOP-B", Kind: production.ProductKindWIP, Category: "CUT_PANEL"})
	h.store.AddBOM(production.BOMNode{ProductID: "LOOP-FG", Lines: []production.BOMLine{{ComponentID: "LOOP-A", QtyPerUnit: d("1"), WastagePct: d("0")}}})
	h.store.AddBOM(production.BOMNode{ProductID: "LOOP-A", Lines: []production.BOMLine{{ComponentID: "LOOP-B", QtyPerUnit: d("1"), WastagePct: d("0")}}})
	h.store.AddBOM(production.BOMNode{ProductID: "LOOP-B", Lines: []production.BOMLine{{ComponentID: "LOOP-A", QtyPerUnit: d("1"), WastagePct: d("0")}}})

	specs, err := h.manager.ExplodeBOM(ctx, "LOOP-FG", d("5"))
	assert.Nil(t, specs)
	require.Error(t, err)

	var cycle *production.CycleDetectedError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"LOOP-A", "LOOP-B", "LOOP-A"}, cycle.Path)
	assert.True(t, errors.Is(err, production.ErrDataIntegrity))

	var explosion *production.ExplosionError
	require.True(t, errors.As(err, &explosion))
	assert.Equal(t, "LOOP-FG", explosion.FinishedGoodID)

	// スケジュールも何も登録しない
	_, err = h.manager.Schedule(ctx, "LOOP-FG", d("5"))
	assert.True(t, errors.As(err, &cycle))
}

// TestExplodeBOM_DepthBound は展開深さの上限テスト
func TestExplodeBOM_DepthBound(t *testing.T) {
	cfg := production.DefaultConfig()
	cfg.MaxExplosionDepth = 2
	h := newHarnessWith(t, cfg, nil)

	_, err := h.manager.ExplodeBOM(ctx, "TSHIRT-PACKED", d("1"))
	var cycle *production.CycleDetectedError
	require.True(t, errors.As(err, &cycle))
	assert.NotEmpty(t, cycle.Path)
}

// TestExplodeBOM_MissingBOM は仕掛品の部品表欠落テスト
func TestExplodeBOM_MissingBOM(t *testing.T) {
	h := newHarness(t)
	h.store.AddProduct(production.Product{ID: "ORPHAN-FG", Kind: production.ProductKindFinished, Category: "SEWN_GARMENT"})
	h.store.AddProduct(production.Product{ID: "ORPHAN-WIP", Kind: production.ProductKindWIP, Category: "CUT_PANEL"})
	h.store.AddBOM(production.BOMNode{ProductID: "ORPHAN-FG", Lines: []production.BOMLine{
		{ComponentID: "THREAD", QtyPerUnit: d("1"), WastagePct: d("0")},
		{ComponentID: "ORPHAN-WIP", QtyPerUnit: d("1"), WastagePct: d("0")},
	}})

	specs, err := h.manager.ExplodeBOM(ctx, "ORPHAN-FG", d("10"))
	assert.Nil(t, specs)
	var missing *production.MissingBOMError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "ORPHAN-WIP", missing.ProductID)
	assert.Equal(t, "ORPHAN-FG", missing.ParentID)
	assert.True(t, errors.Is(err, production.ErrBOMNotFound))

	// 原材料そのものは展開できない
	_, err = h.manager.ExplodeBOM(ctx, "FABRIC", d("1"))
	assert.True(t, errors.As(err, &missing))
}

// TestExplodeBOM_AmbiguousDepartment は担当部門が一意に決まらない場合のテスト
func TestExplodeBOM_AmbiguousDepartment(t *testing.T) {
	cfg := production.DefaultConfig()
	cfg.Departments[1].Categories = append(cfg.Departments[1].Categories, "CUT_PANEL")
	h := newHarnessWith(t, cfg, nil)

	_, err := h.manager.ExplodeBOM(ctx, "TSHIRT-PACKED", d("10"))
	var resolution *production.DepartmentResolutionError
	require.True(t, errors.As(err, &resolution))
	assert.Equal(t, "CUT_PANEL", resolution.Category)
	assert.Equal(t, []string{"CUTTING", "EMBROIDERY"}, resolution.Candidates)
	assert.True(t, errors.Is(err, production.ErrDataIntegrity))
}

// TestExplodeBOM_ExplicitDepartment は品目に明示された部門が優先されるテスト
func TestExplodeBOM_ExplicitDepartment(t *testing.T) {
	h := newHarness(t)
	h.store.AddProduct(production.Product{ID: "PATCH", Kind: production.ProductKindFinished, Category: "UNKNOWN", Department: "EMBROIDERY"})
	h.store.AddBOM(production.BOMNode{ProductID: "PATCH", Lines: []production.BOMLine{
		{ComponentID: "THREAD", QtyPerUnit: d("2"), WastagePct: d("10")},
	}})

	specs, err := h.manager.ExplodeBOM(ctx, "PATCH", d("10"))
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "EMBROIDERY", specs[0].Department)
	assertDecimal(t, "22", specs[0].Materials[0].Qty)
	assertDecimal(t, "10.7", specs[0].TargetQty)
}

// TestExplodeBOM_InvalidInput は入力バリデーションのテスト
func TestExplodeBOM_InvalidInput(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.ExplodeBOM(ctx, "TSHIRT-PACKED", d("0"))
	var ve *production.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = h.manager.ExplodeBOM(ctx, "NOPE", d("1"))
	assert.True(t, errors.Is(err, production.ErrProductNotFound))
}

// TestExplodeBOM_CallScopedMemo は展開結果が呼び出しごとに独立しているテスト
func TestExplodeBOM_CallScopedMemo(t *testing.T) {
	h := newHarness(t)

	first, err := h.manager.ExplodeBOM(ctx, "SHIRT", d("10"))
	require.NoError(t, err)
	second, err := h.manager.ExplodeBOM(ctx, "SHIRT", d("30"))
	require.NoError(t, err)

	assertDecimal(t, "10", first[0].BaseQty)
	assertDecimal(t, "30", second[0].BaseQty)
}

var _ production.Catalog = (*storage.MemoryStorage)(nil)
