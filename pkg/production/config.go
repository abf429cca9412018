package production

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds configuration for the production engine
// 生産エンジンの設定を保持
type Config struct {
	Departments          []DepartmentConfig `yaml:"departments"`            // 部門レジストリ
	TransferTolerancePct float64            `yaml:"transfer_tolerance_pct"` // 受入許容差（%）
	SegregationDelay     time.Duration      `yaml:"segregation_delay"`      // 仕向地・週切替の待機時間
	MaxExplosionDepth    int                `yaml:"max_explosion_depth"`    // 展開の最大深さ
	MaxRetryAttempts     int                `yaml:"max_retry_attempts"`     // 競合時の最大試行回数
	ReceivingLocationID  string             `yaml:"receiving_location_id"`  // 入庫ロケーション
	QuantityPrecision    int32              `yaml:"quantity_precision"`     // 数量の小数桁数
}

// DepartmentConfig describes one department of the routing
// 部門の設定
type DepartmentConfig struct {
	Code               string   `yaml:"code"`
	Name               string   `yaml:"name"`
	Sequence           int      `yaml:"sequence"`             // 工程順
	BufferPct          float64  `yaml:"buffer_pct"`           // 目標数量のバッファ率（%）
	LocationID         string   `yaml:"location_id"`          // 仕掛品ロケーション
	MaterialLocationID string   `yaml:"material_location_id"` // 原材料ロケーション
	Categories         []string `yaml:"categories"`           // 担当する品目カテゴリ
	Lines              []string `yaml:"lines"`                // 先頭がデフォルトライン
	Next               []string `yaml:"next"`                 // 引き渡し可能な後工程
}

// DefaultConfig returns the garment routing used when no registry file is supplied
// デフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		Departments: []DepartmentConfig{
			{Code: "CUTTING", Name: "裁断", Sequence: 1, BufferPct: 10, LocationID: "WIP-CUTTING", MaterialLocationID: "RM-MAIN", Categories: []string{"CUT_PANEL"}, Lines: []string{"CUT-1"}, Next: []string{"EMBROIDERY", "SEWING"}},
			{Code: "EMBROIDERY", Name: "刺繍", Sequence: 2, BufferPct: 7, LocationID: "WIP-EMBROIDERY", MaterialLocationID: "RM-MAIN", Categories: []string{"EMBROIDERED_PANEL"}, Lines: []string{"EMB-1"}, Next: []string{"SEWING"}},
			{Code: "SEWING", Name: "縫製", Sequence: 3, BufferPct: 6.7, LocationID: "WIP-SEWING", MaterialLocationID: "RM-MAIN", Categories: []string{"SEWN_GARMENT"}, Lines: []string{"SEW-1", "SEW-2"}},
			{Code: "FINISHING", Name: "仕上げ", Sequence: 4, BufferPct: 4.4, LocationID: "WIP-FINISHING", MaterialLocationID: "RM-MAIN", Categories: []string{"FINISHED_GARMENT"}, Lines: []string{"FIN-1"}},
			{Code: "PACKING", Name: "梱包", Sequence: 5, BufferPct: 3.3, LocationID: "FG-PACKING", MaterialLocationID: "RM-MAIN", Categories: []string{"PACKED_GOOD"}, Lines: []string{"PACK-1"}},
		},
		TransferTolerancePct: 10,
		SegregationDelay:     30 * time.Minute,
		MaxExplosionDepth:    32,
		MaxRetryAttempts:     3,
		ReceivingLocationID:  "RM-MAIN",
		QuantityPrecision:    4,
	}
}

// applyDefaults fills zero values with defaults
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if len(c.Departments) == 0 {
		c.Departments = d.Departments
	}
	if c.TransferTolerancePct <= 0 {
		c.TransferTolerancePct = d.TransferTolerancePct
	}
	if c.MaxExplosionDepth <= 0 {
		c.MaxExplosionDepth = d.MaxExplosionDepth
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.ReceivingLocationID == "" {
		c.ReceivingLocationID = d.ReceivingLocationID
	}
	if c.QuantityPrecision <= 0 {
		c.QuantityPrecision = d.QuantityPrecision
	}
}

// Validate checks the department registry for routing problems
// 部門レジストリを検証
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, d := range c.Departments {
		if d.Code == "" {
			return NewValidationError("departments.code", "部門コードが空です", d.Name)
		}
		if seen[d.Code] {
			return NewValidationError("departments.code", "部門コードが重複しています", d.Code)
		}
		seen[d.Code] = true
		if d.BufferPct < 0 {
			return NewValidationError("departments.buffer_pct", "バッファ率は0以上である必要があります", fmt.Sprintf("%s=%v", d.Code, d.BufferPct))
		}
		if d.LocationID == "" {
			return NewValidationError("departments.location_id", "部門ロケーションが指定されていません", d.Code)
		}
		if len(d.Lines) == 0 {
			return NewValidationError("departments.lines", "ラインが1つ以上必要です", d.Code)
		}
	}
	for _, d := range c.Departments {
		for _, next := range d.Next {
			if !seen[next] {
				return NewValidationError("departments.next", "後工程の部門が存在しません", d.Code+"->"+next)
			}
		}
	}
	if c.TransferTolerancePct < 0 || c.TransferTolerancePct >= 100 {
		return NewValidationError("transfer_tolerance_pct", "許容差は0以上100未満である必要があります", fmt.Sprintf("%v", c.TransferTolerancePct))
	}
	if c.SegregationDelay < 0 {
		return NewValidationError("segregation_delay", "待機時間は0以上である必要があります", c.SegregationDelay.String())
	}
	return nil
}

// Department returns the registry entry for code
// 部門設定を取得
func (c *Config) Department(code string) (*DepartmentConfig, error) {
	for i := range c.Departments {
		if c.Departments[i].Code == code {
			return &c.Departments[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDepartmentNotFound, code)
}

// ResolveDepartment routes a producible product to exactly one department.
// An explicit Product.Department wins; otherwise the category must match a single department.
// 品目の担当部門を解決
func (c *Config) ResolveDepartment(p *Product) (string, error) {
	if p.Department != "" {
		if _, err := c.Department(p.Department); err != nil {
			return "", &DepartmentResolutionError{ProductID: p.ID, Category: p.Category, Candidates: nil}
		}
		return p.Department, nil
	}
	var candidates []string
	for _, d := range c.Departments {
		for _, cat := range d.Categories {
			if cat == p.Category {
				candidates = append(candidates, d.Code)
				break
			}
		}
	}
	if len(candidates) != 1 {
		sort.Strings(candidates)
		return "", &DepartmentResolutionError{ProductID: p.ID, Category: p.Category, Candidates: candidates}
	}
	return candidates[0], nil
}

// Adjacent reports whether goods may be handed from one department to another.
// Explicit Next lists win; otherwise the department with the following sequence is adjacent.
// 部門間の隣接判定
func (c *Config) Adjacent(from, to string) bool {
	src, err := c.Department(from)
	if err != nil {
		return false
	}
	if _, err := c.Department(to); err != nil {
		return false
	}
	if len(src.Next) > 0 {
		for _, n := range src.Next {
			if n == to {
				return true
			}
		}
		return false
	}
	next := ""
	best := 0
	for _, d := range c.Departments {
		if d.Sequence > src.Sequence && (next == "" || d.Sequence < best) {
			next, best = d.Code, d.Sequence
		}
	}
	return next == to
}

// DefaultLine returns the first configured line of a department
func (c *Config) DefaultLine(code string) (string, error) {
	d, err := c.Department(code)
	if err != nil {
		return "", err
	}
	return d.Lines[0], nil
}

// HasLine reports whether line belongs to department code
func (c *Config) HasLine(code, line string) bool {
	d, err := c.Department(code)
	if err != nil {
		return false
	}
	for _, l := range d.Lines {
		if l == line {
			return true
		}
	}
	return false
}

// BufferPctDecimal returns the department's buffer percentage as a decimal
func (d *DepartmentConfig) BufferPctDecimal() decimal.Decimal {
	return decimal.NewFromFloat(d.BufferPct)
}

// MaterialLocation returns where the department draws raw materials from
func (d *DepartmentConfig) MaterialLocation(fallback string) string {
	if d.MaterialLocationID != "" {
		return d.MaterialLocationID
	}
	return fallback
}

func (c *Config) tolerance() decimal.Decimal {
	return decimal.NewFromFloat(c.TransferTolerancePct)
}
