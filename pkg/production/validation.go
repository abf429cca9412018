package production

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidateProductID 品目IDの形式をバリデーション
func ValidateProductID(productID string) error {
	return validateID("product_id", productID)
}

// ValidateLocationID ロケーションIDの形式をバリデーション
func ValidateLocationID(locationID string) error {
	return validateID("location_id", locationID)
}

func validateID(field, value string) error {
	if value == "" {
		return NewValidationError(field, "IDが空です", value)
	}
	if len(value) > 255 {
		return NewValidationError(field, "IDが長すぎます", value)
	}
	// 英数字、ハイフン、アンダースコア、ドット、コロンのみ許可
	if !idPattern.MatchString(value) {
		return NewValidationError(field, "IDに無効な文字が含まれています", value)
	}
	return nil
}

// ValidatePositive 数量が正の値であることをバリデーション
func ValidatePositive(field string, qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return NewValidationError(field, "数量は正の値である必要があります", qty.String())
	}
	return nil
}

// ValidateRequired 必須文字列をバリデーション
func ValidateRequired(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewValidationError(field, "値が指定されていません", value)
	}
	return nil
}

// ValidateTransferRequest 引き渡しリクエストをバリデーション
func ValidateTransferRequest(req TransferRequest) error {
	if err := ValidateRequired("from_dept", req.FromDept); err != nil {
		return err
	}
	if err := ValidateRequired("to_dept", req.ToDept); err != nil {
		return err
	}
	if req.FromDept == req.ToDept {
		return NewValidationError("to_dept", "同一部門への引き渡しはできません", req.ToDept)
	}
	if err := ValidateProductID(req.ProductID); err != nil {
		return err
	}
	if err := ValidateRequired("batch_ref", req.BatchRef); err != nil {
		return err
	}
	return ValidatePositive("qty", req.Qty)
}

// riskForShortfall maps a shortfall percentage onto a risk level
// 不足率からリスクレベルを判定
func riskForShortfall(pct decimal.Decimal) RiskLevel {
	switch {
	case pct.LessThan(decimal.NewFromInt(5)):
		return RiskLow
	case pct.LessThan(decimal.NewFromInt(20)):
		return RiskMedium
	case pct.LessThan(decimal.NewFromInt(50)):
		return RiskHigh
	default:
		return RiskCritical
	}
}

func riskRank(r RiskLevel) int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}
