package production

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRiskForShortfall は不足率とリスクレベルの境界値テスト
func TestRiskForShortfall(t *testing.T) {
	tests := []struct {
		pct  string
		want RiskLevel
	}{
		{"0", RiskLow},
		{"4.9999", RiskLow},
		{"5", RiskMedium},
		{"19.99", RiskMedium},
		{"20", RiskHigh},
		{"33.3333333333333333", RiskHigh},
		{"49.9999", RiskHigh},
		{"50", RiskCritical},
		{"100", RiskCritical},
	}
	for _, tt := range tests {
		t.Run(tt.pct, func(t *testing.T) {
			assert.Equal(t, tt.want, riskForShortfall(decimal.RequireFromString(tt.pct)))
		})
	}
	assert.Greater(t, riskRank(RiskCritical), riskRank(RiskHigh))
	assert.Equal(t, 0, riskRank(RiskLevel("UNKNOWN")))
}

// TestSegregationDiffers は仕向地・週の比較テスト
func TestSegregationDiffers(t *testing.T) {
	assert.False(t, segregationDiffers("US", "W10", "US", "W10"))
	assert.True(t, segregationDiffers("US", "W10", "EU", "W10"))
	assert.True(t, segregationDiffers("US", "W10", "US", "W11"))
	assert.False(t, segregationDiffers("", "W10", "EU", ""))
	assert.False(t, segregationDiffers("US", "", "", "W11"))
}

// TestValidateID はID形式のバリデーションテスト
func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateProductID("TSHIRT-PACKED_01.v2:a"))
	assert.Error(t, ValidateProductID(""))
	assert.Error(t, ValidateProductID("has space"))
	assert.Error(t, ValidateLocationID(strings.Repeat("x", 256)))

	var ve *ValidationError
	require.True(t, errors.As(ValidateRequired("reason", " \t"), &ve))
	assert.Equal(t, "reason", ve.Field)
}

func TestValidateTransferRequest(t *testing.T) {
	base := TransferRequest{FromDept: "CUTTING", ToDept: "SEWING", ProductID: "BODY", BatchRef: "B1", Qty: decimal.NewFromInt(1)}
	assert.NoError(t, ValidateTransferRequest(base))

	tests := []struct {
		name   string
		mutate func(*TransferRequest)
		field  string
	}{
		{"送り元なし", func(r *TransferRequest) { r.FromDept = "" }, "from_dept"},
		{"同一部門", func(r *TransferRequest) { r.ToDept = "CUTTING" }, "to_dept"},
		{"バッチなし", func(r *TransferRequest) { r.BatchRef = "" }, "batch_ref"},
		{"数量ゼロ", func(r *TransferRequest) { r.Qty = decimal.Zero }, "qty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			var ve *ValidationError
			require.True(t, errors.As(ValidateTransferRequest(req), &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

// TestConfig_Adjacent は部門の隣接判定テスト
func TestConfig_Adjacent(t *testing.T) {
	c := DefaultConfig()
	assert.True(t, c.Adjacent("CUTTING", "EMBROIDERY"))
	assert.True(t, c.Adjacent("CUTTING", "SEWING"))
	assert.True(t, c.Adjacent("EMBROIDERY", "SEWING"))
	assert.True(t, c.Adjacent("SEWING", "FINISHING"))
	assert.True(t, c.Adjacent("FINISHING", "PACKING"))
	assert.False(t, c.Adjacent("CUTTING", "FINISHING"))
	assert.False(t, c.Adjacent("PACKING", "CUTTING"))
	assert.False(t, c.Adjacent("NOPE", "SEWING"))
}

// TestConfig_Validate は部門レジストリの検証テスト
func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"重複コード", func(c *Config) { c.Departments[1].Code = "CUTTING" }, "departments.code"},
		{"負のバッファ", func(c *Config) { c.Departments[0].BufferPct = -1 }, "departments.buffer_pct"},
		{"ラインなし", func(c *Config) { c.Departments[2].Lines = nil }, "departments.lines"},
		{"未知の後工程", func(c *Config) { c.Departments[0].Next = []string{"DYEING"} }, "departments.next"},
		{"許容差過大", func(c *Config) { c.TransferTolerancePct = 100 }, "transfer_tolerance_pct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			var ve *ValidationError
			require.True(t, errors.As(c.Validate(), &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

// TestConfig_ApplyDefaults はゼロ値の補完テスト
func TestConfig_ApplyDefaults(t *testing.T) {
	c := &Config{}
	c.applyDefaults()
	assert.Len(t, c.Departments, 5)
	assert.Equal(t, 10.0, c.TransferTolerancePct)
	assert.Equal(t, 3, c.MaxRetryAttempts)
	assert.Equal(t, "RM-MAIN", c.ReceivingLocationID)
	assert.Equal(t, int32(4), c.QuantityPrecision)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(ErrVersionMismatch))
	assert.True(t, isRetryable(ErrConcurrentModification))
	assert.False(t, isRetryable(NewConcurrencyError("op", "res", "exhausted", 3)))
	assert.False(t, isRetryable(ErrLineBlocked))
}

func TestWrapStorage(t *testing.T) {
	assert.Nil(t, wrapStorage("op", "msg", nil))
	assert.Same(t, ErrDebtNotFound, wrapStorage("op", "msg", ErrDebtNotFound))

	cause := errors.New("connection reset")
	err := wrapStorage("op", "msg", cause)
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, cause)
}
