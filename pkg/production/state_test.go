package production_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nemonet1337/zaiflow/pkg/production"
)

// TestTransferState_CanTransition は引き渡し状態遷移表のテスト
func TestTransferState_CanTransition(t *testing.T) {
	tests := []struct {
		from production.TransferState
		to   production.TransferState
		want bool
	}{
		{production.TransferInitiated, production.TransferLocked, true},
		{production.TransferInitiated, production.TransferBlocked, true},
		{production.TransferBlocked, production.TransferBlocked, true},
		{production.TransferBlocked, production.TransferLocked, true},
		{production.TransferBlocked, production.TransferCancelled, true},
		{production.TransferLocked, production.TransferAccepted, true},
		{production.TransferLocked, production.TransferCancelled, true},
		{production.TransferAccepted, production.TransferCompleted, true},
		{production.TransferInitiated, production.TransferAccepted, false},
		{production.TransferBlocked, production.TransferAccepted, false},
		{production.TransferAccepted, production.TransferCancelled, false},
		{production.TransferCompleted, production.TransferCancelled, false},
		{production.TransferCancelled, production.TransferLocked, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}

	assert.True(t, production.TransferCompleted.Terminal())
	assert.True(t, production.TransferCancelled.Terminal())
	assert.False(t, production.TransferLocked.Terminal())
}

// TestWorkOrderStatus_CanTransition は作業指示状態遷移表のテスト
func TestWorkOrderStatus_CanTransition(t *testing.T) {
	assert.True(t, production.WorkOrderPending.CanTransition(production.WorkOrderReady))
	assert.True(t, production.WorkOrderReady.CanTransition(production.WorkOrderRunning))
	assert.True(t, production.WorkOrderReady.CanTransition(production.WorkOrderFinished))
	assert.True(t, production.WorkOrderRunning.CanTransition(production.WorkOrderFinished))

	assert.False(t, production.WorkOrderPending.CanTransition(production.WorkOrderRunning))
	assert.False(t, production.WorkOrderRunning.CanTransition(production.WorkOrderReady))
	assert.False(t, production.WorkOrderFinished.CanTransition(production.WorkOrderPending))
}

// TestDebtStatus_CanTransition は債務状態遷移表のテスト
func TestDebtStatus_CanTransition(t *testing.T) {
	assert.True(t, production.DebtActive.CanTransition(production.DebtFullyPaid))
	assert.True(t, production.DebtActive.CanTransition(production.DebtWrittenOff))
	assert.True(t, production.DebtPartialPaid.CanTransition(production.DebtPartialPaid))
	assert.False(t, production.DebtFullyPaid.CanTransition(production.DebtWrittenOff))
	assert.False(t, production.DebtWrittenOff.CanTransition(production.DebtPartialPaid))

	assert.True(t, production.DebtPartialPaid.Open())
	assert.False(t, production.DebtWrittenOff.Open())
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, production.RiskCritical.Valid())
	assert.False(t, production.RiskLevel("SEVERE").Valid())
	assert.True(t, production.ClearanceLineStop.Valid())
	assert.False(t, production.ClearanceMethod("").Valid())
	assert.True(t, production.ProductKindWIP.Valid())
	assert.False(t, production.ProductKind("SERVICE").Valid())
}
