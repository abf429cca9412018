package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemonet1337/zaiflow/pkg/production"
)

// TestMapError はPostgreSQLエラーコードの変換テスト
func TestMapError(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"23505", production.ErrDuplicate},
		{"40001", production.ErrConcurrentModification},
		{"40P01", production.ErrConcurrentModification},
		{"55P03", production.ErrConcurrentModification},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := mapError(&pq.Error{Code: pq.ErrorCode(tt.code), Message: "driver"})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	other := &pq.Error{Code: "23503", Message: "foreign key"}
	assert.Same(t, other, mapError(other))

	plain := errors.New("connection refused")
	assert.Same(t, plain, mapError(plain))
}

func TestJSONHelpers(t *testing.T) {
	data, err := toJSON(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))

	var steps []production.TransferStep
	require.NoError(t, fromJSON(nil, &steps))
	assert.Nil(t, steps)

	data, err = toJSON([]string{"BODY"})
	require.NoError(t, err)
	var ids []string
	require.NoError(t, fromJSON(data, &ids))
	assert.Equal(t, []string{"BODY"}, ids)
}

func TestNullTime(t *testing.T) {
	assert.False(t, nullTime(nil).Valid)
	assert.Nil(t, timePtr(nullTime(nil)))

	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	got := timePtr(nullTime(&now))
	require.NotNil(t, got)
	assert.True(t, got.Equal(now))
}
