package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorFillsCatalogFields(t *testing.T) {
	e := NewError(CodeRoomFull)
	assert.Equal(t, CodeRoomFull, e.Code)
	assert.Equal(t, "ROOM_FULL", e.Type)
	assert.NotEmpty(t, e.Message)
	assert.NotZero(t, e.Timestamp)
}

func TestErrorWithDetailsAndMessage(t *testing.T) {
	e := NewError(CodeLockConflict).
		WithMessage("held by someone else").
		WithDetails(map[string]any{"holderId": "u2"})

	assert.Equal(t, "held by someone else", e.Message)
	assert.Equal(t, "u2", e.Details["holderId"])
}

func TestErrorWireShape(t *testing.T) {
	e := NewError(CodeJWTExpired)
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, float64(2003), decoded["code"])
	assert.Equal(t, "JWT_EXPIRED", decoded["type"])
	assert.Contains(t, decoded, "message")
	assert.Contains(t, decoded, "timestamp")
	assert.NotContains(t, decoded, "details")
}

func TestTypeOfUnknownCode(t *testing.T) {
	assert.Equal(t, "INTERNAL_SERVER_ERROR", TypeOf(Code(9999)))
}

func TestCatalogCodeRanges(t *testing.T) {
	for code := range catalog {
		assert.GreaterOrEqual(t, int(code), 1001)
		assert.Less(t, int(code), 6000)
	}
}
