package xid

import (
	"strings"
	"testing"
	"time"

	"dukafiti/offline/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationIDFormat(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	id := Operation("debt_payment", "create", at)

	require.True(t, strings.HasPrefix(id, "debt_payment_create_1700000000123_"), id)
	random := strings.TrimPrefix(id, "debt_payment_create_1700000000123_")
	assert.Len(t, random, 16)
	assert.NotEqual(t, id, Operation("debt_payment", "create", at))
}

func TestTempIDsAreUniqueAndPrefixed(t *testing.T) {
	a, b := Temp(), Temp()
	assert.True(t, strings.HasPrefix(a, "temp_"))
	assert.True(t, domain.IsTempID(a))
	assert.True(t, domain.RefFor(a, "").IsLocal())
	assert.NotEqual(t, a, b)
	assert.False(t, strings.HasPrefix(Server(), "temp_"))
}
