package queue

import (
	"encoding/json"
	"testing"
	"time"

	"dukafiti/offline/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(id string, kind domain.OperationKind, payload string, at time.Time) domain.PendingOperation {
	return domain.PendingOperation{
		ID:          id,
		EntityType:  domain.EntityProduct,
		Kind:        kind,
		Payload:     json.RawMessage(payload),
		CreatedAt:   at,
		MaxAttempts: domain.DefaultMaxAttempts,
	}
}

func TestCollapseKeepsMostRecentPerKey(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ops := []domain.PendingOperation{
		pending("a", domain.OpUpdate, `{"id":"p-1","updates":{"stock":5}}`, base),
		pending("b", domain.OpUpdate, `{"id":"p-2","updates":{"stock":1}}`, base.Add(time.Second)),
		pending("c", domain.OpUpdate, `{"id":"p-1","updates":{"stock":3}}`, base.Add(2*time.Second)),
		pending("d", domain.OpDelete, `{"id":"p-1"}`, base.Add(3*time.Second)),
	}

	keep, superseded := Collapse(ops)

	require.Len(t, keep, 3)
	assert.Equal(t, "b", keep[0].ID)
	assert.Equal(t, "c", keep[1].ID)
	assert.Equal(t, "d", keep[2].ID)
	require.Len(t, superseded, 1)
	assert.Equal(t, "a", superseded[0].ID)
}

func TestCollapseKeysByNameWhenIDMissing(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ops := []domain.PendingOperation{
		pending("a", domain.OpCreate, `{"name":"Sugar"}`, base.Add(time.Second)),
		pending("b", domain.OpCreate, `{"name":"Sugar"}`, base),
	}

	keep, superseded := Collapse(ops)

	require.Len(t, keep, 1)
	assert.Equal(t, "a", keep[0].ID)
	require.Len(t, superseded, 1)
	assert.Equal(t, "b", superseded[0].ID)
}

func TestCollapseTieGoesToLaterPosition(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ops := []domain.PendingOperation{
		pending("first", domain.OpUpdate, `{"id":"p-1","updates":{"stock":5}}`, at),
		pending("second", domain.OpUpdate, `{"id":"p-1","updates":{"stock":6}}`, at),
	}

	keep, _ := Collapse(ops)

	require.Len(t, keep, 1)
	assert.Equal(t, "second", keep[0].ID)
}

func TestCollapseNeverGroupsAnonymousPayloads(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ops := []domain.PendingOperation{
		pending("a", domain.OpCreate, `{"amountCents":100}`, at),
		pending("b", domain.OpCreate, `{"amountCents":200}`, at),
	}

	keep, superseded := Collapse(ops)

	assert.Len(t, keep, 2)
	assert.Empty(t, superseded)
}
