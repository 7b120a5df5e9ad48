package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type EntityType string

const (
	EntityProduct     EntityType = "product"
	EntityCustomer    EntityType = "customer"
	EntitySale        EntityType = "sale"
	EntityDebtPayment EntityType = "debt_payment"
	EntityTransaction EntityType = "transaction"
)

// EntityTypes lists every type in drain order. Products go first so that sales
// referencing a freshly created product find it on the server.
var EntityTypes = []EntityType{
	EntityProduct,
	EntityCustomer,
	EntitySale,
	EntityDebtPayment,
	EntityTransaction,
}

func ParseEntityType(raw string) (EntityType, error) {
	t := EntityType(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", raw)
	}
	return t, nil
}

func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// SyncedEvent is the name of the per-type completion event.
func (t EntityType) SyncedEvent() string {
	return string(t) + "-synced"
}

type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

func (k OperationKind) Valid() bool {
	return k == OpCreate || k == OpUpdate || k == OpDelete
}

const DefaultMaxAttempts = 3

// PendingOperation is a queued mutation that the server has not confirmed.
type PendingOperation struct {
	ID            string          `json:"id"`
	EntityType    EntityType      `json:"entityType"`
	Kind          OperationKind   `json:"operationKind"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	AttemptCount  int             `json:"attemptCount"`
	MaxAttempts   int             `json:"maxAttempts"`
	LastError     string          `json:"lastError,omitempty"`
	LastAttemptAt *time.Time      `json:"lastAttemptAt,omitempty"`
}

// Exhausted reports whether the operation is excluded from automatic sync.
func (op PendingOperation) Exhausted() bool {
	return op.AttemptCount >= op.MaxAttempts
}

// Target returns the id and name carried by the payload, if any.
func (op PendingOperation) Target() (id string, name string) {
	var header struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(op.Payload, &header); err != nil {
		return "", ""
	}
	return header.ID, header.Name
}

func (op PendingOperation) TargetID() string {
	id, _ := op.Target()
	return id
}

// SamePayload compares payloads ignoring key order and whitespace.
func (op PendingOperation) SamePayload(other PendingOperation) bool {
	a, errA := CanonicalJSON(op.Payload)
	b, errB := CanonicalJSON(other.Payload)
	if errA != nil || errB != nil {
		return bytes.Equal(op.Payload, other.Payload)
	}
	return bytes.Equal(a, b)
}

type UpdatePayload struct {
	ID      string         `json:"id"`
	Updates map[string]any `json:"updates"`
}

type DeletePayload struct {
	ID string `json:"id"`
}

func DecodeUpdate(raw json.RawMessage) (UpdatePayload, error) {
	var payload UpdatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return UpdatePayload{}, fmt.Errorf("decode update payload: %w", err)
	}
	if payload.Updates == nil {
		payload.Updates = map[string]any{}
	}
	return payload, nil
}

func MustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("domain: marshal %T: %v", v, err))
	}
	return raw
}

// CanonicalJSON re-encodes raw with sorted object keys.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
