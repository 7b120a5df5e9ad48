package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"dukafiti/offline/internal/store"
)

type kind uint8

const (
	kindString kind = iota
	kindInt
	kindTime
	kindJSON
)

// field maps one local JSON field to one remote column.
type field struct {
	local  string
	column string
	kind   kind
}

type mapping []field

// toRow translates the local fields present in values into remote columns.
// Fields listed in skip, unknown fields, nulls and zero times are left out.
func (m mapping) toRow(values map[string]any, skip ...string) (store.Row, error) {
	row := store.Row{}
	for _, f := range m {
		if contains(skip, f.local) {
			continue
		}
		raw, ok := values[f.local]
		if !ok || raw == nil {
			continue
		}
		value, keep, err := toColumn(f.kind, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.local, err)
		}
		if keep {
			row[f.column] = value
		}
	}
	return row, nil
}

// decode builds a T from a remote row.
func decode[T any](m mapping, row store.Row) (T, error) {
	var out T
	local := make(map[string]any, len(m))
	for _, f := range m {
		raw, ok := row[f.column]
		if !ok {
			continue
		}
		value, err := fromColumn(f.kind, raw)
		if err != nil {
			return out, fmt.Errorf("%s: %w", f.column, err)
		}
		if value != nil {
			local[f.local] = value
		}
	}
	encoded, err := json.Marshal(local)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return out, err
	}
	return out, nil
}

func decodeAll[T any](m mapping, rows []store.Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		item, err := decode[T](m, row)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func toColumn(k kind, raw any) (any, bool, error) {
	switch k {
	case kindString:
		s, ok := raw.(string)
		if !ok {
			return nil, false, fmt.Errorf("expected string, got %T", raw)
		}
		return s, true, nil
	case kindInt:
		n, err := toInt64(raw)
		return n, err == nil, err
	case kindTime:
		t, err := toTime(raw)
		if err != nil {
			return nil, false, err
		}
		if t.IsZero() {
			return nil, false, nil
		}
		return t, true, nil
	case kindJSON:
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, false, err
		}
		return string(encoded), true, nil
	}
	return nil, false, fmt.Errorf("unknown field kind %d", k)
}

func fromColumn(k kind, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch k {
	case kindString:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		default:
			return fmt.Sprint(v), nil
		}
	case kindInt:
		return toInt64(raw)
	case kindTime:
		t, err := toTime(raw)
		if err != nil || t.IsZero() {
			return nil, err
		}
		return t.UTC(), nil
	case kindJSON:
		switch v := raw.(type) {
		case string:
			return json.RawMessage(v), nil
		case []byte:
			return json.RawMessage(v), nil
		default:
			return v, nil
		}
	}
	return nil, fmt.Errorf("unknown field kind %d", k)
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		return int64(f), err
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, fmt.Errorf("expected number, got %T", raw)
}

func toTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v, nil
	case string:
		if v == "" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time %q: %w", v, err)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("expected time, got %T", raw)
}

// fields decodes a JSON object keeping numbers exact.
func fields(raw json.RawMessage) (map[string]any, error) {
	var out map[string]any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

var productFields = mapping{
	{"id", "id", kindString},
	{"name", "name", kindString},
	{"category", "category", kindString},
	{"priceCents", "price_cents", kindInt},
	{"costCents", "cost_cents", kindInt},
	{"stock", "stock_quantity", kindInt},
	{"lowStockThreshold", "low_stock_threshold", kindInt},
	{"createdAt", "created_at", kindTime},
	{"updatedAt", "updated_at", kindTime},
}

var customerFields = mapping{
	{"id", "id", kindString},
	{"name", "name", kindString},
	{"phone", "phone", kindString},
	{"email", "email", kindString},
	{"creditLimitCents", "credit_limit_cents", kindInt},
	{"outstandingDebtCents", "outstanding_debt_cents", kindInt},
	{"lastPurchaseAt", "last_purchase_date", kindTime},
	{"createdAt", "created_at", kindTime},
	{"updatedAt", "updated_at", kindTime},
}

var saleFields = mapping{
	{"id", "id", kindString},
	{"clientRef", "client_ref", kindString},
	{"customerId", "customer_id", kindString},
	{"customerName", "customer_name", kindString},
	{"items", "items", kindJSON},
	{"totalCents", "total_cents", kindInt},
	{"paymentMethod", "payment_method", kindString},
	{"createdAt", "created_at", kindTime},
}

var debtPaymentFields = mapping{
	{"id", "id", kindString},
	{"clientRef", "client_ref", kindString},
	{"customerId", "customer_id", kindString},
	{"amountCents", "amount_cents", kindInt},
	{"method", "method", kindString},
	{"reference", "reference", kindString},
	{"paidAt", "paid_at", kindTime},
}

var transactionFields = mapping{
	{"id", "id", kindString},
	{"clientRef", "client_ref", kindString},
	{"kind", "kind", kindString},
	{"amountCents", "amount_cents", kindInt},
	{"note", "note", kindString},
	{"occurredAt", "occurred_at", kindTime},
}

var templateFields = mapping{
	{"id", "id", kindString},
	{"name", "name", kindString},
	{"category", "category", kindString},
	{"defaultPriceCents", "default_price_cents", kindInt},
}
