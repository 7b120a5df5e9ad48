// Package store describes the remote relational store the terminal syncs
// against. Rows are column-keyed maps; the executors own the mapping between
// these rows and the local entity shapes.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalid     = errors.New("invalid request")
	ErrConflict    = errors.New("conflict")
	ErrUnsupported = errors.New("unsupported procedure")
)

type Table string

const (
	TableProducts         Table = "products"
	TableCustomers        Table = "customers"
	TableSales            Table = "sales"
	TableDebtPayments     Table = "debt_payments"
	TableTransactions     Table = "transactions"
	TableProductTemplates Table = "product_templates"
)

// ProcRecordDebtPayment inserts a payment and reduces the customer's
// outstanding debt in one transaction.
const ProcRecordDebtPayment = "record_debt_payment"

type Row map[string]any

func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

type Repository interface {
	SelectAll(ctx context.Context, table Table, userID string) ([]Row, error)
	// SelectWhere returns rows whose columns equal match; text compares
	// case-insensitively.
	SelectWhere(ctx context.Context, table Table, userID string, match Row) ([]Row, error)
	SelectPublic(ctx context.Context, table Table) ([]Row, error)
	Insert(ctx context.Context, table Table, userID string, row Row) (Row, error)
	Update(ctx context.Context, table Table, userID string, id string, changes Row) (Row, error)
	Delete(ctx context.Context, table Table, userID string, id string) error
	Exists(ctx context.Context, table Table, userID string, id string) (bool, error)
	Call(ctx context.Context, procedure string, args Row) (Row, error)
	Ping(ctx context.Context) error
}

type tableSpec struct {
	public  bool
	columns []string
}

var schema = map[Table]tableSpec{
	TableProducts: {columns: []string{
		"id", "user_id", "name", "category", "price_cents", "cost_cents", "stock_quantity",
		"low_stock_threshold", "created_at", "updated_at",
	}},
	TableCustomers: {columns: []string{
		"id", "user_id", "name", "phone", "email", "credit_limit_cents", "outstanding_debt_cents",
		"last_purchase_date", "created_at", "updated_at",
	}},
	TableSales: {columns: []string{
		"id", "user_id", "client_ref", "customer_id", "customer_name", "items", "total_cents",
		"payment_method", "created_at",
	}},
	TableDebtPayments: {columns: []string{
		"id", "user_id", "client_ref", "customer_id", "amount_cents", "method", "reference",
		"paid_at", "created_at",
	}},
	TableTransactions: {columns: []string{
		"id", "user_id", "client_ref", "kind", "amount_cents", "note", "occurred_at", "created_at",
	}},
	TableProductTemplates: {public: true, columns: []string{
		"id", "name", "category", "default_price_cents",
	}},
}

// Columns lists the known columns of table.
func Columns(table Table) ([]string, bool) {
	spec, ok := schema[table]
	if !ok {
		return nil, false
	}
	return append([]string(nil), spec.columns...), true
}

func IsPublic(table Table) bool {
	return schema[table].public
}

// Validate checks that table exists and that every column in row belongs to it.
func Validate(table Table, row Row) error {
	spec, ok := schema[table]
	if !ok {
		return fmt.Errorf("%w: unknown table %q", ErrInvalid, table)
	}
	for column := range row {
		if !spec.has(column) {
			return fmt.Errorf("%w: unknown column %s.%s", ErrInvalid, table, column)
		}
	}
	return nil
}

func (s tableSpec) has(column string) bool {
	for _, c := range s.columns {
		if c == column {
			return true
		}
	}
	return false
}
