package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"dukafiti/offline/internal/store"
	"dukafiti/offline/internal/xid"
)

// FailFunc lets tests make individual calls fail. A non-nil return aborts the
// call with that error.
type FailFunc func(op string, table store.Table) error

type Store struct {
	mu       sync.RWMutex
	tables   map[store.Table][]store.Row
	disabled map[string]bool
	fail     FailFunc
	now      func() time.Time
}

func New() *Store {
	return &Store{
		tables:   make(map[store.Table][]store.Row),
		disabled: make(map[string]bool),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewSeeded returns a store with the shared product template catalog, for the
// demo mode.
func NewSeeded() *Store {
	s := New()
	for _, tpl := range []struct {
		name     string
		category string
		price    int64
	}{
		{"Sugar 1kg", "grocery", 16500},
		{"Maize Flour 2kg", "grocery", 18000},
		{"Cooking Oil 1L", "grocery", 32000},
		{"Milk 500ml", "dairy", 6000},
		{"Bread 400g", "bakery", 6500},
		{"Bar Soap", "household", 9500},
		{"Airtime 100", "services", 10000},
	} {
		s.tables[store.TableProductTemplates] = append(s.tables[store.TableProductTemplates], store.Row{
			"id":                  xid.Server(),
			"name":                tpl.name,
			"category":            tpl.category,
			"default_price_cents": tpl.price,
		})
	}
	return s
}

func (s *Store) FailWith(fn FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// DisableProcedure makes Call fail for name, as a server without the
// procedure installed would.
func (s *Store) DisableProcedure(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled[name] = true
}

func (s *Store) check(op string, table store.Table) error {
	if s.fail == nil {
		return nil
	}
	return s.fail(op, table)
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check("ping", "")
}

func (s *Store) SelectAll(ctx context.Context, table store.Table, userID string) ([]store.Row, error) {
	return s.SelectWhere(ctx, table, userID, nil)
}

func (s *Store) SelectWhere(_ context.Context, table store.Table, userID string, match store.Row) ([]store.Row, error) {
	if err := store.Validate(table, match); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("select", table); err != nil {
		return nil, err
	}

	rows := make([]store.Row, 0)
	for _, row := range s.tables[table] {
		if row["user_id"] != userID || !matches(row, match) {
			continue
		}
		rows = append(rows, row.Clone())
	}
	return rows, nil
}

func (s *Store) SelectPublic(_ context.Context, table store.Table) ([]store.Row, error) {
	if !store.IsPublic(table) {
		return nil, fmt.Errorf("%w: %s is user scoped", store.ErrInvalid, table)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("select", table); err != nil {
		return nil, err
	}
	rows := make([]store.Row, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		rows = append(rows, row.Clone())
	}
	return rows, nil
}

func (s *Store) Insert(_ context.Context, table store.Table, userID string, row store.Row) (store.Row, error) {
	if err := store.Validate(table, row); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", store.ErrInvalid)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("insert", table); err != nil {
		return nil, err
	}
	return s.insertLocked(table, userID, row)
}

func (s *Store) insertLocked(table store.Table, userID string, row store.Row) (store.Row, error) {
	saved := row.Clone()
	saved["user_id"] = userID
	if id, _ := saved["id"].(string); id == "" {
		saved["id"] = xid.Server()
	}
	if s.findLocked(table, userID, saved["id"].(string)) >= 0 {
		return nil, fmt.Errorf("%w: duplicate id", store.ErrConflict)
	}
	if ref, _ := saved["client_ref"].(string); ref != "" {
		for _, existing := range s.tables[table] {
			if existing["user_id"] == userID && existing["client_ref"] == ref {
				return nil, fmt.Errorf("%w: duplicate client_ref", store.ErrConflict)
			}
		}
	}
	now := s.now()
	if columns, _ := store.Columns(table); contains(columns, "created_at") {
		if _, ok := saved["created_at"]; !ok {
			saved["created_at"] = now
		}
	}
	if columns, _ := store.Columns(table); contains(columns, "updated_at") {
		if _, ok := saved["updated_at"]; !ok {
			saved["updated_at"] = now
		}
	}
	s.tables[table] = append(s.tables[table], saved)
	return saved.Clone(), nil
}

func (s *Store) Update(_ context.Context, table store.Table, userID string, id string, changes store.Row) (store.Row, error) {
	if err := store.Validate(table, changes); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("update", table); err != nil {
		return nil, err
	}
	idx := s.findLocked(table, userID, id)
	if idx < 0 {
		return nil, store.ErrNotFound
	}
	row := s.tables[table][idx]
	for column, value := range changes {
		if column == "id" || column == "user_id" {
			continue
		}
		row[column] = value
	}
	return row.Clone(), nil
}

func (s *Store) Delete(_ context.Context, table store.Table, userID string, id string) error {
	if err := store.Validate(table, nil); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("delete", table); err != nil {
		return err
	}
	idx := s.findLocked(table, userID, id)
	if idx < 0 {
		return store.ErrNotFound
	}
	rows := s.tables[table]
	s.tables[table] = append(rows[:idx:idx], rows[idx+1:]...)
	return nil
}

func (s *Store) Exists(_ context.Context, table store.Table, userID string, id string) (bool, error) {
	if err := store.Validate(table, nil); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("select", table); err != nil {
		return false, err
	}
	return s.findLocked(table, userID, id) >= 0, nil
}

func (s *Store) Call(_ context.Context, procedure string, args store.Row) (store.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("call", store.Table(procedure)); err != nil {
		return nil, err
	}
	if s.disabled[procedure] {
		return nil, fmt.Errorf("%w: %s", store.ErrUnsupported, procedure)
	}
	switch procedure {
	case store.ProcRecordDebtPayment:
		return s.recordDebtPaymentLocked(args)
	default:
		return nil, fmt.Errorf("%w: %s", store.ErrUnsupported, procedure)
	}
}

// recordDebtPaymentLocked mirrors the SQL function: a repeated client_ref
// returns the original payment without touching the balance again.
func (s *Store) recordDebtPaymentLocked(args store.Row) (store.Row, error) {
	userID, _ := args["user_id"].(string)
	customerID, _ := args["customer_id"].(string)
	amount, ok := args["amount_cents"].(int64)
	if userID == "" || customerID == "" || !ok || amount <= 0 {
		return nil, fmt.Errorf("%w: debt payment arguments", store.ErrInvalid)
	}

	if ref, _ := args["client_ref"].(string); ref != "" {
		for _, existing := range s.tables[store.TableDebtPayments] {
			if existing["user_id"] == userID && existing["client_ref"] == ref {
				return s.withBalanceLocked(existing.Clone(), userID, customerID), nil
			}
		}
	}

	idx := s.findLocked(store.TableCustomers, userID, customerID)
	if idx < 0 {
		return nil, store.ErrNotFound
	}

	payment := store.Row{}
	for _, column := range []string{"customer_id", "amount_cents", "method", "reference", "client_ref", "paid_at"} {
		if v, ok := args[column]; ok && v != nil {
			payment[column] = v
		}
	}
	if _, ok := payment["paid_at"]; !ok {
		payment["paid_at"] = s.now()
	}
	saved, err := s.insertLocked(store.TableDebtPayments, userID, payment)
	if err != nil {
		return nil, err
	}

	customer := s.tables[store.TableCustomers][idx]
	debt, _ := customer["outstanding_debt_cents"].(int64)
	debt -= amount
	if debt < 0 {
		debt = 0
	}
	customer["outstanding_debt_cents"] = debt
	customer["updated_at"] = s.now()
	return s.withBalanceLocked(saved, userID, customerID), nil
}

func (s *Store) withBalanceLocked(payment store.Row, userID string, customerID string) store.Row {
	if idx := s.findLocked(store.TableCustomers, userID, customerID); idx >= 0 {
		payment["outstanding_debt_cents"] = s.tables[store.TableCustomers][idx]["outstanding_debt_cents"]
	}
	return payment
}

func (s *Store) findLocked(table store.Table, userID string, id string) int {
	for i, row := range s.tables[table] {
		if row["id"] == id && row["user_id"] == userID {
			return i
		}
	}
	return -1
}

// Count returns how many rows a user has in table.
func (s *Store) Count(table store.Table, userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, row := range s.tables[table] {
		if row["user_id"] == userID {
			n++
		}
	}
	return n
}

func matches(row store.Row, match store.Row) bool {
	for column, want := range match {
		got := row[column]
		if ws, ok := want.(string); ok {
			gs, ok := got.(string)
			if !ok || !strings.EqualFold(gs, ws) {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}
	return true
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
