package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/store"

	"github.com/rs/zerolog"
)

// Set holds one executor per entity type plus the typed readers the
// reconciler fetches through.
type Set struct {
	repo         store.Repository
	log          zerolog.Logger
	products     *entityExecutor[domain.Product]
	customers    *entityExecutor[domain.Customer]
	sales        *entityExecutor[domain.Sale]
	debtPayments *entityExecutor[domain.DebtPayment]
	transactions *entityExecutor[domain.Transaction]
}

type Option func(*options)

type options struct {
	now func() time.Time
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New(repo store.Repository, logger zerolog.Logger, opts ...Option) *Set {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.With().Str("component", "executor").Logger()
	s := &Set{repo: repo, log: log}

	s.products = &entityExecutor[domain.Product]{
		entity: domain.EntityProduct,
		table:  store.TableProducts,
		fields: productFields,
		repo:   repo,
		now:    o.now,
		log:    log.With().Str("entity_type", string(domain.EntityProduct)).Logger(),
		stamp:  "updated_at",
		match:  func(p domain.Product) store.Row { return store.Row{"name": p.Name} },
	}
	s.customers = &entityExecutor[domain.Customer]{
		entity: domain.EntityCustomer,
		table:  store.TableCustomers,
		fields: customerFields,
		repo:   repo,
		now:    o.now,
		log:    log.With().Str("entity_type", string(domain.EntityCustomer)).Logger(),
		stamp:  "updated_at",
		match:  func(c domain.Customer) store.Row { return store.Row{"name": c.Name} },
	}
	s.sales = &entityExecutor[domain.Sale]{
		entity:  domain.EntitySale,
		table:   store.TableSales,
		fields:  saleFields,
		repo:    repo,
		now:     o.now,
		log:     log.With().Str("entity_type", string(domain.EntitySale)).Logger(),
		match:   func(sale domain.Sale) store.Row { return store.Row{"client_ref": sale.NaturalKey()} },
		prepare: setClientRef[domain.Sale],
		deps: func(sale domain.Sale) []string {
			refs := []string{sale.CustomerID}
			for _, item := range sale.Items {
				refs = append(refs, item.ProductID)
			}
			return refs
		},
	}
	s.debtPayments = &entityExecutor[domain.DebtPayment]{
		entity:  domain.EntityDebtPayment,
		table:   store.TableDebtPayments,
		fields:  debtPaymentFields,
		repo:    repo,
		now:     o.now,
		log:     log.With().Str("entity_type", string(domain.EntityDebtPayment)).Logger(),
		match:   func(p domain.DebtPayment) store.Row { return store.Row{"client_ref": p.NaturalKey()} },
		prepare: setClientRef[domain.DebtPayment],
		deps:    func(p domain.DebtPayment) []string { return []string{p.CustomerID} },
	}
	s.debtPayments.insert = s.recordDebtPayment
	s.transactions = &entityExecutor[domain.Transaction]{
		entity:  domain.EntityTransaction,
		table:   store.TableTransactions,
		fields:  transactionFields,
		repo:    repo,
		now:     o.now,
		log:     log.With().Str("entity_type", string(domain.EntityTransaction)).Logger(),
		match:   func(t domain.Transaction) store.Row { return store.Row{"client_ref": t.NaturalKey()} },
		prepare: setClientRef[domain.Transaction],
	}
	return s
}

func setClientRef[T domain.Entity](item T, row store.Row) {
	if ref, _ := row["client_ref"].(string); ref == "" {
		row["client_ref"] = item.NaturalKey()
	}
}

// For returns the executor of one entity type.
func (s *Set) For(entity domain.EntityType) (Executor, error) {
	switch entity {
	case domain.EntityProduct:
		return s.products, nil
	case domain.EntityCustomer:
		return s.customers, nil
	case domain.EntitySale:
		return s.sales, nil
	case domain.EntityDebtPayment:
		return s.debtPayments, nil
	case domain.EntityTransaction:
		return s.transactions, nil
	}
	return nil, fmt.Errorf("%w: no executor for %q", store.ErrInvalid, entity)
}

func (s *Set) Execute(ctx context.Context, userID string, op domain.PendingOperation) (Outcome, error) {
	exec, err := s.For(op.EntityType)
	if err != nil {
		return Outcome{}, err
	}
	return exec.Execute(ctx, userID, op)
}

func (s *Set) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Set) Products(ctx context.Context, userID string) ([]domain.Product, error) {
	return s.products.list(ctx, userID)
}

func (s *Set) Customers(ctx context.Context, userID string) ([]domain.Customer, error) {
	return s.customers.list(ctx, userID)
}

func (s *Set) Sales(ctx context.Context, userID string) ([]domain.Sale, error) {
	return s.sales.list(ctx, userID)
}

func (s *Set) DebtPayments(ctx context.Context, userID string) ([]domain.DebtPayment, error) {
	return s.debtPayments.list(ctx, userID)
}

func (s *Set) Transactions(ctx context.Context, userID string) ([]domain.Transaction, error) {
	return s.transactions.list(ctx, userID)
}

func (s *Set) ProductTemplates(ctx context.Context) ([]domain.ProductTemplate, error) {
	rows, err := s.repo.SelectPublic(ctx, store.TableProductTemplates)
	if err != nil {
		return nil, fmt.Errorf("select product templates: %w", err)
	}
	return decodeAll[domain.ProductTemplate](templateFields, rows)
}

// recordDebtPayment prefers the composite procedure. When it is unavailable
// or fails for a reason other than a missing customer, the payment row is
// inserted and the customer balance updated as two separate calls.
func (s *Set) recordDebtPayment(ctx context.Context, userID string, payment domain.DebtPayment, row store.Row) (store.Row, error) {
	args := store.Row{
		"user_id":      userID,
		"customer_id":  payment.CustomerID,
		"amount_cents": payment.AmountCents,
		"method":       payment.Method,
		"reference":    payment.Reference,
		"client_ref":   row["client_ref"],
		"paid_at":      row["paid_at"],
	}
	saved, err := s.repo.Call(ctx, store.ProcRecordDebtPayment, args)
	if err == nil {
		return saved, nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalid) || ctx.Err() != nil {
		return nil, err
	}
	s.log.Warn().Err(err).Str("customer_id", payment.CustomerID).Msg("record_debt_payment failed, falling back to two-step write")

	saved, err = s.repo.Insert(ctx, store.TableDebtPayments, userID, row)
	if err != nil {
		return nil, err
	}
	customers, err := s.repo.SelectWhere(ctx, store.TableCustomers, userID, store.Row{"id": payment.CustomerID})
	if err != nil {
		return nil, fmt.Errorf("payment %v recorded, load customer: %w", saved["id"], err)
	}
	if len(customers) == 0 {
		s.log.Warn().Str("customer_id", payment.CustomerID).Msg("payment recorded for a customer that no longer exists")
		return saved, nil
	}
	debt, _ := toInt64(customers[0]["outstanding_debt_cents"])
	debt -= payment.AmountCents
	if debt < 0 {
		debt = 0
	}
	if _, err := s.repo.Update(ctx, store.TableCustomers, userID, payment.CustomerID, store.Row{
		"outstanding_debt_cents": debt,
		"updated_at":             s.debtPayments.now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("payment %v recorded, update balance: %w", saved["id"], err)
	}
	return saved, nil
}
