package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"dukafiti/offline/internal/cache"
	"dukafiti/offline/internal/domain"
	"dukafiti/offline/internal/xid"
)

var (
	productUpdatable = map[string]bool{
		"name": true, "category": true, "priceCents": true, "costCents": true,
		"stock": true, "lowStockThreshold": true,
	}
	customerUpdatable = map[string]bool{
		"name": true, "phone": true, "email": true, "creditLimitCents": true,
		"outstandingDebtCents": true, "lastPurchaseAt": true,
	}
)

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	now := s.now().UTC()
	product := domain.Product{
		ID:                xid.Temp(),
		Name:              strings.TrimSpace(req.Name),
		Category:          strings.TrimSpace(req.Category),
		PriceCents:        req.PriceCents,
		CostCents:         req.CostCents,
		Stock:             req.Stock,
		LowStockThreshold: req.LowStockThreshold,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := validateProduct(product); err != nil {
		return domain.Product{}, err
	}
	return create(ctx, s, domain.EntityProduct, product)
}

func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.UpdateRequest) (domain.Product, error) {
	return update(ctx, s, domain.EntityProduct, id, req, productUpdatable, validateProduct)
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	return remove[domain.Product](ctx, s, domain.EntityProduct, id)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	now := s.now().UTC()
	customer := domain.Customer{
		ID:               xid.Temp(),
		Name:             strings.TrimSpace(req.Name),
		Phone:            strings.TrimSpace(req.Phone),
		Email:            strings.TrimSpace(req.Email),
		CreditLimitCents: req.CreditLimitCents,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := validateCustomer(customer); err != nil {
		return domain.Customer{}, err
	}
	return create(ctx, s, domain.EntityCustomer, customer)
}

func (s *Service) UpdateCustomer(ctx context.Context, id string, req domain.UpdateRequest) (domain.Customer, error) {
	return update(ctx, s, domain.EntityCustomer, id, req, customerUpdatable, validateCustomer)
}

func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	return remove[domain.Customer](ctx, s, domain.EntityCustomer, id)
}

// RecordSale writes the sale, then the stock of every sold product, then the
// customer's purchase date and, for credit sales, debt. Each write reaches the
// server on its own; a failure after the sale is logged and left to the queue.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.Sale, error) {
	if len(req.Items) == 0 {
		return domain.Sale{}, fmt.Errorf("%w: sale has no items", ErrValidation)
	}
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method == "" {
		method = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(method) {
		return domain.Sale{}, fmt.Errorf("%w: unsupported payment method %q", ErrValidation, req.PaymentMethod)
	}
	customerID := strings.TrimSpace(req.CustomerID)
	if method == domain.PaymentCredit && customerID == "" {
		return domain.Sale{}, fmt.Errorf("%w: credit sale needs a customer", ErrValidation)
	}

	products, _ := cache.Load[domain.Product](ctx, s.cache, s.key(domain.EntityProduct))
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	var customer domain.Customer
	var hasCustomer bool
	if customerID != "" {
		customer, hasCustomer = cache.Find[domain.Customer](ctx, s.cache, s.key(domain.EntityCustomer), customerID)
	}

	items := make([]domain.SaleItem, 0, len(req.Items))
	var total int64
	for _, item := range req.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.Quantity < 1 || item.UnitPriceCents < 0 {
			return domain.Sale{}, fmt.Errorf("%w: invalid quantity or price for %q", ErrValidation, item.ProductID)
		}
		if product, ok := byID[item.ProductID]; ok && item.ProductName == "" {
			item.ProductName = product.Name
		}
		total += int64(item.Quantity) * item.UnitPriceCents
		items = append(items, item)
	}
	if method == domain.PaymentCredit && hasCustomer && customer.CreditLimitCents > 0 &&
		customer.OutstandingDebtCents+total > customer.CreditLimitCents {
		return domain.Sale{}, fmt.Errorf("%w: credit limit exceeded for %s", ErrValidation, customer.Name)
	}

	now := s.now().UTC()
	id := xid.Temp()
	sale := domain.Sale{
		ID:            id,
		ClientRef:     id,
		CustomerID:    customerID,
		Items:         items,
		TotalCents:    total,
		PaymentMethod: method,
		CreatedAt:     now,
	}
	if hasCustomer {
		sale.CustomerName = customer.Name
	}

	saved, err := create(ctx, s, domain.EntitySale, sale)
	if err != nil {
		return domain.Sale{}, err
	}

	sold := make(map[string]int)
	var order []string
	for _, item := range items {
		if _, seen := sold[item.ProductID]; !seen {
			order = append(order, item.ProductID)
		}
		sold[item.ProductID] += item.Quantity
	}
	for _, productID := range order {
		product, ok := byID[productID]
		if !ok {
			s.log.Warn().Str("product_id", productID).Msg("sold product not cached, stock left unchanged")
			continue
		}
		if _, err := s.UpdateProduct(ctx, productID, domain.UpdateRequest{"stock": product.Stock - sold[productID]}); err != nil {
			s.log.Warn().Err(err).Str("product_id", productID).Msg("stock update after sale failed")
		}
	}

	if hasCustomer {
		changes := domain.UpdateRequest{"lastPurchaseAt": now}
		if method == domain.PaymentCredit {
			changes["outstandingDebtCents"] = customer.OutstandingDebtCents + total
		}
		if _, err := s.UpdateCustomer(ctx, customerID, changes); err != nil {
			s.log.Warn().Err(err).Str("customer_id", customerID).Msg("customer update after sale failed")
		}
	}
	return saved, nil
}

// RecordDebtPayment lowers the cached balance at once. The server applies the
// payment and the balance change together.
func (s *Service) RecordDebtPayment(ctx context.Context, req domain.DebtPaymentRequest) (domain.DebtPayment, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return domain.DebtPayment{}, fmt.Errorf("%w: payment needs a customer", ErrValidation)
	}
	if req.AmountCents < 1 {
		return domain.DebtPayment{}, fmt.Errorf("%w: payment amount must be positive", ErrValidation)
	}
	method := strings.ToLower(strings.TrimSpace(req.Method))
	if method == "" {
		method = domain.PaymentCash
	}
	if !isSupportedPaymentMethod(method) || method == domain.PaymentCredit {
		return domain.DebtPayment{}, fmt.Errorf("%w: unsupported payment method %q", ErrValidation, req.Method)
	}

	id := xid.Temp()
	payment := domain.DebtPayment{
		ID:          id,
		ClientRef:   id,
		CustomerID:  customerID,
		AmountCents: req.AmountCents,
		Method:      method,
		Reference:   strings.TrimSpace(req.Reference),
		PaidAt:      s.now().UTC(),
	}

	cache.Update(ctx, s.cache, s.key(domain.EntityCustomer), func(customers []domain.Customer, _ bool) ([]domain.Customer, bool) {
		for i := range customers {
			if customers[i].ID == customerID {
				customers[i].OutstandingDebtCents = max(0, customers[i].OutstandingDebtCents-req.AmountCents)
				customers[i].UpdatedAt = payment.PaidAt
				return customers, true
			}
		}
		return customers, false
	})

	return create(ctx, s, domain.EntityDebtPayment, payment)
}

func (s *Service) RecordTransaction(ctx context.Context, req domain.TransactionRequest) (domain.Transaction, error) {
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	if kind != domain.TransactionIncome && kind != domain.TransactionExpense {
		return domain.Transaction{}, fmt.Errorf("%w: transaction kind must be income or expense", ErrValidation)
	}
	if req.AmountCents < 1 {
		return domain.Transaction{}, fmt.Errorf("%w: transaction amount must be positive", ErrValidation)
	}
	id := xid.Temp()
	return create(ctx, s, domain.EntityTransaction, domain.Transaction{
		ID:          id,
		ClientRef:   id,
		Kind:        kind,
		AmountCents: req.AmountCents,
		Note:        strings.TrimSpace(req.Note),
		OccurredAt:  s.now().UTC(),
	})
}

// create shows the local entity at once and hands the create to the server or
// the queue. The server's copy is returned when it answered directly.
func create[T domain.Entity](ctx context.Context, s *Service, entityType domain.EntityType, item T) (T, error) {
	key := s.key(entityType)
	cache.Upsert(ctx, s.cache, key, item)

	outcome, err := s.submit(ctx, entityType, domain.OpCreate, domain.MustJSON(item), "")
	if err != nil {
		cache.Remove[T](ctx, s.cache, key, item.EntityID())
		return item, err
	}
	confirmed, ok := outcome.Entity.(T)
	if !ok {
		return item, nil
	}
	s.created(ctx, entityType, outcome)
	return confirmed, nil
}

func update[T domain.Entity](ctx context.Context, s *Service, entityType domain.EntityType, id string, req domain.UpdateRequest, allowed map[string]bool, validate func(T) error) (T, error) {
	var zero T
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, fmt.Errorf("%w: id is required", ErrValidation)
	}
	if len(req) == 0 {
		return zero, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	for field := range req {
		if !allowed[field] {
			return zero, fmt.Errorf("%w: %s %q cannot be updated", ErrValidation, entityType, field)
		}
	}

	var next T
	err := fmt.Errorf("%w: %s %s", ErrNotFound, entityType, id)
	now := s.now().UTC()
	cache.Update(ctx, s.cache, s.key(entityType), func(items []T, _ bool) ([]T, bool) {
		for i := range items {
			if items[i].EntityID() != id {
				continue
			}
			next, err = patch(items[i], req, now)
			if err == nil {
				err = validate(next)
			}
			if err != nil {
				return items, false
			}
			items[i] = next
			return items, true
		}
		return items, false
	})
	if err != nil {
		return zero, err
	}

	payload := domain.MustJSON(domain.UpdatePayload{ID: id, Updates: req})
	if _, err := s.submit(ctx, entityType, domain.OpUpdate, payload, id); err != nil {
		return next, err
	}
	return next, nil
}

func remove[T domain.Entity](ctx context.Context, s *Service, entityType domain.EntityType, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	cache.Remove[T](ctx, s.cache, s.key(entityType), id)

	_, err := s.submit(ctx, entityType, domain.OpDelete, domain.MustJSON(domain.DeletePayload{ID: id}), id)
	return err
}

// patch applies local-field updates to a copy of item and stamps updatedAt
// when the type has one.
func patch[T any](item T, updates domain.UpdateRequest, now time.Time) (T, error) {
	var out T
	values := map[string]any{}
	if err := json.Unmarshal(domain.MustJSON(item), &values); err != nil {
		return out, err
	}
	for field, value := range updates {
		values[field] = value
	}
	if _, ok := values["updatedAt"]; ok {
		values["updatedAt"] = now
	}
	if err := json.Unmarshal(domain.MustJSON(values), &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return out, nil
}

func validateProduct(p domain.Product) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: product name is required", ErrValidation)
	}
	if p.PriceCents < 0 || p.CostCents < 0 || p.LowStockThreshold < 0 {
		return fmt.Errorf("%w: product amounts cannot be negative", ErrValidation)
	}
	return nil
}

func validateCustomer(c domain.Customer) error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("%w: customer name is required", ErrValidation)
	}
	if c.Phone != "" && len(domain.NormalizePhone(c.Phone)) < 7 {
		return fmt.Errorf("%w: phone number %q is too short", ErrValidation, c.Phone)
	}
	if c.Email != "" && !strings.Contains(c.Email, "@") {
		return fmt.Errorf("%w: email %q is not valid", ErrValidation, c.Email)
	}
	if c.CreditLimitCents < 0 || c.OutstandingDebtCents < 0 {
		return fmt.Errorf("%w: customer amounts cannot be negative", ErrValidation)
	}
	return nil
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentCash, domain.PaymentMpesa, domain.PaymentCard, domain.PaymentCredit:
		return true
	default:
		return false
	}
}
