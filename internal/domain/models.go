package domain

import (
	"strings"
	"time"
)

// Entity is implemented by every cached, syncable record.
type Entity interface {
	EntityID() string
	Ref() EntityRef
	NaturalKey() string
	CreatedTime() time.Time
}

type Product struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Category          string    `json:"category"`
	PriceCents        int64     `json:"priceCents"`
	CostCents         int64     `json:"costCents"`
	Stock             int       `json:"stock"`
	LowStockThreshold int       `json:"lowStockThreshold"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

func (p Product) EntityID() string       { return p.ID }
func (p Product) Ref() EntityRef         { return RefFor(p.ID, p.NaturalKey()) }
func (p Product) CreatedTime() time.Time { return p.CreatedAt }

func (p Product) NaturalKey() string {
	return ProductKey(p.Name, p.Category)
}

type Customer struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Phone                string    `json:"phone"`
	Email                string    `json:"email,omitempty"`
	CreditLimitCents     int64     `json:"creditLimitCents"`
	OutstandingDebtCents int64     `json:"outstandingDebtCents"`
	LastPurchaseAt       time.Time `json:"lastPurchaseAt"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

func (c Customer) EntityID() string       { return c.ID }
func (c Customer) Ref() EntityRef         { return RefFor(c.ID, c.NaturalKey()) }
func (c Customer) CreatedTime() time.Time { return c.CreatedAt }

func (c Customer) NaturalKey() string {
	return CustomerKey(c.Name, c.Phone)
}

type SaleItem struct {
	ProductID      string `json:"productId"`
	ProductName    string `json:"productName"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unitPriceCents"`
}

type Sale struct {
	ID            string     `json:"id"`
	ClientRef     string     `json:"clientRef"`
	CustomerID    string     `json:"customerId,omitempty"`
	CustomerName  string     `json:"customerName,omitempty"`
	Items         []SaleItem `json:"items"`
	TotalCents    int64      `json:"totalCents"`
	PaymentMethod string     `json:"paymentMethod"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func (s Sale) EntityID() string       { return s.ID }
func (s Sale) Ref() EntityRef         { return RefFor(s.ID, s.NaturalKey()) }
func (s Sale) CreatedTime() time.Time { return s.CreatedAt }
func (s Sale) NaturalKey() string     { return defaultString(s.ClientRef, s.ID) }

type DebtPayment struct {
	ID          string    `json:"id"`
	ClientRef   string    `json:"clientRef"`
	CustomerID  string    `json:"customerId"`
	AmountCents int64     `json:"amountCents"`
	Method      string    `json:"method"`
	Reference   string    `json:"reference,omitempty"`
	PaidAt      time.Time `json:"paidAt"`
}

func (d DebtPayment) EntityID() string       { return d.ID }
func (d DebtPayment) Ref() EntityRef         { return RefFor(d.ID, d.NaturalKey()) }
func (d DebtPayment) CreatedTime() time.Time { return d.PaidAt }
func (d DebtPayment) NaturalKey() string     { return defaultString(d.ClientRef, d.ID) }

// Transaction is a cash-book entry that is not tied to a sale.
type Transaction struct {
	ID          string    `json:"id"`
	ClientRef   string    `json:"clientRef"`
	Kind        string    `json:"kind"`
	AmountCents int64     `json:"amountCents"`
	Note        string    `json:"note,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func (t Transaction) EntityID() string       { return t.ID }
func (t Transaction) Ref() EntityRef         { return RefFor(t.ID, t.NaturalKey()) }
func (t Transaction) CreatedTime() time.Time { return t.OccurredAt }
func (t Transaction) NaturalKey() string     { return defaultString(t.ClientRef, t.ID) }

// ProductTemplate is shared reference data, not scoped to a user.
type ProductTemplate struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Category          string `json:"category"`
	DefaultPriceCents int64  `json:"defaultPriceCents"`
}

const (
	PaymentCash   = "cash"
	PaymentMpesa  = "mpesa"
	PaymentCard   = "card"
	PaymentCredit = "credit"
)

const (
	TransactionIncome  = "income"
	TransactionExpense = "expense"
)

func ProductKey(name string, category string) string {
	return normalizeKeyPart(name) + "|" + normalizeKeyPart(category)
}

func CustomerKey(name string, phone string) string {
	return normalizeKeyPart(name) + "|" + NormalizePhone(phone)
}

func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeKeyPart(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
