package domain

type ProductCreateRequest struct {
	Name              string `json:"name"`
	Category          string `json:"category"`
	PriceCents        int64  `json:"priceCents"`
	CostCents         int64  `json:"costCents"`
	Stock             int    `json:"stock"`
	LowStockThreshold int    `json:"lowStockThreshold"`
}

type CustomerCreateRequest struct {
	Name             string `json:"name"`
	Phone            string `json:"phone"`
	Email            string `json:"email,omitempty"`
	CreditLimitCents int64  `json:"creditLimitCents"`
}

// UpdateRequest carries local field names to new values.
type UpdateRequest map[string]any

type SaleRequest struct {
	CustomerID    string     `json:"customerId,omitempty"`
	Items         []SaleItem `json:"items"`
	PaymentMethod string     `json:"paymentMethod"`
}

type DebtPaymentRequest struct {
	CustomerID  string `json:"customerId"`
	AmountCents int64  `json:"amountCents"`
	Method      string `json:"method"`
	Reference   string `json:"reference,omitempty"`
}

type TransactionRequest struct {
	Kind        string `json:"kind"`
	AmountCents int64  `json:"amountCents"`
	Note        string `json:"note,omitempty"`
}
