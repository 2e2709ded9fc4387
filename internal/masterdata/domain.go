package masterdata

import "time"

// CounterpartyKind distinguishes vendors from customers. Both share one
// shape; the ledger treats either as a counterparty.
type CounterpartyKind string

const (
	KindVendor   CounterpartyKind = "VENDOR"
	KindCustomer CounterpartyKind = "CUSTOMER"
)

// Counterparty is a vendor or customer.
type Counterparty struct {
	ID        int64
	Kind      CounterpartyKind
	Name      string
	Contact   string
	Address   string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Product is a catalog item. BaseUoMID names the unit all stock and
// returnable-quantity math is carried out in.
type Product struct {
	ID        int64
	Name      string
	SKU       string
	BaseUoMID int64
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UoM is a unit of measure.
type UoM struct {
	ID   int64
	Name string
}

// UoMConversion maps one product's alternate unit to base units.
// A quantity in uom equals quantity times Factor in the base unit.
type UoMConversion struct {
	ProductID int64
	UoMID     int64
	Factor    float64
}

// BankAccount is a company-side or counterparty-side account. Company
// accounts carry CounterpartyID nil.
type BankAccount struct {
	ID             int64
	CounterpartyID *int64
	Bank           string
	AccountNo      string
	Label          string
	Active         bool
	CreatedAt      time.Time
}

// CreateCounterpartyInput creates a vendor or customer.
type CreateCounterpartyInput struct {
	Kind    CounterpartyKind
	Name    string
	Contact string
	Address string
}

// CreateProductInput creates a catalog item with its base unit.
type CreateProductInput struct {
	Name      string
	SKU       string
	BaseUoMID int64
}

// CreateBankAccountInput creates a bank account; CounterpartyID nil
// registers a company account.
type CreateBankAccountInput struct {
	CounterpartyID *int64
	Bank           string
	AccountNo      string
	Label          string
}
