package ledger

import (
	"time"
)

// ObligationKind distinguishes purchases from sales.
type ObligationKind string

const (
	KindPurchase ObligationKind = "PURCHASE"
	KindSale     ObligationKind = "SALE"
)

// ObligationStatus enumerates settlement states. Status is always derived
// from (total, applied); it is never set independently.
type ObligationStatus string

const (
	StatusOpen          ObligationStatus = "OPEN"
	StatusPartiallyPaid ObligationStatus = "PARTIALLY_PAID"
	StatusPaid          ObligationStatus = "PAID"
)

// PaymentMethod enumerates how money moves.
type PaymentMethod string

const (
	MethodCash               PaymentMethod = "CASH"
	MethodBankTransfer       PaymentMethod = "BANK_TRANSFER"
	MethodCheque             PaymentMethod = "CHEQUE"
	MethodCrossCheque        PaymentMethod = "CROSS_CHEQUE"
	MethodCashDeposit        PaymentMethod = "CASH_DEPOSIT"
	MethodCounterpartyCredit PaymentMethod = "COUNTERPARTY_CREDIT"
	MethodOther              PaymentMethod = "OTHER"
)

// SettlementMethod selects how a return is settled.
type SettlementMethod string

const (
	SettleCredit     SettlementMethod = "CREDIT"
	SettleCashRefund SettlementMethod = "CASH_REFUND"
)

// CreditSource tags credit ledger entries by origin.
type CreditSource string

const (
	CreditOverpayment CreditSource = "OVERPAYMENT"
	CreditReturn      CreditSource = "RETURN_CREDIT"
	CreditDeposit     CreditSource = "DEPOSIT"
	CreditApplied     CreditSource = "APPLIED_TO_OBLIGATION"
)

// Obligation is a purchase or sale order carrying a monetary due amount.
// Obligations are never hard-deleted; Active=false hides them from new
// activity while preserving historical payments and returns.
type Obligation struct {
	ID             int64
	Number         string
	Kind           ObligationKind
	CounterpartyID int64
	Subtotal       float64
	Discount       float64
	Total          float64
	Status         ObligationStatus
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ObligationLine is one product line on an obligation. Quantity is stored
// in the line's unit of measure; returnable-quantity checks convert to
// base units first.
type ObligationLine struct {
	ID           int64
	ObligationID int64
	ProductID    int64
	UoMID        int64
	Quantity     float64
	UnitPrice    float64
	LineTotal    float64
}

// Payment is one cash movement against an obligation. Amount > 0 pays the
// obligation down; Amount < 0 is a refund. Rows are immutable after
// insert: corrections happen through offsetting rows linked by
// ReversesPaymentID, with both rows flagged Reversed so balance math
// skips the pair.
type Payment struct {
	ID                        int64
	Number                    string
	ObligationID              int64
	Method                    PaymentMethod
	Amount                    float64
	CompanyBankAccountID      *int64
	CounterpartyBankAccountID *int64
	TempBankName              *string
	TempBankAccountNo         *string
	InstrumentNo              *string
	Reversed                  bool
	ReversesPaymentID         *int64
	PaidAt                    time.Time
	CreatedAt                 time.Time
}

// CreditEntry is one row in a counterparty's credit ledger. Amount > 0
// issues credit (overpayment, return, deposit); Amount < 0 consumes it
// against an obligation. The running sum must never go negative.
type CreditEntry struct {
	ID             int64
	CounterpartyID int64
	ObligationID   *int64
	Amount         float64
	Source         CreditSource
	Note           string
	OccurredAt     time.Time
}

// Return records returned quantities against an obligation's lines.
type Return struct {
	ID           int64
	ObligationID int64
	Settlement   SettlementMethod
	Lines        []ReturnLine
	OccurredAt   time.Time
}

// ReturnLine is one returned line; Quantity is in the obligation line's
// unit of measure, Value is the money credited or refunded for it.
type ReturnLine struct {
	ObligationLineID int64
	Quantity         float64
	Value            float64
}

// ObligationHeader is the batched read shape: one row per obligation with
// applied/due rolled up as of the requested cutoff.
type ObligationHeader struct {
	ID             int64
	Number         string
	Kind           ObligationKind
	CounterpartyID int64
	Total          float64
	Applied        float64
	Due            float64
	Status         ObligationStatus
	CreatedAt      time.Time
}

// ObligationDetail is an obligation with its lines, payment history, and
// current roll-up.
type ObligationDetail struct {
	Obligation
	Lines   []ObligationLine
	Applied float64
	Due     float64
}

// --- Input DTOs ---

// CreateObligationInput creates a purchase or sale obligation.
type CreateObligationInput struct {
	Kind           ObligationKind
	CounterpartyID int64
	Number         string
	Discount       float64
	Lines          []CreateObligationLineInput
}

// CreateObligationLineInput is one line on a new obligation.
type CreateObligationLineInput struct {
	ProductID int64
	UoMID     int64
	Quantity  float64
	UnitPrice float64
}

// ApplyPaymentInput records a payment against an obligation. UseCredit
// consumes available counterparty credit (oldest first) before the
// explicit amount. DeclineExcessCredit rejects overpayment instead of
// routing the excess to the credit ledger.
type ApplyPaymentInput struct {
	ObligationID              int64
	Method                    PaymentMethod
	Amount                    float64
	CompanyBankAccountID      *int64
	CounterpartyBankAccountID *int64
	TempBankName              *string
	TempBankAccountNo         *string
	InstrumentNo              *string
	UseCredit                 bool
	DeclineExcessCredit       bool
	PaidAt                    time.Time
}

// PaymentResult reports what ApplyPayment did.
type PaymentResult struct {
	PaymentID      *int64
	AppliedAmount  float64
	CreditConsumed float64
	CreditIssued   float64
	Status         ObligationStatus
	Due            float64
}

// ProcessReturnInput records a return against an obligation.
type ProcessReturnInput struct {
	ObligationID int64
	Settlement   SettlementMethod
	Lines        []ReturnLineInput
	OccurredAt   time.Time
}

// ReturnLineInput is one returned line, Quantity in the line's UoM.
type ReturnLineInput struct {
	ObligationLineID int64
	Quantity         float64
}

// ReturnResult reports what ProcessReturn did.
type ReturnResult struct {
	ReturnID        int64
	ReturnedValue   float64
	CreditIssued    float64
	CashRefunded    float64
	RefundPaymentID *int64
	Status          ObligationStatus
	Due             float64
}

const amountEpsilon = 1e-9

// StatusFromApplied derives obligation status from its total and the sum
// of applied payments and credit. Thresholds match the header roll-up:
// paid at or above total, partial when anything is applied, open at zero.
func StatusFromApplied(total, applied float64) ObligationStatus {
	switch {
	case applied+amountEpsilon >= total:
		return StatusPaid
	case applied > amountEpsilon:
		return StatusPartiallyPaid
	default:
		return StatusOpen
	}
}

// ClampNonNegative returns x if positive, else zero. Receivable and
// payable roll-ups never go below zero.
func ClampNonNegative(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}
