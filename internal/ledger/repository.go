package ledger

import (
	"context"
	"time"
)

// Repository defines ledger data access. Reads are batched: header and
// credit-balance lookups take ID sets and answer in one round trip.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetObligation(ctx context.Context, id int64) (Obligation, error)
	GetObligationDetail(ctx context.Context, id int64) (ObligationDetail, error)

	// ListObligationHeaders returns one header per requested ID with
	// applied/due rolled up as of the cutoff. Unknown IDs are omitted.
	ListObligationHeaders(ctx context.Context, ids []int64, asOf time.Time) ([]ObligationHeader, error)

	// CreditBalances returns issued-minus-consumed per counterparty as of
	// the cutoff, one query for the whole set.
	CreditBalances(ctx context.Context, counterpartyIDs []int64, asOf time.Time) (map[int64]float64, error)

	// ListCreditEntries returns a counterparty's credit ledger up to the
	// cutoff, oldest first.
	ListCreditEntries(ctx context.Context, counterpartyID int64, asOf time.Time) ([]CreditEntry, error)

	// ReturnedQuantities returns cumulative returned quantity per
	// obligation line, in base units.
	ReturnedQuantities(ctx context.Context, obligationID int64) (map[int64]float64, error)

	GetPayment(ctx context.Context, id int64) (Payment, error)
	ListPayments(ctx context.Context, obligationID int64) ([]Payment, error)

	// ScanObligations returns a lazy, finite, restartable-per-call
	// sequence over obligation headers for reporting-scale reads.
	ScanObligations(req ScanRequest) *ObligationSeq
}

// TxRepository defines write operations inside a transaction.
type TxRepository interface {
	CreateObligation(ctx context.Context, o Obligation) (int64, error)
	CreateObligationLine(ctx context.Context, line ObligationLine) (int64, error)
	UpdateObligationStatus(ctx context.Context, id int64, status ObligationStatus) error
	SetObligationActive(ctx context.Context, id int64, active bool) error

	CreatePayment(ctx context.Context, p Payment) (int64, error)
	MarkPaymentReversed(ctx context.Context, id int64) error

	CreateCreditEntry(ctx context.Context, e CreditEntry) (int64, error)

	CreateReturn(ctx context.Context, ret Return) (int64, error)
}

// ScanRequest filters and shapes a reporting scan. ChunkSize bounds how
// many rows are held in memory per fetch.
type ScanRequest struct {
	Kind           ObligationKind
	CounterpartyID int64
	AsOf           time.Time
	ChunkSize      int
}
