package reporting

import (
	"context"
	"log/slog"
	"time"

	"github.com/razauh/inventory-management/internal/ledger"
)

// LedgerReader is the slice of ledger storage the reports consume:
// the lazy obligation sequence plus payment history.
type LedgerReader interface {
	ScanObligations(req ledger.ScanRequest) *ledger.ObligationSeq
	ListPayments(ctx context.Context, obligationID int64) ([]ledger.Payment, error)
}

// StatementRow is one outstanding obligation on a counterparty
// statement.
type StatementRow struct {
	ObligationID int64
	Number       string
	Kind         ledger.ObligationKind
	Total        float64
	Applied      float64
	Due          float64
	Status       ledger.ObligationStatus
	AgeDays      int
}

// StatementChunk is one batch of partial results. Err is set on the
// final chunk when the scan stopped early (including cancellation).
type StatementChunk struct {
	Rows []StatementRow
	Err  error
}

// StatementRequest shapes a statement scan.
type StatementRequest struct {
	CounterpartyID int64
	Kind           ledger.ObligationKind
	AsOf           time.Time
	ChunkSize      int
	OpenOnly       bool
}

// AgingBuckets summarises outstanding amounts by age.
type AgingBuckets struct {
	Current   float64
	Bucket30  float64
	Bucket60  float64
	Bucket90  float64
	Bucket120 float64
}

// StatementSummary is the aggregated statement.
type StatementSummary struct {
	CounterpartyID int64
	OpenCount      int
	TotalDue       float64
	Aging          AgingBuckets
}

// CashflowTotals classifies cash movements from the company's
// perspective: receipts on sales flow in, payments on purchases flow
// out, refunds reverse their document's direction.
type CashflowTotals struct {
	In  float64
	Out float64
	Net float64
}

// Service produces read-only reports over the ledger. Reports run
// cooperatively: between chunks they check for cancellation, and
// because they never write, stopping mid-scan cannot corrupt anything.
type Service struct {
	reader LedgerReader
	chunk  int
	logger *slog.Logger
}

// NewService constructs a reporting service. chunk is the default scan
// chunk size for requests that do not set one (ledger.DefaultScanChunk
// when non-positive).
func NewService(reader LedgerReader, chunk int, logger *slog.Logger) *Service {
	if chunk <= 0 {
		chunk = ledger.DefaultScanChunk
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{reader: reader, chunk: chunk, logger: logger}
}

// StreamStatement scans a counterparty's obligations chunk by chunk,
// emitting partial results on the returned channel. The channel closes
// when the scan finishes, errors, or ctx is cancelled.
func (s *Service) StreamStatement(ctx context.Context, req StatementRequest) <-chan StatementChunk {
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = s.chunk
	}

	out := make(chan StatementChunk, 1)
	go func() {
		defer close(out)
		seq := s.reader.ScanObligations(ledger.ScanRequest{
			Kind:           req.Kind,
			CounterpartyID: req.CounterpartyID,
			AsOf:           asOf,
			ChunkSize:      chunkSize,
		})

		rows := make([]StatementRow, 0, chunkSize)
		flush := func() bool {
			if len(rows) == 0 {
				return true
			}
			select {
			case out <- StatementChunk{Rows: rows}:
				rows = make([]StatementRow, 0, chunkSize)
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			header, ok, err := seq.Next(ctx)
			if err != nil {
				select {
				case out <- StatementChunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
			if !ok {
				flush()
				return
			}
			if req.OpenOnly && header.Due <= 0 {
				continue
			}
			rows = append(rows, StatementRow{
				ObligationID: header.ID,
				Number:       header.Number,
				Kind:         header.Kind,
				Total:        header.Total,
				Applied:      header.Applied,
				Due:          header.Due,
				Status:       header.Status,
				AgeDays:      int(asOf.Sub(header.CreatedAt).Hours() / 24),
			})
			if len(rows) >= chunkSize {
				if !flush() {
					return
				}
			}
		}
	}()
	return out
}

// SummarizeStatement aggregates the streamed statement into counts,
// total due, and aging buckets.
func (s *Service) SummarizeStatement(ctx context.Context, req StatementRequest) (StatementSummary, error) {
	req.OpenOnly = true
	summary := StatementSummary{CounterpartyID: req.CounterpartyID}
	for chunk := range s.StreamStatement(ctx, req) {
		if chunk.Err != nil {
			return StatementSummary{}, chunk.Err
		}
		for _, row := range chunk.Rows {
			summary.OpenCount++
			summary.TotalDue += row.Due
			switch {
			case row.AgeDays <= 0:
				summary.Aging.Current += row.Due
			case row.AgeDays <= 30:
				summary.Aging.Bucket30 += row.Due
			case row.AgeDays <= 60:
				summary.Aging.Bucket60 += row.Due
			case row.AgeDays <= 90:
				summary.Aging.Bucket90 += row.Due
			default:
				summary.Aging.Bucket120 += row.Due
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return StatementSummary{}, err
	}
	return summary, nil
}

// Cashflow computes in/out/net across a counterparty's obligations.
// Reversed payment pairs are skipped entirely.
func (s *Service) Cashflow(ctx context.Context, req StatementRequest) (CashflowTotals, error) {
	// Returning early below abandons the stream; cancelling unblocks the
	// producer so it does not sit on a full channel forever.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var totals CashflowTotals
	for chunk := range s.StreamStatement(ctx, req) {
		if chunk.Err != nil {
			return CashflowTotals{}, chunk.Err
		}
		for _, row := range chunk.Rows {
			payments, err := s.reader.ListPayments(ctx, row.ObligationID)
			if err != nil {
				return CashflowTotals{}, err
			}
			for _, p := range payments {
				if p.Reversed || p.Amount == 0 {
					continue
				}
				inflow := p.Amount > 0
				if row.Kind == ledger.KindPurchase {
					inflow = !inflow
				}
				magnitude := p.Amount
				if magnitude < 0 {
					magnitude = -magnitude
				}
				if inflow {
					totals.In += magnitude
				} else {
					totals.Out += magnitude
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return CashflowTotals{}, err
	}
	totals.Net = totals.In - totals.Out
	return totals, nil
}
