package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/razauh/inventory-management/internal/platform/db"
)

// PGRepository provides PostgreSQL backed persistence for the ledger.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs a repository over the given pool.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

var _ Repository = (*PGRepository)(nil)

// appliedExpr rolls up payments and consumed credit for one obligation.
// Reversed payment pairs cancel out of the sum; consumed credit entries
// are stored negative, so they are negated into the applied total.
const appliedExpr = `
COALESCE((SELECT SUM(p.amount) FROM payments p
  WHERE p.obligation_id = o.id AND NOT p.reversed AND p.paid_at <= $%d), 0)
+ COALESCE((SELECT -SUM(c.amount) FROM credit_entries c
  WHERE c.obligation_id = o.id AND c.amount < 0 AND c.occurred_at <= $%d), 0)`

// WithTx wraps fn in a repeatable-read transaction.
func (r *PGRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepo{tx: tx})
	})
}

// GetObligation fetches one obligation row.
func (r *PGRepository) GetObligation(ctx context.Context, id int64) (Obligation, error) {
	var o Obligation
	err := r.pool.QueryRow(ctx, `
SELECT id, number, kind, counterparty_id, subtotal, discount, total, status, active, created_at, updated_at
FROM obligations WHERE id = $1`, id).Scan(
		&o.ID, &o.Number, &o.Kind, &o.CounterpartyID, &o.Subtotal, &o.Discount,
		&o.Total, &o.Status, &o.Active, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Obligation{}, fmt.Errorf("obligation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Obligation{}, err
	}
	return o, nil
}

// GetObligationDetail fetches an obligation with lines and current
// applied/due roll-up.
func (r *PGRepository) GetObligationDetail(ctx context.Context, id int64) (ObligationDetail, error) {
	o, err := r.GetObligation(ctx, id)
	if err != nil {
		return ObligationDetail{}, err
	}

	rows, err := r.pool.Query(ctx, `
SELECT id, obligation_id, product_id, uom_id, quantity, unit_price, line_total
FROM obligation_lines WHERE obligation_id = $1 ORDER BY id`, id)
	if err != nil {
		return ObligationDetail{}, err
	}
	defer rows.Close()

	detail := ObligationDetail{Obligation: o}
	for rows.Next() {
		var l ObligationLine
		if err := rows.Scan(&l.ID, &l.ObligationID, &l.ProductID, &l.UoMID, &l.Quantity, &l.UnitPrice, &l.LineTotal); err != nil {
			return ObligationDetail{}, err
		}
		detail.Lines = append(detail.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return ObligationDetail{}, err
	}

	err = r.pool.QueryRow(ctx, `
SELECT COALESCE((SELECT SUM(p.amount) FROM payments p WHERE p.obligation_id = $1 AND NOT p.reversed), 0)
     + COALESCE((SELECT -SUM(c.amount) FROM credit_entries c WHERE c.obligation_id = $1 AND c.amount < 0), 0)`,
		id).Scan(&detail.Applied)
	if err != nil {
		return ObligationDetail{}, err
	}
	detail.Due = ClampNonNegative(o.Total - detail.Applied)
	return detail, nil
}

// ListObligationHeaders answers a batched header read: one query for the
// whole ID set, applied/due rolled up as of the cutoff.
func (r *PGRepository) ListObligationHeaders(ctx context.Context, ids []int64, asOf time.Time) ([]ObligationHeader, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT o.id, o.number, o.kind, o.counterparty_id, o.total, o.status, o.created_at,
       %s AS applied
FROM obligations o
WHERE o.id = ANY($1)
ORDER BY o.id`, fmt.Sprintf(appliedExpr, 2, 2))

	rows, err := r.pool.Query(ctx, query, ids, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ObligationHeader
	for rows.Next() {
		var h ObligationHeader
		if err := rows.Scan(&h.ID, &h.Number, &h.Kind, &h.CounterpartyID, &h.Total, &h.Status, &h.CreatedAt, &h.Applied); err != nil {
			return nil, err
		}
		h.Due = ClampNonNegative(h.Total - h.Applied)
		out = append(out, h)
	}
	return out, rows.Err()
}

// CreditBalances answers a batched balance read for a counterparty set.
func (r *PGRepository) CreditBalances(ctx context.Context, counterpartyIDs []int64, asOf time.Time) (map[int64]float64, error) {
	out := make(map[int64]float64, len(counterpartyIDs))
	if len(counterpartyIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `
SELECT counterparty_id, COALESCE(SUM(amount), 0)
FROM credit_entries
WHERE counterparty_id = ANY($1) AND occurred_at <= $2
GROUP BY counterparty_id`, counterpartyIDs, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var balance float64
		if err := rows.Scan(&id, &balance); err != nil {
			return nil, err
		}
		out[id] = balance
	}
	return out, rows.Err()
}

// ListCreditEntries returns a counterparty's credit ledger, oldest first.
func (r *PGRepository) ListCreditEntries(ctx context.Context, counterpartyID int64, asOf time.Time) ([]CreditEntry, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, counterparty_id, obligation_id, amount, source, note, occurred_at
FROM credit_entries
WHERE counterparty_id = $1 AND occurred_at <= $2
ORDER BY occurred_at, id`, counterpartyID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CreditEntry
	for rows.Next() {
		var e CreditEntry
		if err := rows.Scan(&e.ID, &e.CounterpartyID, &e.ObligationID, &e.Amount, &e.Source, &e.Note, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReturnedQuantities sums prior returns per obligation line in base
// units, one query per obligation.
func (r *PGRepository) ReturnedQuantities(ctx context.Context, obligationID int64) (map[int64]float64, error) {
	rows, err := r.pool.Query(ctx, `
SELECT rl.obligation_line_id,
       COALESCE(SUM(rl.quantity * COALESCE(uc.factor, 1)), 0)
FROM return_lines rl
JOIN returns rt ON rt.id = rl.return_id
JOIN obligation_lines ol ON ol.id = rl.obligation_line_id
LEFT JOIN uom_conversions uc ON uc.product_id = ol.product_id AND uc.uom_id = ol.uom_id
WHERE rt.obligation_id = $1
GROUP BY rl.obligation_line_id`, obligationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]float64)
	for rows.Next() {
		var lineID int64
		var qty float64
		if err := rows.Scan(&lineID, &qty); err != nil {
			return nil, err
		}
		out[lineID] = qty
	}
	return out, rows.Err()
}

// GetPayment fetches one payment row.
func (r *PGRepository) GetPayment(ctx context.Context, id int64) (Payment, error) {
	var p Payment
	err := r.pool.QueryRow(ctx, `
SELECT id, number, obligation_id, method, amount, company_bank_account_id,
       counterparty_bank_account_id, temp_bank_name, temp_bank_account_no,
       instrument_no, reversed, reverses_payment_id, paid_at, created_at
FROM payments WHERE id = $1`, id).Scan(
		&p.ID, &p.Number, &p.ObligationID, &p.Method, &p.Amount,
		&p.CompanyBankAccountID, &p.CounterpartyBankAccountID,
		&p.TempBankName, &p.TempBankAccountNo, &p.InstrumentNo,
		&p.Reversed, &p.ReversesPaymentID, &p.PaidAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Payment{}, err
	}
	return p, nil
}

// ListPayments returns an obligation's payments, oldest first.
func (r *PGRepository) ListPayments(ctx context.Context, obligationID int64) ([]Payment, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, number, obligation_id, method, amount, company_bank_account_id,
       counterparty_bank_account_id, temp_bank_name, temp_bank_account_no,
       instrument_no, reversed, reverses_payment_id, paid_at, created_at
FROM payments WHERE obligation_id = $1 ORDER BY paid_at, id`, obligationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(
			&p.ID, &p.Number, &p.ObligationID, &p.Method, &p.Amount,
			&p.CompanyBankAccountID, &p.CounterpartyBankAccountID,
			&p.TempBankName, &p.TempBankAccountNo, &p.InstrumentNo,
			&p.Reversed, &p.ReversesPaymentID, &p.PaidAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ScanObligations returns a lazy sequence over headers via keyset
// pagination. Each call starts a fresh scan.
func (r *PGRepository) ScanObligations(req ScanRequest) *ObligationSeq {
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	fetch := func(ctx context.Context, afterID int64, limit int) ([]ObligationHeader, error) {
		query := fmt.Sprintf(`
SELECT o.id, o.number, o.kind, o.counterparty_id, o.total, o.status, o.created_at,
       %s AS applied
FROM obligations o
WHERE o.id > $1 AND o.active
  AND ($3 = '' OR o.kind = $3)
  AND ($4 = 0 OR o.counterparty_id = $4)
ORDER BY o.id
LIMIT $5`, fmt.Sprintf(appliedExpr, 2, 2))

		rows, err := r.pool.Query(ctx, query, afterID, asOf, string(req.Kind), req.CounterpartyID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []ObligationHeader
		for rows.Next() {
			var h ObligationHeader
			if err := rows.Scan(&h.ID, &h.Number, &h.Kind, &h.CounterpartyID, &h.Total, &h.Status, &h.CreatedAt, &h.Applied); err != nil {
				return nil, err
			}
			h.Due = ClampNonNegative(h.Total - h.Applied)
			out = append(out, h)
		}
		return out, rows.Err()
	}
	return NewObligationSeq(fetch, req.ChunkSize)
}

// pgTxRepo runs write statements on a single transaction.
type pgTxRepo struct {
	tx pgx.Tx
}

var _ TxRepository = (*pgTxRepo)(nil)

func (t *pgTxRepo) CreateObligation(ctx context.Context, o Obligation) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO obligations (number, kind, counterparty_id, subtotal, discount, total, status, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		o.Number, o.Kind, o.CounterpartyID, o.Subtotal, o.Discount, o.Total,
		o.Status, o.Active, o.CreatedAt, o.UpdatedAt).Scan(&id)
	return id, err
}

func (t *pgTxRepo) CreateObligationLine(ctx context.Context, line ObligationLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO obligation_lines (obligation_id, product_id, uom_id, quantity, unit_price, line_total)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		line.ObligationID, line.ProductID, line.UoMID, line.Quantity, line.UnitPrice, line.LineTotal).Scan(&id)
	return id, err
}

func (t *pgTxRepo) UpdateObligationStatus(ctx context.Context, id int64, status ObligationStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE obligations SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("obligation %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTxRepo) SetObligationActive(ctx context.Context, id int64, active bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE obligations SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("obligation %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTxRepo) CreatePayment(ctx context.Context, p Payment) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO payments (number, obligation_id, method, amount, company_bank_account_id,
  counterparty_bank_account_id, temp_bank_name, temp_bank_account_no, instrument_no,
  reversed, reverses_payment_id, paid_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13) RETURNING id`,
		p.Number, p.ObligationID, p.Method, p.Amount, p.CompanyBankAccountID,
		p.CounterpartyBankAccountID, p.TempBankName, p.TempBankAccountNo, p.InstrumentNo,
		p.Reversed, p.ReversesPaymentID, p.PaidAt, p.CreatedAt).Scan(&id)
	return id, err
}

func (t *pgTxRepo) MarkPaymentReversed(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE payments SET reversed = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	return nil
}

func (t *pgTxRepo) CreateCreditEntry(ctx context.Context, e CreditEntry) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO credit_entries (counterparty_id, obligation_id, amount, source, note, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		e.CounterpartyID, e.ObligationID, e.Amount, e.Source, e.Note, e.OccurredAt).Scan(&id)
	return id, err
}

func (t *pgTxRepo) CreateReturn(ctx context.Context, ret Return) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO returns (obligation_id, settlement, occurred_at)
VALUES ($1, $2, $3) RETURNING id`,
		ret.ObligationID, ret.Settlement, ret.OccurredAt).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, l := range ret.Lines {
		if _, err := t.tx.Exec(ctx, `
INSERT INTO return_lines (return_id, obligation_line_id, quantity, value)
VALUES ($1, $2, $3, $4)`, id, l.ObligationLineID, l.Quantity, l.Value); err != nil {
			return 0, err
		}
	}
	return id, nil
}
