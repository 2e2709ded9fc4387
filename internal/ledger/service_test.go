package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu          sync.Mutex
	obligations map[int64]Obligation
	lines       map[int64][]ObligationLine
	payments    map[int64]Payment
	credits     []CreditEntry
	returns     map[int64]Return
	factors     map[[2]int64]float64
	nextID      int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		obligations: make(map[int64]Obligation),
		lines:       make(map[int64][]ObligationLine),
		payments:    make(map[int64]Payment),
		returns:     make(map[int64]Return),
		factors:     make(map[[2]int64]float64),
	}
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) factor(productID, uomID int64) float64 {
	if f, ok := r.factors[[2]int64{productID, uomID}]; ok {
		return f
	}
	return 1
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetObligation(ctx context.Context, id int64) (Obligation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.obligations[id]
	if !ok {
		return Obligation{}, ErrNotFound
	}
	return o, nil
}

func (r *memoryRepo) appliedAsOf(obligationID int64, asOf time.Time) float64 {
	var applied float64
	for _, p := range r.payments {
		if p.ObligationID == obligationID && !p.Reversed && !p.PaidAt.After(asOf) {
			applied += p.Amount
		}
	}
	for _, c := range r.credits {
		if c.ObligationID != nil && *c.ObligationID == obligationID && c.Amount < 0 && !c.OccurredAt.After(asOf) {
			applied += -c.Amount
		}
	}
	return applied
}

func (r *memoryRepo) GetObligationDetail(ctx context.Context, id int64) (ObligationDetail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.obligations[id]
	if !ok {
		return ObligationDetail{}, ErrNotFound
	}
	applied := r.appliedAsOf(id, time.Now().Add(time.Hour))
	return ObligationDetail{
		Obligation: o,
		Lines:      append([]ObligationLine(nil), r.lines[id]...),
		Applied:    applied,
		Due:        ClampNonNegative(o.Total - applied),
	}, nil
}

func (r *memoryRepo) ListObligationHeaders(ctx context.Context, ids []int64, asOf time.Time) ([]ObligationHeader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headersLocked(ids, asOf)
}

func (r *memoryRepo) headersLocked(ids []int64, asOf time.Time) ([]ObligationHeader, error) {
	var out []ObligationHeader
	for _, id := range ids {
		o, ok := r.obligations[id]
		if !ok {
			continue
		}
		applied := r.appliedAsOf(id, asOf)
		out = append(out, ObligationHeader{
			ID:             o.ID,
			Number:         o.Number,
			Kind:           o.Kind,
			CounterpartyID: o.CounterpartyID,
			Total:          o.Total,
			Applied:        applied,
			Due:            ClampNonNegative(o.Total - applied),
			Status:         o.Status,
			CreatedAt:      o.CreatedAt,
		})
	}
	return out, nil
}

func (r *memoryRepo) CreditBalances(ctx context.Context, counterpartyIDs []int64, asOf time.Time) (map[int64]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int64]float64)
	for _, id := range counterpartyIDs {
		for _, c := range r.credits {
			if c.CounterpartyID == id && !c.OccurredAt.After(asOf) {
				out[id] += c.Amount
			}
		}
	}
	return out, nil
}

func (r *memoryRepo) ListCreditEntries(ctx context.Context, counterpartyID int64, asOf time.Time) ([]CreditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CreditEntry
	for _, c := range r.credits {
		if c.CounterpartyID == counterpartyID && !c.OccurredAt.After(asOf) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *memoryRepo) ReturnedQuantities(ctx context.Context, obligationID int64) (map[int64]float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lineProduct := make(map[int64]ObligationLine)
	for _, l := range r.lines[obligationID] {
		lineProduct[l.ID] = l
	}
	out := make(map[int64]float64)
	for _, ret := range r.returns {
		if ret.ObligationID != obligationID {
			continue
		}
		for _, rl := range ret.Lines {
			l := lineProduct[rl.ObligationLineID]
			out[rl.ObligationLineID] += rl.Quantity * r.factor(l.ProductID, l.UoMID)
		}
	}
	return out, nil
}

func (r *memoryRepo) GetPayment(ctx context.Context, id int64) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (r *memoryRepo) ListPayments(ctx context.Context, obligationID int64) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Payment
	for _, p := range r.payments {
		if p.ObligationID == obligationID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memoryRepo) ScanObligations(req ScanRequest) *ObligationSeq {
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	fetch := func(ctx context.Context, afterID int64, limit int) ([]ObligationHeader, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		var ids []int64
		for id, o := range r.obligations {
			if id <= afterID || !o.Active {
				continue
			}
			if req.Kind != "" && o.Kind != req.Kind {
				continue
			}
			if req.CounterpartyID != 0 && o.CounterpartyID != req.CounterpartyID {
				continue
			}
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if len(ids) > limit {
			ids = ids[:limit]
		}
		return r.headersLocked(ids, asOf)
	}
	return NewObligationSeq(fetch, req.ChunkSize)
}

type memoryTx struct {
	repo *memoryRepo
}

func (t *memoryTx) CreateObligation(ctx context.Context, o Obligation) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	o.ID = t.repo.id()
	t.repo.obligations[o.ID] = o
	return o.ID, nil
}

func (t *memoryTx) CreateObligationLine(ctx context.Context, line ObligationLine) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	line.ID = t.repo.id()
	t.repo.lines[line.ObligationID] = append(t.repo.lines[line.ObligationID], line)
	return line.ID, nil
}

func (t *memoryTx) UpdateObligationStatus(ctx context.Context, id int64, status ObligationStatus) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	o, ok := t.repo.obligations[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	t.repo.obligations[id] = o
	return nil
}

func (t *memoryTx) SetObligationActive(ctx context.Context, id int64, active bool) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	o, ok := t.repo.obligations[id]
	if !ok {
		return ErrNotFound
	}
	o.Active = active
	t.repo.obligations[id] = o
	return nil
}

func (t *memoryTx) CreatePayment(ctx context.Context, p Payment) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	p.ID = t.repo.id()
	t.repo.payments[p.ID] = p
	return p.ID, nil
}

func (t *memoryTx) MarkPaymentReversed(ctx context.Context, id int64) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	p, ok := t.repo.payments[id]
	if !ok {
		return ErrNotFound
	}
	p.Reversed = true
	t.repo.payments[id] = p
	return nil
}

func (t *memoryTx) CreateCreditEntry(ctx context.Context, e CreditEntry) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	e.ID = t.repo.id()
	t.repo.credits = append(t.repo.credits, e)
	return e.ID, nil
}

func (t *memoryTx) CreateReturn(ctx context.Context, ret Return) (int64, error) {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	ret.ID = t.repo.id()
	t.repo.returns[ret.ID] = ret
	return ret.ID, nil
}

func (r *memoryRepo) seedCredit(counterpartyID int64, amount float64, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credits = append(r.credits, CreditEntry{
		ID:             r.id(),
		CounterpartyID: counterpartyID,
		Amount:         amount,
		Source:         CreditDeposit,
		OccurredAt:     at,
	})
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, nil)
}

func createTestObligation(t *testing.T, svc *Service, total float64) Obligation {
	t.Helper()
	o, err := svc.CreateObligation(context.Background(), CreateObligationInput{
		Kind:           KindPurchase,
		CounterpartyID: 1,
		Lines: []CreateObligationLineInput{
			{ProductID: 1, UoMID: 1, Quantity: 1, UnitPrice: total},
		},
	})
	require.NoError(t, err)
	return o
}

func cash(obligationID int64, amount float64) ApplyPaymentInput {
	return ApplyPaymentInput{ObligationID: obligationID, Method: MethodCash, Amount: amount}
}

func TestCreateObligationTotals(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	o, err := svc.CreateObligation(context.Background(), CreateObligationInput{
		Kind:           KindSale,
		CounterpartyID: 7,
		Discount:       50,
		Lines: []CreateObligationLineInput{
			{ProductID: 1, UoMID: 1, Quantity: 10, UnitPrice: 40},
			{ProductID: 2, UoMID: 1, Quantity: 3, UnitPrice: 200},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1000.0, o.Subtotal)
	require.Equal(t, 950.0, o.Total)
	require.Equal(t, StatusOpen, o.Status)
	require.True(t, o.Active)
	require.NotEmpty(t, o.Number)
}

func TestCreateObligationValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	ctx := context.Background()

	_, err := svc.CreateObligation(ctx, CreateObligationInput{Kind: KindSale, CounterpartyID: 1})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateObligation(ctx, CreateObligationInput{
		Kind: KindSale, CounterpartyID: 1, Discount: 100,
		Lines: []CreateObligationLineInput{{ProductID: 1, UoMID: 1, Quantity: 1, UnitPrice: 50}},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateObligation(ctx, CreateObligationInput{
		Kind: "LEASE", CounterpartyID: 1,
		Lines: []CreateObligationLineInput{{ProductID: 1, UoMID: 1, Quantity: 1, UnitPrice: 50}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestApplyPaymentPartialThenOverpayment(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o := createTestObligation(t, svc, 1000)

	res, err := svc.ApplyPayment(ctx, cash(o.ID, 600))
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyPaid, res.Status)
	require.Equal(t, 400.0, res.Due)
	require.Equal(t, 600.0, res.AppliedAmount)
	require.NotNil(t, res.PaymentID)

	res, err = svc.ApplyPayment(ctx, cash(o.ID, 500))
	require.NoError(t, err)
	require.Equal(t, StatusPaid, res.Status)
	require.Equal(t, 0.0, res.Due)
	require.Equal(t, 400.0, res.AppliedAmount)
	require.Equal(t, 100.0, res.CreditIssued)

	// The second payment row stores only the applied portion; the excess
	// lives on the credit ledger, not against the obligation.
	require.NotNil(t, res.PaymentID)
	second, err := repo.GetPayment(ctx, *res.PaymentID)
	require.NoError(t, err)
	require.Equal(t, 400.0, second.Amount)

	balance, err := svc.CreditBalance(ctx, 1, time.Now())
	require.NoError(t, err)
	require.Equal(t, 100.0, balance)

	due, err := svc.DueAmount(ctx, o.ID, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0.0, due)
}

func TestApplyPaymentZeroAmountIsNoOp(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	o := createTestObligation(t, svc, 500)

	res, err := svc.ApplyPayment(context.Background(), cash(o.ID, 0))
	require.NoError(t, err)
	require.Nil(t, res.PaymentID)
	require.Equal(t, StatusOpen, res.Status)
	require.Empty(t, repo.payments)
}

func TestApplyPaymentNegativeAmountRejected(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	o := createTestObligation(t, svc, 500)

	_, err := svc.ApplyPayment(context.Background(), cash(o.ID, -5))
	require.ErrorIs(t, err, ErrValidation)
}

func TestApplyPaymentUnknownObligation(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	_, err := svc.ApplyPayment(context.Background(), cash(99, 10))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestApplyPaymentMethodFieldValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	o := createTestObligation(t, svc, 500)
	ctx := context.Background()
	companyAcct := int64(11)
	counterpartyAcct := int64(22)
	instrument := "CHQ-100"
	bankName := "First National"
	acctNo := "12345"

	tests := []struct {
		name  string
		input ApplyPaymentInput
		field string
	}{
		{
			name:  "bank transfer without counterparty account",
			input: ApplyPaymentInput{ObligationID: o.ID, Method: MethodBankTransfer, Amount: 100, CompanyBankAccountID: &companyAcct, InstrumentNo: &instrument},
			field: "counterparty_bank_account_id",
		},
		{
			name:  "bank transfer without company account",
			input: ApplyPaymentInput{ObligationID: o.ID, Method: MethodBankTransfer, Amount: 100, CounterpartyBankAccountID: &counterpartyAcct, InstrumentNo: &instrument},
			field: "company_bank_account_id",
		},
		{
			name:  "bank transfer without instrument",
			input: ApplyPaymentInput{ObligationID: o.ID, Method: MethodBankTransfer, Amount: 100, CompanyBankAccountID: &companyAcct, CounterpartyBankAccountID: &counterpartyAcct},
			field: "instrument_no",
		},
		{
			name:  "cheque without instrument",
			input: ApplyPaymentInput{ObligationID: o.ID, Method: MethodCheque, Amount: 100, CompanyBankAccountID: &companyAcct},
			field: "instrument_no",
		},
		{
			name:  "cash deposit without counterparty account",
			input: ApplyPaymentInput{ObligationID: o.ID, Method: MethodCashDeposit, Amount: 100, InstrumentNo: &instrument},
			field: "counterparty_bank_account_id",
		},
		{
			name:  "temporary account missing account number",
			input: ApplyPaymentInput{ObligationID: o.ID, Method: MethodBankTransfer, Amount: 100, CompanyBankAccountID: &companyAcct, TempBankName: &bankName, InstrumentNo: &instrument},
			field: "temp_bank_account_no",
		},
		{
			name:  "unknown method",
			input: ApplyPaymentInput{ObligationID: o.ID, Method: "BARTER", Amount: 100},
			field: "method",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ApplyPayment(ctx, tc.input)
			require.ErrorIs(t, err, ErrValidation)
			var fe *FieldError
			require.ErrorAs(t, err, &fe)
			require.Equal(t, tc.field, fe.Field)
		})
	}

	// Temporary details substitute for the counterparty account.
	_, err := svc.ApplyPayment(ctx, ApplyPaymentInput{
		ObligationID: o.ID, Method: MethodBankTransfer, Amount: 100,
		CompanyBankAccountID: &companyAcct,
		TempBankName:         &bankName, TempBankAccountNo: &acctNo,
		InstrumentNo: &instrument,
	})
	require.NoError(t, err)
}

func TestApplyPaymentCreditFunded(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o := createTestObligation(t, svc, 300)
	repo.seedCredit(1, 200, time.Now().Add(-time.Hour))

	res, err := svc.ApplyPayment(ctx, ApplyPaymentInput{
		ObligationID: o.ID, Method: MethodCounterpartyCredit, Amount: 150,
	})
	require.NoError(t, err)
	require.Nil(t, res.PaymentID)
	require.Equal(t, 150.0, res.CreditConsumed)
	require.Equal(t, StatusPartiallyPaid, res.Status)
	require.Equal(t, 150.0, res.Due)

	balance, err := svc.CreditBalance(ctx, 1, time.Now())
	require.NoError(t, err)
	require.Equal(t, 50.0, balance)

	// Asking for more than the remaining balance fails.
	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{
		ObligationID: o.ID, Method: MethodCounterpartyCredit, Amount: 80,
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestApplyPaymentConsumesCreditOldestFirst(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o := createTestObligation(t, svc, 1000)

	base := time.Now().Add(-3 * time.Hour)
	repo.seedCredit(1, 100, base)
	repo.seedCredit(1, 250, base.Add(time.Hour))

	res, err := svc.ApplyPayment(ctx, ApplyPaymentInput{
		ObligationID: o.ID, Method: MethodCash, Amount: 500, UseCredit: true,
	})
	require.NoError(t, err)
	require.Equal(t, 350.0, res.CreditConsumed)
	require.Equal(t, 850.0, res.AppliedAmount)
	require.Equal(t, StatusPartiallyPaid, res.Status)
	require.Equal(t, 150.0, res.Due)

	// Two consumption rows, one per source entry, oldest first.
	var consumed []CreditEntry
	for _, c := range repo.credits {
		if c.Amount < 0 {
			consumed = append(consumed, c)
		}
	}
	require.Len(t, consumed, 2)
	require.Equal(t, -100.0, consumed[0].Amount)
	require.Equal(t, -250.0, consumed[1].Amount)

	balance, err := svc.CreditBalance(ctx, 1, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0.0, balance)
}

func TestApplyPaymentDeclineExcessCredit(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	o := createTestObligation(t, svc, 100)

	_, err := svc.ApplyPayment(context.Background(), ApplyPaymentInput{
		ObligationID: o.ID, Method: MethodCash, Amount: 150, DeclineExcessCredit: true,
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreditRoundTrip(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	repo.seedCredit(1, 40, time.Now().Add(-2*time.Hour))
	pre, err := svc.CreditBalance(ctx, 1, time.Now())
	require.NoError(t, err)

	o := createTestObligation(t, svc, 1000)

	// Overpay by exactly 75, then consume exactly 75.
	_, err = svc.ApplyPayment(ctx, cash(o.ID, 1075))
	require.NoError(t, err)
	mid, err := svc.CreditBalance(ctx, 1, time.Now())
	require.NoError(t, err)
	require.Equal(t, pre+75, mid)

	o2 := createTestObligation(t, svc, 200)
	_, err = svc.ApplyPayment(ctx, ApplyPaymentInput{
		ObligationID: o2.ID, Method: MethodCounterpartyCredit, Amount: 75,
	})
	require.NoError(t, err)

	post, err := svc.CreditBalance(ctx, 1, time.Now())
	require.NoError(t, err)
	require.Equal(t, pre, post)
}

func TestCreditBalanceNegativeIsInvalidState(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	repo.seedCredit(1, -10, time.Now().Add(-time.Hour))

	_, err := svc.CreditBalance(context.Background(), 1, time.Now())
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDueAmountAsOf(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o := createTestObligation(t, svc, 900)

	cutoff := time.Now()
	_, err := svc.ApplyPayment(ctx, ApplyPaymentInput{
		ObligationID: o.ID, Method: MethodCash, Amount: 300,
		PaidAt: cutoff.Add(time.Hour),
	})
	require.NoError(t, err)

	due, err := svc.DueAmount(ctx, o.ID, cutoff)
	require.NoError(t, err)
	require.Equal(t, 900.0, due)

	due, err = svc.DueAmount(ctx, o.ID, cutoff.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 600.0, due)
}

func TestProcessReturnQuantityGuard(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o, err := svc.CreateObligation(ctx, CreateObligationInput{
		Kind: KindSale, CounterpartyID: 1,
		Lines: []CreateObligationLineInput{{ProductID: 1, UoMID: 1, Quantity: 10, UnitPrice: 5}},
	})
	require.NoError(t, err)
	lineID := repo.lines[o.ID][0].ID

	res, err := svc.ProcessReturn(ctx, ProcessReturnInput{
		ObligationID: o.ID, Settlement: SettleCredit,
		Lines: []ReturnLineInput{{ObligationLineID: lineID, Quantity: 4}},
	})
	require.NoError(t, err)
	require.Equal(t, 20.0, res.ReturnedValue)
	require.Equal(t, 20.0, res.CreditIssued)

	_, err = svc.ProcessReturn(ctx, ProcessReturnInput{
		ObligationID: o.ID, Settlement: SettleCredit,
		Lines: []ReturnLineInput{{ObligationLineID: lineID, Quantity: 7}},
	})
	require.ErrorIs(t, err, ErrValidation)

	// A further return within the remainder still passes.
	_, err = svc.ProcessReturn(ctx, ProcessReturnInput{
		ObligationID: o.ID, Settlement: SettleCredit,
		Lines: []ReturnLineInput{{ObligationLineID: lineID, Quantity: 6}},
	})
	require.NoError(t, err)
}

func TestProcessReturnDuplicateLineInOneRequest(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o, err := svc.CreateObligation(ctx, CreateObligationInput{
		Kind: KindSale, CounterpartyID: 1,
		Lines: []CreateObligationLineInput{{ProductID: 1, UoMID: 1, Quantity: 10, UnitPrice: 5}},
	})
	require.NoError(t, err)
	lineID := repo.lines[o.ID][0].ID

	// Two entries for the same line count against the cap together, not
	// just against what earlier returns recorded.
	_, err = svc.ProcessReturn(ctx, ProcessReturnInput{
		ObligationID: o.ID, Settlement: SettleCredit,
		Lines: []ReturnLineInput{
			{ObligationLineID: lineID, Quantity: 6},
			{ObligationLineID: lineID, Quantity: 6},
		},
	})
	require.ErrorIs(t, err, ErrValidation)

	// The rejected return recorded nothing.
	returned, err := repo.ReturnedQuantities(ctx, o.ID)
	require.NoError(t, err)
	require.Zero(t, returned[lineID])

	// Split entries that fit the ordered quantity still pass.
	res, err := svc.ProcessReturn(ctx, ProcessReturnInput{
		ObligationID: o.ID, Settlement: SettleCredit,
		Lines: []ReturnLineInput{
			{ObligationLineID: lineID, Quantity: 6},
			{ObligationLineID: lineID, Quantity: 4},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 50.0, res.ReturnedValue)
}

func TestProcessReturnDiscountProRated(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o, err := svc.CreateObligation(ctx, CreateObligationInput{
		Kind: KindPurchase, CounterpartyID: 1, Discount: 100,
		Lines: []CreateObligationLineInput{{ProductID: 1, UoMID: 1, Quantity: 10, UnitPrice: 100}},
	})
	require.NoError(t, err)
	lineID := repo.lines[o.ID][0].ID

	res, err := svc.ProcessReturn(ctx, ProcessReturnInput{
		ObligationID: o.ID, Settlement: SettleCredit,
		Lines: []ReturnLineInput{{ObligationLineID: lineID, Quantity: 2}},
	})
	require.NoError(t, err)
	// 2 x 100 at a 10% order discount credits 180, not 200.
	require.InDelta(t, 180.0, res.ReturnedValue, 1e-9)
}

func TestProcessReturnCashRefundRegressesStatus(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o, err := svc.CreateObligation(ctx, CreateObligationInput{
		Kind: KindSale, CounterpartyID: 1,
		Lines: []CreateObligationLineInput{{ProductID: 1, UoMID: 1, Quantity: 10, UnitPrice: 100}},
	})
	require.NoError(t, err)
	lineID := repo.lines[o.ID][0].ID

	_, err = svc.ApplyPayment(ctx, cash(o.ID, 1000))
	require.NoError(t, err)

	res, err := svc.ProcessReturn(ctx, ProcessReturnInput{
		ObligationID: o.ID, Settlement: SettleCashRefund,
		Lines: []ReturnLineInput{{ObligationLineID: lineID, Quantity: 3}},
	})
	require.NoError(t, err)
	require.Equal(t, 300.0, res.CashRefunded)
	require.Equal(t, 0.0, res.CreditIssued)
	require.NotNil(t, res.RefundPaymentID)
	require.Equal(t, StatusPartiallyPaid, res.Status)
	require.Equal(t, 300.0, res.Due)

	refund, err := repo.GetPayment(ctx, *res.RefundPaymentID)
	require.NoError(t, err)
	require.Equal(t, -300.0, refund.Amount)
}

func TestProcessReturnCashRefundCapsAtApplied(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o, err := svc.CreateObligation(ctx, CreateObligationInput{
		Kind: KindSale, CounterpartyID: 1,
		Lines: []CreateObligationLineInput{{ProductID: 1, UoMID: 1, Quantity: 10, UnitPrice: 100}},
	})
	require.NoError(t, err)
	lineID := repo.lines[o.ID][0].ID

	_, err = svc.ApplyPayment(ctx, cash(o.ID, 250))
	require.NoError(t, err)

	// Return worth 500 against only 250 applied: the refund stops at
	// what was actually received, the rest lands on the credit ledger.
	res, err := svc.ProcessReturn(ctx, ProcessReturnInput{
		ObligationID: o.ID, Settlement: SettleCashRefund,
		Lines: []ReturnLineInput{{ObligationLineID: lineID, Quantity: 5}},
	})
	require.NoError(t, err)
	require.Equal(t, 250.0, res.CashRefunded)
	require.Equal(t, 250.0, res.CreditIssued)
}

func TestProcessReturnUoMConversion(t *testing.T) {
	repo := newMemoryRepo()
	repo.factors[[2]int64{1, 2}] = 12 // product 1, uom "box" holds 12 pieces
	conv := &fakeConverter{factors: repo.factors}
	svc := NewService(repo, nil, conv, nil)
	ctx := context.Background()

	o, err := svc.CreateObligation(ctx, CreateObligationInput{
		Kind: KindPurchase, CounterpartyID: 1,
		Lines: []CreateObligationLineInput{{ProductID: 1, UoMID: 2, Quantity: 2, UnitPrice: 60}},
	})
	require.NoError(t, err)
	lineID := repo.lines[o.ID][0].ID

	// 2 boxes ordered = 24 base units; one box back is fine, another
	// 1.5 boxes would overshoot the ordered quantity in base units.
	_, err = svc.ProcessReturn(ctx, ProcessReturnInput{
		ObligationID: o.ID, Settlement: SettleCredit,
		Lines: []ReturnLineInput{{ObligationLineID: lineID, Quantity: 1}},
	})
	require.NoError(t, err)

	_, err = svc.ProcessReturn(ctx, ProcessReturnInput{
		ObligationID: o.ID, Settlement: SettleCredit,
		Lines: []ReturnLineInput{{ObligationLineID: lineID, Quantity: 1.5}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

type fakeConverter struct {
	factors map[[2]int64]float64
}

func (f *fakeConverter) ToBase(ctx context.Context, productID, uomID int64, qty float64) (float64, error) {
	if factor, ok := f.factors[[2]int64{productID, uomID}]; ok {
		return qty * factor, nil
	}
	return qty, nil
}

func TestReversePayment(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o := createTestObligation(t, svc, 400)

	res, err := svc.ApplyPayment(ctx, cash(o.ID, 400))
	require.NoError(t, err)
	require.Equal(t, StatusPaid, res.Status)

	require.NoError(t, svc.ReversePayment(ctx, *res.PaymentID))

	due, err := svc.DueAmount(ctx, o.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 400.0, due)
	require.Equal(t, StatusOpen, repo.obligations[o.ID].Status)

	// Double reversal is rejected.
	err = svc.ReversePayment(ctx, *res.PaymentID)
	require.ErrorIs(t, err, ErrValidation)
}

// gatedPaymentRepo holds the first two payment reads after arming until
// both have seen the row, forcing two reversals of the same payment to
// race past the initial check together.
type gatedPaymentRepo struct {
	*memoryRepo
	gateMu  sync.Mutex
	armed   bool
	reads   int
	barrier chan struct{}
}

func (g *gatedPaymentRepo) GetPayment(ctx context.Context, id int64) (Payment, error) {
	g.gateMu.Lock()
	wait := false
	if g.armed {
		g.reads++
		if g.reads == 2 {
			close(g.barrier)
		}
		wait = g.reads <= 2
	}
	g.gateMu.Unlock()
	if wait {
		<-g.barrier
	}
	return g.memoryRepo.GetPayment(ctx, id)
}

func TestReversePaymentConcurrentDuplicate(t *testing.T) {
	repo := newMemoryRepo()
	gated := &gatedPaymentRepo{memoryRepo: repo, barrier: make(chan struct{})}
	svc := NewService(gated, nil, nil, nil)
	ctx := context.Background()
	o := createTestObligation(t, svc, 1000)

	res, err := svc.ApplyPayment(ctx, cash(o.ID, 600))
	require.NoError(t, err)
	target := *res.PaymentID
	_, err = svc.ApplyPayment(ctx, cash(o.ID, 400))
	require.NoError(t, err)

	gated.gateMu.Lock()
	gated.armed = true
	gated.gateMu.Unlock()

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.ReversePayment(ctx, target)
		}(i)
	}
	wg.Wait()

	var reversed, rejected int
	for _, err := range errs {
		if err == nil {
			reversed++
		} else {
			require.ErrorIs(t, err, ErrValidation)
			rejected++
		}
	}
	require.Equal(t, 1, reversed)
	require.Equal(t, 1, rejected)

	// Exactly one offsetting row landed, and the stored status agrees
	// with what remains applied.
	payments, err := repo.ListPayments(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, payments, 3)

	detail, err := repo.GetObligationDetail(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, 400.0, detail.Applied)
	require.Equal(t, StatusPartiallyPaid, detail.Status)
	require.Equal(t, StatusFromApplied(detail.Total, detail.Applied), detail.Status)
}

func TestDeactivateObligation(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o := createTestObligation(t, svc, 100)

	require.NoError(t, svc.DeactivateObligation(ctx, o.ID))
	require.False(t, repo.obligations[o.ID].Active)

	// The record survives as history, but takes no new activity.
	_, err := svc.ApplyPayment(ctx, cash(o.ID, 50))
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.GetObligationDetail(ctx, o.ID)
	require.NoError(t, err)
}

func TestConcurrentPaymentsNeverOverapply(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()
	o := createTestObligation(t, svc, 1000)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ApplyPayment(ctx, cash(o.ID, 300))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	detail, err := svc.GetObligationDetail(ctx, o.ID)
	require.NoError(t, err)
	require.InDelta(t, 1000.0, detail.Applied, 1e-9)
	require.Equal(t, StatusPaid, detail.Status)

	// 8 x 300 = 2400 tendered: 1000 applied, 1400 in credit.
	balance, err := svc.CreditBalance(ctx, 1, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.InDelta(t, 1400.0, balance, 1e-9)
}

func TestStatusFromApplied(t *testing.T) {
	require.Equal(t, StatusOpen, StatusFromApplied(100, 0))
	require.Equal(t, StatusPartiallyPaid, StatusFromApplied(100, 0.01))
	require.Equal(t, StatusPartiallyPaid, StatusFromApplied(100, 99.99))
	require.Equal(t, StatusPaid, StatusFromApplied(100, 100))
	require.Equal(t, StatusPaid, StatusFromApplied(100, 120))
}
