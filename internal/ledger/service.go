package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/razauh/inventory-management/internal/shared"
)

// Directory resolves references owned by masterdata: counterparties and
// bank accounts. Nil checks are skipped when no directory is wired
// (tests exercising pure settlement math).
type Directory interface {
	CounterpartyExists(ctx context.Context, id int64) (bool, error)
	CompanyAccountExists(ctx context.Context, id int64) (bool, error)
	CounterpartyAccountExists(ctx context.Context, counterpartyID, id int64) (bool, error)
}

// UnitConverter converts a quantity in a product's unit of measure to
// base units. Returnable-quantity checks always compare base units.
type UnitConverter interface {
	ToBase(ctx context.Context, productID, uomID int64, qty float64) (float64, error)
}

// Service implements the settlement operations: obligation creation,
// payment application, credit balances, returns, reversals. Writes on
// one obligation are serialized through an in-process keyed mutex so
// concurrent payments and returns never interleave on the same record.
type Service struct {
	repo   Repository
	dir    Directory
	uom    UnitConverter
	locks  *shared.KeyedMutex
	logger *slog.Logger
}

// NewService constructs a Service. dir and uom may be nil; reference
// checks and unit conversion then degrade to identity behaviour.
func NewService(repo Repository, dir Directory, uom UnitConverter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		dir:    dir,
		uom:    uom,
		locks:  shared.NewKeyedMutex(),
		logger: logger,
	}
}

func obligationKey(id int64) string {
	return "obligation:" + strconv.FormatInt(id, 10)
}

// CreateObligation validates and persists a new purchase or sale order
// with its lines. Totals are computed here, never trusted from input.
func (s *Service) CreateObligation(ctx context.Context, in CreateObligationInput) (Obligation, error) {
	if in.Kind != KindPurchase && in.Kind != KindSale {
		return Obligation{}, fieldErr("kind", "must be PURCHASE or SALE")
	}
	if in.CounterpartyID <= 0 {
		return Obligation{}, fieldErr("counterparty_id", "required")
	}
	if len(in.Lines) == 0 {
		return Obligation{}, fieldErr("lines", "at least one line is required")
	}

	var subtotal float64
	for i, line := range in.Lines {
		if line.ProductID <= 0 {
			return Obligation{}, fieldErr(fmt.Sprintf("lines[%d].product_id", i), "required")
		}
		if line.Quantity <= 0 {
			return Obligation{}, fieldErr(fmt.Sprintf("lines[%d].quantity", i), "must be positive")
		}
		if line.UnitPrice < 0 {
			return Obligation{}, fieldErr(fmt.Sprintf("lines[%d].unit_price", i), "must not be negative")
		}
		subtotal += line.Quantity * line.UnitPrice
	}
	if in.Discount < 0 {
		return Obligation{}, fieldErr("discount", "must not be negative")
	}
	if in.Discount > subtotal+amountEpsilon {
		return Obligation{}, fieldErr("discount", "exceeds subtotal")
	}

	if s.dir != nil {
		ok, err := s.dir.CounterpartyExists(ctx, in.CounterpartyID)
		if err != nil {
			return Obligation{}, err
		}
		if !ok {
			return Obligation{}, fmt.Errorf("counterparty %d: %w", in.CounterpartyID, ErrNotFound)
		}
	}

	number := in.Number
	if number == "" {
		number = uuid.NewString()
	}

	now := time.Now()
	obligation := Obligation{
		Number:         number,
		Kind:           in.Kind,
		CounterpartyID: in.CounterpartyID,
		Subtotal:       subtotal,
		Discount:       in.Discount,
		Total:          subtotal - in.Discount,
		Status:         StatusOpen,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateObligation(ctx, obligation)
		if err != nil {
			return err
		}
		obligation.ID = id
		for _, line := range in.Lines {
			if _, err := tx.CreateObligationLine(ctx, ObligationLine{
				ObligationID: id,
				ProductID:    line.ProductID,
				UoMID:        line.UoMID,
				Quantity:     line.Quantity,
				UnitPrice:    line.UnitPrice,
				LineTotal:    line.Quantity * line.UnitPrice,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Obligation{}, err
	}

	s.logger.Info("obligation created",
		slog.Int64("id", obligation.ID),
		slog.String("kind", string(obligation.Kind)),
		slog.Float64("total", obligation.Total))
	return obligation, nil
}

// DueAmount returns total minus applied payments and credit with
// timestamp at or before asOf, excluding reversed rows. Pure read.
func (s *Service) DueAmount(ctx context.Context, obligationID int64, asOf time.Time) (float64, error) {
	headers, err := s.repo.ListObligationHeaders(ctx, []int64{obligationID}, asOf)
	if err != nil {
		return 0, err
	}
	if len(headers) == 0 {
		return 0, fmt.Errorf("obligation %d: %w", obligationID, ErrNotFound)
	}
	return headers[0].Due, nil
}

// CreditBalance returns issued minus consumed credit for a counterparty
// as of the cutoff. A negative computed balance is a data-consistency
// bug upstream: it fails with ErrInvalidState and is never clamped.
func (s *Service) CreditBalance(ctx context.Context, counterpartyID int64, asOf time.Time) (float64, error) {
	if s.dir != nil {
		ok, err := s.dir.CounterpartyExists(ctx, counterpartyID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("counterparty %d: %w", counterpartyID, ErrNotFound)
		}
	}
	balances, err := s.repo.CreditBalances(ctx, []int64{counterpartyID}, asOf)
	if err != nil {
		return 0, err
	}
	balance := balances[counterpartyID]
	if balance < -amountEpsilon {
		s.logger.Error("negative credit balance",
			slog.Int64("counterparty_id", counterpartyID),
			slog.Float64("balance", balance))
		return 0, fmt.Errorf("counterparty %d credit balance %.2f: %w", counterpartyID, balance, ErrInvalidState)
	}
	return balance, nil
}

// ApplyPayment applies an incoming payment, optionally together with
// available counterparty credit, against an obligation.
//
// Policy, in order:
//   - zero amount with no credit request is a validated no-op;
//   - credit is consumed first, oldest-issued entries before newer ones,
//     then the explicit amount covers the remainder;
//   - an explicit amount beyond the due is never applied to the
//     obligation: the applied total caps at the due and the excess is
//     issued as new counterparty credit, unless the caller opted out,
//     in which case the overpayment is rejected.
func (s *Service) ApplyPayment(ctx context.Context, in ApplyPaymentInput) (PaymentResult, error) {
	if in.Amount < 0 {
		return PaymentResult{}, fieldErr("amount", "must not be negative")
	}

	unlock := s.locks.Lock(obligationKey(in.ObligationID))
	defer unlock()

	detail, err := s.repo.GetObligationDetail(ctx, in.ObligationID)
	if err != nil {
		return PaymentResult{}, err
	}
	if !detail.Active {
		return PaymentResult{}, fieldErr("obligation_id", "obligation is inactive")
	}

	due := detail.Due
	if in.Amount == 0 && !in.UseCredit {
		// Validated no-op: succeed without creating a record.
		return PaymentResult{Status: detail.Status, Due: due}, nil
	}

	if err := validateMethodFields(in); err != nil {
		return PaymentResult{}, err
	}
	if err := s.checkBankAccounts(ctx, detail.CounterpartyID, in); err != nil {
		return PaymentResult{}, err
	}

	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now()
	}

	var creditToConsume, explicit, excess float64
	if isCreditFunded(in.Method) {
		balance, err := s.CreditBalance(ctx, detail.CounterpartyID, paidAt)
		if err != nil {
			return PaymentResult{}, err
		}
		if in.Amount > balance+amountEpsilon {
			return PaymentResult{}, fieldErr("amount",
				fmt.Sprintf("exceeds available credit %.2f", balance))
		}
		// Credit-funded payments never overpay: consumption caps at due
		// and the rest simply stays on the credit ledger.
		creditToConsume = min(in.Amount, due)
	} else {
		if in.UseCredit {
			balance, err := s.CreditBalance(ctx, detail.CounterpartyID, paidAt)
			if err != nil {
				return PaymentResult{}, err
			}
			creditToConsume = min(balance, due)
		}
		explicit = min(in.Amount, due-creditToConsume)
		excess = in.Amount - explicit
		if excess > amountEpsilon && in.DeclineExcessCredit {
			return PaymentResult{}, fieldErr("amount",
				fmt.Sprintf("exceeds due amount %.2f", due))
		}
		if excess <= amountEpsilon {
			excess = 0
		}
	}

	var consumptions []CreditEntry
	if creditToConsume > amountEpsilon {
		entries, err := s.repo.ListCreditEntries(ctx, detail.CounterpartyID, paidAt)
		if err != nil {
			return PaymentResult{}, err
		}
		consumptions, err = planCreditConsumption(entries, creditToConsume, detail.ID, detail.CounterpartyID, paidAt)
		if err != nil {
			return PaymentResult{}, err
		}
	} else {
		creditToConsume = 0
	}

	var paymentID *int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, e := range consumptions {
			if _, err := tx.CreateCreditEntry(ctx, e); err != nil {
				return err
			}
		}
		if explicit > amountEpsilon {
			id, err := tx.CreatePayment(ctx, Payment{
				Number:                    uuid.NewString(),
				ObligationID:              detail.ID,
				Method:                    in.Method,
				Amount:                    explicit,
				CompanyBankAccountID:      in.CompanyBankAccountID,
				CounterpartyBankAccountID: in.CounterpartyBankAccountID,
				TempBankName:              in.TempBankName,
				TempBankAccountNo:         in.TempBankAccountNo,
				InstrumentNo:              in.InstrumentNo,
				PaidAt:                    paidAt,
				CreatedAt:                 time.Now(),
			})
			if err != nil {
				return err
			}
			paymentID = &id
		}
		if excess > 0 {
			obligationID := detail.ID
			if _, err := tx.CreateCreditEntry(ctx, CreditEntry{
				CounterpartyID: detail.CounterpartyID,
				ObligationID:   &obligationID,
				Amount:         excess,
				Source:         CreditOverpayment,
				Note:           "overpayment routed to credit",
				OccurredAt:     paidAt,
			}); err != nil {
				return err
			}
		}
		newStatus := StatusFromApplied(detail.Total, detail.Applied+creditToConsume+explicit)
		if newStatus != detail.Status {
			if err := tx.UpdateObligationStatus(ctx, detail.ID, newStatus); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PaymentResult{}, err
	}

	applied := detail.Applied + creditToConsume + explicit
	result := PaymentResult{
		PaymentID:      paymentID,
		AppliedAmount:  creditToConsume + explicit,
		CreditConsumed: creditToConsume,
		CreditIssued:   excess,
		Status:         StatusFromApplied(detail.Total, applied),
		Due:            ClampNonNegative(detail.Total - applied),
	}
	s.logger.Info("payment applied",
		slog.Int64("obligation_id", detail.ID),
		slog.String("method", string(in.Method)),
		slog.Float64("applied", result.AppliedAmount),
		slog.Float64("credit_consumed", result.CreditConsumed),
		slog.Float64("credit_issued", result.CreditIssued),
		slog.String("status", string(result.Status)))
	return result, nil
}

// planCreditConsumption walks the credit ledger oldest first, nets prior
// consumption FIFO against issued entries, and plans one negative entry
// per source entry still carrying a remainder until amount is covered.
func planCreditConsumption(entries []CreditEntry, amount float64, obligationID, counterpartyID int64, at time.Time) ([]CreditEntry, error) {
	type slice struct {
		sourceID  int64
		remaining float64
	}
	var open []slice
	for _, e := range entries {
		if e.Amount > 0 {
			open = append(open, slice{sourceID: e.ID, remaining: e.Amount})
			continue
		}
		// Consumption drains the oldest open slices first.
		drain := -e.Amount
		for i := range open {
			if drain <= amountEpsilon {
				break
			}
			take := min(open[i].remaining, drain)
			open[i].remaining -= take
			drain -= take
		}
		if drain > amountEpsilon {
			return nil, fmt.Errorf("credit ledger for counterparty %d over-consumed: %w", counterpartyID, ErrInvalidState)
		}
	}

	var out []CreditEntry
	left := amount
	for _, sl := range open {
		if left <= amountEpsilon {
			break
		}
		if sl.remaining <= amountEpsilon {
			continue
		}
		take := min(sl.remaining, left)
		left -= take
		out = append(out, CreditEntry{
			CounterpartyID: counterpartyID,
			ObligationID:   &obligationID,
			Amount:         -take,
			Source:         CreditApplied,
			Note:           fmt.Sprintf("applies credit entry %d", sl.sourceID),
			OccurredAt:     at,
		})
	}
	if left > amountEpsilon {
		return nil, fmt.Errorf("insufficient credit for counterparty %d: %w", counterpartyID, ErrInvalidState)
	}
	return out, nil
}

// ProcessReturn records a return against an obligation's lines.
// Cumulative returned quantity per line never exceeds the ordered
// quantity; comparisons happen in base units. Credit settlement issues
// counterparty credit for the returned value; cash settlement refunds up
// to the applied amount and credits any remainder, which may move the
// obligation's status back toward Open.
func (s *Service) ProcessReturn(ctx context.Context, in ProcessReturnInput) (ReturnResult, error) {
	if in.Settlement != SettleCredit && in.Settlement != SettleCashRefund {
		return ReturnResult{}, fieldErr("settlement", "must be CREDIT or CASH_REFUND")
	}
	if len(in.Lines) == 0 {
		return ReturnResult{}, fieldErr("lines", "at least one line is required")
	}

	unlock := s.locks.Lock(obligationKey(in.ObligationID))
	defer unlock()

	detail, err := s.repo.GetObligationDetail(ctx, in.ObligationID)
	if err != nil {
		return ReturnResult{}, err
	}
	if !detail.Active {
		return ReturnResult{}, fieldErr("obligation_id", "obligation is inactive")
	}

	returned, err := s.repo.ReturnedQuantities(ctx, detail.ID)
	if err != nil {
		return ReturnResult{}, err
	}

	linesByID := make(map[int64]ObligationLine, len(detail.Lines))
	for _, l := range detail.Lines {
		linesByID[l.ID] = l
	}

	// Order-level discount is spread proportionally over line values, so
	// returning a discounted order never credits the undiscounted price.
	discountFactor := 1.0
	if detail.Subtotal > 0 {
		discountFactor = detail.Total / detail.Subtotal
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	var returnedValue float64
	retLines := make([]ReturnLine, 0, len(in.Lines))
	for i, lineIn := range in.Lines {
		line, ok := linesByID[lineIn.ObligationLineID]
		if !ok {
			return ReturnResult{}, fieldErr(fmt.Sprintf("lines[%d].obligation_line_id", i), "not a line of this obligation")
		}
		if lineIn.Quantity <= 0 {
			return ReturnResult{}, fieldErr(fmt.Sprintf("lines[%d].quantity", i), "must be positive")
		}
		orderedBase, err := s.toBase(ctx, line.ProductID, line.UoMID, line.Quantity)
		if err != nil {
			return ReturnResult{}, err
		}
		returnBase, err := s.toBase(ctx, line.ProductID, line.UoMID, lineIn.Quantity)
		if err != nil {
			return ReturnResult{}, err
		}
		prior := returned[line.ID]
		if returnBase+prior > orderedBase+amountEpsilon {
			return ReturnResult{}, fieldErr(fmt.Sprintf("lines[%d].quantity", i),
				fmt.Sprintf("cumulative return %.3f exceeds ordered quantity %.3f", returnBase+prior, orderedBase))
		}
		// The same line may appear more than once in one request; earlier
		// entries count toward the cap for later ones.
		returned[line.ID] = prior + returnBase
		value := lineIn.Quantity * line.UnitPrice * discountFactor
		returnedValue += value
		retLines = append(retLines, ReturnLine{
			ObligationLineID: line.ID,
			Quantity:         lineIn.Quantity,
			Value:            value,
		})
	}

	var cashRefund, creditOut float64
	switch in.Settlement {
	case SettleCashRefund:
		// A refund can only hand back money that was actually applied;
		// the rest of the returned value becomes credit.
		cashRefund = min(returnedValue, detail.Applied)
		creditOut = returnedValue - cashRefund
	case SettleCredit:
		creditOut = returnedValue
	}
	if creditOut <= amountEpsilon {
		creditOut = 0
	}

	var returnID int64
	var refundPaymentID *int64
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateReturn(ctx, Return{
			ObligationID: detail.ID,
			Settlement:   in.Settlement,
			Lines:        retLines,
			OccurredAt:   occurredAt,
		})
		if err != nil {
			return err
		}
		returnID = id

		if cashRefund > amountEpsilon {
			pid, err := tx.CreatePayment(ctx, Payment{
				Number:       uuid.NewString(),
				ObligationID: detail.ID,
				Method:       MethodCash,
				Amount:       -cashRefund,
				PaidAt:       occurredAt,
				CreatedAt:    time.Now(),
			})
			if err != nil {
				return err
			}
			refundPaymentID = &pid
		}
		if creditOut > 0 {
			obligationID := detail.ID
			if _, err := tx.CreateCreditEntry(ctx, CreditEntry{
				CounterpartyID: detail.CounterpartyID,
				ObligationID:   &obligationID,
				Amount:         creditOut,
				Source:         CreditReturn,
				Note:           fmt.Sprintf("return %d settled as credit", returnID),
				OccurredAt:     occurredAt,
			}); err != nil {
				return err
			}
		}

		newStatus := StatusFromApplied(detail.Total, detail.Applied-cashRefund)
		if newStatus != detail.Status {
			if err := tx.UpdateObligationStatus(ctx, detail.ID, newStatus); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ReturnResult{}, err
	}

	applied := detail.Applied - cashRefund
	result := ReturnResult{
		ReturnID:        returnID,
		ReturnedValue:   returnedValue,
		CreditIssued:    creditOut,
		CashRefunded:    cashRefund,
		RefundPaymentID: refundPaymentID,
		Status:          StatusFromApplied(detail.Total, applied),
		Due:             ClampNonNegative(detail.Total - applied),
	}
	s.logger.Info("return processed",
		slog.Int64("obligation_id", detail.ID),
		slog.String("settlement", string(in.Settlement)),
		slog.Float64("value", result.ReturnedValue),
		slog.Float64("refund", result.CashRefunded),
		slog.Float64("credit", result.CreditIssued))
	return result, nil
}

// ReversePayment reverses a payment by inserting an offsetting row and
// flagging both rows, then re-derives the obligation status. Payment
// rows are never edited in place.
func (s *Service) ReversePayment(ctx context.Context, paymentID int64) error {
	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(obligationKey(payment.ObligationID))
	defer unlock()

	// Re-read under the lock: a concurrent reversal may have committed
	// between the first read and lock acquisition.
	payment, err = s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if payment.Reversed {
		return fieldErr("payment_id", "payment already reversed")
	}

	detail, err := s.repo.GetObligationDetail(ctx, payment.ObligationID)
	if err != nil {
		return err
	}

	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.CreatePayment(ctx, Payment{
			Number:            uuid.NewString(),
			ObligationID:      payment.ObligationID,
			Method:            payment.Method,
			Amount:            -payment.Amount,
			Reversed:          true,
			ReversesPaymentID: &payment.ID,
			PaidAt:            time.Now(),
			CreatedAt:         time.Now(),
		}); err != nil {
			return err
		}
		if err := tx.MarkPaymentReversed(ctx, payment.ID); err != nil {
			return err
		}
		newStatus := StatusFromApplied(detail.Total, detail.Applied-payment.Amount)
		if newStatus != detail.Status {
			return tx.UpdateObligationStatus(ctx, detail.ID, newStatus)
		}
		return nil
	})
}

// DeactivateObligation soft-deletes: the row stays for referential
// integrity of historical payments and returns, but accepts no new
// activity.
func (s *Service) DeactivateObligation(ctx context.Context, obligationID int64) error {
	unlock := s.locks.Lock(obligationKey(obligationID))
	defer unlock()

	if _, err := s.repo.GetObligation(ctx, obligationID); err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.SetObligationActive(ctx, obligationID, false)
	})
}

// GetObligationDetail exposes the detail read to collaborators.
func (s *Service) GetObligationDetail(ctx context.Context, obligationID int64) (ObligationDetail, error) {
	return s.repo.GetObligationDetail(ctx, obligationID)
}

// Headers exposes the batched header read to collaborators.
func (s *Service) Headers(ctx context.Context, ids []int64, asOf time.Time) ([]ObligationHeader, error) {
	return s.repo.ListObligationHeaders(ctx, ids, asOf)
}

func (s *Service) checkBankAccounts(ctx context.Context, counterpartyID int64, in ApplyPaymentInput) error {
	if s.dir == nil {
		return nil
	}
	if in.CompanyBankAccountID != nil {
		ok, err := s.dir.CompanyAccountExists(ctx, *in.CompanyBankAccountID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("company bank account %d: %w", *in.CompanyBankAccountID, ErrNotFound)
		}
	}
	if in.CounterpartyBankAccountID != nil {
		ok, err := s.dir.CounterpartyAccountExists(ctx, counterpartyID, *in.CounterpartyBankAccountID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("counterparty bank account %d: %w", *in.CounterpartyBankAccountID, ErrNotFound)
		}
	}
	return nil
}

func (s *Service) toBase(ctx context.Context, productID, uomID int64, qty float64) (float64, error) {
	if s.uom == nil {
		return qty, nil
	}
	return s.uom.ToBase(ctx, productID, uomID, qty)
}
