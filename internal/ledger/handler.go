package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/razauh/inventory-management/internal/platform/httpx"
)

// Handler exposes the ledger's collaborator interface over HTTP. The
// (excluded) UI layer calls these endpoints and renders the results; no
// presentation concern lives here.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/obligations", h.createObligation)
	r.Get("/obligations/{id}", h.getObligation)
	r.Delete("/obligations/{id}", h.deactivateObligation)
	r.Get("/obligations/{id}/due", h.dueAmount)
	r.Post("/obligations/{id}/payments", h.applyPayment)
	r.Post("/obligations/{id}/returns", h.processReturn)
	r.Post("/payments/{id}/reverse", h.reversePayment)
	r.Get("/counterparties/{id}/credit", h.creditBalance)
	r.Post("/allocations/plan", h.planAllocation)
}

type createObligationRequest struct {
	Kind           string  `json:"kind" validate:"required,oneof=PURCHASE SALE"`
	CounterpartyID int64   `json:"counterparty_id" validate:"required,gt=0"`
	Number         string  `json:"number"`
	Discount       float64 `json:"discount" validate:"gte=0"`
	Lines          []struct {
		ProductID int64   `json:"product_id" validate:"required,gt=0"`
		UoMID     int64   `json:"uom_id" validate:"required,gt=0"`
		Quantity  float64 `json:"quantity" validate:"required,gt=0"`
		UnitPrice float64 `json:"unit_price" validate:"gte=0"`
	} `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) createObligation(w http.ResponseWriter, r *http.Request) {
	var req createObligationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := CreateObligationInput{
		Kind:           ObligationKind(req.Kind),
		CounterpartyID: req.CounterpartyID,
		Number:         req.Number,
		Discount:       req.Discount,
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, CreateObligationLineInput{
			ProductID: l.ProductID,
			UoMID:     l.UoMID,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
	}

	obligation, err := h.service.CreateObligation(r.Context(), input)
	if err != nil {
		h.respondError(w, "create obligation", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, obligation)
}

func (h *Handler) getObligation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	detail, err := h.service.GetObligationDetail(r.Context(), id)
	if err != nil {
		h.respondError(w, "get obligation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, detail)
}

func (h *Handler) deactivateObligation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.DeactivateObligation(r.Context(), id); err != nil {
		h.respondError(w, "deactivate obligation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) dueAmount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	asOf, err := parseAsOf(r.URL.Query().Get("as_of"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be RFC3339")
		return
	}
	due, err := h.service.DueAmount(r.Context(), id, asOf)
	if err != nil {
		h.respondError(w, "due amount", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"obligation_id": id, "as_of": asOf, "due": due})
}

type applyPaymentRequest struct {
	Method                    string  `json:"method" validate:"required"`
	Amount                    float64 `json:"amount" validate:"gte=0"`
	CompanyBankAccountID      *int64  `json:"company_bank_account_id"`
	CounterpartyBankAccountID *int64  `json:"counterparty_bank_account_id"`
	TempBankName              *string `json:"temp_bank_name"`
	TempBankAccountNo         *string `json:"temp_bank_account_no"`
	InstrumentNo              *string `json:"instrument_no"`
	UseCredit                 bool    `json:"use_credit"`
	DeclineExcessCredit       bool    `json:"decline_excess_credit"`
	PaidAt                    string  `json:"paid_at"`
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req applyPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	paidAt, err := parseAsOf(req.PaidAt)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "paid_at must be RFC3339")
		return
	}

	result, err := h.service.ApplyPayment(r.Context(), ApplyPaymentInput{
		ObligationID:              id,
		Method:                    PaymentMethod(req.Method),
		Amount:                    req.Amount,
		CompanyBankAccountID:      req.CompanyBankAccountID,
		CounterpartyBankAccountID: req.CounterpartyBankAccountID,
		TempBankName:              req.TempBankName,
		TempBankAccountNo:         req.TempBankAccountNo,
		InstrumentNo:              req.InstrumentNo,
		UseCredit:                 req.UseCredit,
		DeclineExcessCredit:       req.DeclineExcessCredit,
		PaidAt:                    paidAt,
	})
	if err != nil {
		h.respondError(w, "apply payment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

type processReturnRequest struct {
	Settlement string `json:"settlement" validate:"required,oneof=CREDIT CASH_REFUND"`
	Lines      []struct {
		ObligationLineID int64   `json:"obligation_line_id" validate:"required,gt=0"`
		Quantity         float64 `json:"quantity" validate:"required,gt=0"`
	} `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) processReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req processReturnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := ProcessReturnInput{
		ObligationID: id,
		Settlement:   SettlementMethod(req.Settlement),
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, ReturnLineInput{
			ObligationLineID: l.ObligationLineID,
			Quantity:         l.Quantity,
		})
	}

	result, err := h.service.ProcessReturn(r.Context(), input)
	if err != nil {
		h.respondError(w, "process return", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) reversePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.ReversePayment(r.Context(), id); err != nil {
		h.respondError(w, "reverse payment", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) creditBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	asOf, err := parseAsOf(r.URL.Query().Get("as_of"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be RFC3339")
		return
	}
	balance, err := h.service.CreditBalance(r.Context(), id, asOf)
	if err != nil {
		h.respondError(w, "credit balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"counterparty_id": id, "as_of": asOf, "balance": balance})
}

type planAllocationRequest struct {
	Amount       float64            `json:"amount" validate:"gt=0"`
	Strategy     string             `json:"strategy"`
	CurrencyStep float64            `json:"currency_step"`
	Overrides    map[string]float64 `json:"overrides"`
	Docs         []struct {
		ObligationID int64   `json:"obligation_id" validate:"required,gt=0"`
		Date         string  `json:"date"`
		DueDate      string  `json:"due_date"`
		Remaining    float64 `json:"remaining" validate:"gte=0"`
	} `json:"docs" validate:"required,min=1,dive"`
}

func (h *Handler) planAllocation(w http.ResponseWriter, r *http.Request) {
	var req planAllocationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	alloc := AllocationRequest{
		Amount:       req.Amount,
		Strategy:     AllocationStrategy(req.Strategy),
		CurrencyStep: req.CurrencyStep,
	}
	for _, d := range req.Docs {
		date, err := parseAsOf(d.Date)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "docs date must be RFC3339")
			return
		}
		dueDate := time.Time{}
		if d.DueDate != "" {
			dueDate, err = time.Parse(time.RFC3339, d.DueDate)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "docs due_date must be RFC3339")
				return
			}
		}
		alloc.Docs = append(alloc.Docs, AllocationDoc{
			ObligationID: d.ObligationID,
			Date:         date,
			DueDate:      dueDate,
			Remaining:    d.Remaining,
		})
	}
	if len(req.Overrides) > 0 {
		alloc.Overrides = make(map[int64]float64, len(req.Overrides))
		for key, amount := range req.Overrides {
			id, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "override keys must be obligation IDs")
				return
			}
			alloc.Overrides[id] = amount
		}
	}

	httpx.JSON(w, http.StatusOK, Allocate(alloc))
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+name)
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	var fe *FieldError
	switch {
	case errors.As(err, &fe):
		httpx.FieldProblem(w, http.StatusBadRequest, "Validation Failed", fe.Reason, fe.Field)
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid State", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// parseAsOf parses an optional RFC3339 timestamp, defaulting to now.
func parseAsOf(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now(), nil
	}
	return time.Parse(time.RFC3339, raw)
}
