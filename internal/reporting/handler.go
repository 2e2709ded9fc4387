package reporting

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/razauh/inventory-management/internal/ledger"
	"github.com/razauh/inventory-management/internal/platform/httpx"
)

// StatementEnqueuer hands a statement refresh to the background worker.
type StatementEnqueuer interface {
	EnqueueStatementRefresh(ctx context.Context, counterpartyID int64) error
}

// Handler exposes reporting endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	enqueuer StatementEnqueuer
}

// NewHandler builds a Handler instance. enqueuer may be nil when no
// worker is deployed.
func NewHandler(logger *slog.Logger, service *Service, enqueuer StatementEnqueuer) *Handler {
	return &Handler{logger: logger, service: service, enqueuer: enqueuer}
}

// MountRoutes registers reporting routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/statements/{counterpartyID}", h.statementSummary)
	r.Get("/statements/{counterpartyID}/rows", h.statementRows)
	r.Get("/statements/{counterpartyID}/cashflow", h.cashflow)
	r.Post("/statements/{counterpartyID}/refresh", h.refresh)
}

func (h *Handler) statementSummary(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}
	summary, err := h.service.SummarizeStatement(r.Context(), req)
	if err != nil {
		h.logger.Error("statement summary", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) statementRows(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}
	req.OpenOnly = r.URL.Query().Get("open_only") == "true"

	var rows []StatementRow
	for chunk := range h.service.StreamStatement(r.Context(), req) {
		if chunk.Err != nil {
			h.logger.Error("statement rows", slog.Any("error", chunk.Err))
			httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
			return
		}
		rows = append(rows, chunk.Rows...)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": rows, "count": len(rows)})
}

func (h *Handler) cashflow(w http.ResponseWriter, r *http.Request) {
	req, ok := h.request(w, r)
	if !ok {
		return
	}
	totals, err := h.service.Cashflow(r.Context(), req)
	if err != nil {
		h.logger.Error("cashflow", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, totals)
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "no background worker configured")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "counterpartyID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid counterparty ID")
		return
	}
	if err := h.enqueuer.EnqueueStatementRefresh(r.Context(), id); err != nil {
		h.logger.Error("enqueue statement refresh", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) request(w http.ResponseWriter, r *http.Request) (StatementRequest, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "counterpartyID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid counterparty ID")
		return StatementRequest{}, false
	}
	req := StatementRequest{CounterpartyID: id, Kind: ledger.ObligationKind(r.URL.Query().Get("kind"))}
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be RFC3339")
			return StatementRequest{}, false
		}
		req.AsOf = asOf
	}
	return req, true
}
