package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/razauh/inventory-management/internal/ledger"
	"github.com/razauh/inventory-management/internal/reporting"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStatementRefresh refreshes a counterparty statement summary in
	// the background, off the write path.
	TaskStatementRefresh = "report:statement"
)

// StatementRefreshPayload selects which statement to refresh.
type StatementRefreshPayload struct {
	CounterpartyID int64  `json:"counterparty_id"`
	Kind           string `json:"kind,omitempty"`
	AsOf           string `json:"as_of,omitempty"`
}

// NewStatementRefreshTask constructs an Asynq task.
func NewStatementRefreshTask(payload StatementRefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStatementRefresh, data), nil
}

// NewStatementRefreshHandler builds the handler for statement refresh
// tasks. The report scan is read-only and checks the task context
// between chunks, so a retiring worker stops cleanly mid-scan.
func NewStatementRefreshHandler(reports *reporting.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload StatementRefreshPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}

		asOf := time.Now()
		if payload.AsOf != "" {
			parsed, err := time.Parse(time.RFC3339, payload.AsOf)
			if err != nil {
				return asynq.SkipRetry
			}
			asOf = parsed
		}

		summary, err := reports.SummarizeStatement(ctx, reporting.StatementRequest{
			CounterpartyID: payload.CounterpartyID,
			Kind:           ledger.ObligationKind(payload.Kind),
			AsOf:           asOf,
		})
		if err != nil {
			return err
		}

		logger.Info("statement refreshed",
			slog.Int64("counterparty_id", summary.CounterpartyID),
			slog.Int("open_count", summary.OpenCount),
			slog.Float64("total_due", summary.TotalDue))
		return nil
	}
}
