package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/meridian-mfg/meridian-mfg/internal/jobs"
	"github.com/meridian-mfg/meridian-mfg/internal/ledger"
)

const (
	// TaskLedgerIntegrity cross-checks balances against the movement log.
	TaskLedgerIntegrity = "ledger:integrity"
)

// LedgerIntegrityPayload carries scan options.
type LedgerIntegrityPayload struct {
	FailOnDrift bool `json:"fail_on_drift"`
}

// NewLedgerIntegrityTask builds an integrity scan task.
func NewLedgerIntegrityTask(failOnDrift bool) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerIntegrityPayload{FailOnDrift: failOnDrift})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// NewLedgerIntegrityHandler recomputes each material balance from the
// movement log and reports any drift from the stored balance.
func NewLedgerIntegrityHandler(pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	ledgerRepo := ledger.NewRepository(pool)
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("ledger_integrity")
		var payload LedgerIntegrityPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		rows, err := pool.Query(ctx, `
			SELECT b.material_id, b.on_hand,
			       COALESCE(SUM(CASE WHEN m.direction='CREDIT' THEN m.qty ELSE -m.qty END), 0) AS derived
			FROM material_balances b
			LEFT JOIN material_movements m ON m.material_id = b.material_id
			GROUP BY b.material_id, b.on_hand`)
		if err != nil {
			return tracker.End(err)
		}
		defer rows.Close()
		drift := 0
		for rows.Next() {
			var materialID int64
			var onHand, derived decimal.Decimal
			if err := rows.Scan(&materialID, &onHand, &derived); err != nil {
				return tracker.End(err)
			}
			if !onHand.Equal(derived) {
				drift++
				logger.Error("ledger drift detected",
					slog.Int64("material_id", materialID),
					slog.String("on_hand", onHand.String()),
					slog.String("derived", derived.String()))
			}
		}
		if err := rows.Err(); err != nil {
			return tracker.End(err)
		}
		creditDrift, err := scanAcceptedCredits(ctx, pool, ledgerRepo, logger)
		if err != nil {
			return tracker.End(err)
		}
		drift += creditDrift
		metrics.AddDrift(drift)
		if drift > 0 && payload.FailOnDrift {
			return tracker.End(fmt.Errorf("ledger integrity: %d materials drifted", drift))
		}
		logger.Info("ledger integrity scan finished", slog.Int("drifted", drift))
		return tracker.End(nil)
	}
}

// scanAcceptedCredits compares accepted quantities on disposed receipt lines
// with the credit totals the receiving pipeline posted for them. Each
// disposition credits the ledger exactly once, so the two sums must match.
func scanAcceptedCredits(ctx context.Context, pool *pgxpool.Pool, ledgerRepo *ledger.Repository, logger *slog.Logger) (int, error) {
	rows, err := pool.Query(ctx, `
		SELECT material_id, COALESCE(SUM(accepted_qty), 0) AS accepted
		FROM grn_lines
		WHERE qc_status IN ('PASSED', 'RETURNED')
		GROUP BY material_id`)
	if err != nil {
		return 0, err
	}
	type acceptedRow struct {
		materialID int64
		accepted   decimal.Decimal
	}
	var totals []acceptedRow
	for rows.Next() {
		var row acceptedRow
		if err := rows.Scan(&row.materialID, &row.accepted); err != nil {
			rows.Close()
			return 0, err
		}
		totals = append(totals, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	drift := 0
	for _, row := range totals {
		credited, err := ledgerRepo.TotalByRefModule(ctx, row.materialID, "RECEIVING")
		if err != nil {
			return drift, err
		}
		if !row.accepted.Equal(credited) {
			drift++
			logger.Error("accepted quantity does not match posted credits",
				slog.Int64("material_id", row.materialID),
				slog.String("accepted", row.accepted.String()),
				slog.String("credited", credited.String()))
		}
	}
	return drift, nil
}
