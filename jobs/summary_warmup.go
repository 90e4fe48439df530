package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/meridian-mfg/meridian-mfg/internal/jobs"
	"github.com/meridian-mfg/meridian-mfg/internal/receiving"
)

const (
	// TaskSummaryWarmup pre-populates the summary cache for open orders.
	TaskSummaryWarmup = "receiving:summary_warmup"
)

// SummaryWarmupPayload limits how many orders one run touches.
type SummaryWarmupPayload struct {
	Limit int `json:"limit"`
}

// NewSummaryWarmupTask builds a warmup task.
func NewSummaryWarmupTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(SummaryWarmupPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSummaryWarmup, body, asynq.Queue(QueueDefault)), nil
}

// NewSummaryWarmupHandler warms the material summary cache for orders that
// are still moving through the pipeline.
func NewSummaryWarmupHandler(pool *pgxpool.Pool, svc *receiving.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("summary_warmup")
		var payload SummaryWarmupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.Limit <= 0 {
			payload.Limit = 100
		}
		rows, err := pool.Query(ctx, `SELECT id FROM purchase_orders WHERE status NOT IN ('IN_STORE','COMPLETED') ORDER BY id DESC LIMIT $1`, payload.Limit)
		if err != nil {
			return tracker.End(err)
		}
		defer rows.Close()
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return tracker.End(err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return tracker.End(err)
		}
		warmed := 0
		for _, id := range ids {
			if _, err := svc.GetMaterialSummary(ctx, id); err != nil {
				logger.Warn("summary warmup", slog.Any("error", err), slog.Int64("po_id", id))
				continue
			}
			warmed++
		}
		logger.Info("summary cache warmed", slog.Int("orders", warmed))
		return tracker.End(nil)
	}
}
