package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-mfg/meridian-mfg/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxLedger exposes movement posting bound to one transaction. The receiving
// pipeline obtains a TxLedger for its own transaction via NewTx so the credit
// commits or rolls back together with the QC disposition.
type TxLedger interface {
	Credit(ctx context.Context, input CreditInput) (Movement, error)
	Debit(ctx context.Context, input DebitInput) (Movement, error)
}

type pgTxLedger struct {
	tx pgx.Tx
}

// NewTx binds a TxLedger to an existing transaction.
func NewTx(tx pgx.Tx) TxLedger {
	return &pgTxLedger{tx: tx}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxLedger) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxLedger{tx: tx})
	})
}

// GetBalance returns the on-hand balance for a material.
func (r *Repository) GetBalance(ctx context.Context, materialID int64) (Balance, error) {
	var bal Balance
	err := r.pool.QueryRow(ctx, `SELECT material_id, on_hand, updated_at FROM material_balances WHERE material_id=$1`, materialID).
		Scan(&bal.MaterialID, &bal.OnHand, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return bal, nil
}

// ListMovements returns journal rows, oldest first.
func (r *Repository) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, material_id, direction, qty, ref_module, ref_id, note, actor_id, posted_at
FROM material_movements
WHERE material_id=$1 AND posted_at BETWEEN COALESCE($2, '-infinity') AND COALESCE($3, 'infinity')
ORDER BY posted_at ASC, id ASC
LIMIT $4`, filter.MaterialID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	movements := []Movement{}
	for rows.Next() {
		var m Movement
		var direction string
		if err := rows.Scan(&m.ID, &m.MaterialID, &direction, &m.Qty, &m.RefModule, &m.RefID, &m.Note, &m.ActorID, &m.PostedAt); err != nil {
			return nil, err
		}
		m.Direction = Direction(direction)
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

// TotalByRefModule sums credited quantity per material for one source module.
// Used by the integrity scan to compare the journal against GRN dispositions.
func (r *Repository) TotalByRefModule(ctx context.Context, materialID int64, refModule string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(qty), 0) FROM material_movements WHERE material_id=$1 AND direction='CREDIT' AND ref_module=$2`, materialID, refModule).
		Scan(&total)
	if err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func (l *pgTxLedger) Credit(ctx context.Context, input CreditInput) (Movement, error) {
	return l.post(ctx, DirectionCredit, input.MaterialID, input.Qty, input.RefModule, input.RefID, input.Note, input.ActorID)
}

func (l *pgTxLedger) Debit(ctx context.Context, input DebitInput) (Movement, error) {
	return l.post(ctx, DirectionDebit, input.MaterialID, input.Qty, input.RefModule, input.RefID, input.Note, input.ActorID)
}

func (l *pgTxLedger) post(ctx context.Context, direction Direction, materialID int64, qty decimal.Decimal, refModule, refID, note string, actorID int64) (Movement, error) {
	if materialID == 0 {
		return Movement{}, errors.New("ledger: material required")
	}
	if qty.Sign() <= 0 {
		return Movement{}, ErrInvalidQuantity
	}

	onHand, err := l.balanceForUpdate(ctx, materialID)
	if err != nil {
		return Movement{}, err
	}
	newOnHand := onHand.Add(qty)
	if direction == DirectionDebit {
		newOnHand = onHand.Sub(qty)
	}
	if newOnHand.Sign() < 0 {
		return Movement{}, ErrNegativeStock
	}

	movement := Movement{
		MaterialID: materialID,
		Direction:  direction,
		Qty:        qty,
		RefModule:  refModule,
		RefID:      refID,
		Note:       note,
		ActorID:    actorID,
		PostedAt:   time.Now().UTC(),
	}
	err = l.tx.QueryRow(ctx, `INSERT INTO material_movements (material_id, direction, qty, ref_module, ref_id, note, actor_id, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		movement.MaterialID, string(movement.Direction), movement.Qty, movement.RefModule, nullString(movement.RefID), movement.Note, nullInt(movement.ActorID), movement.PostedAt).
		Scan(&movement.ID)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return Movement{}, ErrDuplicateRef
		}
		return Movement{}, err
	}

	_, err = l.tx.Exec(ctx, `INSERT INTO material_balances (material_id, on_hand, updated_at)
VALUES ($1,$2,NOW())
ON CONFLICT (material_id) DO UPDATE SET on_hand=EXCLUDED.on_hand, updated_at=NOW()`, materialID, newOnHand)
	if err != nil {
		return Movement{}, err
	}
	return movement, nil
}

func (l *pgTxLedger) balanceForUpdate(ctx context.Context, materialID int64) (decimal.Decimal, error) {
	var onHand decimal.Decimal
	err := l.tx.QueryRow(ctx, `SELECT on_hand FROM material_balances WHERE material_id=$1 FOR UPDATE`, materialID).Scan(&onHand)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return onHand, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
