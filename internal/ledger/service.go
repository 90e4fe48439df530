package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/meridian-mfg/meridian-mfg/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxLedger) error) error
	GetBalance(ctx context.Context, materialID int64) (Balance, error)
	ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort counts posted movements by direction.
type MetricsPort interface {
	RecordMovement(direction string)
}

// Service coordinates ledger operations for callers outside the receiving
// pipeline. The pipeline itself credits through a TxLedger bound to its own
// transaction; both paths share the same lock discipline on the balance row.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics MetricsPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, metrics MetricsPort) *Service {
	return &Service{repo: repo, audit: audit, metrics: metrics}
}

// Credit posts a stock credit in its own transaction.
func (s *Service) Credit(ctx context.Context, input CreditInput) (Movement, error) {
	if input.MaterialID == 0 {
		return Movement{}, errors.New("ledger: material required")
	}
	if input.Qty.Sign() <= 0 {
		return Movement{}, ErrInvalidQuantity
	}
	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxLedger) error {
		var err error
		movement, err = tx.Credit(ctx, input)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	s.recordMovement(movement)
	s.recordAudit(ctx, "LEDGER_CREDIT", movement)
	return movement, nil
}

// Debit posts a stock debit in its own transaction. Sales fulfilment is the
// main caller; debits below zero on-hand are rejected.
func (s *Service) Debit(ctx context.Context, input DebitInput) (Movement, error) {
	if input.MaterialID == 0 {
		return Movement{}, errors.New("ledger: material required")
	}
	if input.Qty.Sign() <= 0 {
		return Movement{}, ErrInvalidQuantity
	}
	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxLedger) error {
		var err error
		movement, err = tx.Debit(ctx, input)
		return err
	})
	if err != nil {
		return Movement{}, err
	}
	s.recordMovement(movement)
	s.recordAudit(ctx, "LEDGER_DEBIT", movement)
	return movement, nil
}

// GetBalance returns on-hand stock for a material, zero when never moved.
func (s *Service) GetBalance(ctx context.Context, materialID int64) (Balance, error) {
	if materialID == 0 {
		return Balance{}, errors.New("ledger: material required")
	}
	bal, err := s.repo.GetBalance(ctx, materialID)
	if errors.Is(err, ErrNotFound) {
		return Balance{MaterialID: materialID, OnHand: decimal.Zero}, nil
	}
	return bal, err
}

// ListMovements lists journal rows for a material.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if filter.MaterialID == 0 {
		return nil, errors.New("ledger: material required")
	}
	return s.repo.ListMovements(ctx, filter)
}

func (s *Service) recordMovement(movement Movement) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordMovement(string(movement.Direction))
}

func (s *Service) recordAudit(ctx context.Context, action string, movement Movement) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  movement.ActorID,
		Action:   action,
		Entity:   "ledger",
		EntityID: fmt.Sprintf("%d", movement.ID),
		Meta:     map[string]any{"material_id": movement.MaterialID, "qty": movement.Qty.String(), "ref": movement.RefID},
	})
}
