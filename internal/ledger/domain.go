package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Direction enumerates supported ledger movements.
type Direction string

const (
	// DirectionCredit represents stock entering the ledger.
	DirectionCredit Direction = "CREDIT"
	// DirectionDebit represents stock leaving the ledger.
	DirectionDebit Direction = "DEBIT"
)

// Movement is one journal row; the ledger is the sum of its movements.
type Movement struct {
	ID         int64
	MaterialID int64
	Direction  Direction
	Qty        decimal.Decimal
	RefModule  string
	RefID      string
	Note       string
	ActorID    int64
	PostedAt   time.Time
}

// Balance summarises on-hand stock per material.
type Balance struct {
	MaterialID int64
	OnHand     decimal.Decimal
	UpdatedAt  time.Time
}

// CreditInput describes a stock credit request.
type CreditInput struct {
	MaterialID int64
	Qty        decimal.Decimal
	RefModule  string
	RefID      string
	Note       string
	ActorID    int64
}

// DebitInput describes a stock debit request.
type DebitInput struct {
	MaterialID int64
	Qty        decimal.Decimal
	RefModule  string
	RefID      string
	Note       string
	ActorID    int64
}

// MovementFilter filters journal reads.
type MovementFilter struct {
	MaterialID int64
	From       time.Time
	To         time.Time
	Limit      int
}

var (
	// ErrNegativeStock triggered when a debit would drive on-hand below zero.
	ErrNegativeStock = errors.New("ledger: negative stock not allowed")
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
	// ErrDuplicateRef indicates a movement with the same reference was already posted.
	ErrDuplicateRef = errors.New("ledger: movement reference already posted")
	// ErrNotFound indicates a missing balance row.
	ErrNotFound = errors.New("ledger: not found")
)
