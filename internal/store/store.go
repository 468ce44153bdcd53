// Package store defines the persistence interface for the transaction
// engine. Implementations include PostgreSQL (source of truth) and
// in-memory (for testing and development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ddjk/transaction-engine/internal/model"
)

// ErrNotFound is returned when a row addressed by key does not exist.
var ErrNotFound = errors.New("not found")

// Store opens transactional views over the engine's state. Every
// handler invocation and every reconciler step runs inside exactly one
// transaction; a returned error rolls the whole transaction back.
type Store interface {
	// InTx runs fn inside a single transaction, committing on nil and
	// rolling back on error.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases the underlying connections.
	Close()
}

// Tx is the transactional view handed to handlers and the background
// loops. All mutations within one Tx become visible atomically.
type Tx interface {
	// --- Accounts ---

	// GetAccount returns the account for username, or ErrNotFound.
	GetAccount(ctx context.Context, username string) (*model.Account, error)

	// AddFunds credits amount to the account, creating it at amount if
	// absent.
	AddFunds(ctx context.Context, username string, amount decimal.Decimal) error

	// AdjustBalance applies a signed delta to an existing account's
	// balance. ErrNotFound if the account does not exist.
	AdjustBalance(ctx context.Context, username string, delta decimal.Decimal) error

	// --- Holdings ---

	// HoldingQuantity returns the shares of symbol owned by username,
	// zero when no row exists.
	HoldingQuantity(ctx context.Context, username, symbol string) (int64, error)

	// AdjustHolding applies a signed share delta, creating the row if
	// absent.
	AdjustHolding(ctx context.Context, username, symbol string, delta int64) error

	// ListHoldings returns all holdings for username.
	ListHoldings(ctx context.Context, username string) ([]model.Holding, error)

	// --- Reservations ---

	// InsertReservation persists r and assigns its monotonic ID.
	InsertReservation(ctx context.Context, r *model.Reservation) error

	// DeleteActionableReservation deletes and returns the single
	// actionable reservation for (username, typ): the most recently
	// created one whose deadline has not passed at now. ErrNotFound
	// when there is none.
	DeleteActionableReservation(ctx context.Context, username string, typ model.OrderType, now time.Time) (*model.Reservation, error)

	// DeleteExpiredReservation deletes and returns one reservation
	// whose deadline passed at or before now, or ErrNotFound.
	DeleteExpiredReservation(ctx context.Context, now time.Time) (*model.Reservation, error)

	// ListReservations returns all pending reservations for username.
	ListReservations(ctx context.Context, username string) ([]model.Reservation, error)

	// --- Triggers ---

	// GetTrigger returns the trigger keyed by (username, symbol, typ),
	// or ErrNotFound.
	GetTrigger(ctx context.Context, username, symbol string, typ model.OrderType) (*model.Trigger, error)

	// UpsertTrigger inserts or replaces the trigger at its key.
	UpsertTrigger(ctx context.Context, t *model.Trigger) error

	// DeleteTrigger deletes and returns the trigger at the key, or
	// ErrNotFound. The existence check makes racing deletes idempotent.
	DeleteTrigger(ctx context.Context, username, symbol string, typ model.OrderType) (*model.Trigger, error)

	// ListArmedTriggers returns every trigger with a price set.
	ListArmedTriggers(ctx context.Context) ([]model.Trigger, error)

	// ListTriggers returns all triggers for username.
	ListTriggers(ctx context.Context, username string) ([]model.Trigger, error)
}
