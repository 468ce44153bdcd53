package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/ddjk/transaction-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of
// truth. All monetary values are stored as NUMERIC for exact decimal
// precision; CHECK constraints back the non-negativity invariants the
// handlers enforce.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the engine's tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			username TEXT PRIMARY KEY,
			balance  NUMERIC NOT NULL DEFAULT 0 CHECK (balance >= 0)
		);
		CREATE TABLE IF NOT EXISTS holdings (
			username TEXT NOT NULL,
			symbol   TEXT NOT NULL,
			quantity BIGINT NOT NULL DEFAULT 0 CHECK (quantity >= 0),
			PRIMARY KEY (username, symbol)
		);
		CREATE TABLE IF NOT EXISTS reservations (
			id         BIGSERIAL PRIMARY KEY,
			type       TEXT NOT NULL,
			username   TEXT NOT NULL,
			symbol     TEXT NOT NULL,
			quantity   BIGINT NOT NULL,
			price      NUMERIC NOT NULL,
			amount     NUMERIC NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS reservations_user_type_idx
			ON reservations (username, type, id DESC);
		CREATE INDEX IF NOT EXISTS reservations_expiry_idx
			ON reservations (expires_at);
		CREATE TABLE IF NOT EXISTS triggers (
			username        TEXT NOT NULL,
			symbol          TEXT NOT NULL,
			type            TEXT NOT NULL,
			amount          NUMERIC NOT NULL,
			trigger_price   NUMERIC,
			escrowed_shares BIGINT NOT NULL DEFAULT 0,
			transaction_num BIGINT NOT NULL,
			PRIMARY KEY (username, symbol, type)
		);`)
	return err
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetAccount(ctx context.Context, username string) (*model.Account, error) {
	var balance string
	err := t.tx.QueryRow(ctx,
		`SELECT balance::TEXT FROM accounts WHERE username = $1`, username).
		Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", username, err)
	}

	a := &model.Account{Username: username}
	a.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("account %s balance: %w", username, err)
	}
	return a, nil
}

func (t *pgTx) AddFunds(ctx context.Context, username string, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (username, balance) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (username) DO UPDATE
		 SET balance = accounts.balance + $2::NUMERIC`,
		username, amount.String())
	return err
}

func (t *pgTx) AdjustBalance(ctx context.Context, username string, delta decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2::NUMERIC WHERE username = $1`,
		username, delta.String())
	if err != nil {
		return fmt.Errorf("adjust balance %s: %w", username, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) HoldingQuantity(ctx context.Context, username, symbol string) (int64, error) {
	var qty int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM holdings
		 WHERE username = $1 AND symbol = $2`, username, symbol).
		Scan(&qty)
	return qty, err
}

func (t *pgTx) AdjustHolding(ctx context.Context, username, symbol string, delta int64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO holdings (username, symbol, quantity) VALUES ($1, $2, $3)
		 ON CONFLICT (username, symbol) DO UPDATE
		 SET quantity = holdings.quantity + $3`,
		username, symbol, delta)
	return err
}

func (t *pgTx) ListHoldings(ctx context.Context, username string) ([]model.Holding, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT username, symbol, quantity FROM holdings
		 WHERE username = $1 ORDER BY symbol`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.Username, &h.Symbol, &h.Quantity); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

const reservationColumns = `id, type, username, symbol, quantity, price::TEXT, amount::TEXT, expires_at`

func scanReservation(row pgx.Row) (*model.Reservation, error) {
	var r model.Reservation
	var price, amount string

	err := row.Scan(&r.ID, &r.Type, &r.Username, &r.Symbol, &r.Quantity,
		&price, &amount, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if r.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("reservation %d price: %w", r.ID, err)
	}
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("reservation %d amount: %w", r.ID, err)
	}
	return &r, nil
}

func (t *pgTx) InsertReservation(ctx context.Context, r *model.Reservation) error {
	return t.tx.QueryRow(ctx,
		`INSERT INTO reservations (type, username, symbol, quantity, price, amount, expires_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)
		 RETURNING id`,
		r.Type, r.Username, r.Symbol, r.Quantity,
		r.Price.String(), r.Amount.String(), r.ExpiresAt).
		Scan(&r.ID)
}

func (t *pgTx) DeleteActionableReservation(ctx context.Context, username string, typ model.OrderType, now time.Time) (*model.Reservation, error) {
	row := t.tx.QueryRow(ctx,
		`DELETE FROM reservations WHERE id = (
			SELECT id FROM reservations
			WHERE username = $1 AND type = $2 AND expires_at > $3
			ORDER BY id DESC LIMIT 1
		 ) RETURNING `+reservationColumns,
		username, typ, now)
	return scanReservation(row)
}

func (t *pgTx) DeleteExpiredReservation(ctx context.Context, now time.Time) (*model.Reservation, error) {
	row := t.tx.QueryRow(ctx,
		`DELETE FROM reservations WHERE id = (
			SELECT id FROM reservations
			WHERE expires_at <= $1
			ORDER BY expires_at LIMIT 1
		 ) RETURNING `+reservationColumns,
		now)
	return scanReservation(row)
}

func (t *pgTx) ListReservations(ctx context.Context, username string) ([]model.Reservation, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE username = $1 ORDER BY id`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reservations []model.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, *r)
	}
	return reservations, rows.Err()
}

const triggerColumns = `username, symbol, type, amount::TEXT, trigger_price::TEXT, escrowed_shares, transaction_num`

func scanTrigger(row pgx.Row) (*model.Trigger, error) {
	var t model.Trigger
	var amount string
	var price *string

	err := row.Scan(&t.Username, &t.Symbol, &t.Type, &amount, &price,
		&t.EscrowedShares, &t.TransactionNum)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("trigger %s/%s amount: %w", t.Username, t.Symbol, err)
	}
	if price != nil {
		p, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, fmt.Errorf("trigger %s/%s price: %w", t.Username, t.Symbol, err)
		}
		t.TriggerPrice = &p
	}
	return &t, nil
}

func (t *pgTx) GetTrigger(ctx context.Context, username, symbol string, typ model.OrderType) (*model.Trigger, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+triggerColumns+` FROM triggers
		 WHERE username = $1 AND symbol = $2 AND type = $3`,
		username, symbol, typ)
	return scanTrigger(row)
}

func (t *pgTx) UpsertTrigger(ctx context.Context, trig *model.Trigger) error {
	var price *string
	if trig.TriggerPrice != nil {
		s := trig.TriggerPrice.String()
		price = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO triggers (username, symbol, type, amount, trigger_price, escrowed_shares, transaction_num)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7)
		 ON CONFLICT (username, symbol, type) DO UPDATE SET
			amount = $4::NUMERIC,
			trigger_price = $5::NUMERIC,
			escrowed_shares = $6,
			transaction_num = $7`,
		trig.Username, trig.Symbol, trig.Type,
		trig.Amount.String(), price, trig.EscrowedShares, trig.TransactionNum)
	return err
}

func (t *pgTx) DeleteTrigger(ctx context.Context, username, symbol string, typ model.OrderType) (*model.Trigger, error) {
	row := t.tx.QueryRow(ctx,
		`DELETE FROM triggers
		 WHERE username = $1 AND symbol = $2 AND type = $3
		 RETURNING `+triggerColumns,
		username, symbol, typ)
	return scanTrigger(row)
}

func (t *pgTx) ListArmedTriggers(ctx context.Context) ([]model.Trigger, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+triggerColumns+` FROM triggers
		 WHERE trigger_price IS NOT NULL
		 ORDER BY username, symbol, type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTriggers(rows)
}

func (t *pgTx) ListTriggers(ctx context.Context, username string) ([]model.Trigger, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+triggerColumns+` FROM triggers
		 WHERE username = $1 ORDER BY symbol, type`, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTriggers(rows)
}

func collectTriggers(rows pgx.Rows) ([]model.Trigger, error) {
	var triggers []model.Trigger
	for rows.Next() {
		trig, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, *trig)
	}
	return triggers, rows.Err()
}
