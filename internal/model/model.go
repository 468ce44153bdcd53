// Package model defines the core domain types shared across the engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes the buy and sell sides of reservations and
// standing triggers.
type OrderType string

const (
	OrderBuy  OrderType = "buy"
	OrderSell OrderType = "sell"
)

// Valid reports whether t is one of the two known order types.
func (t OrderType) Valid() bool {
	return t == OrderBuy || t == OrderSell
}

// Account is a user's cash account. Created on the first ADD, never
// deleted. Balance must never go negative.
type Account struct {
	Username string          `json:"username" db:"username"`
	Balance  decimal.Decimal `json:"balance" db:"balance"`
}

// Holding is the number of shares of one symbol a user owns. Rows may
// remain at zero quantity; quantity must never go negative.
type Holding struct {
	Username string `json:"username" db:"username"`
	Symbol   string `json:"symbol" db:"symbol"`
	Quantity int64  `json:"quantity" db:"quantity"`
}

// Reservation is escrowed, not-yet-finalized buy or sell value. A buy
// reservation holds cash debited from the account; a sell reservation
// holds shares debited from the holding. Exactly one of commit, cancel
// or expiry destroys it.
type Reservation struct {
	ID        int64           `json:"id" db:"id"`
	Type      OrderType       `json:"type" db:"type"`
	Username  string          `json:"username" db:"username"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`   // quote price at reservation time
	Amount    decimal.Decimal `json:"amount" db:"amount"` // quantity * price
	ExpiresAt time.Time       `json:"expires_at" db:"expires_at"`
}

// Expired reports whether the reservation deadline has passed at now.
func (r *Reservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Trigger is a standing (stop) order keyed by (username, symbol, type).
// A nil TriggerPrice means the amount is set but the trigger is not yet
// armed. For buy triggers the escrow is Amount in cash; for sell
// triggers it is EscrowedShares held against the order.
type Trigger struct {
	Username       string           `json:"username" db:"username"`
	Symbol         string           `json:"symbol" db:"symbol"`
	Type           OrderType        `json:"type" db:"type"`
	Amount         decimal.Decimal  `json:"amount" db:"amount"`
	TriggerPrice   *decimal.Decimal `json:"trigger_price,omitempty" db:"trigger_price"`
	EscrowedShares int64            `json:"escrowed_shares" db:"escrowed_shares"`
	TransactionNum int64            `json:"transaction_num" db:"transaction_num"`
}

// Armed reports whether the trigger has a price set and is eligible for
// evaluation by the maintainer.
func (t *Trigger) Armed() bool {
	return t.TriggerPrice != nil
}

// Quote is a priced snapshot of a symbol, as returned by the quote
// server. Cached is set when the price came from the quote cache rather
// than a live server round trip; cached quotes carry no crypto key.
type Quote struct {
	Price      decimal.Decimal `json:"price"`
	Symbol     string          `json:"symbol"`
	Username   string          `json:"username"` // canonical username echoed by the server
	ServerTime int64           `json:"quote_server_time"`
	CryptoKey  string          `json:"crypto_key,omitempty"`
	Cached     bool            `json:"-"`
}

/// UserSummary is the full account snapshot returned by DISPLAY_SUMMARY:
// balance, holdings, pending reservations, and standing triggers.
type UserSummary struct {
	Username     string          `json:"username"`
	Balance      decimal.Decimal `json:"balance"`
	Holdings     []Holding       `json:"holdings"`
	Reservations []Reservation   `json:"reservations"`
	Triggers     []Trigger       `json:"triggers"`
}
