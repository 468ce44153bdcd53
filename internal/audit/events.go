// Package audit defines the structured event records every command and
// outcome produces, and the publishers that deliver them to the logging
// service. Events are a closed set of typed variants; Publish validates
// each one and fails loudly on a missing mandatory field rather than
// dropping it.
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ServerName is stamped on every event this process emits.
const ServerName = "DDJK"

// Command names the client-facing commands, as they appear in audit
// records.
type Command string

const (
	ADD              Command = "ADD"
	QUOTE            Command = "QUOTE"
	BUY              Command = "BUY"
	COMMIT_BUY       Command = "COMMIT_BUY"
	CANCEL_BUY       Command = "CANCEL_BUY"
	SELL             Command = "SELL"
	COMMIT_SELL      Command = "COMMIT_SELL"
	CANCEL_SELL      Command = "CANCEL_SELL"
	SET_BUY_AMOUNT   Command = "SET_BUY_AMOUNT"
	SET_BUY_TRIGGER  Command = "SET_BUY_TRIGGER"
	CANCEL_SET_BUY   Command = "CANCEL_SET_BUY"
	SET_SELL_AMOUNT  Command = "SET_SELL_AMOUNT"
	SET_SELL_TRIGGER Command = "SET_SELL_TRIGGER"
	CANCEL_SET_SELL  Command = "CANCEL_SET_SELL"
	DUMPLOG          Command = "DUMPLOG"
	DISPLAY_SUMMARY  Command = "DISPLAY_SUMMARY"
)

var validCommands = map[Command]bool{
	ADD: true, QUOTE: true, BUY: true, COMMIT_BUY: true, CANCEL_BUY: true,
	SELL: true, COMMIT_SELL: true, CANCEL_SELL: true,
	SET_BUY_AMOUNT: true, SET_BUY_TRIGGER: true, CANCEL_SET_BUY: true,
	SET_SELL_AMOUNT: true, SET_SELL_TRIGGER: true, CANCEL_SET_SELL: true,
	DUMPLOG: true, DISPLAY_SUMMARY: true,
}

// Valid reports whether c is a known command name.
func (c Command) Valid() bool { return validCommands[c] }

// EventKind tags the audit event variants.
type EventKind string

const (
	KindUserCommand        EventKind = "userCommand"
	KindQuoteServer        EventKind = "quoteServer"
	KindAccountTransaction EventKind = "accountTransaction"
	KindSystemEvent        EventKind = "systemEvent"
	KindErrorEvent         EventKind = "errorEvent"
)

// Account transaction actions.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
)

// ErrSchema marks an event that failed validation; the publish call
// that produced it must fail, never silently drop fields.
var ErrSchema = errors.New("audit event schema violation")

// Event is one audit record. Validate is called by every publisher
// before delivery.
type Event interface {
	Kind() EventKind
	Validate() error
}

// Header carries the fields common to all event kinds.
type Header struct {
	Timestamp      int64  `json:"timestamp"` // unix millis
	Server         string `json:"server"`
	TransactionNum int64  `json:"transaction_num"`
}

// NewHeader stamps a header for the given transaction number.
func NewHeader(transactionNum int64) Header {
	return Header{
		Timestamp:      time.Now().UnixMilli(),
		Server:         ServerName,
		TransactionNum: transactionNum,
	}
}

func (h Header) validate() error {
	if h.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrSchema)
	}
	if h.Server == "" {
		return fmt.Errorf("%w: missing server", ErrSchema)
	}
	return nil
}

// UserCommand records a command as submitted by a client.
type UserCommand struct {
	Header
	Command  Command          `json:"command"`
	Username string           `json:"username,omitempty"`
	Symbol   string           `json:"stock_symbol,omitempty"`
	Filename string           `json:"filename,omitempty"`
	Funds    *decimal.Decimal `json:"funds,omitempty"`
}

func (e *UserCommand) Kind() EventKind { return KindUserCommand }

func (e *UserCommand) Validate() error {
	if err := e.Header.validate(); err != nil {
		return err
	}
	if !e.Command.Valid() {
		return fmt.Errorf("%w: unknown command %q", ErrSchema, e.Command)
	}
	return nil
}

// QuoteServer records one round trip to the quote server.
type QuoteServer struct {
	Header
	QuoteServerTime int64           `json:"quote_server_time"`
	Username        string          `json:"username"`
	Symbol          string          `json:"stock_symbol"`
	Price           decimal.Decimal `json:"price"`
	CryptoKey       string          `json:"crypto_key"`
}

func (e *QuoteServer) Kind() EventKind { return KindQuoteServer }

func (e *QuoteServer) Validate() error {
	if err := e.Header.validate(); err != nil {
		return err
	}
	switch {
	case e.Username == "":
		return fmt.Errorf("%w: quoteServer missing username", ErrSchema)
	case e.Symbol == "":
		return fmt.Errorf("%w: quoteServer missing stock symbol", ErrSchema)
	case !e.Price.IsPositive():
		return fmt.Errorf("%w: quoteServer price must be positive", ErrSchema)
	case e.CryptoKey == "":
		return fmt.Errorf("%w: quoteServer missing crypto key", ErrSchema)
	case e.QuoteServerTime <= 0:
		return fmt.Errorf("%w: quoteServer missing server time", ErrSchema)
	}
	return nil
}

// AccountTransaction records money moving into or out of an account.
type AccountTransaction struct {
	Header
	Action   string          `json:"action"` // "add" or "remove"
	Username string          `json:"username"`
	Funds    decimal.Decimal `json:"funds"`
}

func (e *AccountTransaction) Kind() EventKind { return KindAccountTransaction }

func (e *AccountTransaction) Validate() error {
	if err := e.Header.validate(); err != nil {
		return err
	}
	switch {
	case e.Action != ActionAdd && e.Action != ActionRemove:
		return fmt.Errorf("%w: accountTransaction action %q", ErrSchema, e.Action)
	case e.Username == "":
		return fmt.Errorf("%w: accountTransaction missing username", ErrSchema)
	case e.Funds.IsNegative():
		return fmt.Errorf("%w: accountTransaction negative funds", ErrSchema)
	}
	return nil
}

// SystemEvent records an action the system took on its own, such as a
// reservation expiring or a standing trigger firing.
type SystemEvent struct {
	Header
	Command  Command          `json:"command"`
	Username string           `json:"username,omitempty"`
	Symbol   string           `json:"stock_symbol,omitempty"`
	Funds    *decimal.Decimal `json:"funds,omitempty"`
}

func (e *SystemEvent) Kind() EventKind { return KindSystemEvent }

func (e *SystemEvent) Validate() error {
	if err := e.Header.validate(); err != nil {
		return err
	}
	if !e.Command.Valid() {
		return fmt.Errorf("%w: unknown command %q", ErrSchema, e.Command)
	}
	return nil
}

// ErrorEvent records a command that failed.
type ErrorEvent struct {
	Header
	Command      Command          `json:"command"`
	Username     string           `json:"username,omitempty"`
	Symbol       string           `json:"stock_symbol,omitempty"`
	Funds        *decimal.Decimal `json:"funds,omitempty"`
	ErrorMessage string           `json:"error_message"`
}

func (e *ErrorEvent) Kind() EventKind { return KindErrorEvent }

func (e *ErrorEvent) Validate() error {
	if err := e.Header.validate(); err != nil {
		return err
	}
	if !e.Command.Valid() {
		return fmt.Errorf("%w: unknown command %q", ErrSchema, e.Command)
	}
	if e.ErrorMessage == "" {
		return fmt.Errorf("%w: errorEvent missing message", ErrSchema)
	}
	return nil
}
