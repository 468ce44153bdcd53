// Package engine implements the transaction processor: command
// dispatch, per-user serialization, reservation expiry, and standing
// trigger maintenance.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ddjk/transaction-engine/internal/audit"
	"github.com/ddjk/transaction-engine/internal/metrics"
	"github.com/ddjk/transaction-engine/internal/model"
	"github.com/ddjk/transaction-engine/internal/quote"
	"github.com/ddjk/transaction-engine/internal/store"
)

// maxSymbolLen bounds stock symbols, matching the legacy quote feed.
const maxSymbolLen = 3

// Command is one client request, already parsed and numbered.
type Command struct {
	TransactionNum int64
	Name           audit.Command
	Username       string
	Symbol         string
	Amount         decimal.Decimal
	Filename       string
}

// Notifier pushes account activity to connected clients. Pass nil to
// disable.
type Notifier interface {
	Notify(username, action, symbol string, funds decimal.Decimal, shares int64)
}

// Engine executes commands against the store. It is safe for
// concurrent use; per-user ordering is the Serializer's job.
type Engine struct {
	store    store.Store
	quotes   quote.Source
	audit    audit.Publisher
	notifier Notifier
	expiry   *ExpiryScheduler
	lifespan time.Duration
	log      *slog.Logger
}

// New creates an engine. lifespan is how long buy/sell reservations
// and the quotes behind them stay valid.
func New(st store.Store, quotes quote.Source, pub audit.Publisher, notifier Notifier, expiry *ExpiryScheduler, lifespan time.Duration, log *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		quotes:   quotes,
		audit:    pub,
		notifier: notifier,
		expiry:   expiry,
		lifespan: lifespan,
		log:      log,
	}
}

// Execute runs one command: records it, dispatches, and records the
// outcome. The returned value is the command's response body.
func (e *Engine) Execute(ctx context.Context, cmd Command) (any, error) {
	start := time.Now()
	metrics.CommandsTotal.WithLabelValues(string(cmd.Name)).Inc()
	defer func() {
		metrics.CommandLatency.WithLabelValues(string(cmd.Name)).Observe(time.Since(start).Seconds())
	}()

	uc := &audit.UserCommand{
		Header:   audit.NewHeader(cmd.TransactionNum),
		Command:  cmd.Name,
		Username: cmd.Username,
		Symbol:   cmd.Symbol,
		Filename: cmd.Filename,
	}
	if cmd.Amount.IsPositive() {
		funds := cmd.Amount
		uc.Funds = &funds
	}
	if err := e.audit.Publish(ctx, uc); err != nil {
		if errors.Is(err, audit.ErrSchema) {
			return nil, wrapf(KindSchemaViolation, err, "record command")
		}
		return nil, wrapf(KindInternal, err, "record command")
	}

	result, events, err := e.dispatch(ctx, cmd)
	if err != nil {
		e.fail(ctx, cmd, err)
		return nil, err
	}
	for _, ev := range events {
		if perr := e.audit.Publish(ctx, ev); perr != nil {
			e.log.Error("audit publish failed", "command", string(cmd.Name), "error", perr)
		}
	}
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	switch cmd.Name {
	case audit.ADD:
		return e.add(ctx, cmd)
	case audit.QUOTE:
		return e.quote(ctx, cmd)
	case audit.BUY:
		return e.buy(ctx, cmd)
	case audit.COMMIT_BUY:
		return e.commitBuy(ctx, cmd)
	case audit.CANCEL_BUY:
		return e.cancelBuy(ctx, cmd)
	case audit.SELL:
		return e.sell(ctx, cmd)
	case audit.COMMIT_SELL:
		return e.commitSell(ctx, cmd)
	case audit.CANCEL_SELL:
		return e.cancelSell(ctx, cmd)
	case audit.SET_BUY_AMOUNT:
		return e.setBuyAmount(ctx, cmd)
	case audit.SET_BUY_TRIGGER:
		return e.setBuyTrigger(ctx, cmd)
	case audit.CANCEL_SET_BUY:
		return e.cancelSetBuy(ctx, cmd)
	case audit.SET_SELL_AMOUNT:
		return e.setSellAmount(ctx, cmd)
	case audit.SET_SELL_TRIGGER:
		return e.setSellTrigger(ctx, cmd)
	case audit.CANCEL_SET_SELL:
		return e.cancelSetSell(ctx, cmd)
	case audit.DUMPLOG:
		return e.dumplog(ctx, cmd)
	case audit.DISPLAY_SUMMARY:
		return e.displaySummary(ctx, cmd)
	default:
		return nil, nil, errf(KindInvalidArgument, "unknown command %q", cmd.Name)
	}
}

func (e *Engine) fail(ctx context.Context, cmd Command, cmdErr error) {
	metrics.CommandErrors.WithLabelValues(string(KindOf(cmdErr))).Inc()
	ev := &audit.ErrorEvent{
		Header:       audit.NewHeader(cmd.TransactionNum),
		Command:      cmd.Name,
		Username:     cmd.Username,
		Symbol:       cmd.Symbol,
		ErrorMessage: cmdErr.Error(),
	}
	if cmd.Amount.IsPositive() {
		funds := cmd.Amount
		ev.Funds = &funds
	}
	if err := e.audit.Publish(ctx, ev); err != nil {
		e.log.Error("audit publish failed", "command", string(cmd.Name), "error", err)
	}
}

func (e *Engine) notify(username, action, symbol string, funds decimal.Decimal, shares int64) {
	if e.notifier != nil {
		e.notifier.Notify(username, action, symbol, funds, shares)
	}
}

// --- validation helpers ---

func requireUser(cmd Command) error {
	if cmd.Username == "" {
		return errf(KindInvalidArgument, "username is required")
	}
	return nil
}

func requireSymbol(cmd Command) error {
	if cmd.Symbol == "" {
		return errf(KindInvalidArgument, "stock symbol is required")
	}
	if len(cmd.Symbol) > maxSymbolLen {
		return errf(KindInvalidArgument, "stock symbol %q exceeds %d characters", cmd.Symbol, maxSymbolLen)
	}
	return nil
}

func requireAmount(cmd Command) error {
	if !cmd.Amount.IsPositive() {
		return errf(KindInvalidArgument, "amount must be positive")
	}
	return nil
}

// fetchQuote gets a price, recording the quote server round trip when
// the answer did not come from cache.
func (e *Engine) fetchQuote(ctx context.Context, cmd Command) (*model.Quote, []audit.Event, error) {
	q, err := e.quotes.GetQuote(ctx, cmd.Username, cmd.Symbol)
	if err != nil {
		if errors.Is(err, quote.ErrUnavailable) {
			return nil, nil, wrapf(KindUpstreamUnavailable, err, "quote %s", cmd.Symbol)
		}
		return nil, nil, wrapf(KindInternal, err, "quote %s", cmd.Symbol)
	}
	var events []audit.Event
	if !q.Cached {
		events = append(events, &audit.QuoteServer{
			Header:          audit.NewHeader(cmd.TransactionNum),
			QuoteServerTime: q.ServerTime,
			Username:        q.Username,
			Symbol:          q.Symbol,
			Price:           q.Price,
			CryptoKey:       q.CryptoKey,
		})
	}
	return q, events, nil
}

func accountTxn(cmd Command, action string, funds decimal.Decimal) *audit.AccountTransaction {
	return &audit.AccountTransaction{
		Header:   audit.NewHeader(cmd.TransactionNum),
		Action:   action,
		Username: cmd.Username,
		Funds:    funds,
	}
}

// --- command handlers ---

// AddResult is the ADD response body.
type AddResult struct {
	Username string          `json:"username"`
	Balance  decimal.Decimal `json:"balance"`
}

func (e *Engine) add(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireAmount(cmd); err != nil {
		return nil, nil, err
	}

	var balance decimal.Decimal
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.AddFunds(ctx, cmd.Username, cmd.Amount); err != nil {
			return err
		}
		acct, err := tx.GetAccount(ctx, cmd.Username)
		if err != nil {
			return err
		}
		balance = acct.Balance
		return nil
	})
	if err != nil {
		return nil, nil, wrapf(KindInternal, err, "add funds")
	}

	e.notify(cmd.Username, "add", "", cmd.Amount, 0)
	events := []audit.Event{accountTxn(cmd, audit.ActionAdd, cmd.Amount)}
	return AddResult{Username: cmd.Username, Balance: balance}, events, nil
}

// QuoteResult is the QUOTE response body. CryptoKey is empty on cache
// hits, which never touched the quote server.
type QuoteResult struct {
	Symbol     string          `json:"stock_symbol"`
	Price      decimal.Decimal `json:"price"`
	ServerTime int64           `json:"quote_server_time"`
	CryptoKey  string          `json:"crypto_key,omitempty"`
	Cached     bool            `json:"cached"`
}

func (e *Engine) quote(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireSymbol(cmd); err != nil {
		return nil, nil, err
	}
	q, events, err := e.fetchQuote(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}
	return QuoteResult{
		Symbol:     q.Symbol,
		Price:      q.Price,
		ServerTime: q.ServerTime,
		CryptoKey:  q.CryptoKey,
		Cached:     q.Cached,
	}, events, nil
}

// ReservationResult is the BUY/SELL response body.
type ReservationResult struct {
	Type      model.OrderType `json:"type"`
	Symbol    string          `json:"stock_symbol"`
	Quantity  int64           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	ExpiresAt time.Time       `json:"expires_at"`
}

func (e *Engine) buy(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireSymbol(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireAmount(cmd); err != nil {
		return nil, nil, err
	}

	q, events, err := e.fetchQuote(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}

	qty := cmd.Amount.Div(q.Price).IntPart()
	if qty <= 0 {
		return nil, nil, errf(KindInsufficientAmount,
			"%s buys zero shares of %s at %s", cmd.Amount, cmd.Symbol, q.Price)
	}
	cost := q.Price.Mul(decimal.NewFromInt(qty))

	res := model.Reservation{
		Type:      model.OrderBuy,
		Username:  cmd.Username,
		Symbol:    cmd.Symbol,
		Quantity:  qty,
		Price:     q.Price,
		Amount:    cost,
		ExpiresAt: time.Now().Add(e.lifespan),
	}
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		acct, err := tx.GetAccount(ctx, cmd.Username)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindInsufficientFunds, "account %s has no funds", cmd.Username)
			}
			return err
		}
		if acct.Balance.LessThan(cost) {
			return errf(KindInsufficientFunds,
				"balance %s below cost %s", acct.Balance, cost)
		}
		if err := tx.AdjustBalance(ctx, cmd.Username, cost.Neg()); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, &res)
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "reserve buy")
	}

	e.expiry.Schedule(res.ExpiresAt)
	events = append(events, accountTxn(cmd, audit.ActionRemove, cost))
	return ReservationResult{
		Type: res.Type, Symbol: res.Symbol, Quantity: res.Quantity,
		Price: res.Price, Amount: res.Amount, ExpiresAt: res.ExpiresAt,
	}, events, nil
}

// CommitResult is the COMMIT_BUY/COMMIT_SELL response body.
type CommitResult struct {
	Symbol   string          `json:"stock_symbol"`
	Quantity int64           `json:"quantity"`
	Amount   decimal.Decimal `json:"amount"`
}

func (e *Engine) commitBuy(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}

	var res model.Reservation
	var remainder decimal.Decimal
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.DeleteActionableReservation(ctx, cmd.Username, model.OrderBuy, time.Now())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindNothingToCommit, "no buy to commit for %s", cmd.Username)
			}
			return err
		}
		res = *r
		if err := tx.AdjustHolding(ctx, cmd.Username, res.Symbol, res.Quantity); err != nil {
			return err
		}
		// Amount is exactly quantity*price, but credit any surplus
		// rather than letting it vanish.
		remainder = res.Amount.Sub(res.Price.Mul(decimal.NewFromInt(res.Quantity)))
		if remainder.IsPositive() {
			return tx.AdjustBalance(ctx, cmd.Username, remainder)
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "commit buy")
	}

	e.notify(cmd.Username, "buy", res.Symbol, res.Amount, res.Quantity)
	var events []audit.Event
	if remainder.IsPositive() {
		events = append(events, accountTxn(cmd, audit.ActionAdd, remainder))
	}
	return CommitResult{Symbol: res.Symbol, Quantity: res.Quantity, Amount: res.Amount}, events, nil
}

func (e *Engine) cancelBuy(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}

	var res model.Reservation
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.DeleteActionableReservation(ctx, cmd.Username, model.OrderBuy, time.Now())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindNothingToCancel, "no buy to cancel for %s", cmd.Username)
			}
			return err
		}
		res = *r
		return tx.AdjustBalance(ctx, cmd.Username, res.Amount)
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "cancel buy")
	}

	events := []audit.Event{accountTxn(cmd, audit.ActionAdd, res.Amount)}
	return CommitResult{Symbol: res.Symbol, Quantity: res.Quantity, Amount: res.Amount}, events, nil
}

func (e *Engine) sell(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireSymbol(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireAmount(cmd); err != nil {
		return nil, nil, err
	}

	q, events, err := e.fetchQuote(ctx, cmd)
	if err != nil {
		return nil, nil, err
	}

	qty := cmd.Amount.Div(q.Price).IntPart()
	if qty <= 0 {
		return nil, nil, errf(KindInsufficientAmount,
			"%s sells zero shares of %s at %s", cmd.Amount, cmd.Symbol, q.Price)
	}
	proceeds := q.Price.Mul(decimal.NewFromInt(qty))

	res := model.Reservation{
		Type:      model.OrderSell,
		Username:  cmd.Username,
		Symbol:    cmd.Symbol,
		Quantity:  qty,
		Price:     q.Price,
		Amount:    proceeds,
		ExpiresAt: time.Now().Add(e.lifespan),
	}
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		have, err := tx.HoldingQuantity(ctx, cmd.Username, cmd.Symbol)
		if err != nil {
			return err
		}
		if have < qty {
			return errf(KindInsufficientHoldings,
				"holds %d shares of %s, needs %d", have, cmd.Symbol, qty)
		}
		if err := tx.AdjustHolding(ctx, cmd.Username, cmd.Symbol, -qty); err != nil {
			return err
		}
		return tx.InsertReservation(ctx, &res)
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "reserve sell")
	}

	e.expiry.Schedule(res.ExpiresAt)
	return ReservationResult{
		Type: res.Type, Symbol: res.Symbol, Quantity: res.Quantity,
		Price: res.Price, Amount: res.Amount, ExpiresAt: res.ExpiresAt,
	}, events, nil
}

func (e *Engine) commitSell(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}

	var res model.Reservation
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.DeleteActionableReservation(ctx, cmd.Username, model.OrderSell, time.Now())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindNothingToCommit, "no sell to commit for %s", cmd.Username)
			}
			return err
		}
		res = *r
		return tx.AddFunds(ctx, cmd.Username, res.Amount)
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "commit sell")
	}

	e.notify(cmd.Username, "sell", res.Symbol, res.Amount, res.Quantity)
	events := []audit.Event{accountTxn(cmd, audit.ActionAdd, res.Amount)}
	return CommitResult{Symbol: res.Symbol, Quantity: res.Quantity, Amount: res.Amount}, events, nil
}

func (e *Engine) cancelSell(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}

	var res model.Reservation
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.DeleteActionableReservation(ctx, cmd.Username, model.OrderSell, time.Now())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindNothingToCancel, "no sell to cancel for %s", cmd.Username)
			}
			return err
		}
		res = *r
		return tx.AdjustHolding(ctx, cmd.Username, res.Symbol, res.Quantity)
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "cancel sell")
	}

	return CommitResult{Symbol: res.Symbol, Quantity: res.Quantity, Amount: res.Amount}, nil, nil
}

// TriggerResult is the response body for the SET_* family.
type TriggerResult struct {
	Type           model.OrderType  `json:"type"`
	Symbol         string           `json:"stock_symbol"`
	Amount         decimal.Decimal  `json:"amount"`
	TriggerPrice   *decimal.Decimal `json:"trigger_price,omitempty"`
	EscrowedShares int64            `json:"escrowed_shares,omitempty"`
}

func triggerResult(t model.Trigger) TriggerResult {
	return TriggerResult{
		Type:           t.Type,
		Symbol:         t.Symbol,
		Amount:         t.Amount,
		TriggerPrice:   t.TriggerPrice,
		EscrowedShares: t.EscrowedShares,
	}
}

func (e *Engine) setBuyAmount(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireSymbol(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireAmount(cmd); err != nil {
		return nil, nil, err
	}

	var trig model.Trigger
	var events []audit.Event
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		existing := decimal.Zero
		t, err := tx.GetTrigger(ctx, cmd.Username, cmd.Symbol, model.OrderBuy)
		switch {
		case err == nil:
			existing = t.Amount
			trig = *t
		case errors.Is(err, store.ErrNotFound):
			trig = model.Trigger{
				Username: cmd.Username,
				Symbol:   cmd.Symbol,
				Type:     model.OrderBuy,
			}
		default:
			return err
		}

		// Escrow only the difference against the prior amount.
		delta := cmd.Amount.Sub(existing)
		if delta.IsPositive() {
			acct, err := tx.GetAccount(ctx, cmd.Username)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return errf(KindInsufficientFunds, "account %s has no funds", cmd.Username)
				}
				return err
			}
			if acct.Balance.LessThan(delta) {
				return errf(KindInsufficientFunds,
					"balance %s cannot cover additional %s", acct.Balance, delta)
			}
			if err := tx.AdjustBalance(ctx, cmd.Username, delta.Neg()); err != nil {
				return err
			}
			events = append(events, accountTxn(cmd, audit.ActionRemove, delta))
		} else if delta.IsNegative() {
			if err := tx.AdjustBalance(ctx, cmd.Username, delta.Neg()); err != nil {
				return err
			}
			events = append(events, accountTxn(cmd, audit.ActionAdd, delta.Neg()))
		}

		trig.Amount = cmd.Amount
		trig.TransactionNum = cmd.TransactionNum
		return tx.UpsertTrigger(ctx, &trig)
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "set buy amount")
	}

	return triggerResult(trig), events, nil
}

func (e *Engine) setBuyTrigger(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireSymbol(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireAmount(cmd); err != nil {
		return nil, nil, err
	}

	var trig model.Trigger
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.GetTrigger(ctx, cmd.Username, cmd.Symbol, model.OrderBuy)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindNoPendingSetBuy,
					"no SET_BUY_AMOUNT pending for %s on %s", cmd.Username, cmd.Symbol)
			}
			return err
		}
		price := cmd.Amount
		t.TriggerPrice = &price
		t.TransactionNum = cmd.TransactionNum
		trig = *t
		return tx.UpsertTrigger(ctx, t)
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "set buy trigger")
	}

	return triggerResult(trig), nil, nil
}

func (e *Engine) cancelSetBuy(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireSymbol(cmd); err != nil {
		return nil, nil, err
	}

	var refunded decimal.Decimal
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.DeleteTrigger(ctx, cmd.Username, cmd.Symbol, model.OrderBuy)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindNoPendingSetBuy,
					"no SET_BUY pending for %s on %s", cmd.Username, cmd.Symbol)
			}
			return err
		}
		refunded = t.Amount
		return tx.AdjustBalance(ctx, cmd.Username, t.Amount)
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "cancel set buy")
	}

	events := []audit.Event{accountTxn(cmd, audit.ActionAdd, refunded)}
	return map[string]any{"refunded": refunded}, events, nil
}

func (e *Engine) setSellAmount(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireSymbol(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireAmount(cmd); err != nil {
		return nil, nil, err
	}

	var trig model.Trigger
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.GetTrigger(ctx, cmd.Username, cmd.Symbol, model.OrderSell)
		switch {
		case err == nil:
			trig = *t
		case errors.Is(err, store.ErrNotFound):
			trig = model.Trigger{
				Username: cmd.Username,
				Symbol:   cmd.Symbol,
				Type:     model.OrderSell,
			}
		default:
			return err
		}

		trig.Amount = cmd.Amount
		trig.TransactionNum = cmd.TransactionNum
		if trig.Armed() {
			if err := e.reconcileSellEscrow(ctx, tx, &trig); err != nil {
				return err
			}
		}
		return tx.UpsertTrigger(ctx, &trig)
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "set sell amount")
	}

	return triggerResult(trig), nil, nil
}

func (e *Engine) setSellTrigger(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireSymbol(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireAmount(cmd); err != nil {
		return nil, nil, err
	}

	var trig model.Trigger
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.GetTrigger(ctx, cmd.Username, cmd.Symbol, model.OrderSell)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindNoPendingSetSell,
					"no SET_SELL_AMOUNT pending for %s on %s", cmd.Username, cmd.Symbol)
			}
			return err
		}
		price := cmd.Amount
		t.TriggerPrice = &price
		t.TransactionNum = cmd.TransactionNum
		if err := e.reconcileSellEscrow(ctx, tx, t); err != nil {
			return err
		}
		trig = *t
		return tx.UpsertTrigger(ctx, t)
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "set sell trigger")
	}

	return triggerResult(trig), nil, nil
}

// reconcileSellEscrow moves shares between the holding and the
// trigger's escrow so that exactly floor(amount/triggerPrice) shares
// are reserved for an armed sell trigger.
func (e *Engine) reconcileSellEscrow(ctx context.Context, tx store.Tx, t *model.Trigger) error {
	want := t.Amount.Div(*t.TriggerPrice).IntPart()
	if want <= 0 {
		return errf(KindInsufficientAmount,
			"%s sells zero shares of %s at trigger %s", t.Amount, t.Symbol, t.TriggerPrice)
	}
	delta := want - t.EscrowedShares
	if delta > 0 {
		have, err := tx.HoldingQuantity(ctx, t.Username, t.Symbol)
		if err != nil {
			return err
		}
		if have < delta {
			return errf(KindInsufficientHoldings,
				"holds %d shares of %s, escrow needs %d more", have, t.Symbol, delta)
		}
	}
	if delta != 0 {
		if err := tx.AdjustHolding(ctx, t.Username, t.Symbol, -delta); err != nil {
			return err
		}
	}
	t.EscrowedShares = want
	return nil
}

func (e *Engine) cancelSetSell(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}
	if err := requireSymbol(cmd); err != nil {
		return nil, nil, err
	}

	var released int64
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		t, err := tx.DeleteTrigger(ctx, cmd.Username, cmd.Symbol, model.OrderSell)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errf(KindNoPendingSetSell,
					"no SET_SELL pending for %s on %s", cmd.Username, cmd.Symbol)
			}
			return err
		}
		released = t.EscrowedShares
		if released > 0 {
			return tx.AdjustHolding(ctx, cmd.Username, cmd.Symbol, released)
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*Error); ok {
			return nil, nil, err
		}
		return nil, nil, wrapf(KindInternal, err, "cancel set sell")
	}

	return map[string]any{"released_shares": released}, nil, nil
}

func (e *Engine) dumplog(_ context.Context, cmd Command) (any, []audit.Event, error) {
	if cmd.Filename == "" {
		return nil, nil, errf(KindInvalidArgument, "filename is required")
	}
	// The logging service consumes the audit stream and writes the
	// dump; the engine only records that it was requested, which the
	// userCommand event already did.
	return map[string]string{"status": "accepted", "filename": cmd.Filename}, nil, nil
}

func (e *Engine) displaySummary(ctx context.Context, cmd Command) (any, []audit.Event, error) {
	if err := requireUser(cmd); err != nil {
		return nil, nil, err
	}

	summary := model.UserSummary{Username: cmd.Username}
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		acct, err := tx.GetAccount(ctx, cmd.Username)
		switch {
		case err == nil:
			summary.Balance = acct.Balance
		case errors.Is(err, store.ErrNotFound):
			summary.Balance = decimal.Zero
		default:
			return err
		}
		if summary.Holdings, err = tx.ListHoldings(ctx, cmd.Username); err != nil {
			return err
		}
		if summary.Reservations, err = tx.ListReservations(ctx, cmd.Username); err != nil {
			return err
		}
		summary.Triggers, err = tx.ListTriggers(ctx, cmd.Username)
		return err
	})
	if err != nil {
		return nil, nil, wrapf(KindInternal, err, "display summary")
	}

	return &summary, nil, nil
}
