package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ddjk/transaction-engine/internal/audit"
	"github.com/ddjk/transaction-engine/internal/metrics"
	"github.com/ddjk/transaction-engine/internal/model"
	"github.com/ddjk/transaction-engine/internal/quote"
	"github.com/ddjk/transaction-engine/internal/store"
)

// TriggerMaintainer periodically re-prices every armed trigger and
// fires the ones whose condition holds. The cycle period matches the
// quote lifespan so each trigger is evaluated against a fresh price.
type TriggerMaintainer struct {
	store    store.Store
	quotes   quote.Source
	audit    audit.Publisher
	notifier Notifier
	period   time.Duration
	fanout   int
	log      *slog.Logger
}

func NewTriggerMaintainer(st store.Store, quotes quote.Source, pub audit.Publisher, notifier Notifier, period time.Duration, fanout int, log *slog.Logger) *TriggerMaintainer {
	if fanout <= 0 {
		fanout = 8
	}
	return &TriggerMaintainer{
		store:    st,
		quotes:   quotes,
		audit:    pub,
		notifier: notifier,
		period:   period,
		fanout:   fanout,
		log:      log,
	}
}

// Run evaluates triggers every period until ctx is cancelled.
func (m *TriggerMaintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle re-prices all currently armed triggers once, with bounded
// concurrency. Returns how many fired.
func (m *TriggerMaintainer) RunCycle(ctx context.Context) int {
	var armed []model.Trigger
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		armed, err = tx.ListArmedTriggers(ctx)
		return err
	})
	if err != nil {
		m.log.Error("list armed triggers failed", "error", err)
		return 0
	}
	if len(armed) == 0 {
		return 0
	}

	fired := make(chan struct{}, len(armed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.fanout)
	for _, t := range armed {
		t := t
		g.Go(func() error {
			if m.evaluate(gctx, t) {
				fired <- struct{}{}
			}
			return nil
		})
	}
	g.Wait()
	close(fired)

	count := 0
	for range fired {
		count++
	}
	return count
}

// evaluate prices one trigger and fires it if its condition holds.
// Quote failures skip the trigger until the next cycle.
func (m *TriggerMaintainer) evaluate(ctx context.Context, t model.Trigger) bool {
	q, err := m.quotes.GetQuote(ctx, t.Username, t.Symbol)
	if err != nil {
		m.log.Warn("trigger quote failed",
			"user", t.Username, "symbol", t.Symbol, "error", err)
		return false
	}
	if !q.Cached {
		ev := &audit.QuoteServer{
			Header:          audit.NewHeader(t.TransactionNum),
			QuoteServerTime: q.ServerTime,
			Username:        q.Username,
			Symbol:          q.Symbol,
			Price:           q.Price,
			CryptoKey:       q.CryptoKey,
		}
		if perr := m.audit.Publish(ctx, ev); perr != nil {
			m.log.Error("audit publish failed", "error", perr)
		}
	}

	switch t.Type {
	case model.OrderBuy:
		if q.Price.LessThanOrEqual(*t.TriggerPrice) {
			return m.fireBuy(ctx, t, q.Price)
		}
	case model.OrderSell:
		if q.Price.GreaterThanOrEqual(*t.TriggerPrice) {
			return m.fireSell(ctx, t, q.Price)
		}
	}
	return false
}

// fireBuy converts the trigger's escrowed cash into shares at the
// quoted price, crediting back whatever cash does not divide evenly.
func (m *TriggerMaintainer) fireBuy(ctx context.Context, t model.Trigger, price decimal.Decimal) bool {
	shares := t.Amount.Div(price).IntPart()
	remainder := t.Amount.Sub(price.Mul(decimal.NewFromInt(shares)))

	err := m.store.InTx(ctx, func(tx store.Tx) error {
		// The user may have cancelled or amended since the list ran.
		cur, err := tx.GetTrigger(ctx, t.Username, t.Symbol, model.OrderBuy)
		if err != nil {
			return err
		}
		if !cur.Armed() || !cur.TriggerPrice.Equal(*t.TriggerPrice) || !cur.Amount.Equal(t.Amount) {
			return store.ErrNotFound
		}
		if _, err := tx.DeleteTrigger(ctx, t.Username, t.Symbol, model.OrderBuy); err != nil {
			return err
		}
		if shares > 0 {
			if err := tx.AdjustHolding(ctx, t.Username, t.Symbol, shares); err != nil {
				return err
			}
		}
		if remainder.IsPositive() {
			return tx.AdjustBalance(ctx, t.Username, remainder)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Error("buy trigger fire failed",
				"user", t.Username, "symbol", t.Symbol, "error", err)
		}
		return false
	}

	metrics.TriggerFires.WithLabelValues("buy").Inc()
	m.log.Info("buy trigger fired",
		"user", t.Username, "symbol", t.Symbol,
		"price", price.String(), "shares", shares,
	)
	m.publishFire(ctx, t, audit.SET_BUY_TRIGGER, remainder)
	if m.notifier != nil {
		m.notifier.Notify(t.Username, "trigger_buy", t.Symbol, t.Amount, shares)
	}
	return true
}

// fireSell sells the escrowed shares at the trigger price the user
// committed to; the quote only decides when, not at what price.
func (m *TriggerMaintainer) fireSell(ctx context.Context, t model.Trigger, price decimal.Decimal) bool {
	proceeds := t.TriggerPrice.Mul(decimal.NewFromInt(t.EscrowedShares))

	err := m.store.InTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetTrigger(ctx, t.Username, t.Symbol, model.OrderSell)
		if err != nil {
			return err
		}
		if !cur.Armed() || !cur.TriggerPrice.Equal(*t.TriggerPrice) || cur.EscrowedShares != t.EscrowedShares {
			return store.ErrNotFound
		}
		if _, err := tx.DeleteTrigger(ctx, t.Username, t.Symbol, model.OrderSell); err != nil {
			return err
		}
		return tx.AddFunds(ctx, t.Username, proceeds)
	})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Error("sell trigger fire failed",
				"user", t.Username, "symbol", t.Symbol, "error", err)
		}
		return false
	}

	metrics.TriggerFires.WithLabelValues("sell").Inc()
	m.log.Info("sell trigger fired",
		"user", t.Username, "symbol", t.Symbol,
		"price", price.String(), "shares", t.EscrowedShares,
	)
	m.publishFire(ctx, t, audit.SET_SELL_TRIGGER, proceeds)
	if m.notifier != nil {
		m.notifier.Notify(t.Username, "trigger_sell", t.Symbol, proceeds, t.EscrowedShares)
	}
	return true
}

func (m *TriggerMaintainer) publishFire(ctx context.Context, t model.Trigger, cmd audit.Command, funds decimal.Decimal) {
	sys := &audit.SystemEvent{
		Header:   audit.NewHeader(t.TransactionNum),
		Command:  cmd,
		Username: t.Username,
		Symbol:   t.Symbol,
	}
	if funds.IsPositive() {
		f := funds
		sys.Funds = &f
	}
	if err := m.audit.Publish(ctx, sys); err != nil {
		m.log.Error("audit publish failed", "error", err)
	}
	if funds.IsPositive() {
		at := &audit.AccountTransaction{
			Header:   audit.NewHeader(t.TransactionNum),
			Action:   audit.ActionAdd,
			Username: t.Username,
			Funds:    funds,
		}
		if err := m.audit.Publish(ctx, at); err != nil {
			m.log.Error("audit publish failed", "error", err)
		}
	}
}
