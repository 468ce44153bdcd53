package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ddjk/transaction-engine/internal/audit"
	"github.com/ddjk/transaction-engine/internal/engine"
	"github.com/ddjk/transaction-engine/internal/model"
	"github.com/ddjk/transaction-engine/internal/quote"
	"github.com/ddjk/transaction-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// testEnv wires an engine against the in-memory store, the stub quote
// source, and an audit recorder.
type testEnv struct {
	store  *store.MemoryStore
	quotes *quote.StubSource
	rec    *audit.Recorder
	expiry *engine.ExpiryScheduler
	eng    *engine.Engine
	log    *slog.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	quotes := quote.NewStubSource()
	rec := audit.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	expiry := engine.NewExpiryScheduler(ms, rec, logger)
	eng := engine.New(ms, quotes, rec, nil, expiry, time.Minute, logger)
	return &testEnv{store: ms, quotes: quotes, rec: rec, expiry: expiry, eng: eng, log: logger}
}

func (e *testEnv) run(t *testing.T, cmd engine.Command) any {
	t.Helper()
	result, err := e.eng.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s failed: %v", cmd.Name, err)
	}
	return result
}

func (e *testEnv) runErr(t *testing.T, cmd engine.Command) error {
	t.Helper()
	_, err := e.eng.Execute(context.Background(), cmd)
	if err == nil {
		t.Fatalf("%s unexpectedly succeeded", cmd.Name)
	}
	return err
}

func (e *testEnv) balance(t *testing.T, username string) decimal.Decimal {
	t.Helper()
	var bal decimal.Decimal
	err := e.store.InTx(context.Background(), func(tx store.Tx) error {
		acct, err := tx.GetAccount(context.Background(), username)
		if err != nil {
			return err
		}
		bal = acct.Balance
		return nil
	})
	if err != nil {
		t.Fatalf("balance %s: %v", username, err)
	}
	return bal
}

func (e *testEnv) shares(t *testing.T, username, symbol string) int64 {
	t.Helper()
	var qty int64
	err := e.store.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		qty, err = tx.HoldingQuantity(context.Background(), username, symbol)
		return err
	})
	if err != nil {
		t.Fatalf("shares %s/%s: %v", username, symbol, err)
	}
	return qty
}

func wantKind(t *testing.T, err error, kind engine.ErrorKind) {
	t.Helper()
	if got := engine.KindOf(err); got != kind {
		t.Fatalf("expected error kind %s, got %s (%v)", kind, got, err)
	}
}

// --- ADD / QUOTE ---

func TestAddCreatesAndCredits(t *testing.T) {
	env := newTestEnv(t)

	env.run(t, engine.Command{TransactionNum: 1, Name: audit.ADD, Username: "alice", Amount: d(1000)})
	env.run(t, engine.Command{TransactionNum: 2, Name: audit.ADD, Username: "alice", Amount: d(250.50)})

	if bal := env.balance(t, "alice"); !bal.Equal(d(1250.50)) {
		t.Errorf("balance = %s, want 1250.50", bal)
	}

	txns := env.rec.OfKind(audit.KindAccountTransaction)
	if len(txns) != 2 {
		t.Fatalf("expected 2 accountTransaction events, got %d", len(txns))
	}
}

func TestAddRejectsNonPositiveAmount(t *testing.T) {
	env := newTestEnv(t)

	err := env.runErr(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(0)})
	wantKind(t, err, engine.KindInvalidArgument)

	err = env.runErr(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(-5)})
	wantKind(t, err, engine.KindInvalidArgument)

	if len(env.rec.OfKind(audit.KindErrorEvent)) != 2 {
		t.Error("failed commands should produce errorEvent records")
	}
}

func TestQuoteReturnsPriceAndRecordsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetPrice("ABC", d(12.34))

	result := env.run(t, engine.Command{TransactionNum: 1, Name: audit.QUOTE, Username: "alice", Symbol: "ABC"})
	q := result.(engine.QuoteResult)
	if !q.Price.Equal(d(12.34)) {
		t.Errorf("price = %s, want 12.34", q.Price)
	}
	if q.CryptoKey == "" {
		t.Error("live quote should carry the server's crypto key")
	}
	if q.ServerTime == 0 {
		t.Error("live quote should carry the server timestamp")
	}

	if len(env.rec.OfKind(audit.KindQuoteServer)) != 1 {
		t.Error("live quote should record a quoteServer event")
	}
}

func TestQuoteRejectsLongSymbol(t *testing.T) {
	env := newTestEnv(t)
	err := env.runErr(t, engine.Command{Name: audit.QUOTE, Username: "alice", Symbol: "TOOLONG"})
	wantKind(t, err, engine.KindInvalidArgument)
}

// --- BUY / COMMIT_BUY / CANCEL_BUY ---

func TestBuyCommitFlow(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetPrice("ABC", d(10))

	env.run(t, engine.Command{TransactionNum: 1, Name: audit.ADD, Username: "alice", Amount: d(1000)})
	result := env.run(t, engine.Command{TransactionNum: 2, Name: audit.BUY, Username: "alice", Symbol: "ABC", Amount: d(300)})

	res := result.(engine.ReservationResult)
	if res.Quantity != 30 {
		t.Errorf("quantity = %d, want 30", res.Quantity)
	}
	if !res.Amount.Equal(d(300)) {
		t.Errorf("amount = %s, want 300", res.Amount)
	}
	if bal := env.balance(t, "alice"); !bal.Equal(d(700)) {
		t.Errorf("balance after reserve = %s, want 700", bal)
	}

	env.run(t, engine.Command{TransactionNum: 3, Name: audit.COMMIT_BUY, Username: "alice"})

	if got := env.shares(t, "alice", "ABC"); got != 30 {
		t.Errorf("shares = %d, want 30", got)
	}
	if bal := env.balance(t, "alice"); !bal.Equal(d(700)) {
		t.Errorf("balance after commit = %s, want 700", bal)
	}
}

func TestBuyPartialAmountDebitsOnlyWholeShares(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetPrice("ABC", d(7))

	env.run(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(100)})
	result := env.run(t, engine.Command{Name: audit.BUY, Username: "alice", Symbol: "ABC", Amount: d(50)})

	// 50/7 → 7 shares at 49.
	res := result.(engine.ReservationResult)
	if res.Quantity != 7 {
		t.Errorf("quantity = %d, want 7", res.Quantity)
	}
	if !res.Amount.Equal(d(49)) {
		t.Errorf("amount = %s, want 49", res.Amount)
	}
	if bal := env.balance(t, "alice"); !bal.Equal(d(51)) {
		t.Errorf("balance = %s, want 51", bal)
	}
}

func TestBuyInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetPrice("ABC", d(10))

	env.run(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(50)})
	err := env.runErr(t, engine.Command{Name: audit.BUY, Username: "alice", Symbol: "ABC", Amount: d(100)})
	wantKind(t, err, engine.KindInsufficientFunds)

	if bal := env.balance(t, "alice"); !bal.Equal(d(50)) {
		t.Errorf("failed buy must not move money, balance = %s", bal)
	}
}

func TestBuyAmountBelowOneShare(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetPrice("ABC", d(20))

	env.run(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(100)})
	err := env.runErr(t, engine.Command{Name: audit.BUY, Username: "alice", Symbol: "ABC", Amount: d(15)})
	wantKind(t, err, engine.KindInsufficientAmount)
}

func TestCommitBuyWithoutReservation(t *testing.T) {
	env := newTestEnv(t)
	err := env.runErr(t, engine.Command{Name: audit.COMMIT_BUY, Username: "alice"})
	wantKind(t, err, engine.KindNothingToCommit)
}

func TestCancelBuyRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetPrice("ABC", d(10))

	env.run(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(1000)})
	env.run(t, engine.Command{Name: audit.BUY, Username: "alice", Symbol: "ABC", Amount: d(300)})
	env.run(t, engine.Command{Name: audit.CANCEL_BUY, Username: "alice"})

	if bal := env.balance(t, "alice"); !bal.Equal(d(1000)) {
		t.Errorf("balance = %s, want 1000", bal)
	}
	if got := env.shares(t, "alice", "ABC"); got != 0 {
		t.Errorf("cancelled buy must not grant shares, got %d", got)
	}

	// The reservation is consumed; a second cancel finds nothing.
	err := env.runErr(t, engine.Command{Name: audit.CANCEL_BUY, Username: "alice"})
	wantKind(t, err, engine.KindNothingToCancel)
}

func TestCommitBuyTakesMostRecentReservation(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetPrice("ABC", d(10))
	env.quotes.SetPrice("XYZ", d(5))

	env.run(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(1000)})
	env.run(t, engine.Command{Name: audit.BUY, Username: "alice", Symbol: "ABC", Amount: d(100)})
	env.run(t, engine.Command{Name: audit.BUY, Username: "alice", Symbol: "XYZ", Amount: d(50)})

	result := env.run(t, engine.Command{Name: audit.COMMIT_BUY, Username: "alice"})
	if got := result.(engine.CommitResult).Symbol; got != "XYZ" {
		t.Errorf("commit consumed %s, want the most recent reservation XYZ", got)
	}

	// The earlier reservation is still there for a second commit.
	result = env.run(t, engine.Command{Name: audit.COMMIT_BUY, Username: "alice"})
	if got := result.(engine.CommitResult).Symbol; got != "ABC" {
		t.Errorf("second commit consumed %s, want ABC", got)
	}
}

// --- SELL / COMMIT_SELL / CANCEL_SELL ---

func seedShares(t *testing.T, env *testEnv, username, symbol string, qty int64) {
	t.Helper()
	err := env.store.InTx(context.Background(), func(tx store.Tx) error {
		return tx.AdjustHolding(context.Background(), username, symbol, qty)
	})
	if err != nil {
		t.Fatalf("seed shares: %v", err)
	}
}

func TestSellCommitFlow(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetPrice("ABC", d(10))
	seedShares(t, env, "alice", "ABC", 20)
	env.run(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(1)})

	result := env.run(t, engine.Command{Name: audit.SELL, Username: "alice", Symbol: "ABC", Amount: d(100)})
	res := result.(engine.ReservationResult)
	if res.Quantity != 10 {
		t.Errorf("quantity = %d, want 10", res.Quantity)
	}
	if got := env.shares(t, "alice", "ABC"); got != 10 {
		t.Errorf("shares escrowed, holding = %d, want 10", got)
	}

	env.run(t, engine.Command{Name: audit.COMMIT_SELL, Username: "alice"})
	if bal := env.balance(t, "alice"); !bal.Equal(d(101)) {
		t.Errorf("balance = %s, want 101", bal)
	}
	if got := env.shares(t, "alice", "ABC"); got != 10 {
		t.Errorf("holding = %d, want 10", got)
	}
}

func TestSellInsufficientHoldings(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetPrice("ABC", d(10))
	seedShares(t, env, "alice", "ABC", 5)

	err := env.runErr(t, engine.Command{Name: audit.SELL, Username: "alice", Symbol: "ABC", Amount: d(100)})
	wantKind(t, err, engine.KindInsufficientHoldings)

	if got := env.shares(t, "alice", "ABC"); got != 5 {
		t.Errorf("failed sell must not move shares, got %d", got)
	}
}

func TestCancelSellRestoresShares(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetPrice("ABC", d(10))
	seedShares(t, env, "alice", "ABC", 20)

	env.run(t, engine.Command{Name: audit.SELL, Username: "alice", Symbol: "ABC", Amount: d(100)})
	env.run(t, engine.Command{Name: audit.CANCEL_SELL, Username: "alice"})

	if got := env.shares(t, "alice", "ABC"); got != 20 {
		t.Errorf("shares = %d, want 20", got)
	}

	err := env.runErr(t, engine.Command{Name: audit.COMMIT_SELL, Username: "alice"})
	wantKind(t, err, engine.KindNothingToCommit)
}

// --- Standing buy triggers ---

func TestSetBuyAmountEscrowsCash(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(100)})

	env.run(t, engine.Command{Name: audit.SET_BUY_AMOUNT, Username: "alice", Symbol: "ABC", Amount: d(60)})
	if bal := env.balance(t, "alice"); !bal.Equal(d(40)) {
		t.Errorf("balance = %s, want 40", bal)
	}

	// Raising the amount escrows only the difference.
	env.run(t, engine.Command{Name: audit.SET_BUY_AMOUNT, Username: "alice", Symbol: "ABC", Amount: d(80)})
	if bal := env.balance(t, "alice"); !bal.Equal(d(20)) {
		t.Errorf("balance = %s, want 20", bal)
	}

	// Lowering it refunds the difference.
	env.run(t, engine.Command{Name: audit.SET_BUY_AMOUNT, Username: "alice", Symbol: "ABC", Amount: d(50)})
	if bal := env.balance(t, "alice"); !bal.Equal(d(50)) {
		t.Errorf("balance = %s, want 50", bal)
	}
}

func TestSetBuyAmountInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(10)})

	err := env.runErr(t, engine.Command{Name: audit.SET_BUY_AMOUNT, Username: "alice", Symbol: "ABC", Amount: d(60)})
	wantKind(t, err, engine.KindInsufficientFunds)
}

func TestSetBuyTriggerRequiresAmount(t *testing.T) {
	env := newTestEnv(t)
	err := env.runErr(t, engine.Command{Name: audit.SET_BUY_TRIGGER, Username: "alice", Symbol: "ABC", Amount: d(4)})
	wantKind(t, err, engine.KindNoPendingSetBuy)
}

func TestCancelSetBuyRefunds(t *testing.T) {
	env := newTestEnv(t)
	env.run(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(100)})
	env.run(t, engine.Command{Name: audit.SET_BUY_AMOUNT, Username: "alice", Symbol: "ABC", Amount: d(60)})
	env.run(t, engine.Command{Name: audit.SET_BUY_TRIGGER, Username: "alice", Symbol: "ABC", Amount: d(4)})

	env.run(t, engine.Command{Name: audit.CANCEL_SET_BUY, Username: "alice", Symbol: "ABC"})
	if bal := env.balance(t, "alice"); !bal.Equal(d(100)) {
		t.Errorf("balance = %s, want 100", bal)
	}

	err := env.runErr(t, engine.Command{Name: audit.CANCEL_SET_BUY, Username: "alice", Symbol: "ABC"})
	wantKind(t, err, engine.KindNoPendingSetBuy)
}

// --- Standing sell triggers ---

func TestSetSellEscrowsSharesOnArming(t *testing.T) {
	env := newTestEnv(t)
	seedShares(t, env, "alice", "ABC", 20)

	// Amount alone escrows nothing.
	env.run(t, engine.Command{Name: audit.SET_SELL_AMOUNT, Username: "alice", Symbol: "ABC", Amount: d(100)})
	if got := env.shares(t, "alice", "ABC"); got != 20 {
		t.Errorf("unarmed trigger must not escrow, holding = %d", got)
	}

	// Arming at 10 escrows floor(100/10) = 10 shares.
	result := env.run(t, engine.Command{Name: audit.SET_SELL_TRIGGER, Username: "alice", Symbol: "ABC", Amount: d(10)})
	if got := result.(engine.TriggerResult).EscrowedShares; got != 10 {
		t.Errorf("escrowed = %d, want 10", got)
	}
	if got := env.shares(t, "alice", "ABC"); got != 10 {
		t.Errorf("holding = %d, want 10", got)
	}

	// Re-arming at 20 needs only 5 shares; 5 come back.
	env.run(t, engine.Command{Name: audit.SET_SELL_TRIGGER, Username: "alice", Symbol: "ABC", Amount: d(20)})
	if got := env.shares(t, "alice", "ABC"); got != 15 {
		t.Errorf("holding = %d, want 15", got)
	}
}

func TestSetSellTriggerInsufficientHoldings(t *testing.T) {
	env := newTestEnv(t)
	seedShares(t, env, "alice", "ABC", 3)

	env.run(t, engine.Command{Name: audit.SET_SELL_AMOUNT, Username: "alice", Symbol: "ABC", Amount: d(100)})
	err := env.runErr(t, engine.Command{Name: audit.SET_SELL_TRIGGER, Username: "alice", Symbol: "ABC", Amount: d(10)})
	wantKind(t, err, engine.KindInsufficientHoldings)

	if got := env.shares(t, "alice", "ABC"); got != 3 {
		t.Errorf("failed arm must not move shares, got %d", got)
	}
}

func TestSetSellTriggerRequiresAmount(t *testing.T) {
	env := newTestEnv(t)
	err := env.runErr(t, engine.Command{Name: audit.SET_SELL_TRIGGER, Username: "alice", Symbol: "ABC", Amount: d(10)})
	wantKind(t, err, engine.KindNoPendingSetSell)
}

func TestCancelSetSellReleasesEscrow(t *testing.T) {
	env := newTestEnv(t)
	seedShares(t, env, "alice", "ABC", 20)

	env.run(t, engine.Command{Name: audit.SET_SELL_AMOUNT, Username: "alice", Symbol: "ABC", Amount: d(100)})
	env.run(t, engine.Command{Name: audit.SET_SELL_TRIGGER, Username: "alice", Symbol: "ABC", Amount: d(10)})
	env.run(t, engine.Command{Name: audit.CANCEL_SET_SELL, Username: "alice", Symbol: "ABC"})

	if got := env.shares(t, "alice", "ABC"); got != 20 {
		t.Errorf("shares = %d, want 20", got)
	}

	err := env.runErr(t, engine.Command{Name: audit.CANCEL_SET_SELL, Username: "alice", Symbol: "ABC"})
	wantKind(t, err, engine.KindNoPendingSetSell)
}

// --- DUMPLOG / DISPLAY_SUMMARY ---

func TestDumplogRequiresFilename(t *testing.T) {
	env := newTestEnv(t)

	err := env.runErr(t, engine.Command{Name: audit.DUMPLOG})
	wantKind(t, err, engine.KindInvalidArgument)

	env.run(t, engine.Command{Name: audit.DUMPLOG, Filename: "out.xml"})
	if len(env.rec.OfKind(audit.KindUserCommand)) != 2 {
		t.Error("every command attempt should record a userCommand event")
	}
}

func TestDisplaySummary(t *testing.T) {
	env := newTestEnv(t)
	env.quotes.SetPrice("ABC", d(10))

	env.run(t, engine.Command{Name: audit.ADD, Username: "alice", Amount: d(1000)})
	env.run(t, engine.Command{Name: audit.BUY, Username: "alice", Symbol: "ABC", Amount: d(300)})
	env.run(t, engine.Command{Name: audit.SET_BUY_AMOUNT, Username: "alice", Symbol: "XYZ", Amount: d(50)})

	result := env.run(t, engine.Command{Name: audit.DISPLAY_SUMMARY, Username: "alice"})
	summary := result.(*model.UserSummary)

	if !summary.Balance.Equal(d(650)) {
		t.Errorf("balance = %s, want 650", summary.Balance)
	}
	if len(summary.Reservations) != 1 {
		t.Errorf("reservations = %d, want 1", len(summary.Reservations))
	}
	if len(summary.Triggers) != 1 {
		t.Errorf("triggers = %d, want 1", len(summary.Triggers))
	}
}

func TestDisplaySummaryUnknownUser(t *testing.T) {
	env := newTestEnv(t)

	result := env.run(t, engine.Command{Name: audit.DISPLAY_SUMMARY, Username: "ghost"})
	summary := result.(*model.UserSummary)
	if !summary.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", summary.Balance)
	}
}

// --- Audit stream ---

func TestEveryCommandRecordsUserCommand(t *testing.T) {
	env := newTestEnv(t)

	env.run(t, engine.Command{TransactionNum: 7, Name: audit.ADD, Username: "alice", Amount: d(10)})
	events := env.rec.OfKind(audit.KindUserCommand)
	if len(events) != 1 {
		t.Fatalf("expected 1 userCommand event, got %d", len(events))
	}
	uc := events[0].(*audit.UserCommand)
	if uc.TransactionNum != 7 || uc.Command != audit.ADD {
		t.Errorf("userCommand = %+v", uc)
	}
}

func TestFailedCommandRecordsErrorEvent(t *testing.T) {
	env := newTestEnv(t)

	err := env.runErr(t, engine.Command{Name: audit.COMMIT_BUY, Username: "alice"})
	if !errors.As(err, new(*engine.Error)) {
		t.Fatalf("expected *engine.Error, got %T", err)
	}

	events := env.rec.OfKind(audit.KindErrorEvent)
	if len(events) != 1 {
		t.Fatalf("expected 1 errorEvent, got %d", len(events))
	}
	if events[0].(*audit.ErrorEvent).ErrorMessage == "" {
		t.Error("errorEvent must carry a message")
	}
}
