package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ddjk/transaction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions hold the store mutex for their whole duration and take a
// snapshot on entry; an error from the transaction body restores the
// snapshot, so rollback semantics match the PostgreSQL store.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
}

type triggerKey struct {
	username string
	symbol   string
	typ      model.OrderType
}

type memState struct {
	accounts     map[string]decimal.Decimal
	holdings     map[string]map[string]int64
	reservations map[int64]model.Reservation
	triggers     map[triggerKey]model.Trigger
	nextResID    int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: memState{
			accounts:     make(map[string]decimal.Decimal),
			holdings:     make(map[string]map[string]int64),
			reservations: make(map[int64]model.Reservation),
			triggers:     make(map[triggerKey]model.Trigger),
			nextResID:    1,
		},
	}
}

func (st memState) clone() memState {
	c := memState{
		accounts:     make(map[string]decimal.Decimal, len(st.accounts)),
		holdings:     make(map[string]map[string]int64, len(st.holdings)),
		reservations: make(map[int64]model.Reservation, len(st.reservations)),
		triggers:     make(map[triggerKey]model.Trigger, len(st.triggers)),
		nextResID:    st.nextResID,
	}
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for user, syms := range st.holdings {
		inner := make(map[string]int64, len(syms))
		for sym, qty := range syms {
			inner[sym] = qty
		}
		c.holdings[user] = inner
	}
	for k, v := range st.reservations {
		c.reservations[k] = v
	}
	for k, v := range st.triggers {
		c.triggers[k] = v
	}
	return c
}

func (s *MemoryStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&memTx{state: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) Close() {}

// memTx mutates the live state under the store mutex.
type memTx struct {
	state *memState
}

func (t *memTx) GetAccount(_ context.Context, username string) (*model.Account, error) {
	balance, ok := t.state.accounts[username]
	if !ok {
		return nil, ErrNotFound
	}
	return &model.Account{Username: username, Balance: balance}, nil
}

func (t *memTx) AddFunds(_ context.Context, username string, amount decimal.Decimal) error {
	t.state.accounts[username] = t.state.accounts[username].Add(amount)
	return nil
}

func (t *memTx) AdjustBalance(_ context.Context, username string, delta decimal.Decimal) error {
	balance, ok := t.state.accounts[username]
	if !ok {
		return ErrNotFound
	}
	t.state.accounts[username] = balance.Add(delta)
	return nil
}

func (t *memTx) HoldingQuantity(_ context.Context, username, symbol string) (int64, error) {
	return t.state.holdings[username][symbol], nil
}

func (t *memTx) AdjustHolding(_ context.Context, username, symbol string, delta int64) error {
	syms, ok := t.state.holdings[username]
	if !ok {
		syms = make(map[string]int64)
		t.state.holdings[username] = syms
	}
	syms[symbol] += delta
	return nil
}

func (t *memTx) ListHoldings(_ context.Context, username string) ([]model.Holding, error) {
	var holdings []model.Holding
	for sym, qty := range t.state.holdings[username] {
		holdings = append(holdings, model.Holding{Username: username, Symbol: sym, Quantity: qty})
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	return holdings, nil
}

func (t *memTx) InsertReservation(_ context.Context, r *model.Reservation) error {
	r.ID = t.state.nextResID
	t.state.nextResID++
	t.state.reservations[r.ID] = *r
	return nil
}

func (t *memTx) DeleteActionableReservation(_ context.Context, username string, typ model.OrderType, now time.Time) (*model.Reservation, error) {
	var best *model.Reservation
	for id := range t.state.reservations {
		r := t.state.reservations[id]
		if r.Username != username || r.Type != typ || r.Expired(now) {
			continue
		}
		if best == nil || r.ID > best.ID {
			copy := r
			best = &copy
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	delete(t.state.reservations, best.ID)
	return best, nil
}

func (t *memTx) DeleteExpiredReservation(_ context.Context, now time.Time) (*model.Reservation, error) {
	var oldest *model.Reservation
	for id := range t.state.reservations {
		r := t.state.reservations[id]
		if !r.Expired(now) {
			continue
		}
		if oldest == nil || r.ExpiresAt.Before(oldest.ExpiresAt) {
			copy := r
			oldest = &copy
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	delete(t.state.reservations, oldest.ID)
	return oldest, nil
}

func (t *memTx) ListReservations(_ context.Context, username string) ([]model.Reservation, error) {
	var reservations []model.Reservation
	for _, r := range t.state.reservations {
		if r.Username == username {
			reservations = append(reservations, r)
		}
	}
	sort.Slice(reservations, func(i, j int) bool { return reservations[i].ID < reservations[j].ID })
	return reservations, nil
}

func (t *memTx) GetTrigger(_ context.Context, username, symbol string, typ model.OrderType) (*model.Trigger, error) {
	trig, ok := t.state.triggers[triggerKey{username, symbol, typ}]
	if !ok {
		return nil, ErrNotFound
	}
	return &trig, nil
}

func (t *memTx) UpsertTrigger(_ context.Context, trig *model.Trigger) error {
	t.state.triggers[triggerKey{trig.Username, trig.Symbol, trig.Type}] = *trig
	return nil
}

func (t *memTx) DeleteTrigger(_ context.Context, username, symbol string, typ model.OrderType) (*model.Trigger, error) {
	key := triggerKey{username, symbol, typ}
	trig, ok := t.state.triggers[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(t.state.triggers, key)
	return &trig, nil
}

func (t *memTx) ListArmedTriggers(_ context.Context) ([]model.Trigger, error) {
	var triggers []model.Trigger
	for _, trig := range t.state.triggers {
		if trig.Armed() {
			triggers = append(triggers, trig)
		}
	}
	sortTriggers(triggers)
	return triggers, nil
}

func (t *memTx) ListTriggers(_ context.Context, username string) ([]model.Trigger, error) {
	var triggers []model.Trigger
	for _, trig := range t.state.triggers {
		if trig.Username == username {
			triggers = append(triggers, trig)
		}
	}
	sortTriggers(triggers)
	return triggers, nil
}

func sortTriggers(triggers []model.Trigger) {
	sort.Slice(triggers, func(i, j int) bool {
		a, b := triggers[i], triggers[j]
		if a.Username != b.Username {
			return a.Username < b.Username
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Type < b.Type
	})
}
