package engine

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ddjk/transaction-engine/internal/audit"
	"github.com/ddjk/transaction-engine/internal/metrics"
	"github.com/ddjk/transaction-engine/internal/model"
	"github.com/ddjk/transaction-engine/internal/store"
)

// deadlineHeap is a min-heap of reservation deadlines.
type deadlineHeap []time.Time

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].Before(h[j]) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(time.Time)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ExpiryScheduler returns escrowed value to accounts when buy/sell
// reservations outlive their quote. It sleeps until the earliest known
// deadline instead of polling, and resweeps on startup so reservations
// left behind by a crash are still reconciled.
type ExpiryScheduler struct {
	store store.Store
	audit audit.Publisher
	log   *slog.Logger

	wake      chan struct{}
	deadlines chan time.Time
	heap      deadlineHeap
}

func NewExpiryScheduler(st store.Store, pub audit.Publisher, log *slog.Logger) *ExpiryScheduler {
	return &ExpiryScheduler{
		store:     st,
		audit:     pub,
		log:       log,
		wake:      make(chan struct{}, 1),
		deadlines: make(chan time.Time, 256),
	}
}

// Schedule registers a reservation deadline. Never blocks the caller;
// if the channel is full, the fallback sweep interval covers it.
func (s *ExpiryScheduler) Schedule(deadline time.Time) {
	select {
	case s.deadlines <- deadline:
		select {
		case s.wake <- struct{}{}:
		default:
		}
	default:
	}
}

// fallbackInterval bounds how long a deadline lost to a full channel
// or a restart can go unswept.
const fallbackInterval = 30 * time.Second

// Run processes deadlines until ctx is cancelled. It sweeps once at
// startup to pick up reservations persisted before the last shutdown.
func (s *ExpiryScheduler) Run(ctx context.Context) {
	s.Sweep(ctx, time.Now())
	for {
		s.collect()
		wait := fallbackInterval
		if len(s.heap) > 0 {
			if until := time.Until(s.heap[0]); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}

		now := time.Now()
		for len(s.heap) > 0 && !s.heap[0].After(now) {
			heap.Pop(&s.heap)
		}
		s.Sweep(ctx, now)
	}
}

// collect drains newly scheduled deadlines into the heap.
func (s *ExpiryScheduler) collect() {
	for {
		select {
		case d := <-s.deadlines:
			heap.Push(&s.heap, d)
		default:
			return
		}
	}
}

// Sweep reconciles every reservation whose deadline passed at or
// before now: cash back to the account for buys, shares back to the
// holding for sells. Each reservation is its own transaction so one
// failure does not hold up the rest.
func (s *ExpiryScheduler) Sweep(ctx context.Context, now time.Time) int {
	swept := 0
	for {
		var res *model.Reservation
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			r, err := tx.DeleteExpiredReservation(ctx, now)
			if err != nil {
				return err
			}
			res = r
			switch r.Type {
			case model.OrderBuy:
				return tx.AdjustBalance(ctx, r.Username, r.Amount)
			case model.OrderSell:
				return tx.AdjustHolding(ctx, r.Username, r.Symbol, r.Quantity)
			}
			return nil
		})
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.log.Error("expiry sweep failed", "error", err)
			}
			return swept
		}

		swept++
		metrics.ReservationExpirations.Inc()
		s.log.Info("reservation expired",
			"user", res.Username,
			"type", string(res.Type),
			"symbol", res.Symbol,
			"amount", res.Amount.String(),
		)
		if res.Type == model.OrderBuy {
			ev := &audit.AccountTransaction{
				Header:   audit.NewHeader(0),
				Action:   audit.ActionAdd,
				Username: res.Username,
				Funds:    res.Amount,
			}
			if perr := s.audit.Publish(ctx, ev); perr != nil {
				s.log.Error("audit publish failed", "error", perr)
			}
		}
	}
}
