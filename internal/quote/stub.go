package quote

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ddjk/transaction-engine/internal/model"
)

// stubDefaultPrice mirrors the fixed price the legacy stub server
// returns for unknown symbols.
var stubDefaultPrice = decimal.NewFromInt(20)

// StubSource is a deterministic in-process quote source for development
// and tests. Prices can be set per symbol; unknown symbols quote at the
// default price.
type StubSource struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStubSource creates a stub quoting every symbol at the default
// price until overridden with SetPrice.
func NewStubSource() *StubSource {
	return &StubSource{prices: make(map[string]decimal.Decimal)}
}

// SetPrice fixes the quoted price for symbol.
func (s *StubSource) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *StubSource) GetQuote(_ context.Context, username, symbol string) (*model.Quote, error) {
	s.mu.RLock()
	price, ok := s.prices[symbol]
	s.mu.RUnlock()
	if !ok {
		price = stubDefaultPrice
	}

	return &model.Quote{
		Price:      price,
		Symbol:     symbol,
		Username:   username,
		ServerTime: time.Now().UnixMilli(),
		CryptoKey:  "stubKEY=123=o",
	}, nil
}
