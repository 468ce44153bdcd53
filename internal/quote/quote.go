// Package quote fetches stock price quotes. The live source speaks the
// legacy quote server's line protocol over TCP; a Redis-backed wrapper
// caches prices for the quote lifespan, and a deterministic stub serves
// development and tests.
package quote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ddjk/transaction-engine/internal/model"
)

// ErrUnavailable is returned when the quote server cannot be reached
// within the configured deadlines.
var ErrUnavailable = errors.New("quote server unavailable")

// Source returns a priced snapshot for (username, symbol). It must be
// safe for concurrent use.
type Source interface {
	GetQuote(ctx context.Context, username, symbol string) (*model.Quote, error)
}

// ServerSource fetches quotes from the legacy quote server. The request
// is a single "SYMBOL,username\n" line; the reply line is
// "price,symbol,username,serverTimeMillis,cryptoKey".
type ServerSource struct {
	addr        string
	dialTimeout time.Duration
	readTimeout time.Duration
	maxAttempts int
}

// NewServerSource creates a quote client for the server at addr.
func NewServerSource(addr string) *ServerSource {
	return &ServerSource{
		addr:        addr,
		dialTimeout: 5 * time.Second,
		readTimeout: 2 * time.Second,
		maxAttempts: 3,
	}
}

func (s *ServerSource) GetQuote(ctx context.Context, username, symbol string) (*model.Quote, error) {
	request := fmt.Sprintf("%s,%s\n", symbol, username)

	// The legacy server occasionally hangs a connection; retry on a
	// fresh one with a linearly growing read deadline.
	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		line, err := s.roundTrip(ctx, request, s.readTimeout*time.Duration(attempt))
		if err == nil {
			return parseQuote(line)
		}
		lastErr = err

		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			break
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (s *ServerSource) roundTrip(ctx context.Context, request string, readTimeout time.Duration) (string, error) {
	dialer := net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return "", err
	}
	if _, err := conn.Write([]byte(request)); err != nil {
		return "", err
	}

	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return "", err
	}
	// The reply may arrive fragmented; read until the newline.
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	return line, nil
}

// parseQuote decodes one quote server reply line.
func parseQuote(line string) (*model.Quote, error) {
	line = strings.TrimSpace(strings.SplitN(line, "\n", 2)[0])
	fields := strings.Split(line, ",")
	if len(fields) != 5 {
		return nil, fmt.Errorf("malformed quote reply %q", line)
	}

	price, err := decimal.NewFromString(fields[0])
	if err != nil {
		return nil, fmt.Errorf("quote price %q: %w", fields[0], err)
	}
	if !price.IsPositive() {
		return nil, fmt.Errorf("non-positive quote price %q", fields[0])
	}
	serverTime, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("quote server time %q: %w", fields[3], err)
	}

	return &model.Quote{
		Price:      price,
		Symbol:     fields[1],
		Username:   fields[2],
		ServerTime: serverTime,
		CryptoKey:  fields[4],
	}, nil
}
