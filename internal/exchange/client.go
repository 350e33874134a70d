package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// VenueCredentials holds everything needed to construct one venue adapter.
type VenueCredentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
	BaseURL    string
	Timeout    time.Duration
}

// NewVenue constructs the adapter for a supported venue. The switch is
// exhaustive over VenueName, so an unsupported venue is a configuration
// error, not a runtime lookup miss.
func NewVenue(name VenueName, creds VenueCredentials) (Venue, error) {
	switch name {
	case VenueCoinbase:
		return NewCoinbase(creds), nil
	case VenueKraken:
		return NewKraken(creds), nil
	case VenueBinance:
		return NewBinance(creds), nil
	default:
		return nil, fmt.Errorf("unsupported venue %q", name)
	}
}

// venueHTTP is the shared request helper for adapters: it executes one HTTP
// call and classifies failures into VenueError.
type venueHTTP struct {
	venue  VenueName
	client *http.Client
}

func newVenueHTTP(venue VenueName, timeout time.Duration) *venueHTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &venueHTTP{
		venue:  venue,
		client: &http.Client{Timeout: timeout},
	}
}

// do sends the request and decodes a JSON response into out (when non-nil).
// Timeouts, connection errors and 5xx responses come back retryable;
// 4xx responses are definitive rejections.
func (h *venueHTTP) do(ctx context.Context, op, method, url string, headers map[string]string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", h.venue, op, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		var ne net.Error
		timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
		return &VenueError{
			Venue:     h.venue,
			Op:        op,
			Message:   err.Error(),
			Timeout:   timeout,
			Retryable: true,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &VenueError{Venue: h.venue, Op: op, Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 400 {
		return &VenueError{
			Venue:      h.venue,
			Op:         op,
			HTTPStatus: resp.StatusCode,
			Message:    truncate(string(data), 512),
			Retryable:  resp.StatusCode >= 500,
		}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &VenueError{Venue: h.venue, Op: op, Message: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
