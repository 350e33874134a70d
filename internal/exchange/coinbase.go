package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/litebittech/broker/pkg/models"
)

// Coinbase implements Venue against the Coinbase Advanced Trade API.
// Symbols pass through unchanged: Coinbase products are already BASE-QUOTE.
type Coinbase struct {
	http    *venueHTTP
	baseURL string
	key     string
	secret  string
	now     func() time.Time
}

// NewCoinbase creates a Coinbase adapter.
func NewCoinbase(creds VenueCredentials) *Coinbase {
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = "https://api.coinbase.com"
	}
	return &Coinbase{
		http:    newVenueHTTP(VenueCoinbase, creds.Timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     creds.APIKey,
		secret:  creds.APISecret,
		now:     time.Now,
	}
}

func (c *Coinbase) Name() VenueName { return VenueCoinbase }

// headers signs the request: hex HMAC-SHA256 over timestamp+method+path+body.
func (c *Coinbase) headers(method, path, body string) map[string]string {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(ts + method + path + body))
	return map[string]string{
		"CB-ACCESS-KEY":       c.key,
		"CB-ACCESS-SIGN":      hex.EncodeToString(mac.Sum(nil)),
		"CB-ACCESS-TIMESTAMP": ts,
		"Content-Type":        "application/json",
	}
}

type coinbaseOrderConfig struct {
	MarketIOC *struct {
		BaseSize string `json:"base_size"`
	} `json:"market_market_ioc,omitempty"`
	LimitGTC *struct {
		BaseSize   string `json:"base_size"`
		LimitPrice string `json:"limit_price"`
	} `json:"limit_limit_gtc,omitempty"`
}

type coinbaseOrder struct {
	OrderID            string `json:"order_id"`
	Status             string `json:"status"`
	FilledSize         string `json:"filled_size"`
	AverageFilledPrice string `json:"average_filled_price"`
	TotalFees          string `json:"total_fees"`
}

func (c *Coinbase) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderResult, error) {
	payload := map[string]interface{}{
		"client_order_id": req.ClientOrderID,
		"product_id":      req.Symbol,
		"side":            string(req.Side),
	}
	var cfg coinbaseOrderConfig
	if req.Type == models.TypeLimit && req.LimitPrice != nil {
		cfg.LimitGTC = &struct {
			BaseSize   string `json:"base_size"`
			LimitPrice string `json:"limit_price"`
		}{BaseSize: req.BaseAmount.String(), LimitPrice: req.LimitPrice.String()}
	} else {
		cfg.MarketIOC = &struct {
			BaseSize string `json:"base_size"`
		}{BaseSize: req.BaseAmount.String()}
	}
	payload["order_configuration"] = cfg

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("coinbase place_order: encode: %w", err)
	}

	path := "/api/v3/brokerage/orders"
	var resp struct {
		Success       bool   `json:"success"`
		OrderID       string `json:"order_id"`
		FailureReason string `json:"failure_reason"`
	}
	err = c.http.do(ctx, "place_order", http.MethodPost, c.baseURL+path, c.headers("POST", path, string(body)), body, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &VenueError{
			Venue:   VenueCoinbase,
			Op:      "place_order",
			Message: resp.FailureReason,
		}
	}

	// Market orders fill immediately; read the fill back so the caller gets
	// executed quantity and average price in one round trip.
	if result, err := c.GetOrder(ctx, req.Symbol, resp.OrderID); err == nil {
		return result, nil
	}
	return &OrderResult{VenueOrderID: resp.OrderID, Status: StatusPending}, nil
}

func (c *Coinbase) GetOrder(ctx context.Context, _ string, orderID string) (*OrderResult, error) {
	path := "/api/v3/brokerage/orders/historical/" + orderID
	var resp struct {
		Order coinbaseOrder `json:"order"`
	}
	err := c.http.do(ctx, "get_order", http.MethodGet, c.baseURL+path, c.headers("GET", path, ""), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		VenueOrderID: resp.Order.OrderID,
		Status:       coinbaseStatus(resp.Order.Status),
		FilledAmount: parseDecimal(resp.Order.FilledSize),
		AveragePrice: parseDecimal(resp.Order.AverageFilledPrice),
		Fee:          parseDecimal(resp.Order.TotalFees),
	}, nil
}

// GetOrderByClientID lists historical orders filtered by the client order id
// sent on placement; used when the placement response was lost.
func (c *Coinbase) GetOrderByClientID(ctx context.Context, _ string, clientOrderID string) (*OrderResult, error) {
	// The signature covers the path without the query string.
	path := "/api/v3/brokerage/orders/historical/batch"
	query := "?client_order_id=" + url.QueryEscape(clientOrderID)
	var resp struct {
		Orders []coinbaseOrder `json:"orders"`
	}
	err := c.http.do(ctx, "get_order", http.MethodGet, c.baseURL+path+query, c.headers("GET", path, ""), nil, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Orders) == 0 {
		return nil, &VenueError{
			Venue:   VenueCoinbase,
			Op:      "get_order",
			Message: fmt.Sprintf("no order with client id %s", clientOrderID),
		}
	}
	order := resp.Orders[0]
	return &OrderResult{
		VenueOrderID: order.OrderID,
		Status:       coinbaseStatus(order.Status),
		FilledAmount: parseDecimal(order.FilledSize),
		AveragePrice: parseDecimal(order.AverageFilledPrice),
		Fee:          parseDecimal(order.TotalFees),
	}, nil
}

func (c *Coinbase) CancelOrder(ctx context.Context, _ string, orderID string) error {
	body, _ := json.Marshal(map[string][]string{"order_ids": {orderID}})
	path := "/api/v3/brokerage/orders/batch_cancel"
	var resp struct {
		Results []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
		} `json:"results"`
	}
	err := c.http.do(ctx, "cancel_order", http.MethodPost, c.baseURL+path, c.headers("POST", path, string(body)), body, &resp)
	if err != nil {
		return err
	}
	if len(resp.Results) > 0 && !resp.Results[0].Success {
		return &VenueError{Venue: VenueCoinbase, Op: "cancel_order", Message: resp.Results[0].FailureReason}
	}
	return nil
}

func (c *Coinbase) GetBalances(ctx context.Context) ([]Balance, error) {
	path := "/api/v3/brokerage/accounts"
	var resp struct {
		Accounts []struct {
			Currency         string `json:"currency"`
			AvailableBalance struct {
				Value string `json:"value"`
			} `json:"available_balance"`
			Hold struct {
				Value string `json:"value"`
			} `json:"hold"`
		} `json:"accounts"`
	}
	err := c.http.do(ctx, "get_balances", http.MethodGet, c.baseURL+path, c.headers("GET", path, ""), nil, &resp)
	if err != nil {
		return nil, err
	}
	balances := make([]Balance, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		available := parseDecimal(a.AvailableBalance.Value)
		balances = append(balances, Balance{
			Currency:  a.Currency,
			Available: available,
			Total:     available.Add(parseDecimal(a.Hold.Value)),
		})
	}
	return balances, nil
}

func (c *Coinbase) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	path := "/api/v3/brokerage/products/" + symbol + "/ticker"
	var resp struct {
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
		Trades  []struct {
			Price string `json:"price"`
		} `json:"trades"`
	}
	err := c.http.do(ctx, "get_ticker", http.MethodGet, c.baseURL+path, c.headers("GET", path, ""), nil, &resp)
	if err != nil {
		return nil, err
	}
	t := &Ticker{
		Symbol: symbol,
		Bid:    parseDecimal(resp.BestBid),
		Ask:    parseDecimal(resp.BestAsk),
		Time:   c.now(),
	}
	if len(resp.Trades) > 0 {
		t.Last = parseDecimal(resp.Trades[0].Price)
	}
	return t, nil
}

func coinbaseStatus(s string) OrderStatus {
	switch s {
	case "FILLED":
		return StatusFilled
	case "CANCELLED", "EXPIRED":
		return StatusCancelled
	case "FAILED", "REJECTED":
		return StatusRejected
	case "OPEN", "PENDING", "QUEUED":
		return StatusPending
	default:
		return StatusPending
	}
}
