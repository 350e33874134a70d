package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/litebittech/broker/pkg/models"
)

// Binance implements Venue against a Binance-style REST API. Symbols are
// concatenated, so BTC-GBP maps to BTCGBP.
type Binance struct {
	http    *venueHTTP
	baseURL string
	key     string
	secret  string
	now     func() time.Time
}

// NewBinance creates a Binance adapter.
func NewBinance(creds VenueCredentials) *Binance {
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &Binance{
		http:    newVenueHTTP(VenueBinance, creds.Timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     creds.APIKey,
		secret:  creds.APISecret,
		now:     time.Now,
	}
}

func (b *Binance) Name() VenueName { return VenueBinance }

func binanceSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "-", "")
}

// signed appends timestamp and an HMAC-SHA256 hex signature to the query.
func (b *Binance) signed(params url.Values) (string, map[string]string) {
	params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(b.secret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))
	return query, map[string]string{"X-MBX-APIKEY": b.key}
}

type binanceOrder struct {
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Status             string `json:"status"`
	ExecutedQty        string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
}

func (o *binanceOrder) result() *OrderResult {
	filled := parseDecimal(o.ExecutedQty)
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = parseDecimal(o.CummulativeQuoteQty).Div(filled)
	}
	return &OrderResult{
		VenueOrderID: strconv.FormatInt(o.OrderID, 10),
		Status:       binanceStatus(o.Status),
		FilledAmount: filled,
		AveragePrice: avg,
	}
}

func (b *Binance) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", binanceSymbol(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("quantity", req.BaseAmount.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "FULL")
	if req.Type == models.TypeLimit && req.LimitPrice != nil {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", req.LimitPrice.String())
	} else {
		params.Set("type", "MARKET")
	}

	query, headers := b.signed(params)
	var resp binanceOrder
	err := b.http.do(ctx, "place_order", http.MethodPost, b.baseURL+"/api/v3/order?"+query, headers, nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.result(), nil
}

// GetOrder accepts either a numeric venue order id or, after a submission
// whose response was lost, the client order id we generated.
func (b *Binance) GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", binanceSymbol(symbol))
	if _, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", orderID)
	}

	query, headers := b.signed(params)
	var resp binanceOrder
	err := b.http.do(ctx, "get_order", http.MethodGet, b.baseURL+"/api/v3/order?"+query, headers, nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.result(), nil
}

// GetOrderByClientID resolves an order by the client order id sent on
// placement.
func (b *Binance) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", binanceSymbol(symbol))
	params.Set("origClientOrderId", clientOrderID)

	query, headers := b.signed(params)
	var resp binanceOrder
	err := b.http.do(ctx, "get_order", http.MethodGet, b.baseURL+"/api/v3/order?"+query, headers, nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.result(), nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", binanceSymbol(symbol))
	if _, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		params.Set("orderId", orderID)
	} else {
		params.Set("origClientOrderId", orderID)
	}

	query, headers := b.signed(params)
	return b.http.do(ctx, "cancel_order", http.MethodDelete, b.baseURL+"/api/v3/order?"+query, headers, nil, nil)
}

func (b *Binance) GetBalances(ctx context.Context) ([]Balance, error) {
	query, headers := b.signed(url.Values{})
	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	err := b.http.do(ctx, "get_balances", http.MethodGet, b.baseURL+"/api/v3/account?"+query, headers, nil, &resp)
	if err != nil {
		return nil, err
	}

	balances := make([]Balance, 0, len(resp.Balances))
	for _, bal := range resp.Balances {
		free := parseDecimal(bal.Free)
		balances = append(balances, Balance{
			Currency:  bal.Asset,
			Available: free,
			Total:     free.Add(parseDecimal(bal.Locked)),
		})
	}
	return balances, nil
}

func (b *Binance) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	u := b.baseURL + "/api/v3/ticker/bookTicker?symbol=" + url.QueryEscape(binanceSymbol(symbol))
	var resp struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := b.http.do(ctx, "get_ticker", http.MethodGet, u, nil, nil, &resp); err != nil {
		return nil, err
	}
	bid := parseDecimal(resp.BidPrice)
	ask := parseDecimal(resp.AskPrice)
	return &Ticker{
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		Last:   bid.Add(ask).Div(decimal.NewFromInt(2)),
		Time:   b.now(),
	}, nil
}

func binanceStatus(s string) OrderStatus {
	switch s {
	case "FILLED":
		return StatusFilled
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "CANCELED", "EXPIRED":
		return StatusCancelled
	case "REJECTED":
		return StatusRejected
	case "NEW", "PENDING_NEW":
		return StatusPending
	default:
		return StatusPending
	}
}
