package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/litebittech/broker/pkg/models"
)

// Kraken implements Venue against the Kraken REST API. Kraken uses
// concatenated pairs with XBT for bitcoin, so BTC-GBP maps to XBTGBP.
type Kraken struct {
	http    *venueHTTP
	baseURL string
	key     string
	secret  string
	nonce   func() int64
}

// NewKraken creates a Kraken adapter.
func NewKraken(creds VenueCredentials) *Kraken {
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = "https://api.kraken.com"
	}
	return &Kraken{
		http:    newVenueHTTP(VenueKraken, creds.Timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     creds.APIKey,
		secret:  creds.APISecret,
		nonce:   func() int64 { return time.Now().UnixMicro() },
	}
}

func (k *Kraken) Name() VenueName { return VenueKraken }

func krakenPair(symbol string) string {
	pair := strings.ReplaceAll(symbol, "-", "")
	return strings.ReplaceAll(pair, "BTC", "XBT")
}

func krakenCurrency(asset string) string {
	// Kraken prefixes some assets (XXBT, ZGBP) and uses XBT for bitcoin.
	asset = strings.TrimPrefix(strings.TrimPrefix(asset, "X"), "Z")
	if asset == "XBT" {
		return "BTC"
	}
	return asset
}

// sign produces API-Sign: base64 HMAC-SHA512 over path + SHA256(nonce+postdata)
// keyed with the base64-decoded secret.
func (k *Kraken) sign(path, postData string, nonce int64) string {
	sha := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + postData))
	secret, err := base64.StdEncoding.DecodeString(k.secret)
	if err != nil {
		secret = []byte(k.secret)
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(append([]byte(path), sha[:]...))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (k *Kraken) private(ctx context.Context, op, endpoint string, params url.Values, out interface{}) error {
	nonce := k.nonce()
	if params == nil {
		params = url.Values{}
	}
	params.Set("nonce", strconv.FormatInt(nonce, 10))
	postData := params.Encode()
	path := "/0/private/" + endpoint

	headers := map[string]string{
		"API-Key":      k.key,
		"API-Sign":     k.sign(path, postData, nonce),
		"Content-Type": "application/x-www-form-urlencoded",
	}
	return k.http.do(ctx, op, http.MethodPost, k.baseURL+path, headers, []byte(postData), out)
}

// krakenError converts the API's error array into a VenueError. Service
// errors (EService:*) are transient; everything else is a rejection.
func krakenError(op string, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	msg := strings.Join(errs, "; ")
	return &VenueError{
		Venue:     VenueKraken,
		Op:        op,
		Message:   msg,
		Retryable: strings.Contains(msg, "EService:") || strings.Contains(msg, "Temporary"),
	}
}

func (k *Kraken) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderResult, error) {
	params := url.Values{}
	params.Set("pair", krakenPair(req.Symbol))
	params.Set("type", strings.ToLower(string(req.Side)))
	params.Set("volume", req.BaseAmount.String())
	params.Set("cl_ord_id", req.ClientOrderID)
	if req.Type == models.TypeLimit && req.LimitPrice != nil {
		params.Set("ordertype", "limit")
		params.Set("price", req.LimitPrice.String())
	} else {
		params.Set("ordertype", "market")
	}

	var resp struct {
		Error  []string `json:"error"`
		Result struct {
			TxID []string `json:"txid"`
		} `json:"result"`
	}
	if err := k.private(ctx, "place_order", "AddOrder", params, &resp); err != nil {
		return nil, err
	}
	if err := krakenError("place_order", resp.Error); err != nil {
		return nil, err
	}
	if len(resp.Result.TxID) == 0 {
		return nil, &VenueError{Venue: VenueKraken, Op: "place_order", Message: "no txid returned"}
	}

	txid := resp.Result.TxID[0]
	if result, err := k.GetOrder(ctx, req.Symbol, txid); err == nil {
		return result, nil
	}
	return &OrderResult{VenueOrderID: txid, Status: StatusPending}, nil
}

type krakenOrderInfo struct {
	Status  string `json:"status"`
	VolExec string `json:"vol_exec"`
	Price   string `json:"price"`
	Fee     string `json:"fee"`
	Volume  string `json:"vol"`
}

func (o krakenOrderInfo) result(txid string) *OrderResult {
	filled := parseDecimal(o.VolExec)
	status := krakenStatus(o.Status)
	if status == StatusCancelled && filled.IsPositive() && filled.LessThan(parseDecimal(o.Volume)) {
		status = StatusPartiallyFilled
	}
	return &OrderResult{
		VenueOrderID: txid,
		Status:       status,
		FilledAmount: filled,
		AveragePrice: parseDecimal(o.Price),
		Fee:          parseDecimal(o.Fee),
	}
}

func (k *Kraken) queryOrders(ctx context.Context, params url.Values) (map[string]krakenOrderInfo, error) {
	var resp struct {
		Error  []string                   `json:"error"`
		Result map[string]krakenOrderInfo `json:"result"`
	}
	if err := k.private(ctx, "get_order", "QueryOrders", params, &resp); err != nil {
		return nil, err
	}
	if err := krakenError("get_order", resp.Error); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (k *Kraken) GetOrder(ctx context.Context, _ string, orderID string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("txid", orderID)
	orders, err := k.queryOrders(ctx, params)
	if err != nil {
		return nil, err
	}
	order, ok := orders[orderID]
	if !ok {
		return nil, &VenueError{Venue: VenueKraken, Op: "get_order", Message: fmt.Sprintf("order %s not found", orderID)}
	}
	return order.result(orderID), nil
}

// GetOrderByClientID resolves an order through the cl_ord_id we set on
// AddOrder, for placements whose txid was lost.
func (k *Kraken) GetOrderByClientID(ctx context.Context, _ string, clientOrderID string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("cl_ord_id", clientOrderID)
	orders, err := k.queryOrders(ctx, params)
	if err != nil {
		return nil, err
	}
	for txid, order := range orders {
		return order.result(txid), nil
	}
	return nil, &VenueError{Venue: VenueKraken, Op: "get_order", Message: fmt.Sprintf("no order with client id %s", clientOrderID)}
}

func (k *Kraken) CancelOrder(ctx context.Context, _ string, orderID string) error {
	params := url.Values{}
	params.Set("txid", orderID)

	var resp struct {
		Error []string `json:"error"`
	}
	if err := k.private(ctx, "cancel_order", "CancelOrder", params, &resp); err != nil {
		return err
	}
	return krakenError("cancel_order", resp.Error)
}

func (k *Kraken) GetBalances(ctx context.Context) ([]Balance, error) {
	var resp struct {
		Error  []string          `json:"error"`
		Result map[string]string `json:"result"`
	}
	if err := k.private(ctx, "get_balances", "Balance", nil, &resp); err != nil {
		return nil, err
	}
	if err := krakenError("get_balances", resp.Error); err != nil {
		return nil, err
	}

	balances := make([]Balance, 0, len(resp.Result))
	for asset, amount := range resp.Result {
		total := parseDecimal(amount)
		balances = append(balances, Balance{
			Currency:  krakenCurrency(asset),
			Total:     total,
			Available: total,
		})
	}
	return balances, nil
}

func (k *Kraken) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	pair := krakenPair(symbol)
	var resp struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			A []string `json:"a"`
			B []string `json:"b"`
			C []string `json:"c"`
		} `json:"result"`
	}
	u := k.baseURL + "/0/public/Ticker?pair=" + url.QueryEscape(pair)
	if err := k.http.do(ctx, "get_ticker", http.MethodGet, u, nil, nil, &resp); err != nil {
		return nil, err
	}
	if err := krakenError("get_ticker", resp.Error); err != nil {
		return nil, err
	}

	for _, data := range resp.Result {
		t := &Ticker{Symbol: symbol, Time: time.Now()}
		if len(data.A) > 0 {
			t.Ask = parseDecimal(data.A[0])
		}
		if len(data.B) > 0 {
			t.Bid = parseDecimal(data.B[0])
		}
		if len(data.C) > 0 {
			t.Last = parseDecimal(data.C[0])
		}
		return t, nil
	}
	return nil, &VenueError{Venue: VenueKraken, Op: "get_ticker", Message: "empty ticker result"}
}

func krakenStatus(s string) OrderStatus {
	switch s {
	case "closed":
		return StatusFilled
	case "canceled", "expired":
		return StatusCancelled
	case "open", "pending":
		return StatusPending
	default:
		return StatusPending
	}
}
