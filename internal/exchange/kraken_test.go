package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKrakenPairMapping(t *testing.T) {
	assert.Equal(t, "XBTGBP", krakenPair("BTC-GBP"))
	assert.Equal(t, "ETHEUR", krakenPair("ETH-EUR"))
	assert.Equal(t, "ETHXBT", krakenPair("ETH-BTC"))
}

func TestKrakenCurrencyMapping(t *testing.T) {
	assert.Equal(t, "BTC", krakenCurrency("XXBT"))
	assert.Equal(t, "BTC", krakenCurrency("XBT"))
	assert.Equal(t, "GBP", krakenCurrency("ZGBP"))
	assert.Equal(t, "ETH", krakenCurrency("XETH"))
	assert.Equal(t, "USDT", krakenCurrency("USDT"))
}

func TestKrakenErrorClassification(t *testing.T) {
	assert.NoError(t, krakenError("op", nil))

	err := krakenError("op", []string{"EService:Unavailable"})
	assert.True(t, IsRetryable(err))

	err = krakenError("op", []string{"EOrder:Insufficient funds"})
	assert.True(t, IsRejected(err))
	assert.False(t, IsRetryable(err))
}

func TestKrakenSignDeterministic(t *testing.T) {
	k := &Kraken{secret: "a2V5LW1hdGVyaWFs"} // base64 "key-material"

	sig1 := k.sign("/0/private/AddOrder", "nonce=1&pair=XBTGBP", 1)
	sig2 := k.sign("/0/private/AddOrder", "nonce=1&pair=XBTGBP", 1)
	assert.Equal(t, sig1, sig2)
	assert.NotEqual(t, sig1, k.sign("/0/private/AddOrder", "nonce=2&pair=XBTGBP", 2))
}

func newTestKraken(t *testing.T, handler http.HandlerFunc) *Kraken {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewKraken(VenueCredentials{
		APIKey:    "test-key",
		APISecret: "a2V5LW1hdGVyaWFs",
		BaseURL:   srv.URL,
		Timeout:   time.Second,
	})
}

func TestKrakenGetOrderByClientID(t *testing.T) {
	var gotClientID string
	k := newTestKraken(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/0/private/QueryOrders", r.URL.Path)
		assert.NotEmpty(t, r.Form.Get("nonce"))
		gotClientID = r.Form.Get("cl_ord_id")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": []string{},
			"result": map[string]interface{}{
				"OABCDE-FGHIJ-KLMNOP": map[string]string{
					"status":   "closed",
					"vol_exec": "0.001",
					"vol":      "0.001",
					"price":    "100000",
				},
			},
		})
	})

	res, err := k.GetOrderByClientID(context.Background(), "BTC-GBP", "client-77")
	require.NoError(t, err)
	assert.Equal(t, "client-77", gotClientID)
	assert.Equal(t, "OABCDE-FGHIJ-KLMNOP", res.VenueOrderID)
	assert.Equal(t, StatusFilled, res.Status)
	assert.True(t, res.FilledAmount.Equal(decimal.RequireFromString("0.001")))
}

func TestKrakenGetOrderByClientIDNotFound(t *testing.T) {
	k := newTestKraken(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":  []string{},
			"result": map[string]interface{}{},
		})
	})

	_, err := k.GetOrderByClientID(context.Background(), "BTC-GBP", "client-77")
	require.Error(t, err)
	assert.True(t, IsRejected(err))
}

func TestKrakenPartialFillDetection(t *testing.T) {
	info := krakenOrderInfo{Status: "canceled", VolExec: "0.0009", Volume: "0.001", Price: "100000"}
	res := info.result("OTXID-1")
	assert.Equal(t, StatusPartiallyFilled, res.Status)
	assert.True(t, res.FilledAmount.Equal(decimal.RequireFromString("0.0009")))
}

func TestBinanceSymbolMapping(t *testing.T) {
	assert.Equal(t, "BTCGBP", binanceSymbol("BTC-GBP"))
	assert.Equal(t, "ETHUSDT", binanceSymbol("ETH-USDT"))
}

func TestBinanceOrderResultAveragePrice(t *testing.T) {
	o := &binanceOrder{
		OrderID:             42,
		Status:              "FILLED",
		ExecutedQty:         "0.002",
		CummulativeQuoteQty: "200",
	}
	res := o.result()
	assert.Equal(t, "42", res.VenueOrderID)
	assert.Equal(t, StatusFilled, res.Status)
	assert.True(t, res.AveragePrice.Equal(decimal.RequireFromString("100000")))

	// No fills yet: average price stays zero instead of dividing by zero.
	empty := &binanceOrder{OrderID: 43, Status: "NEW", ExecutedQty: "0", CummulativeQuoteQty: "0"}
	assert.True(t, empty.result().AveragePrice.IsZero())
}
