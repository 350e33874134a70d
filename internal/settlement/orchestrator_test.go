package settlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/litebittech/broker/internal/database"
	"github.com/litebittech/broker/internal/exchange"
	"github.com/litebittech/broker/internal/ledger"
	"github.com/litebittech/broker/internal/messaging"
	"github.com/litebittech/broker/pkg/models"
)

// fakeVenue scripts venue behaviour for settlement tests.
type fakeVenue struct {
	name         exchange.VenueName
	ticker       *exchange.Ticker
	placeErrs    []error
	placeResult  *exchange.OrderResult
	placeCalls   int
	orderResult  *exchange.OrderResult
	orderErr     error
	orderCalls   int
	clientResult *exchange.OrderResult
	clientErr    error
	clientCalls  int
	cancelErr    error
}

func (f *fakeVenue) Name() exchange.VenueName { return f.name }

func (f *fakeVenue) PlaceOrder(_ context.Context, _ exchange.PlaceOrderRequest) (*exchange.OrderResult, error) {
	f.placeCalls++
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	out := *f.placeResult
	return &out, nil
}

func (f *fakeVenue) GetOrder(_ context.Context, _, _ string) (*exchange.OrderResult, error) {
	f.orderCalls++
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	out := *f.orderResult
	return &out, nil
}

func (f *fakeVenue) GetOrderByClientID(_ context.Context, _, _ string) (*exchange.OrderResult, error) {
	f.clientCalls++
	if f.clientErr != nil {
		return nil, f.clientErr
	}
	out := *f.clientResult
	return &out, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, _, _ string) error { return f.cancelErr }

func (f *fakeVenue) GetBalances(_ context.Context) ([]exchange.Balance, error) { return nil, nil }

func (f *fakeVenue) GetTicker(_ context.Context, _ string) (*exchange.Ticker, error) {
	out := *f.ticker
	return &out, nil
}

// capturePublisher records published events.
type capturePublisher struct {
	events []messaging.Event
}

func (p *capturePublisher) Publish(_ context.Context, e messaging.Event) error {
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) typesSeen() []messaging.EventType {
	out := make([]messaging.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type env struct {
	db        *gorm.DB
	ledger    *ledger.Service
	gateway   *exchange.Gateway
	orch      *Orchestrator
	events    *capturePublisher
	primary   *fakeVenue
	secondary *fakeVenue
	userID    uuid.UUID
}

func defaultTicker() *exchange.Ticker {
	return &exchange.Ticker{
		Symbol: "BTC-GBP",
		Bid:    dec("99000"),
		Ask:    dec("100000"),
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	log := zaptest.NewLogger(t)
	primary := &fakeVenue{
		name:        exchange.VenueCoinbase,
		ticker:      defaultTicker(),
		placeResult: &exchange.OrderResult{VenueOrderID: "cb-1", Status: exchange.StatusFilled},
	}
	secondary := &fakeVenue{
		name:        exchange.VenueKraken,
		ticker:      defaultTicker(),
		placeResult: &exchange.OrderResult{VenueOrderID: "k-1", Status: exchange.StatusFilled},
	}
	gateway := exchange.NewGateway(primary, secondary, exchange.NewMemoryStore(), exchange.GatewayConfig{
		MaxRetries:         3,
		RetryBaseDelay:     time.Millisecond,
		BreakerMaxFailures: 5,
		BreakerResetWindow: time.Minute,
	}, log)

	events := &capturePublisher{}
	ledgerSvc := ledger.NewService(db, log)
	orch := NewOrchestrator(db, ledgerSvc, gateway, events, log)

	return &env{
		db:        db,
		ledger:    ledgerSvc,
		gateway:   gateway,
		orch:      orch,
		events:    events,
		primary:   primary,
		secondary: secondary,
		userID:    uuid.New(),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (e *env) fund(t *testing.T, currency, amount string) {
	t.Helper()
	_, err := e.ledger.Credit(context.Background(), e.userID, currency, dec(amount), models.RefDeposit, uuid.NewString())
	require.NoError(t, err)
}

func (e *env) balance(t *testing.T, currency string) *models.Account {
	t.Helper()
	acct, err := e.ledger.GetBalance(context.Background(), e.userID, currency)
	require.NoError(t, err)
	return acct
}

func marketBuy(userID uuid.UUID, amount string) CreateOrderRequest {
	return CreateOrderRequest{
		UserID: userID,
		Symbol: "BTC-GBP",
		Side:   models.SideBuy,
		Type:   models.TypeMarket,
		Amount: dec(amount),
	}
}

func transientErr(venue exchange.VenueName) error {
	return &exchange.VenueError{Venue: venue, Op: "place_order", HTTPStatus: 503, Message: "unavailable", Retryable: true}
}

func timeoutErr(venue exchange.VenueName) error {
	return &exchange.VenueError{Venue: venue, Op: "place_order", Message: "timeout", Timeout: true, Retryable: true}
}

func notFoundErr(venue exchange.VenueName) error {
	return &exchange.VenueError{Venue: venue, Op: "get_order", HTTPStatus: 404, Message: "order not found"}
}

func TestCreateOrderFillsAndSettles(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "GBP", "100")
	e.primary.placeResult = &exchange.OrderResult{
		VenueOrderID: "cb-1",
		Status:       exchange.StatusFilled,
		FilledAmount: dec("0.001"),
		AveragePrice: dec("100000"),
	}

	order, err := e.orch.CreateOrder(context.Background(), marketBuy(e.userID, "0.001"))
	require.NoError(t, err)

	assert.Equal(t, models.OrderFilled, order.Status)
	assert.Equal(t, "coinbase", order.Venue)
	assert.Equal(t, "cb-1", order.VenueOrderID)
	assert.True(t, order.FilledAmount.Equal(dec("0.001")))
	require.NotNil(t, order.AveragePrice)
	assert.True(t, order.AveragePrice.Equal(dec("100000")))
	require.NotNil(t, order.FilledAt)

	gbp := e.balance(t, "GBP")
	assert.True(t, gbp.Total.IsZero(), "GBP total = %s", gbp.Total)
	assert.True(t, gbp.Reserved.IsZero())

	btc := e.balance(t, "BTC")
	assert.True(t, btc.Available.Equal(dec("0.001")))

	assert.Equal(t, []messaging.EventType{messaging.EventOrderFilled}, e.events.typesSeen())
}

func TestCreateOrderAllVenuesDownReleasesFunds(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "GBP", "100")
	e.primary.placeErrs = []error{
		transientErr(exchange.VenueCoinbase), transientErr(exchange.VenueCoinbase), transientErr(exchange.VenueCoinbase),
	}
	e.secondary.placeErrs = []error{
		transientErr(exchange.VenueKraken), transientErr(exchange.VenueKraken), transientErr(exchange.VenueKraken),
	}

	order, err := e.orch.CreateOrder(context.Background(), marketBuy(e.userID, "0.001"))
	require.Error(t, err)

	assert.Equal(t, models.OrderFailed, order.Status)
	assert.Equal(t, ReasonVenueUnavailable, order.FailureReason)
	assert.Equal(t, 3, e.primary.placeCalls)
	assert.Equal(t, 3, e.secondary.placeCalls)

	gbp := e.balance(t, "GBP")
	assert.True(t, gbp.Available.Equal(dec("100")))
	assert.True(t, gbp.Reserved.IsZero())

	// The audit trail shows the reserve and its release.
	entries, err := e.ledger.GetHistory(context.Background(), e.userID, 10, 0)
	require.NoError(t, err)
	var sawReserve, sawRelease bool
	for _, entry := range entries {
		if entry.ReferenceID == order.ID.String() {
			switch entry.EntryType {
			case models.EntryReserve:
				sawReserve = true
			case models.EntryRelease:
				sawRelease = true
			}
		}
	}
	assert.True(t, sawReserve)
	assert.True(t, sawRelease)
	assert.Equal(t, []messaging.EventType{messaging.EventOrderFailed}, e.events.typesSeen())
}

func TestCreateOrderInsufficientFundsNeverCallsVenue(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "GBP", "50")

	order, err := e.orch.CreateOrder(context.Background(), marketBuy(e.userID, "0.001"))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	assert.Equal(t, models.OrderFailed, order.Status)
	assert.Equal(t, ReasonInsufficientBalance, order.FailureReason)
	assert.Equal(t, 0, e.primary.placeCalls)
	assert.Equal(t, 0, e.secondary.placeCalls)

	gbp := e.balance(t, "GBP")
	assert.True(t, gbp.Available.Equal(dec("50")))
	assert.True(t, gbp.Reserved.IsZero())
}

func TestCreateOrderTimeoutKeepsReservation(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "GBP", "100")
	e.primary.placeErrs = []error{timeoutErr(exchange.VenueCoinbase)}

	order, err := e.orch.CreateOrder(context.Background(), marketBuy(e.userID, "0.001"))
	require.NoError(t, err)

	// Outcome unknown: the order waits for reconciliation with its funds
	// still reserved.
	assert.Equal(t, models.OrderSubmitted, order.Status)
	assert.Equal(t, 1, e.primary.placeCalls)
	assert.Equal(t, 0, e.secondary.placeCalls)

	gbp := e.balance(t, "GBP")
	assert.True(t, gbp.Reserved.Equal(dec("100")))
	assert.True(t, gbp.Available.IsZero())
	assert.Empty(t, e.events.typesSeen())
}

func TestCreateOrderFailsOverToSecondary(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "GBP", "100")
	e.primary.placeErrs = []error{
		transientErr(exchange.VenueCoinbase), transientErr(exchange.VenueCoinbase), transientErr(exchange.VenueCoinbase),
	}
	e.secondary.placeResult = &exchange.OrderResult{
		VenueOrderID: "k-1",
		Status:       exchange.StatusFilled,
		FilledAmount: dec("0.001"),
		AveragePrice: dec("100000"),
	}

	order, err := e.orch.CreateOrder(context.Background(), marketBuy(e.userID, "0.001"))
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, order.Status)
	assert.Equal(t, "kraken", order.Venue)
	assert.Equal(t, "k-1", order.VenueOrderID)
}

func TestCreateOrderValidation(t *testing.T) {
	e := newEnv(t)

	cases := []CreateOrderRequest{
		{UserID: uuid.Nil, Symbol: "BTC-GBP", Side: models.SideBuy, Type: models.TypeMarket, Amount: dec("1")},
		{UserID: e.userID, Symbol: "", Side: models.SideBuy, Type: models.TypeMarket, Amount: dec("1")},
		{UserID: e.userID, Symbol: "BTC-GBP", Side: "SHORT", Type: models.TypeMarket, Amount: dec("1")},
		{UserID: e.userID, Symbol: "BTC-GBP", Side: models.SideBuy, Type: models.TypeMarket, Amount: dec("0")},
		{UserID: e.userID, Symbol: "BTC-GBP", Side: models.SideBuy, Type: models.TypeMarket, Amount: dec("-1")},
		{UserID: e.userID, Symbol: "BTC-GBP", Side: models.SideBuy, Type: models.TypeLimit, Amount: dec("1")},
	}
	for i, req := range cases {
		_, err := e.orch.CreateOrder(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidOrder, "case %d", i)
	}
	assert.Equal(t, 0, e.primary.placeCalls)
}

func TestSellOrderSettlesBaseLeg(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "BTC", "0.5")
	e.primary.placeResult = &exchange.OrderResult{
		VenueOrderID: "cb-2",
		Status:       exchange.StatusFilled,
		FilledAmount: dec("0.5"),
		AveragePrice: dec("99000"),
	}

	order, err := e.orch.CreateOrder(context.Background(), CreateOrderRequest{
		UserID: e.userID,
		Symbol: "BTC-GBP",
		Side:   models.SideSell,
		Type:   models.TypeMarket,
		Amount: dec("0.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, order.Status)

	btc := e.balance(t, "BTC")
	assert.True(t, btc.Total.IsZero())

	gbp := e.balance(t, "GBP")
	assert.True(t, gbp.Available.Equal(dec("49500")))
}

func TestCancelRestingLimitOrder(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "GBP", "100")
	limitPrice := dec("90000")
	e.primary.placeResult = &exchange.OrderResult{VenueOrderID: "cb-3", Status: exchange.StatusPending}
	e.primary.orderResult = &exchange.OrderResult{VenueOrderID: "cb-3", Status: exchange.StatusCancelled}

	order, err := e.orch.CreateOrder(context.Background(), CreateOrderRequest{
		UserID:     e.userID,
		Symbol:     "BTC-GBP",
		Side:       models.SideBuy,
		Type:       models.TypeLimit,
		Amount:     dec("0.001"),
		LimitPrice: &limitPrice,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderSubmitted, order.Status)

	// The limit reservation uses the limit price, not the market quote.
	gbp := e.balance(t, "GBP")
	assert.True(t, gbp.Reserved.Equal(dec("90")))

	cancelled, err := e.orch.CancelOrder(context.Background(), order.ID, e.userID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	gbp = e.balance(t, "GBP")
	assert.True(t, gbp.Available.Equal(dec("100")))
	assert.True(t, gbp.Reserved.IsZero())
	assert.Equal(t, []messaging.EventType{messaging.EventOrderCancelled}, e.events.typesSeen())
}

func TestAmendOrderReplacesRestingOrder(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "GBP", "100")
	limitPrice := dec("90000")
	e.primary.placeResult = &exchange.OrderResult{VenueOrderID: "cb-3", Status: exchange.StatusPending}
	e.primary.orderResult = &exchange.OrderResult{VenueOrderID: "cb-3", Status: exchange.StatusCancelled}

	order, err := e.orch.CreateOrder(context.Background(), CreateOrderRequest{
		UserID:     e.userID,
		Symbol:     "BTC-GBP",
		Side:       models.SideBuy,
		Type:       models.TypeLimit,
		Amount:     dec("0.001"),
		LimitPrice: &limitPrice,
	})
	require.NoError(t, err)

	newPrice := dec("95000")
	replacement, err := e.orch.AmendOrder(context.Background(), order.ID, e.userID, dec("0.001"), &newPrice)
	require.NoError(t, err)
	assert.NotEqual(t, order.ID, replacement.ID)
	require.NotNil(t, replacement.LimitPrice)
	assert.True(t, replacement.LimitPrice.Equal(newPrice))

	// Old reservation gone, replacement reservation in place.
	gbp := e.balance(t, "GBP")
	assert.True(t, gbp.Reserved.Equal(dec("95")))
}

func TestAmendOrderAbortsWhenFillWinsTheRace(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "GBP", "100")
	limitPrice := dec("100000")
	e.primary.placeResult = &exchange.OrderResult{VenueOrderID: "cb-3", Status: exchange.StatusPending}
	// By the time the cancel confirmation is read back, the venue has
	// filled the order.
	e.primary.orderResult = &exchange.OrderResult{
		VenueOrderID: "cb-3",
		Status:       exchange.StatusFilled,
		FilledAmount: dec("0.001"),
		AveragePrice: dec("100000"),
	}

	order, err := e.orch.CreateOrder(context.Background(), CreateOrderRequest{
		UserID:     e.userID,
		Symbol:     "BTC-GBP",
		Side:       models.SideBuy,
		Type:       models.TypeLimit,
		Amount:     dec("0.001"),
		LimitPrice: &limitPrice,
	})
	require.NoError(t, err)

	newPrice := dec("95000")
	settled, err := e.orch.AmendOrder(context.Background(), order.ID, e.userID, dec("0.001"), &newPrice)
	require.ErrorIs(t, err, ErrNotCancellable)
	assert.Equal(t, models.OrderFilled, settled.Status)

	// No replacement order was created; the fill settled once.
	orders, err := e.orch.ListOrders(context.Background(), e.userID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
	btc := e.balance(t, "BTC")
	assert.True(t, btc.Available.Equal(dec("0.001")))
}

func TestCancelTerminalOrderRejected(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "GBP", "100")
	e.primary.placeResult = &exchange.OrderResult{
		VenueOrderID: "cb-1",
		Status:       exchange.StatusFilled,
		FilledAmount: dec("0.001"),
		AveragePrice: dec("100000"),
	}

	order, err := e.orch.CreateOrder(context.Background(), marketBuy(e.userID, "0.001"))
	require.NoError(t, err)

	_, err = e.orch.CancelOrder(context.Background(), order.ID, e.userID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestCancelOrderScopedToOwner(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "GBP", "100")
	e.primary.placeResult = &exchange.OrderResult{
		VenueOrderID: "cb-1",
		Status:       exchange.StatusFilled,
		FilledAmount: dec("0.001"),
		AveragePrice: dec("100000"),
	}

	order, err := e.orch.CreateOrder(context.Background(), marketBuy(e.userID, "0.001"))
	require.NoError(t, err)

	_, err = e.orch.CancelOrder(context.Background(), order.ID, uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestInvalidTransitionRejected(t *testing.T) {
	e := newEnv(t)

	order := &models.Order{
		ID:     uuid.New(),
		UserID: e.userID,
		Symbol: "BTC-GBP",
		Side:   models.SideBuy,
		Status: models.OrderFilled,
	}
	require.NoError(t, e.db.Create(order).Error)

	err := e.orch.transition(context.Background(), order, models.OrderSubmitted, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// Two writers race the same order: whoever persists a terminal state first
// wins, the loser's stale transition is rejected and its view reloaded.
func TestConcurrentTransitionLoserRejected(t *testing.T) {
	e := newEnv(t)

	order := &models.Order{
		ID:     uuid.New(),
		UserID: e.userID,
		Symbol: "BTC-GBP",
		Side:   models.SideBuy,
		Status: models.OrderSubmitted,
	}
	require.NoError(t, e.db.Create(order).Error)

	// A concurrent sweep settles the order behind this writer's back.
	require.NoError(t, e.db.Model(&models.Order{}).
		Where("id = ?", order.ID).
		Update("status", models.OrderFilled).Error)

	stale := *order
	err := e.orch.transition(context.Background(), &stale, models.OrderCancelled, stampCancelled)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// The winner's terminal state stands, and the loser sees it.
	assert.Equal(t, models.OrderFilled, stale.Status)
	var current models.Order
	require.NoError(t, e.db.First(&current, "id = ?", order.ID).Error)
	assert.Equal(t, models.OrderFilled, current.Status)
}

func TestListOrdersNewestFirst(t *testing.T) {
	e := newEnv(t)
	e.fund(t, "GBP", "1000")
	e.primary.placeResult = &exchange.OrderResult{
		VenueOrderID: "cb-1",
		Status:       exchange.StatusFilled,
		FilledAmount: dec("0.001"),
		AveragePrice: dec("100000"),
	}

	for i := 0; i < 3; i++ {
		_, err := e.orch.CreateOrder(context.Background(), marketBuy(e.userID, "0.001"))
		require.NoError(t, err)
	}

	orders, err := e.orch.ListOrders(context.Background(), e.userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	for i := 1; i < len(orders); i++ {
		assert.False(t, orders[i].CreatedAt.After(orders[i-1].CreatedAt))
	}
}
