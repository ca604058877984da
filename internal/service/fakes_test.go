package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.TradeRecord{}, models.Anomaly{}))
	return db
}

func newTestLedger(t *testing.T) *LedgerService {
	t.Helper()
	return NewLedgerService(newTestDB(t), zap.NewNop())
}

// fakeExchange 可编程的交易所假对象
type fakeExchange struct {
	mu sync.Mutex

	price     float64
	positions []*exchange.Position
	fills     []*exchange.Fill
	klines    []*exchange.Kline

	placeErr    error
	orderStatus exchange.OrderStatus // 下单后的订单状态，默认 FILLED
	nextOrderID int64

	placedOrders   []placedOrder
	canceledOrders []int64
}

type placedOrder struct {
	symbol     string
	side       exchange.OrderSide
	quantity   float64
	reduceOnly bool
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		price:       100,
		orderStatus: exchange.OrderStatusFilled,
		nextOrderID: 5000,
	}
}

func (f *fakeExchange) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*exchange.Kline, error) {
	return f.klines, nil
}

func (f *fakeExchange) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeExchange) GetLivePositions(ctx context.Context) ([]*exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, symbol string, side exchange.OrderSide, quantity float64, reduceOnly bool) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.nextOrderID++
	f.placedOrders = append(f.placedOrders, placedOrder{symbol, side, quantity, reduceOnly})
	return &exchange.OrderResult{
		OrderID:     f.nextOrderID,
		Symbol:      symbol,
		Side:        side,
		Quantity:    quantity,
		AvgPrice:    f.price,
		ExecutedQty: quantity,
		Status:      f.orderStatus,
	}, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceledOrders = append(f.canceledOrders, orderID)
	return nil
}

func (f *fakeExchange) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &exchange.OrderResult{
		OrderID: orderID,
		Symbol:  symbol,
		Status:  f.orderStatus,
	}, nil
}

func (f *fakeExchange) GetRecentFills(ctx context.Context, symbol string, window time.Duration) ([]*exchange.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fills, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (f *fakeExchange) FormatQuantity(ctx context.Context, symbol string, quantity float64) (float64, error) {
	return quantity, nil
}

var _ exchange.Exchange = (*fakeExchange)(nil)

// fakeNotifier 记录收到的异常事件
type fakeNotifier struct {
	mu     sync.Mutex
	events []AnomalyEvent
}

func (f *fakeNotifier) NotifyAnomaly(ctx context.Context, event AnomalyEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) eventsOfType(typ string) []AnomalyEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AnomalyEvent
	for _, e := range f.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
