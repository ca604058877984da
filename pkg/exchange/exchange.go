package exchange

import (
	"context"
	"time"
)

// Exchange 交易所网关接口。核心引擎只依赖这个窄接口，
// 交易所相关的细节全部留在具体实现里（币安、纸钱包等）。
type Exchange interface {
	// 市场数据
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*Kline, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)

	// 持仓快照（对账的权威数据源）
	GetLivePositions(ctx context.Context) ([]*Position, error)

	// 订单操作
	PlaceOrder(ctx context.Context, symbol string, side OrderSide, quantity float64, reduceOnly bool) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*OrderResult, error)

	// 历史成交（孤儿交易退出数据恢复）
	GetRecentFills(ctx context.Context, symbol string, window time.Duration) ([]*Fill, error)

	// 交易参数
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	FormatQuantity(ctx context.Context, symbol string, quantity float64) (float64, error)
}
