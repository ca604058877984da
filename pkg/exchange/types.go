package exchange

import "time"

// 通用交易类型定义，独立于任何特定交易所
// 这样可以方便地支持多个交易所（币安、OKX、Bybit等）

// OrderSide 订单方向
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// PositionSide 持仓方向
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsFinal 订单是否已进入终态
func (o OrderStatus) IsFinal() bool {
	switch o {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

func (s OrderSide) String() string {
	return string(s)
}

func (s PositionSide) String() string {
	return string(s)
}

func (o OrderStatus) String() string {
	return string(o)
}

// Opposite 反方向（平仓下单时使用）
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderSideFor 持仓方向对应的开仓订单方向
func OrderSideFor(side PositionSide) OrderSide {
	if side == PositionSideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Position 交易所侧的实时持仓快照
type Position struct {
	Symbol           string
	Side             PositionSide
	PositionAmount   float64 // 持仓数量（恒为正）
	EntryPrice       float64 // 开仓均价
	MarkPrice        float64 // 标记价格
	UnrealizedProfit float64 // 未实现盈亏
	Leverage         int     // 杠杆倍数
	LiquidationPrice float64 // 强平价格
}

// OrderResult 订单结果
type OrderResult struct {
	OrderID     int64
	Symbol      string
	Side        OrderSide
	Type        string
	Quantity    float64
	Price       float64
	AvgPrice    float64
	Status      OrderStatus
	ExecutedQty float64
}

// Fill 历史成交记录（孤儿恢复时用于回溯真实退出数据）
type Fill struct {
	OrderID     int64
	Symbol      string
	Side        OrderSide
	Price       float64
	Quantity    float64
	RealizedPnl float64
	Time        time.Time
}

// Kline K线数据
type Kline struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}
