package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PaperWallet 纸钱包（模拟交易）。行情数据来自真实的Binance客户端，
// 订单与持仓完全在本地模拟，用于在不动真实资金的情况下跑完整引擎。
type PaperWallet struct {
	binanceClient *BinanceClient // 用于获取真实市场数据
	logger        *zap.Logger

	balance        float64
	initialBalance float64
	positions      map[string]*Position    // symbol|side -> position
	orders         map[int64]*OrderResult  // orderID -> result
	fills          []*Fill                 // 模拟成交历史
	orderID        int64                   // 订单ID计数器
	leverages      map[string]int          // symbol -> leverage
	mu             sync.RWMutex
}

// NewPaperWallet 创建纸钱包
func NewPaperWallet(binanceClient *BinanceClient, initialBalance float64, logger *zap.Logger) *PaperWallet {
	return &PaperWallet{
		binanceClient:  binanceClient,
		logger:         logger,
		balance:        initialBalance,
		initialBalance: initialBalance,
		positions:      make(map[string]*Position),
		orders:         make(map[int64]*OrderResult),
		orderID:        1000000, // 从1000000开始的模拟订单ID
		leverages:      make(map[string]int),
	}
}

var _ Exchange = (*PaperWallet)(nil)

func positionKey(symbol string, side PositionSide) string {
	return fmt.Sprintf("%s|%s", symbol, side)
}

// GetKlines 获取K线数据（使用真实数据）
func (p *PaperWallet) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*Kline, error) {
	return p.binanceClient.GetKlines(ctx, symbol, interval, limit)
}

// GetCurrentPrice 获取当前价格（使用真实数据）
func (p *PaperWallet) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return p.binanceClient.GetCurrentPrice(ctx, symbol)
}

// GetLivePositions 获取模拟持仓
func (p *PaperWallet) GetLivePositions(ctx context.Context) ([]*Position, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*Position, 0, len(p.positions))
	for _, pos := range p.positions {
		currentPrice, err := p.GetCurrentPrice(ctx, pos.Symbol)
		if err != nil {
			p.logger.Warn("failed to get current price for position",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
			currentPrice = pos.MarkPrice // 使用上次的标记价格
		}

		updatedPos := *pos
		updatedPos.MarkPrice = currentPrice

		pnl := 0.0
		if pos.Side == PositionSideLong {
			pnl = (currentPrice - pos.EntryPrice) * pos.PositionAmount
		} else {
			pnl = (pos.EntryPrice - currentPrice) * pos.PositionAmount
		}
		updatedPos.UnrealizedProfit = pnl

		result = append(result, &updatedPos)
	}

	return result, nil
}

// PlaceOrder 模拟市价单，以当前真实价格立即成交
func (p *PaperWallet) PlaceOrder(ctx context.Context, symbol string, side OrderSide,
	quantity float64, reduceOnly bool) (*OrderResult, error) {

	price, err := p.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get price for paper order: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.orderID++
	order := &OrderResult{
		OrderID:     p.orderID,
		Symbol:      symbol,
		Side:        side,
		Type:        "MARKET",
		Quantity:    quantity,
		AvgPrice:    price,
		Status:      OrderStatusFilled,
		ExecutedQty: quantity,
	}
	p.orders[order.OrderID] = order

	p.fills = append(p.fills, &Fill{
		OrderID:  order.OrderID,
		Symbol:   symbol,
		Side:     side,
		Price:    price,
		Quantity: quantity,
		Time:     time.Now(),
	})

	if reduceOnly {
		p.reducePosition(symbol, side, quantity, price)
	} else {
		p.increasePosition(symbol, side, quantity, price)
	}

	p.logger.Debug("paper order filled",
		zap.String("symbol", symbol),
		zap.String("side", side.String()),
		zap.Float64("quantity", quantity),
		zap.Float64("price", price),
		zap.Bool("reduce_only", reduceOnly))

	return order, nil
}

func (p *PaperWallet) increasePosition(symbol string, side OrderSide, quantity, price float64) {
	posSide := PositionSideLong
	if side == OrderSideSell {
		posSide = PositionSideShort
	}

	key := positionKey(symbol, posSide)
	leverage := p.leverages[symbol]
	if leverage == 0 {
		leverage = 1
	}

	if pos, ok := p.positions[key]; ok {
		// 加权平均开仓价
		total := pos.PositionAmount + quantity
		pos.EntryPrice = (pos.EntryPrice*pos.PositionAmount + price*quantity) / total
		pos.PositionAmount = total
		return
	}

	p.positions[key] = &Position{
		Symbol:         symbol,
		Side:           posSide,
		PositionAmount: quantity,
		EntryPrice:     price,
		MarkPrice:      price,
		Leverage:       leverage,
	}
}

func (p *PaperWallet) reducePosition(symbol string, side OrderSide, quantity, price float64) {
	// 平仓单方向与持仓方向相反
	posSide := PositionSideLong
	if side == OrderSideBuy {
		posSide = PositionSideShort
	}

	key := positionKey(symbol, posSide)
	pos, ok := p.positions[key]
	if !ok {
		return
	}

	pnl := 0.0
	if pos.Side == PositionSideLong {
		pnl = (price - pos.EntryPrice) * quantity
	} else {
		pnl = (pos.EntryPrice - price) * quantity
	}
	p.balance += pnl

	pos.PositionAmount -= quantity
	if pos.PositionAmount <= 0.000001 {
		delete(p.positions, key)
	}
}

// CancelOrder 取消订单（市价单即时成交，一般无可取消订单）
func (p *PaperWallet) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper order %d not found", orderID)
	}
	if order.Status == OrderStatusFilled {
		return fmt.Errorf("paper order %d already filled", orderID)
	}
	order.Status = OrderStatusCanceled
	return nil
}

// GetOrderStatus 获取模拟订单状态
func (p *PaperWallet) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*OrderResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	order, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper order %d not found", orderID)
	}
	result := *order
	return &result, nil
}

// GetRecentFills 获取时间窗口内的模拟成交
func (p *PaperWallet) GetRecentFills(ctx context.Context, symbol string, window time.Duration) ([]*Fill, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	result := make([]*Fill, 0)
	for _, f := range p.fills {
		if f.Symbol == symbol && f.Time.After(cutoff) {
			fill := *f
			result = append(result, &fill)
		}
	}
	return result, nil
}

// SetLeverage 设置杠杆倍数
func (p *PaperWallet) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverages[symbol] = leverage
	return nil
}

// FormatQuantity 格式化数量（使用真实交易对精度）
func (p *PaperWallet) FormatQuantity(ctx context.Context, symbol string, quantity float64) (float64, error) {
	return p.binanceClient.FormatQuantity(ctx, symbol, quantity)
}

// Balance 当前模拟账户余额
func (p *PaperWallet) Balance() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.balance
}
