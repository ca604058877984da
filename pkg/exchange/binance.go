package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
)

// BinanceClient Binance期货API客户端
type BinanceClient struct {
	client         *futures.Client
	symbolInfoMap  map[string]*SymbolInfo
	symbolInfoLock sync.RWMutex
}

// SymbolInfo 交易对信息
type SymbolInfo struct {
	Symbol            string
	QuantityPrecision int
	PricePrecision    int
	MinQuantity       float64
	MaxQuantity       float64
	StepSize          float64
	MinNotional       float64
	lastUpdated       time.Time
}

// NewBinanceClient 创建Binance客户端
func NewBinanceClient(apiKey, secretKey, proxyURL string, testnet bool) *BinanceClient {
	var client *futures.Client
	if proxyURL != "" {
		client = futures.NewProxiedClient(apiKey, secretKey, proxyURL)
	} else {
		client = futures.NewClient(apiKey, secretKey)
	}

	if testnet {
		futures.UseTestnet = true
	}

	return &BinanceClient{
		client:        client,
		symbolInfoMap: make(map[string]*SymbolInfo),
	}
}

var _ Exchange = (*BinanceClient)(nil)

// GetKlines 获取K线数据
func (b *BinanceClient) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*Kline, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to get klines: %w", err)
	}

	result := make([]*Kline, 0, len(klines))
	for _, k := range klines {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		close, _ := strconv.ParseFloat(k.Close, 64)
		volume, _ := strconv.ParseFloat(k.Volume, 64)

		result = append(result, &Kline{
			OpenTime:  time.Unix(k.OpenTime/1000, 0),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     close,
			Volume:    volume,
			CloseTime: time.Unix(k.CloseTime/1000, 0),
		})
	}

	return result, nil
}

// GetCurrentPrice 获取当前价格
func (b *BinanceClient) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get current price: %w", err)
	}

	if len(prices) == 0 {
		return 0, fmt.Errorf("no price data for symbol %s", symbol)
	}

	price, _ := strconv.ParseFloat(prices[0].Price, 64)
	return price, nil
}

// GetLivePositions 获取当前实时持仓（过滤空仓位）
func (b *BinanceClient) GetLivePositions(ctx context.Context) ([]*Position, error) {
	positions, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	result := make([]*Position, 0)
	for _, p := range positions {
		positionAmt, _ := strconv.ParseFloat(p.PositionAmt, 64)

		// 过滤掉空仓位
		if positionAmt == 0 {
			continue
		}

		entryPrice, _ := strconv.ParseFloat(p.EntryPrice, 64)
		markPrice, _ := strconv.ParseFloat(p.MarkPrice, 64)
		unrealizedProfit, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		leverage, _ := strconv.Atoi(p.Leverage)
		liquidationPrice, _ := strconv.ParseFloat(p.LiquidationPrice, 64)

		side := PositionSideLong
		if positionAmt < 0 {
			side = PositionSideShort
			positionAmt = -positionAmt
		}

		result = append(result, &Position{
			Symbol:           p.Symbol,
			Side:             side,
			PositionAmount:   positionAmt,
			EntryPrice:       entryPrice,
			MarkPrice:        markPrice,
			UnrealizedProfit: unrealizedProfit,
			Leverage:         leverage,
			LiquidationPrice: liquidationPrice,
		})
	}

	return result, nil
}

// PlaceOrder 创建市价单
func (b *BinanceClient) PlaceOrder(ctx context.Context, symbol string, side OrderSide,
	quantity float64, reduceOnly bool) (*OrderResult, error) {

	// 格式化数量以符合交易对精度要求
	formattedQty, err := b.FormatQuantity(ctx, symbol, quantity)
	if err != nil {
		return nil, fmt.Errorf("failed to format quantity: %w", err)
	}

	info, err := b.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get symbol info: %w", err)
	}

	quantityStr := strconv.FormatFloat(formattedQty, 'f', info.QuantityPrecision, 64)

	service := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		Quantity(quantityStr)

	if reduceOnly {
		service.ReduceOnly(true)
	}

	order, err := service.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create market order: %w", err)
	}

	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	executedQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)

	return &OrderResult{
		OrderID:     order.OrderID,
		Symbol:      order.Symbol,
		Side:        OrderSide(order.Side),
		Type:        string(order.Type),
		Quantity:    origQty,
		AvgPrice:    avgPrice,
		Status:      OrderStatus(order.Status),
		ExecutedQty: executedQty,
	}, nil
}

// CancelOrder 取消订单
func (b *BinanceClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	_, err := b.client.NewCancelOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)

	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	return nil
}

// GetOrderStatus 获取订单状态
func (b *BinanceClient) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*OrderResult, error) {
	order, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrderID(orderID).
		Do(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to get order status: %w", err)
	}

	avgPrice, _ := strconv.ParseFloat(order.AvgPrice, 64)
	executedQty, _ := strconv.ParseFloat(order.ExecutedQuantity, 64)
	origQty, _ := strconv.ParseFloat(order.OrigQuantity, 64)
	price, _ := strconv.ParseFloat(order.Price, 64)

	return &OrderResult{
		OrderID:     order.OrderID,
		Symbol:      order.Symbol,
		Side:        OrderSide(order.Side),
		Type:        string(order.Type),
		Quantity:    origQty,
		Price:       price,
		AvgPrice:    avgPrice,
		Status:      OrderStatus(order.Status),
		ExecutedQty: executedQty,
	}, nil
}

// GetRecentFills 获取指定时间窗口内的账户成交记录
func (b *BinanceClient) GetRecentFills(ctx context.Context, symbol string, window time.Duration) ([]*Fill, error) {
	startTime := time.Now().Add(-window).UnixMilli()

	trades, err := b.client.NewListAccountTradeService().
		Symbol(symbol).
		StartTime(startTime).
		Do(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to get account trades: %w", err)
	}

	result := make([]*Fill, 0, len(trades))
	for _, t := range trades {
		price, _ := strconv.ParseFloat(t.Price, 64)
		qty, _ := strconv.ParseFloat(t.Quantity, 64)
		pnl, _ := strconv.ParseFloat(t.RealizedPnl, 64)

		result = append(result, &Fill{
			OrderID:     t.OrderID,
			Symbol:      t.Symbol,
			Side:        OrderSide(t.Side),
			Price:       price,
			Quantity:    qty,
			RealizedPnl: pnl,
			Time:        time.Unix(t.Time/1000, 0),
		})
	}

	return result, nil
}

// SetLeverage 设置杠杆倍数
func (b *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := b.client.NewChangeLeverageService().
		Symbol(symbol).
		Leverage(leverage).
		Do(ctx)

	if err != nil {
		return fmt.Errorf("failed to set leverage: %w", err)
	}

	return nil
}

// GetSymbolInfo 获取交易对信息
func (b *BinanceClient) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	// 检查缓存（5分钟有效期）
	b.symbolInfoLock.RLock()
	if info, exists := b.symbolInfoMap[symbol]; exists {
		if time.Since(info.lastUpdated) < 5*time.Minute {
			b.symbolInfoLock.RUnlock()
			return info, nil
		}
	}
	b.symbolInfoLock.RUnlock()

	exchangeInfo, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}

	for _, s := range exchangeInfo.Symbols {
		if s.Symbol == symbol {
			info := &SymbolInfo{
				Symbol:            s.Symbol,
				QuantityPrecision: s.QuantityPrecision,
				PricePrecision:    s.PricePrecision,
				lastUpdated:       time.Now(),
			}

			// 解析过滤器
			for _, filter := range s.Filters {
				switch filter["filterType"] {
				case "LOT_SIZE":
					if minQty, ok := filter["minQty"].(string); ok {
						info.MinQuantity, _ = strconv.ParseFloat(minQty, 64)
					}
					if maxQty, ok := filter["maxQty"].(string); ok {
						info.MaxQuantity, _ = strconv.ParseFloat(maxQty, 64)
					}
					if stepSize, ok := filter["stepSize"].(string); ok {
						info.StepSize, _ = strconv.ParseFloat(stepSize, 64)
					}
				case "MIN_NOTIONAL":
					if notional, ok := filter["notional"].(string); ok {
						info.MinNotional, _ = strconv.ParseFloat(notional, 64)
					}
				}
			}

			b.symbolInfoLock.Lock()
			b.symbolInfoMap[symbol] = info
			b.symbolInfoLock.Unlock()

			return info, nil
		}
	}

	return nil, fmt.Errorf("symbol %s not found", symbol)
}

// FormatQuantity 根据交易对精度格式化数量
func (b *BinanceClient) FormatQuantity(ctx context.Context, symbol string, quantity float64) (float64, error) {
	info, err := b.GetSymbolInfo(ctx, symbol)
	if err != nil {
		return 0, err
	}

	// 根据 stepSize 调整数量
	if info.StepSize > 0 {
		quantity = math.Floor(quantity/info.StepSize) * info.StepSize
	}

	// 根据精度截断
	precision := math.Pow10(info.QuantityPrecision)
	quantity = math.Floor(quantity*precision) / precision

	// 验证范围
	if quantity < info.MinQuantity {
		return 0, fmt.Errorf("quantity %.8f is below minimum %.8f for %s", quantity, info.MinQuantity, symbol)
	}
	if info.MaxQuantity > 0 && quantity > info.MaxQuantity {
		return 0, fmt.Errorf("quantity %.8f exceeds maximum %.8f for %s", quantity, info.MaxQuantity, symbol)
	}

	return quantity, nil
}
