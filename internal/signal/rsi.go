package signal

import (
	"context"
	"fmt"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/dushixiang/anchor/pkg/ta"
	"github.com/markcheno/go-talib"
)

// RSISource 内置的 RSI 超买超卖信号源，作为默认策略实现。
// 超卖做多、超买做空，止损止盈取最近K线的低点/高点。
type RSISource struct {
	name       string
	interval   string
	period     int
	oversold   float64
	overbought float64
	exchange   exchange.Exchange
}

func NewRSISource(conf config.StrategyConf, ex exchange.Exchange) *RSISource {
	return &RSISource{
		name:       conf.Name,
		interval:   fmt.Sprintf("%dm", conf.IntervalMinutes),
		period:     conf.RSIPeriod,
		oversold:   conf.RSIOversold,
		overbought: conf.RSIOverbought,
		exchange:   ex,
	}
}

func (s *RSISource) Name() string {
	return s.name
}

func (s *RSISource) Evaluate(ctx context.Context, symbol string) (Signal, error) {
	limit := s.period*3 + 10
	klines, err := s.exchange.GetKlines(ctx, symbol, s.interval, limit)
	if err != nil {
		return Signal{}, fmt.Errorf("get klines: %w", err)
	}
	if len(klines) < s.period+1 {
		return Signal{}, fmt.Errorf("not enough klines for rsi: got %d, need %d", len(klines), s.period+1)
	}

	closes := make([]float64, len(klines))
	lows := make([]float64, len(klines))
	highs := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
		lows[i] = k.Low
		highs[i] = k.High
	}

	rsi := talib.Rsi(closes, s.period)
	current := ta.Last(rsi, 0)
	price := ta.Last(closes, 0)

	sig := Signal{
		Type:   TypeHold,
		Symbol: symbol,
		Price:  price,
		Reason: fmt.Sprintf("RSI(%d)=%.2f", s.period, current),
	}

	switch {
	case current <= s.oversold:
		stop := ta.Lowest(lows, s.period)
		take := price + (price-stop)*2
		sig.Type = TypeBuy
		sig.StopLoss = &stop
		sig.TakeProfit = &take
		sig.Reason = fmt.Sprintf("RSI(%d)=%.2f oversold (<=%.1f)", s.period, current, s.oversold)
	case current >= s.overbought:
		stop := ta.Highest(highs, s.period)
		take := price - (stop-price)*2
		sig.Type = TypeSell
		sig.StopLoss = &stop
		sig.TakeProfit = &take
		sig.Reason = fmt.Sprintf("RSI(%d)=%.2f overbought (>=%.1f)", s.period, current, s.overbought)
	}
	return sig, nil
}
