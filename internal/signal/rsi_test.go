package signal

import (
	"context"
	"testing"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExchange struct {
	exchange.Exchange
	klines []*exchange.Kline
}

func (s *stubExchange) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*exchange.Kline, error) {
	return s.klines, nil
}

func rsiStrategy() config.StrategyConf {
	return config.StrategyConf{
		Name:            "alpha",
		Symbol:          "BTCUSDT",
		IntervalMinutes: 5,
		RSIPeriod:       14,
		RSIOversold:     30,
		RSIOverbought:   70,
	}
}

func klinesWithDrift(n int, start, drift float64) []*exchange.Kline {
	klines := make([]*exchange.Kline, n)
	price := start
	base := time.Now().Add(-time.Duration(n) * 5 * time.Minute)
	for i := 0; i < n; i++ {
		open := price
		price += drift
		klines[i] = &exchange.Kline{
			OpenTime:  base.Add(time.Duration(i) * 5 * time.Minute),
			Open:      open,
			High:      open + 1,
			Low:       open - 1,
			Close:     price,
			CloseTime: base.Add(time.Duration(i+1) * 5 * time.Minute),
		}
	}
	return klines
}

func TestRSISource_OversoldProducesBuy(t *testing.T) {
	source := NewRSISource(rsiStrategy(), &stubExchange{klines: klinesWithDrift(60, 200, -1)})

	sig, err := source.Evaluate(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, TypeBuy, sig.Type)
	assert.Equal(t, exchange.PositionSideLong, sig.Side())
	require.NotNil(t, sig.StopLoss)
	require.NotNil(t, sig.TakeProfit)
	assert.Less(t, *sig.StopLoss, sig.Price)
	assert.Greater(t, *sig.TakeProfit, sig.Price)
}

func TestRSISource_OverboughtProducesSell(t *testing.T) {
	source := NewRSISource(rsiStrategy(), &stubExchange{klines: klinesWithDrift(60, 100, 1)})

	sig, err := source.Evaluate(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, TypeSell, sig.Type)
	assert.Equal(t, exchange.PositionSideShort, sig.Side())
	require.NotNil(t, sig.StopLoss)
	require.NotNil(t, sig.TakeProfit)
	assert.Greater(t, *sig.StopLoss, sig.Price)
	assert.Less(t, *sig.TakeProfit, sig.Price)
}

func TestRSISource_NotEnoughData(t *testing.T) {
	source := NewRSISource(rsiStrategy(), &stubExchange{klines: klinesWithDrift(5, 100, 1)})

	_, err := source.Evaluate(context.Background(), "BTCUSDT")
	assert.Error(t, err)
}
