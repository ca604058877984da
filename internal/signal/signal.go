package signal

import (
	"context"

	"github.com/dushixiang/anchor/pkg/exchange"
)

// Type 信号类型
type Type string

const (
	TypeBuy  Type = "BUY"
	TypeSell Type = "SELL"
	// TypeClose 主动平仓信号，不区分方向
	TypeClose Type = "CLOSE"
	TypeHold  Type = "HOLD"
)

// Signal 一次策略评估的输出
type Signal struct {
	Type       Type
	Symbol     string
	Price      float64  // 信号产生时的参考价格
	StopLoss   *float64 // 建议止损价，可为空
	TakeProfit *float64 // 建议止盈价，可为空
	Reason     string   // 触发原因，用于日志与通知
}

// Side 信号对应的持仓方向，仅对 BUY/SELL 有意义
func (s Signal) Side() exchange.PositionSide {
	if s.Type == TypeSell {
		return exchange.PositionSideShort
	}
	return exchange.PositionSideLong
}

// Source 信号源。生命周期控制器只消费信号，不关心信号怎么算出来的。
type Source interface {
	Name() string
	Evaluate(ctx context.Context, symbol string) (Signal, error)
}
