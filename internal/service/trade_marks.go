package service

import (
	"sync"
	"time"
)

// TradeMarks 记录引擎最近在哪些交易对上主动下过单。
// 对账引擎据此在保护窗口内跳过幽灵检测，避免把刚下的单误判为幽灵持仓。
type TradeMarks struct {
	mu    sync.RWMutex
	marks map[string]time.Time

	now func() time.Time
}

func NewTradeMarks() *TradeMarks {
	return &TradeMarks{
		marks: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Mark 登记一次机器人主动交易
func (t *TradeMarks) Mark(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.marks[symbol] = t.now()
}

// RecentlyTraded 交易对在窗口内是否有过机器人交易
func (t *TradeMarks) RecentlyTraded(symbol string, window time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.marks[symbol]
	if !ok {
		return false
	}
	return t.now().Sub(at) < window
}
