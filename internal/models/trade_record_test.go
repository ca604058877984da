package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTradeRecord_CalculatePnl(t *testing.T) {
	long := &TradeRecord{
		Side:       TradeSideLong,
		Quantity:   10,
		EntryPrice: 100,
		MarginUsed: 200,
	}

	pnl, pct := long.CalculatePnl(110)
	assert.InDelta(t, 100.0, pnl, 1e-9)
	assert.InDelta(t, 50.0, pct, 1e-9)

	pnl, pct = long.CalculatePnl(97)
	assert.InDelta(t, -30.0, pnl, 1e-9)
	assert.InDelta(t, -15.0, pct, 1e-9)

	short := &TradeRecord{
		Side:       TradeSideShort,
		Quantity:   10,
		EntryPrice: 100,
		MarginUsed: 200,
	}

	pnl, pct = short.CalculatePnl(90)
	assert.InDelta(t, 100.0, pnl, 1e-9)
	assert.InDelta(t, 50.0, pct, 1e-9)

	pnl, pct = short.CalculatePnl(110)
	assert.InDelta(t, -100.0, pnl, 1e-9)
	assert.InDelta(t, -50.0, pct, 1e-9)
}

func TestTradeRecord_CalculatePnl_ZeroMargin(t *testing.T) {
	r := &TradeRecord{Side: TradeSideLong, Quantity: 1, EntryPrice: 100}
	pnl, pct := r.CalculatePnl(110)
	assert.InDelta(t, 10.0, pnl, 1e-9)
	assert.Zero(t, pct)
}

func TestTradeStatus_Classification(t *testing.T) {
	assert.True(t, TradeStatusPending.IsActive())
	assert.True(t, TradeStatusOpen.IsActive())
	assert.False(t, TradeStatusClosed.IsActive())

	assert.True(t, TradeStatusClosed.IsTerminal())
	assert.True(t, TradeStatusOrphaned.IsTerminal())
	assert.False(t, TradeStatusGhostAdopted.IsTerminal())
	assert.False(t, TradeStatusOpen.IsTerminal())
}

func TestTradeRecord_HoldingDuration(t *testing.T) {
	now := time.Now()
	r := &TradeRecord{EntryTime: now.Add(-150 * time.Minute)}
	assert.Equal(t, "2h30m", r.HoldingDuration(now))

	r = &TradeRecord{EntryTime: now}
	assert.Equal(t, "0m", r.HoldingDuration(now))
}

func TestAnomalyKey(t *testing.T) {
	assert.Equal(t, "orphan_alpha_BTCUSDT", AnomalyKey(AnomalyTypeOrphan, "alpha", "BTCUSDT"))
	assert.Equal(t, "ghost_manual-ETHUSDT_ETHUSDT", AnomalyKey(AnomalyTypeGhost, "manual-ETHUSDT", "ETHUSDT"))
}
