package service

import (
	"context"
	"testing"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type reconcileFixture struct {
	reconciler *ReconcileService
	exchange   *fakeExchange
	notifier   *fakeNotifier
	ledger     *LedgerService
	registry   *SlotRegistry
	anomalies  *AnomalyService
}

func newReconcileFixture(t *testing.T, conf config.EngineConf) *reconcileFixture {
	t.Helper()
	logger := zap.NewNop()
	db := newTestDB(t)
	if conf.ReconcileTimeoutSeconds == 0 {
		conf.ReconcileTimeoutSeconds = 30
	}
	if conf.OrphanLookbackMinutes == 0 {
		conf.OrphanLookbackMinutes = 60
	}
	if conf.PendingGraceMinutes == 0 {
		conf.PendingGraceMinutes = 2
	}
	if conf.GhostProtectionMinutes == 0 {
		conf.GhostProtectionMinutes = 10
	}

	ledger := NewLedgerService(db, logger)
	registry := NewSlotRegistry(logger)
	notifier := &fakeNotifier{}
	anomalies := NewAnomalyService(db, notifier, logger)
	ex := newFakeExchange()
	reconciler := NewReconcileService(conf, ledger, registry, anomalies, ex, NewTradeMarks(), logger)

	return &reconcileFixture{
		reconciler: reconciler,
		exchange:   ex,
		notifier:   notifier,
		ledger:     ledger,
		registry:   registry,
		anomalies:  anomalies,
	}
}

func openTrade(strategy, symbol string) *models.TradeRecord {
	return &models.TradeRecord{
		ID:           "01HTEST" + strategy + symbol,
		StrategyName: strategy,
		Symbol:       symbol,
		Side:         models.TradeSideLong,
		Quantity:     10,
		EntryPrice:   100,
		Leverage:     5,
		MarginUsed:   200,
		Status:       models.TradeStatusOpen,
		EntryTime:    time.Now().Add(-time.Hour),
	}
}

func TestReconcile_OrphanRecoveredFromFills(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	record := openTrade("alpha", "BTCUSDT")
	require.NoError(t, f.ledger.Put(ctx, record))
	f.registry.Bind("alpha", record.ID)

	// 交易所无持仓，但近期成交里有匹配的平仓单
	f.exchange.fills = []*exchange.Fill{
		{OrderID: 9001, Symbol: "BTCUSDT", Side: exchange.OrderSideSell,
			Price: 105, Quantity: 10, Time: time.Now().Add(-10 * time.Minute)},
	}

	require.NoError(t, f.reconciler.Run(ctx))

	stored, err := f.ledger.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusClosed, stored.Status)
	assert.Equal(t, "orphan-recovered", stored.ExitReason)
	require.NotNil(t, stored.ExitPrice)
	assert.InDelta(t, 105.0, *stored.ExitPrice, 1e-9)
	assert.InDelta(t, 50.0, stored.PnlAbsolute, 1e-6) // (105-100)*10

	assert.False(t, f.registry.IsBlocked("alpha"), "slot released after healing")
	assert.Len(t, f.notifier.eventsOfType(EventOrphanDetected), 1)
}

func TestReconcile_OrphanUnresolvedWithoutFills(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	record := openTrade("alpha", "BTCUSDT")
	require.NoError(t, f.ledger.Put(ctx, record))

	require.NoError(t, f.reconciler.Run(ctx))

	stored, err := f.ledger.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusOrphaned, stored.Status)
	assert.Equal(t, "orphan-unresolved", stored.ExitReason)
	assert.Zero(t, stored.PnlAbsolute)
	assert.Zero(t, stored.PnlPercentage)
}

func TestReconcile_OrphanClearedNextCycle(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	record := openTrade("alpha", "BTCUSDT")
	require.NoError(t, f.ledger.Put(ctx, record))

	require.NoError(t, f.reconciler.Run(ctx))
	assert.Len(t, f.notifier.eventsOfType(EventOrphanDetected), 1)
	assert.Empty(t, f.notifier.eventsOfType(EventOrphanCleared))

	// 第二个周期：孤儿已处理，发出清除事件
	require.NoError(t, f.reconciler.Run(ctx))
	assert.Len(t, f.notifier.eventsOfType(EventOrphanDetected), 1, "no duplicate detection event")
	assert.Len(t, f.notifier.eventsOfType(EventOrphanCleared), 1)
}

func TestReconcile_GhostAdoptedAsManual(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	f.exchange.positions = []*exchange.Position{
		{Symbol: "ETHUSDT", Side: exchange.PositionSideShort,
			PositionAmount: 2, EntryPrice: 3000, Leverage: 10},
	}

	require.NoError(t, f.reconciler.Run(ctx))

	adopted, err := f.ledger.FindByStatuses(ctx, models.TradeStatusGhostAdopted)
	require.NoError(t, err)
	require.Len(t, adopted, 1)
	assert.Equal(t, "manual-ETHUSDT", adopted[0].StrategyName)
	assert.Equal(t, models.TradeSideShort, adopted[0].Side)
	assert.InDelta(t, 2.0, adopted[0].Quantity, 1e-9)
	assert.InDelta(t, 3000.0, adopted[0].EntryPrice, 1e-9)
	assert.InDelta(t, 600.0, adopted[0].MarginUsed, 1e-9) // 3000*2/10

	assert.True(t, f.registry.IsBlocked("manual-ETHUSDT"))
	assert.Len(t, f.notifier.eventsOfType(EventGhostDetected), 1)
}

func TestReconcile_GhostAttributedToPendingRecord(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	// 崩溃场景：下单成功但确认没落库，留下 PENDING
	record := openTrade("alpha", "BTCUSDT")
	record.Status = models.TradeStatusPending
	require.NoError(t, f.ledger.Put(ctx, record))

	f.exchange.positions = []*exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.PositionSideLong,
			PositionAmount: 10.2, EntryPrice: 101, Leverage: 5},
	}

	require.NoError(t, f.reconciler.Run(ctx))

	stored, err := f.ledger.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusGhostAdopted, stored.Status)
	assert.Equal(t, "alpha", stored.StrategyName, "attributed, not manual")
	assert.InDelta(t, 10.2, stored.Quantity, 1e-9, "exchange-reported quantity wins")
	assert.InDelta(t, 101.0, stored.EntryPrice, 1e-9)

	holder, held := f.registry.Holder("alpha")
	require.True(t, held)
	assert.Equal(t, record.ID, holder)
}

func TestReconcile_GhostMatchingOrphanLeavesItTerminal(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	// ORPHANED 是终态：只能借它归因策略，记录本身不能被复活
	exitTime := time.Now().Add(-30 * time.Minute)
	orphan := openTrade("alpha", "BTCUSDT")
	orphan.Status = models.TradeStatusOrphaned
	orphan.ExitTime = &exitTime
	orphan.ExitReason = "orphan-unresolved"
	require.NoError(t, f.ledger.Put(ctx, orphan))

	f.exchange.positions = []*exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.PositionSideLong,
			PositionAmount: 10, EntryPrice: 100, Leverage: 5},
	}

	require.NoError(t, f.reconciler.Run(ctx))

	stored, err := f.ledger.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusOrphaned, stored.Status, "terminal record untouched")
	assert.Equal(t, "orphan-unresolved", stored.ExitReason)
	require.NotNil(t, stored.ExitTime)

	adopted, err := f.ledger.FindByStatuses(ctx, models.TradeStatusGhostAdopted)
	require.NoError(t, err)
	require.Len(t, adopted, 1)
	assert.NotEqual(t, orphan.ID, adopted[0].ID, "new record, no trade_id reuse")
	assert.Equal(t, "alpha", adopted[0].StrategyName, "strategy borrowed from the orphan")
	assert.InDelta(t, 10.0, adopted[0].Quantity, 1e-9)
	assert.InDelta(t, 100.0, adopted[0].EntryPrice, 1e-9)

	holder, held := f.registry.Holder("alpha")
	require.True(t, held)
	assert.Equal(t, adopted[0].ID, holder)
}

func TestReconcile_AmbiguousGhostReportedNotAdopted(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	record := openTrade("alpha", "BTCUSDT")
	record.Status = models.TradeStatusOrphaned
	require.NoError(t, f.ledger.Put(ctx, record))

	// 策略槽位已被另一笔交易占用
	require.True(t, f.registry.TryAcquire("alpha"))
	f.registry.Bind("alpha", "another-trade")

	f.exchange.positions = []*exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.PositionSideLong,
			PositionAmount: 10, EntryPrice: 100, Leverage: 5},
	}

	require.NoError(t, f.reconciler.Run(ctx))

	stored, err := f.ledger.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusOrphaned, stored.Status, "record untouched")

	events := f.notifier.eventsOfType(EventGhostDetected)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Detail, "ambiguous")
}

func TestReconcile_OrphansProcessedBeforeGhosts(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	orphan := openTrade("alpha", "BTCUSDT")
	require.NoError(t, f.ledger.Put(ctx, orphan))

	f.exchange.positions = []*exchange.Position{
		{Symbol: "ETHUSDT", Side: exchange.PositionSideLong,
			PositionAmount: 1, EntryPrice: 3000, Leverage: 5},
	}

	require.NoError(t, f.reconciler.Run(ctx))

	require.GreaterOrEqual(t, len(f.notifier.events), 2)
	assert.Equal(t, EventOrphanDetected, f.notifier.events[0].Type)
	assert.Equal(t, EventGhostDetected, f.notifier.events[1].Type)
}

func TestReconcile_RecentBotTradeSkipsGhostDetection(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	f.reconciler.marks.Mark("BTCUSDT")
	f.exchange.positions = []*exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.PositionSideLong,
			PositionAmount: 10, EntryPrice: 100, Leverage: 5},
	}

	require.NoError(t, f.reconciler.Run(ctx))

	adopted, err := f.ledger.FindByStatuses(ctx, models.TradeStatusGhostAdopted)
	require.NoError(t, err)
	assert.Empty(t, adopted)
	assert.Empty(t, f.notifier.events)
}

func TestReconcile_StartupGraceSkipsOrphanHealing(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{StartupGraceSeconds: 300})
	ctx := context.Background()

	record := openTrade("alpha", "BTCUSDT")
	require.NoError(t, f.ledger.Put(ctx, record))

	require.NoError(t, f.reconciler.Run(ctx))

	stored, err := f.ledger.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusOpen, stored.Status, "untouched during grace period")
	assert.Empty(t, f.notifier.eventsOfType(EventOrphanDetected))
}

func TestReconcile_FreshPendingNotTreatedAsOrphan(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	record := openTrade("alpha", "BTCUSDT")
	record.Status = models.TradeStatusPending
	record.EntryTime = time.Now()
	require.NoError(t, f.ledger.Put(ctx, record))

	require.NoError(t, f.reconciler.Run(ctx))

	stored, err := f.ledger.Get(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusPending, stored.Status)
}

func TestReconcile_GhostClearedAfterAdoption(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	f.exchange.positions = []*exchange.Position{
		{Symbol: "ETHUSDT", Side: exchange.PositionSideLong,
			PositionAmount: 1, EntryPrice: 3000, Leverage: 5},
	}

	require.NoError(t, f.reconciler.Run(ctx))
	assert.Len(t, f.notifier.eventsOfType(EventGhostDetected), 1)

	// 收养完成后第二个周期发出清除事件
	require.NoError(t, f.reconciler.Run(ctx))
	assert.Len(t, f.notifier.eventsOfType(EventGhostDetected), 1)
	assert.Len(t, f.notifier.eventsOfType(EventGhostCleared), 1)
}

func TestAnomaly_ReportOnceUntilCleared(t *testing.T) {
	f := newReconcileFixture(t, config.EngineConf{})
	ctx := context.Background()

	event := AnomalyEvent{
		Type:         EventOrphanDetected,
		StrategyName: "alpha",
		Symbol:       "BTCUSDT",
	}

	created, err := f.anomalies.Report(ctx, models.AnomalyTypeOrphan, event)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.anomalies.Report(ctx, models.AnomalyTypeOrphan, event)
	require.NoError(t, err)
	assert.False(t, created, "duplicate report is suppressed")
	assert.Len(t, f.notifier.events, 1)

	require.NoError(t, f.anomalies.Clear(ctx, models.AnomalyTypeOrphan, "alpha", "BTCUSDT",
		EventOrphanCleared, "resolved"))
	assert.Len(t, f.notifier.events, 2)

	// 清除后同一键可以再次异常
	created, err = f.anomalies.Report(ctx, models.AnomalyTypeOrphan, event)
	require.NoError(t, err)
	assert.True(t, created)
}
