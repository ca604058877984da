package service

import (
	"context"
	"testing"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEngineLoopFixture(t *testing.T, conf *config.Config) (*EngineLoop, *fakeNotifier, *LedgerService, *SlotRegistry) {
	t.Helper()
	logger := zap.NewNop()
	db := newTestDB(t)
	conf.ApplyDefaults()

	ledger := NewLedgerService(db, logger)
	registry := NewSlotRegistry(logger)
	notifier := &fakeNotifier{}
	anomalies := NewAnomalyService(db, notifier, logger)
	ex := newFakeExchange()
	marks := NewTradeMarks()
	lifecycle := NewLifecycleService(conf.Engine, ledger, registry, ex, marks, logger)
	reconciler := NewReconcileService(conf.Engine, ledger, registry, anomalies, ex, marks, logger)
	loop := NewEngineLoop(conf, ledger, registry, lifecycle, reconciler, anomalies, ex, logger)
	return loop, notifier, ledger, registry
}

func TestEngineLoop_RecoveryClosesStaleAndDuplicates(t *testing.T) {
	loop, notifier, ledger, registry := newEngineLoopFixture(t, &config.Config{})
	ctx := context.Background()

	// 开仓超过陈旧阈值的记录，大概率早已在交易所侧平掉
	stale := openTrade("beta", "ETHUSDT")
	stale.ID = "01HTESTSTALEETH"
	stale.EntryTime = time.Now().Add(-7 * time.Hour)
	require.NoError(t, ledger.Put(ctx, stale))

	// 同一策略两条活跃记录违反单持仓约束，恢复时只保留最早的一条
	survivor := openTrade("alpha", "BTCUSDT")
	survivor.ID = "01HTESTSURVIVOR"
	survivor.EntryTime = time.Now().Add(-2 * time.Hour)
	require.NoError(t, ledger.Put(ctx, survivor))

	duplicate := openTrade("alpha", "BTCUSDT")
	duplicate.ID = "01HTESTDUPLICAT"
	duplicate.Status = models.TradeStatusPending
	duplicate.EntryTime = time.Now().Add(-time.Hour)
	require.NoError(t, ledger.Put(ctx, duplicate))

	require.NoError(t, loop.recover(ctx))

	stored, err := ledger.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusClosed, stored.Status)
	assert.Equal(t, "stale-auto-closed", stored.ExitReason)
	assert.Zero(t, stored.PnlAbsolute)
	require.Len(t, notifier.eventsOfType(EventStaleClosed), 1)

	stored, err = ledger.Get(ctx, duplicate.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusClosed, stored.Status)
	assert.Equal(t, "duplicate-on-recovery", stored.ExitReason)

	stored, err = ledger.Get(ctx, survivor.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusOpen, stored.Status)

	holder, held := registry.Holder("alpha")
	require.True(t, held)
	assert.Equal(t, survivor.ID, holder)
}

func TestEngineLoop_RecoveryRebindsSurvivingSlots(t *testing.T) {
	loop, _, ledger, registry := newEngineLoopFixture(t, &config.Config{})
	ctx := context.Background()

	alpha := openTrade("alpha", "BTCUSDT")
	require.NoError(t, ledger.Put(ctx, alpha))
	beta := openTrade("beta", "ETHUSDT")
	beta.ID = "01HTESTBETAETH"
	require.NoError(t, ledger.Put(ctx, beta))

	require.NoError(t, loop.recover(ctx))

	holder, held := registry.Holder("alpha")
	require.True(t, held)
	assert.Equal(t, alpha.ID, holder)
	holder, held = registry.Holder("beta")
	require.True(t, held)
	assert.Equal(t, beta.ID, holder)
}

func TestEngineLoop_StartStopDrains(t *testing.T) {
	loop, _, _, _ := newEngineLoopFixture(t, &config.Config{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- loop.Start(context.Background())
	}()

	require.Eventually(t, func() bool {
		return loop.Status()["running"] == true
	}, 2*time.Second, 10*time.Millisecond)

	loop.Stop()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("engine loop did not stop")
	}
	assert.Equal(t, false, loop.Status()["running"])
}
