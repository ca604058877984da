package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/signal"
	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// EngineLoop 引擎调度器：每个策略一个评估任务，外加一个独立节奏的对账任务。
// 启动时先做恢复（陈旧清理、归档、槽位重建），再开始调度。
type EngineLoop struct {
	logger *zap.Logger

	conf       *config.Config
	ledger     *LedgerService
	registry   *SlotRegistry
	lifecycle  *LifecycleService
	reconciler *ReconcileService
	anomalies  *AnomalyService

	sources map[string]signal.Source

	startTime time.Time
	isRunning bool
	stopChan  chan struct{}
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewEngineLoop(
	conf *config.Config,
	ledger *LedgerService,
	registry *SlotRegistry,
	lifecycle *LifecycleService,
	reconciler *ReconcileService,
	anomalies *AnomalyService,
	ex exchange.Exchange,
	logger *zap.Logger,
) *EngineLoop {
	sources := make(map[string]signal.Source, len(conf.Strategies))
	for _, sc := range conf.Strategies {
		sources[sc.Name] = signal.NewRSISource(sc, ex)
	}
	return &EngineLoop{
		logger:     logger,
		conf:       conf,
		ledger:     ledger,
		registry:   registry,
		lifecycle:  lifecycle,
		reconciler: reconciler,
		anomalies:  anomalies,
		sources:    sources,
		stopChan:   make(chan struct{}),
	}
}

// SetSource 替换策略的信号源（外部策略接入点）
func (e *EngineLoop) SetSource(strategyName string, source signal.Source) {
	e.sources[strategyName] = source
}

// Start 启动引擎。阻塞直到 Stop 或 ctx 取消。
func (e *EngineLoop) Start(ctx context.Context) error {
	if e.isRunning {
		return fmt.Errorf("engine loop is already running")
	}

	e.isRunning = true
	e.startTime = time.Now()
	e.ctx, e.cancel = context.WithCancel(ctx)

	for _, sc := range e.conf.Strategies {
		e.registry.SetCooldown(sc.Name, sc.Cooldown())
	}

	if err := e.recover(e.ctx); err != nil {
		e.isRunning = false
		return fmt.Errorf("engine recovery: %w", err)
	}

	e.cron = cron.New()

	reconcileExpr := fmt.Sprintf("*/%d * * * *", e.conf.Engine.ReconcileIntervalMinutes)
	if _, err := e.cron.AddFunc(reconcileExpr, func() {
		if err := e.reconciler.Run(e.ctx); err != nil && !errors.Is(err, ErrReconcileRunning) {
			e.logger.Error("reconciliation cycle failed", zap.Error(err))
		}
	}); err != nil {
		e.isRunning = false
		return fmt.Errorf("failed to add reconcile job: %w", err)
	}

	for _, sc := range e.conf.Strategies {
		sc := sc
		assessExpr := fmt.Sprintf("*/%d * * * *", sc.IntervalMinutes)
		if _, err := e.cron.AddFunc(assessExpr, func() {
			e.assess(sc)
		}); err != nil {
			e.isRunning = false
			return fmt.Errorf("failed to add assessment job for %s: %w", sc.Name, err)
		}
	}

	e.logger.Info("engine loop started",
		zap.Int("strategies", len(e.conf.Strategies)),
		zap.String("reconcile_cron", reconcileExpr),
		zap.Bool("trading_enabled", e.conf.Engine.TradingEnabled))

	e.cron.Start()

	// 启动后立即跑一轮对账，不等整分钟
	go func() {
		if err := e.reconciler.Run(e.ctx); err != nil && !errors.Is(err, ErrReconcileRunning) {
			e.logger.Error("initial reconciliation failed", zap.Error(err))
		}
	}()

	select {
	case <-e.stopChan:
		e.logger.Info("engine loop stopped")
		return nil
	case <-ctx.Done():
		e.logger.Info("engine loop stopped by context")
		return ctx.Err()
	}
}

// Stop 停止引擎，等待在途任务完成后返回，保证落库写完不被掐断
func (e *EngineLoop) Stop() {
	if !e.isRunning {
		return
	}
	e.logger.Info("stopping engine loop...")

	if e.cron != nil {
		ctx := e.cron.Stop()
		<-ctx.Done()
	}
	if e.cancel != nil {
		e.cancel()
	}

	e.isRunning = false
	close(e.stopChan)
}

// Status 引擎状态快照
func (e *EngineLoop) Status() map[string]any {
	return map[string]any{
		"running":    e.isRunning,
		"start_time": e.startTime,
		"strategies": len(e.conf.Strategies),
		"slots":      e.registry.Snapshot(),
		"reconcile":  e.reconciler.Status(),
	}
}

func (e *EngineLoop) assess(sc config.StrategyConf) {
	source, ok := e.sources[sc.Name]
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, time.Minute)
	defer cancel()

	if err := e.lifecycle.Assess(ctx, sc, source); err != nil {
		e.logger.Error("strategy assessment failed",
			zap.String("strategy", sc.Name), zap.Error(err))
	}
}

// recover 启动恢复：清理陈旧交易、归档过期记录、按账本重建槽位占用。
func (e *EngineLoop) recover(ctx context.Context) error {
	// 开仓过久的 OPEN 记录基本可以断定早已在交易所侧平掉
	stale, err := e.ledger.SweepStale(ctx, e.conf.Engine.StaleOpenThreshold())
	if err != nil {
		return err
	}
	for i := range stale {
		record := &stale[i]
		if nerr := e.anomalies.ReportResolved(ctx, models.AnomalyTypeStale, AnomalyEvent{
			Type:         EventStaleClosed,
			StrategyName: record.StrategyName,
			Symbol:       record.Symbol,
			Side:         string(record.Side),
			TradeID:      record.ID,
			Detail:       fmt.Sprintf("open since %s, auto-closed on startup", record.EntryTime.Format(time.RFC3339)),
		}); nerr != nil {
			e.logger.Error("failed to report stale-closed anomaly",
				zap.String("trade_id", record.ID), zap.Error(nerr))
		}
	}

	if _, err = e.ledger.ArchiveOld(ctx, time.Duration(e.conf.Engine.RetentionDays)*24*time.Hour); err != nil {
		return err
	}

	// 幸存的活跃记录重新占位，同一策略多条时只保留最早的一条
	actives, err := e.ledger.FindByStatuses(ctx,
		models.TradeStatusPending, models.TradeStatusOpen, models.TradeStatusGhostAdopted)
	if err != nil {
		return err
	}

	seen := make(map[string]string, len(actives))
	for i := range actives {
		record := &actives[i]
		if firstID, dup := seen[record.StrategyName]; dup {
			e.logger.Warn("duplicate active trade for strategy on recovery, closing the newer one",
				zap.String("strategy", record.StrategyName),
				zap.String("kept", firstID),
				zap.String("closed", record.ID))
			if uerr := e.ledger.Update(ctx, record.ID, map[string]any{
				"status":         models.TradeStatusClosed,
				"exit_time":      time.Now(),
				"exit_reason":    "duplicate-on-recovery",
				"pnl_absolute":   0.0,
				"pnl_percentage": 0.0,
			}); uerr != nil {
				return fmt.Errorf("close duplicate trade %s: %w", record.ID, uerr)
			}
			continue
		}
		seen[record.StrategyName] = record.ID
		e.registry.Bind(record.StrategyName, record.ID)
	}

	e.logger.Info("engine recovery completed",
		zap.Int("stale_closed", len(stale)),
		zap.Int("recovered_slots", len(seen)))
	return nil
}
