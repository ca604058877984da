package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var ErrReconcileRunning = errors.New("reconciliation cycle already running")

// 手动持仓的哨兵策略名前缀
const manualStrategyPrefix = "manual-"

// ReconcileService 对账引擎。交易所实时持仓是权威数据源，
// 每个周期先修复孤儿（本地有、交易所无），再收养幽灵（交易所有、本地无）。
// 顺序不能反：先收养会把迟到的孤儿残留当成新持仓。
type ReconcileService struct {
	logger *zap.Logger

	conf      config.EngineConf
	ledger    *LedgerService
	registry  *SlotRegistry
	anomalies *AnomalyService
	exchange  exchange.Exchange
	marks     *TradeMarks

	startedAt time.Time
	running   atomic.Bool

	mu        sync.Mutex
	lastRun   time.Time
	lastError string
	cycles    int64
}

func NewReconcileService(conf config.EngineConf, ledger *LedgerService, registry *SlotRegistry,
	anomalies *AnomalyService, ex exchange.Exchange, marks *TradeMarks, logger *zap.Logger) *ReconcileService {
	return &ReconcileService{
		logger:    logger,
		conf:      conf,
		ledger:    ledger,
		registry:  registry,
		anomalies: anomalies,
		exchange:  ex,
		marks:     marks,
		startedAt: time.Now(),
	}
}

// Status 对账状态快照
func (s *ReconcileService) Status() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := map[string]any{
		"running":    s.running.Load(),
		"cycles":     s.cycles,
		"started_at": s.startedAt,
	}
	if !s.lastRun.IsZero() {
		status["last_run"] = s.lastRun
	}
	if s.lastError != "" {
		status["last_error"] = s.lastError
	}
	return status
}

// Run 执行一个对账周期。上一周期未结束时直接跳过。
func (s *ReconcileService) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous reconciliation cycle still running, skipping")
		return ErrReconcileRunning
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.conf.ReconcileTimeout())
	defer cancel()

	err := s.runCycle(ctx)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.cycles++
	if err != nil {
		s.lastError = err.Error()
	} else {
		s.lastError = ""
	}
	s.mu.Unlock()
	return err
}

func (s *ReconcileService) runCycle(ctx context.Context) error {
	livePositions, err := s.exchange.GetLivePositions(ctx)
	if err != nil {
		return fmt.Errorf("get live positions: %w", err)
	}

	locals, err := s.ledger.FindByStatuses(ctx,
		models.TradeStatusPending, models.TradeStatusOpen, models.TradeStatusGhostAdopted)
	if err != nil {
		return fmt.Errorf("load local active trades: %w", err)
	}

	// 先孤儿后幽灵
	orphanKeys, err := s.healOrphans(ctx, locals, livePositions)
	if err != nil {
		return err
	}
	ghostKeys, err := s.adoptGhosts(ctx, locals, livePositions)
	if err != nil {
		return err
	}

	if err = s.sweepResolved(ctx, orphanKeys, ghostKeys); err != nil {
		return err
	}
	return s.anomalies.Purge(ctx)
}

// matchesLive 本地记录是否有对应的交易所持仓（交易对+方向+数量容差）
func matchesLive(record *models.TradeRecord, livePositions []*exchange.Position) bool {
	for _, p := range livePositions {
		if p.Symbol == record.Symbol &&
			string(p.Side) == string(record.Side) &&
			withinTolerance(record.Quantity, p.PositionAmount, qtyFloor) {
			return true
		}
	}
	return false
}

// healOrphans 修复孤儿：本地记录为开仓，交易所已无对应持仓。
// 优先从近期成交回溯真实退出数据；回溯不到则按未解决孤儿归档。
// 返回本周期仍然成立的孤儿异常键集合。
func (s *ReconcileService) healOrphans(ctx context.Context, locals []models.TradeRecord,
	livePositions []*exchange.Position) (map[string]struct{}, error) {

	present := make(map[string]struct{})

	// 启动保护期内不做孤儿修复：交易所快照可能还没追上重启前的状态
	if time.Since(s.startedAt) < s.conf.StartupGrace() {
		s.logger.Debug("within startup grace period, skipping orphan healing")
		return present, nil
	}

	now := time.Now()
	for i := range locals {
		record := &locals[i]
		if record.Status == models.TradeStatusPending && now.Sub(record.EntryTime) < s.conf.PendingGrace() {
			continue
		}
		if matchesLive(record, livePositions) {
			continue
		}

		key := models.AnomalyKey(models.AnomalyTypeOrphan, record.StrategyName, record.Symbol)
		present[key] = struct{}{}

		if _, err := s.anomalies.Report(ctx, models.AnomalyTypeOrphan, AnomalyEvent{
			Type:         EventOrphanDetected,
			StrategyName: record.StrategyName,
			Symbol:       record.Symbol,
			Side:         string(record.Side),
			TradeID:      record.ID,
			Detail:       fmt.Sprintf("local %s trade has no live position", record.Status),
		}); err != nil {
			return nil, err
		}

		if err := s.healOrphan(ctx, record); err != nil {
			// 单条失败不中断整个周期
			s.logger.Error("failed to heal orphan trade",
				zap.String("trade_id", record.ID), zap.Error(err))
			continue
		}
	}
	return present, nil
}

func (s *ReconcileService) healOrphan(ctx context.Context, record *models.TradeRecord) error {
	now := time.Now()

	if fill := s.findExitFill(ctx, record); fill != nil {
		pnl, pnlPercent := record.CalculatePnl(fill.Price)
		err := s.ledger.Update(ctx, record.ID, map[string]any{
			"status":         models.TradeStatusClosed,
			"exit_time":      fill.Time,
			"exit_price":     fill.Price,
			"exit_reason":    "orphan-recovered",
			"pnl_absolute":   pnl,
			"pnl_percentage": pnlPercent,
			"duration":       record.HoldingDuration(fill.Time),
		})
		if err != nil {
			return fmt.Errorf("close recovered orphan: %w", err)
		}
		s.registry.Release(record.StrategyName)
		s.logger.Info("orphan trade recovered from exchange fills",
			zap.String("trade_id", record.ID),
			zap.Float64("exit_price", fill.Price),
			zap.Float64("pnl", pnl))
		return nil
	}

	// 回溯不到退出数据，按未解决孤儿归档，盈亏记零
	err := s.ledger.Update(ctx, record.ID, map[string]any{
		"status":         models.TradeStatusOrphaned,
		"exit_time":      now,
		"exit_reason":    "orphan-unresolved",
		"pnl_absolute":   0.0,
		"pnl_percentage": 0.0,
		"duration":       record.HoldingDuration(now),
	})
	if err != nil {
		return fmt.Errorf("archive unresolved orphan: %w", err)
	}
	s.registry.Release(record.StrategyName)
	s.logger.Warn("orphan trade archived without exit data",
		zap.String("trade_id", record.ID),
		zap.String("strategy", record.StrategyName),
		zap.String("symbol", record.Symbol))
	return nil
}

// findExitFill 在回溯窗口内寻找与本地持仓匹配的平仓成交
func (s *ReconcileService) findExitFill(ctx context.Context, record *models.TradeRecord) *exchange.Fill {
	fills, err := s.exchange.GetRecentFills(ctx, record.Symbol, s.conf.OrphanLookback())
	if err != nil {
		s.logger.Warn("failed to fetch recent fills",
			zap.String("symbol", record.Symbol), zap.Error(err))
		return nil
	}

	closeSide := exchange.OrderSideFor(exchange.PositionSide(record.Side)).Opposite()
	// 最近的成交优先
	for i := len(fills) - 1; i >= 0; i-- {
		fill := fills[i]
		if fill.Side == closeSide &&
			withinTolerance(record.Quantity, fill.Quantity, qtyFloor) &&
			fill.Time.After(record.EntryTime) {
			return fill
		}
	}
	return nil
}

// adoptGhosts 收养幽灵：交易所有持仓，本地无对应开仓记录。
// 优先把幽灵归因到容差匹配的 PENDING/ORPHANED 记录上（典型场景：
// 崩溃发生在下单与落库之间），归因不到则归到 manual-<symbol> 哨兵策略。
// 返回本周期仍然成立的幽灵异常键集合。
func (s *ReconcileService) adoptGhosts(ctx context.Context, locals []models.TradeRecord,
	livePositions []*exchange.Position) (map[string]struct{}, error) {

	present := make(map[string]struct{})

	for _, p := range livePositions {
		if s.hasLocalOpen(locals, p) {
			continue
		}
		if s.marks.RecentlyTraded(p.Symbol, s.conf.GhostProtection()) {
			s.logger.Debug("skipping ghost detection for recently traded symbol",
				zap.String("symbol", p.Symbol))
			continue
		}

		key, err := s.adoptGhost(ctx, p)
		if err != nil {
			s.logger.Error("failed to adopt ghost position",
				zap.String("symbol", p.Symbol), zap.Error(err))
			continue
		}
		present[key] = struct{}{}
	}
	return present, nil
}

// hasLocalOpen 本地是否已有覆盖该持仓的记录。PENDING 不算覆盖：
// 崩溃发生在下单与确认之间时，留下的 PENDING 要靠幽灵归因来认领。
func (s *ReconcileService) hasLocalOpen(locals []models.TradeRecord, p *exchange.Position) bool {
	for i := range locals {
		record := &locals[i]
		if record.Symbol == p.Symbol &&
			string(record.Side) == string(p.Side) &&
			(record.Status == models.TradeStatusOpen || record.Status == models.TradeStatusGhostAdopted) {
			return true
		}
	}
	return false
}

func (s *ReconcileService) adoptGhost(ctx context.Context, p *exchange.Position) (string, error) {
	side := models.TradeSide(p.Side)

	// 尝试归因到残留的 PENDING/ORPHANED 记录
	match, err := s.ledger.FindMatch(ctx, "", p.Symbol, side, p.PositionAmount, p.EntryPrice,
		[]models.TradeStatus{models.TradeStatusPending, models.TradeStatusOrphaned})
	if err != nil {
		return "", err
	}

	strategyName := manualStrategyPrefix + p.Symbol
	if match != nil {
		strategyName = match.StrategyName
	}
	key := models.AnomalyKey(models.AnomalyTypeGhost, strategyName, p.Symbol)

	margin := 0.0
	if p.Leverage > 0 {
		margin = p.EntryPrice * p.PositionAmount / float64(p.Leverage)
	}

	if match != nil {
		// 槽位被其他交易占着：既有持仓又有幽灵，只报告不收养
		if holder, held := s.registry.Holder(match.StrategyName); held && holder != match.ID {
			_, rerr := s.anomalies.Report(ctx, models.AnomalyTypeGhost, AnomalyEvent{
				Type:         EventGhostDetected,
				StrategyName: strategyName,
				Symbol:       p.Symbol,
				Side:         string(side),
				Detail:       "ambiguous: strategy already holds another position, ghost left unadopted",
			})
			return key, rerr
		}

		// PENDING 是同一生命周期的崩溃残留（下单成功但确认没落库），原记录就地提升；
		// ORPHANED 已是终态，只借它归因策略，记录本身和审计字段保持原样
		if match.Status == models.TradeStatusPending {
			err = s.ledger.Update(ctx, match.ID, map[string]any{
				"status":      models.TradeStatusGhostAdopted,
				"quantity":    p.PositionAmount,
				"entry_price": p.EntryPrice,
				"leverage":    p.Leverage,
				"margin_used": margin,
			})
			if err != nil {
				return "", fmt.Errorf("adopt ghost onto record %s: %w", match.ID, err)
			}
			s.registry.Bind(match.StrategyName, match.ID)

			_, err = s.anomalies.Report(ctx, models.AnomalyTypeGhost, AnomalyEvent{
				Type:         EventGhostDetected,
				StrategyName: strategyName,
				Symbol:       p.Symbol,
				Side:         string(side),
				TradeID:      match.ID,
				Detail:       "ghost attributed to existing pending record",
				Fields: map[string]any{
					"entry_price": p.EntryPrice,
					"quantity":    p.PositionAmount,
				},
			})
			if err != nil {
				return "", err
			}

			s.logger.Info("ghost position attributed to pending record",
				zap.String("trade_id", match.ID),
				zap.String("strategy", match.StrategyName),
				zap.String("symbol", p.Symbol))
			return key, nil
		}
	}

	// 归因到策略后新建收养记录；无归因线索时记到 manual-<symbol> 哨兵策略
	record := &models.TradeRecord{
		ID:           ulid.Make().String(),
		StrategyName: strategyName,
		Symbol:       p.Symbol,
		Side:         side,
		Quantity:     p.PositionAmount,
		EntryPrice:   p.EntryPrice,
		Leverage:     p.Leverage,
		MarginUsed:   margin,
		Status:       models.TradeStatusGhostAdopted,
		EntryTime:    time.Now(),
	}
	if err = s.ledger.Put(ctx, record); err != nil {
		return "", fmt.Errorf("create adopted ghost record: %w", err)
	}

	if s.registry.TryAcquire(strategyName) {
		s.registry.Bind(strategyName, record.ID)
	}

	detail := "unattributed live position adopted as manual trade"
	if match != nil {
		detail = "ghost adopted as new trade, strategy attributed via orphaned record"
	}
	_, err = s.anomalies.Report(ctx, models.AnomalyTypeGhost, AnomalyEvent{
		Type:         EventGhostDetected,
		StrategyName: strategyName,
		Symbol:       p.Symbol,
		Side:         string(side),
		TradeID:      record.ID,
		Detail:       detail,
		Fields: map[string]any{
			"entry_price": p.EntryPrice,
			"quantity":    p.PositionAmount,
		},
	})
	if err != nil {
		return "", err
	}

	s.logger.Warn("ghost position adopted",
		zap.String("trade_id", record.ID),
		zap.String("strategy", strategyName),
		zap.String("symbol", p.Symbol),
		zap.Float64("quantity", p.PositionAmount))
	return key, nil
}

// sweepResolved 清扫已解除的异常：上个周期报过、本周期不再成立的异常
// 触发对应的 CLEARED 事件。
func (s *ReconcileService) sweepResolved(ctx context.Context, orphanKeys, ghostKeys map[string]struct{}) error {
	activeOrphans, err := s.anomalies.ActiveKeys(ctx, models.AnomalyTypeOrphan)
	if err != nil {
		return err
	}
	for key, anomaly := range activeOrphans {
		if _, still := orphanKeys[key]; still {
			continue
		}
		if err = s.anomalies.Clear(ctx, models.AnomalyTypeOrphan, anomaly.StrategyName, anomaly.Symbol,
			EventOrphanCleared, "orphan condition no longer present"); err != nil {
			return err
		}
	}

	activeGhosts, err := s.anomalies.ActiveKeys(ctx, models.AnomalyTypeGhost)
	if err != nil {
		return err
	}
	for key, anomaly := range activeGhosts {
		if _, still := ghostKeys[key]; still {
			continue
		}
		if err = s.anomalies.Clear(ctx, models.AnomalyTypeGhost, anomaly.StrategyName, anomaly.Symbol,
			EventGhostCleared, "ghost condition no longer present"); err != nil {
			return err
		}
	}
	return nil
}
