package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/repo"
	"github.com/go-orz/orz"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// 写入校验的重试次数
	ledgerWriteRetries = 3
	// 数量与价格容差：max(v*5%, floor)
	toleranceRatio = 0.05
	qtyFloor       = 0.001
	priceFloor     = 0.01
)

// LedgerService 交易账本。所有写入都做读回校验：写入后立即按ID重读，
// 逐字段比对，不一致则重试，最终兜底写入一条最小记录，保证记录不会静默丢失。
type LedgerService struct {
	logger *zap.Logger

	*orz.Service
	*repo.TradeRecordRepo
}

func NewLedgerService(db *gorm.DB, logger *zap.Logger) *LedgerService {
	return &LedgerService{
		logger:          logger,
		Service:         orz.NewService(db),
		TradeRecordRepo: repo.NewTradeRecordRepo(db),
	}
}

// Put 写入一条新交易记录，读回校验失败时重试，仍失败则降级写入最小记录
func (s *LedgerService) Put(ctx context.Context, record *models.TradeRecord) error {
	var lastErr error
	for attempt := 1; attempt <= ledgerWriteRetries; attempt++ {
		if err := s.TradeRecordRepo.Save(ctx, record); err != nil {
			lastErr = fmt.Errorf("save trade record: %w", err)
		} else if err = s.verifyPut(ctx, record); err != nil {
			lastErr = err
		} else {
			return nil
		}

		s.logger.Warn("ledger put verification failed, retrying",
			zap.String("trade_id", record.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}

	// 降级：只保最关键的字段落库
	if err := s.emergencyWrite(ctx, record); err != nil {
		return fmt.Errorf("ledger put failed and emergency write failed: %w (original: %v)", err, lastErr)
	}
	s.logger.Error("ledger put degraded to emergency minimal record",
		zap.String("trade_id", record.ID),
		zap.Error(lastErr))
	return nil
}

func (s *LedgerService) verifyPut(ctx context.Context, record *models.TradeRecord) error {
	stored, err := s.TradeRecordRepo.FindById(ctx, record.ID)
	if err != nil {
		return fmt.Errorf("read back trade record: %w", err)
	}
	if stored.StrategyName != record.StrategyName ||
		stored.Symbol != record.Symbol ||
		stored.Side != record.Side ||
		stored.Status != record.Status ||
		!floatEqual(stored.Quantity, record.Quantity) ||
		!floatEqual(stored.EntryPrice, record.EntryPrice) {
		return fmt.Errorf("read back mismatch for trade %s", record.ID)
	}
	return nil
}

func (s *LedgerService) emergencyWrite(ctx context.Context, record *models.TradeRecord) error {
	minimal := &models.TradeRecord{
		ID:           record.ID,
		StrategyName: record.StrategyName,
		Symbol:       record.Symbol,
		Side:         record.Side,
		Status:       record.Status,
		EntryTime:    record.EntryTime,
	}
	db := s.TradeRecordRepo.GetDB(ctx)
	return db.Table(s.TradeRecordRepo.GetTableName()).
		Select("id", "strategy_name", "symbol", "side", "status", "entry_time").
		Save(minimal).Error
}

// Get 按交易ID读取
func (s *LedgerService) Get(ctx context.Context, tradeID string) (*models.TradeRecord, error) {
	record, err := s.TradeRecordRepo.FindById(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Update 部分字段更新（字段名为数据库列名），带读回校验。
// 幂等：重复应用同一组字段校验仍然通过。
func (s *LedgerService) Update(ctx context.Context, tradeID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= ledgerWriteRetries; attempt++ {
		db := s.TradeRecordRepo.GetDB(ctx)
		if err := db.Table(s.TradeRecordRepo.GetTableName()).
			Where("id = ?", tradeID).
			Updates(fields).Error; err != nil {
			lastErr = fmt.Errorf("update trade record: %w", err)
		} else if err = s.verifyUpdate(ctx, tradeID, fields); err != nil {
			lastErr = err
		} else {
			return nil
		}

		s.logger.Warn("ledger update verification failed, retrying",
			zap.String("trade_id", tradeID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}

	// 降级：至少把状态写进去
	if status, ok := fields["status"]; ok {
		db := s.TradeRecordRepo.GetDB(ctx)
		if err := db.Table(s.TradeRecordRepo.GetTableName()).
			Where("id = ?", tradeID).
			Update("status", status).Error; err == nil {
			s.logger.Error("ledger update degraded to status-only write",
				zap.String("trade_id", tradeID),
				zap.Error(lastErr))
			return nil
		}
	}
	return fmt.Errorf("ledger update failed for trade %s: %w", tradeID, lastErr)
}

func (s *LedgerService) verifyUpdate(ctx context.Context, tradeID string, fields map[string]any) error {
	var stored map[string]any
	db := s.TradeRecordRepo.GetDB(ctx)
	if err := db.Table(s.TradeRecordRepo.GetTableName()).
		Where("id = ?", tradeID).
		Take(&stored).Error; err != nil {
		return fmt.Errorf("read back trade record: %w", err)
	}

	for column, expected := range fields {
		actual, ok := stored[column]
		if !ok {
			return fmt.Errorf("read back missing column %s for trade %s", column, tradeID)
		}
		if !valueEqual(expected, actual) {
			return fmt.Errorf("read back mismatch on %s for trade %s: want %v, got %v",
				column, tradeID, expected, actual)
		}
	}
	return nil
}

// FindMatch 容差匹配：策略（可为空，表示任意）、交易对、方向精确匹配，
// 数量与价格各自在 max(v*5%, floor) 容差内。多条命中取最近开仓的一条。
func (s *LedgerService) FindMatch(ctx context.Context, strategyName, symbol string, side models.TradeSide,
	quantity, entryPrice float64, statuses []models.TradeStatus) (*models.TradeRecord, error) {

	candidates, err := s.TradeRecordRepo.FindMatchCandidates(ctx, strategyName, symbol, side, statuses)
	if err != nil {
		return nil, fmt.Errorf("find match candidates: %w", err)
	}

	for i := range candidates {
		c := &candidates[i]
		if withinTolerance(c.Quantity, quantity, qtyFloor) &&
			withinTolerance(c.EntryPrice, entryPrice, priceFloor) {
			return c, nil
		}
	}
	return nil, nil
}

// SweepStale 启动清理：开仓超过阈值仍为 OPEN 的记录标记为 CLOSED，
// 退出原因 stale-auto-closed，盈亏记零。返回被清理的记录。
func (s *LedgerService) SweepStale(ctx context.Context, threshold time.Duration) ([]models.TradeRecord, error) {
	now := time.Now()
	stale, err := s.TradeRecordRepo.FindStaleOpen(ctx, now.Add(-threshold))
	if err != nil {
		return nil, fmt.Errorf("find stale open trades: %w", err)
	}

	for i := range stale {
		record := &stale[i]
		err = s.Update(ctx, record.ID, map[string]any{
			"status":         models.TradeStatusClosed,
			"exit_time":      now,
			"exit_reason":    "stale-auto-closed",
			"pnl_absolute":   0.0,
			"pnl_percentage": 0.0,
			"duration":       record.HoldingDuration(now),
		})
		if err != nil {
			return nil, fmt.Errorf("close stale trade %s: %w", record.ID, err)
		}
		s.logger.Warn("stale open trade auto-closed",
			zap.String("trade_id", record.ID),
			zap.String("strategy", record.StrategyName),
			zap.String("symbol", record.Symbol),
			zap.Time("entry_time", record.EntryTime))
	}
	return stale, nil
}

// ArchiveOld 归档超过保留期的终态记录（软删除）
func (s *LedgerService) ArchiveOld(ctx context.Context, retention time.Duration) (int64, error) {
	count, err := s.TradeRecordRepo.ArchiveClosedBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("archive closed trades: %w", err)
	}
	if count > 0 {
		s.logger.Info("archived old closed trades", zap.Int64("count", count))
	}
	return count, nil
}

// withinTolerance 相对容差5%，带绝对下限
func withinTolerance(expected, actual, floor float64) bool {
	tolerance := math.Max(math.Abs(expected)*toleranceRatio, floor)
	return math.Abs(expected-actual) <= tolerance
}

func floatEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// valueEqual 比较期望值与数据库读回值，数值走浮点比较，时间按秒级精度比较，
// 其余按字符串表示比较
func valueEqual(expected, actual any) bool {
	if t, ok := expected.(time.Time); ok {
		at, err := cast.ToTimeE(actual)
		if err != nil {
			// 驱动的时间表示不可解析时只校验列已写入
			return actual != nil
		}
		return t.Sub(at).Abs() < time.Second
	}

	ef, eerr := cast.ToFloat64E(expected)
	af, aerr := cast.ToFloat64E(actual)
	if eerr == nil && aerr == nil {
		return floatEqual(ef, af)
	}

	return fmt.Sprint(expected) == fmt.Sprint(actual)
}
