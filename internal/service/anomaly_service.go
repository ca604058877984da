package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/repo"
	"github.com/go-orz/orz"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// 异常事件类型
const (
	EventOrphanDetected = "ORPHAN_DETECTED"
	EventOrphanCleared  = "ORPHAN_CLEARED"
	EventGhostDetected  = "GHOST_DETECTED"
	EventGhostCleared   = "GHOST_CLEARED"
	EventStaleClosed    = "STALE_CLOSED"
)

// 已清除异常的保留时长
const anomalyRetention = 7 * 24 * time.Hour

// AnomalyEvent 发给通知器的异常事件
type AnomalyEvent struct {
	Type         string         `json:"type"`
	StrategyName string         `json:"strategy_name"`
	Symbol       string         `json:"symbol"`
	Side         string         `json:"side,omitempty"`
	TradeID      string         `json:"trade_id,omitempty"`
	Detail       string         `json:"detail,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// Notifier 异常通知器。通知失败绝不能影响修复动作本身。
type Notifier interface {
	NotifyAnomaly(ctx context.Context, event AnomalyEvent) error
}

// AnomalyService 异常台账：同一异常键在清除之前只通知一次，
// 清除时再补一条清除通知，之后键可复用。
type AnomalyService struct {
	logger *zap.Logger

	*orz.Service
	*repo.AnomalyRepo

	notifier Notifier
}

func NewAnomalyService(db *gorm.DB, notifier Notifier, logger *zap.Logger) *AnomalyService {
	return &AnomalyService{
		logger:      logger,
		Service:     orz.NewService(db),
		AnomalyRepo: repo.NewAnomalyRepo(db),
		notifier:    notifier,
	}
}

// Report 上报异常。键已有活跃异常时只刷新检测时间，不重复通知。
// 返回是否为新异常。
func (s *AnomalyService) Report(ctx context.Context, typ models.AnomalyType, event AnomalyEvent) (bool, error) {
	key := models.AnomalyKey(typ, event.StrategyName, event.Symbol)

	existing, err := s.AnomalyRepo.FindActiveByKey(ctx, key)
	if err != nil {
		return false, fmt.Errorf("find anomaly by key: %w", err)
	}
	if existing != nil {
		existing.DetectedAt = time.Now()
		if err = s.AnomalyRepo.Save(ctx, existing); err != nil {
			return false, fmt.Errorf("refresh anomaly %s: %w", key, err)
		}
		return false, nil
	}

	var payload datatypes.JSON
	if len(event.Fields) > 0 {
		if raw, merr := json.Marshal(event.Fields); merr == nil {
			payload = raw
		}
	}

	anomaly := &models.Anomaly{
		ID:           ulid.Make().String(),
		Key:          key,
		Type:         typ,
		StrategyName: event.StrategyName,
		Symbol:       event.Symbol,
		Side:         models.TradeSide(event.Side),
		TradeID:      event.TradeID,
		Payload:      payload,
		Status:       models.AnomalyStatusActive,
		DetectedAt:   time.Now(),
	}
	if err = s.AnomalyRepo.Create(ctx, anomaly); err != nil {
		return false, fmt.Errorf("create anomaly %s: %w", key, err)
	}

	s.logger.Warn("anomaly detected",
		zap.String("key", key),
		zap.String("type", event.Type),
		zap.String("trade_id", event.TradeID))

	s.notify(ctx, event)
	anomaly.Notified = true
	if err = s.AnomalyRepo.Save(ctx, anomaly); err != nil {
		s.logger.Error("failed to mark anomaly as notified", zap.String("key", key), zap.Error(err))
	}
	return true, nil
}

// ReportResolved 上报一次已自带处置结果的异常（如陈旧交易清理）。
// 记录直接落为已清除状态，只通知一次，没有后续的清除事件。
func (s *AnomalyService) ReportResolved(ctx context.Context, typ models.AnomalyType, event AnomalyEvent) error {
	key := models.AnomalyKey(typ, event.StrategyName, event.Symbol)
	now := time.Now()

	var payload datatypes.JSON
	if len(event.Fields) > 0 {
		if raw, merr := json.Marshal(event.Fields); merr == nil {
			payload = raw
		}
	}

	anomaly := &models.Anomaly{
		ID:           ulid.Make().String(),
		Key:          key,
		Type:         typ,
		StrategyName: event.StrategyName,
		Symbol:       event.Symbol,
		Side:         models.TradeSide(event.Side),
		TradeID:      event.TradeID,
		Payload:      payload,
		Status:       models.AnomalyStatusCleared,
		Notified:     true,
		DetectedAt:   now,
		ClearedAt:    &now,
	}
	if err := s.AnomalyRepo.Create(ctx, anomaly); err != nil {
		return fmt.Errorf("create resolved anomaly %s: %w", key, err)
	}

	s.notify(ctx, event)
	return nil
}

// Clear 清除异常并发送清除通知。键无活跃异常时是无操作。
func (s *AnomalyService) Clear(ctx context.Context, typ models.AnomalyType, strategyName, symbol string, clearedEvent string, detail string) error {
	key := models.AnomalyKey(typ, strategyName, symbol)

	existing, err := s.AnomalyRepo.FindActiveByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("find anomaly by key: %w", err)
	}
	if existing == nil {
		return nil
	}

	now := time.Now()
	existing.Status = models.AnomalyStatusCleared
	existing.ClearedAt = &now
	if err = s.AnomalyRepo.Save(ctx, existing); err != nil {
		return fmt.Errorf("clear anomaly %s: %w", key, err)
	}

	s.logger.Info("anomaly cleared",
		zap.String("key", key),
		zap.String("event", clearedEvent))

	s.notify(ctx, AnomalyEvent{
		Type:         clearedEvent,
		StrategyName: strategyName,
		Symbol:       symbol,
		TradeID:      existing.TradeID,
		Detail:       detail,
		OccurredAt:   now,
	})
	return nil
}

// ActiveKeys 当前活跃异常键集合，按类型过滤
func (s *AnomalyService) ActiveKeys(ctx context.Context, typ models.AnomalyType) (map[string]models.Anomaly, error) {
	anomalies, err := s.AnomalyRepo.FindActiveByType(ctx, typ)
	if err != nil {
		return nil, fmt.Errorf("find active anomalies: %w", err)
	}
	keys := make(map[string]models.Anomaly, len(anomalies))
	for _, a := range anomalies {
		keys[a.Key] = a
	}
	return keys, nil
}

// Purge 清理过期的已清除异常
func (s *AnomalyService) Purge(ctx context.Context) error {
	count, err := s.AnomalyRepo.PurgeClearedBefore(ctx, time.Now().Add(-anomalyRetention))
	if err != nil {
		return fmt.Errorf("purge cleared anomalies: %w", err)
	}
	if count > 0 {
		s.logger.Info("purged cleared anomalies", zap.Int64("count", count))
	}
	return nil
}

func (s *AnomalyService) notify(ctx context.Context, event AnomalyEvent) {
	if s.notifier == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := s.notifier.NotifyAnomaly(ctx, event); err != nil {
		// 通知失败只记日志，不影响修复流程
		s.logger.Error("failed to send anomaly notification",
			zap.String("type", event.Type),
			zap.String("symbol", event.Symbol),
			zap.Error(err))
	}
}
