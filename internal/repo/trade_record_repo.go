package repo

import (
	"context"
	"time"

	"github.com/dushixiang/anchor/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewTradeRecordRepo(db *gorm.DB) *TradeRecordRepo {
	return &TradeRecordRepo{
		Repository: orz.NewRepository[models.TradeRecord, string](db),
	}
}

type TradeRecordRepo struct {
	orz.Repository[models.TradeRecord, string]
}

// FindByStatuses 按状态查找交易记录
func (r TradeRecordRepo) FindByStatuses(ctx context.Context, statuses ...models.TradeStatus) ([]models.TradeRecord, error) {
	var records []models.TradeRecord
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("status IN ?", statuses).
		Order("entry_time ASC").
		Find(&records).Error
	return records, err
}

// FindActiveByStrategy 查找某策略下计入单持仓约束的记录（PENDING/OPEN/GHOST_ADOPTED）
func (r TradeRecordRepo) FindActiveByStrategy(ctx context.Context, strategyName string) ([]models.TradeRecord, error) {
	var records []models.TradeRecord
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("strategy_name = ? AND status IN ?", strategyName,
			[]models.TradeStatus{models.TradeStatusPending, models.TradeStatusOpen, models.TradeStatusGhostAdopted}).
		Order("entry_time ASC").
		Find(&records).Error
	return records, err
}

// FindStaleOpen 查找开仓时间早于给定时刻、仍标记为 OPEN 的记录
func (r TradeRecordRepo) FindStaleOpen(ctx context.Context, before time.Time) ([]models.TradeRecord, error) {
	var records []models.TradeRecord
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("status = ? AND entry_time < ?", models.TradeStatusOpen, before).
		Find(&records).Error
	return records, err
}

// FindMatchCandidates 容差匹配的候选集：策略（可选）、交易对、方向、状态精确过滤，
// 数量与价格的容差比较由调用方完成。
func (r TradeRecordRepo) FindMatchCandidates(ctx context.Context, strategyName, symbol string,
	side models.TradeSide, statuses []models.TradeStatus) ([]models.TradeRecord, error) {

	db := r.GetDB(ctx).Table(r.GetTableName()).
		Where("symbol = ? AND side = ? AND status IN ?", symbol, side, statuses)

	if strategyName != "" {
		db = db.Where("strategy_name = ?", strategyName)
	}

	var records []models.TradeRecord
	err := db.Order("entry_time DESC").Find(&records).Error
	return records, err
}

// ArchiveClosedBefore 软删除早于给定时刻的终态记录（归档，不物理删除）
func (r TradeRecordRepo) ArchiveClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	db := r.GetDB(ctx)
	result := db.Where("status IN ? AND entry_time < ?",
		[]models.TradeStatus{models.TradeStatusClosed, models.TradeStatusOrphaned}, before).
		Delete(&models.TradeRecord{})
	return result.RowsAffected, result.Error
}
