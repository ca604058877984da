package repo

import (
	"context"
	"errors"
	"time"

	"github.com/dushixiang/anchor/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewAnomalyRepo(db *gorm.DB) *AnomalyRepo {
	return &AnomalyRepo{
		Repository: orz.NewRepository[models.Anomaly, string](db),
	}
}

type AnomalyRepo struct {
	orz.Repository[models.Anomaly, string]
}

// FindActiveByKey 按异常键查找活跃异常，不存在时返回 nil
func (r AnomalyRepo) FindActiveByKey(ctx context.Context, key string) (*models.Anomaly, error) {
	var anomaly models.Anomaly
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("key = ? AND status = ?", key, models.AnomalyStatusActive).
		First(&anomaly).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &anomaly, nil
}

// FindActive 查找所有活跃异常
func (r AnomalyRepo) FindActive(ctx context.Context) ([]models.Anomaly, error) {
	var anomalies []models.Anomaly
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("status = ?", models.AnomalyStatusActive).
		Order("detected_at DESC").
		Find(&anomalies).Error
	return anomalies, err
}

// FindActiveByType 按类型查找活跃异常
func (r AnomalyRepo) FindActiveByType(ctx context.Context, typ models.AnomalyType) ([]models.Anomaly, error) {
	var anomalies []models.Anomaly
	db := r.GetDB(ctx)
	err := db.Table(r.GetTableName()).
		Where("status = ? AND type = ?", models.AnomalyStatusActive, typ).
		Find(&anomalies).Error
	return anomalies, err
}

// PurgeClearedBefore 物理删除早于给定时刻已清除的异常
func (r AnomalyRepo) PurgeClearedBefore(ctx context.Context, before time.Time) (int64, error) {
	db := r.GetDB(ctx)
	result := db.Where("status = ? AND cleared_at < ?", models.AnomalyStatusCleared, before).
		Delete(&models.Anomaly{})
	return result.RowsAffected, result.Error
}
