package models

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// AnomalyType 异常类型
type AnomalyType string

const (
	AnomalyTypeOrphan AnomalyType = "orphan" // 本地记录为开仓，交易所无对应持仓
	AnomalyTypeGhost  AnomalyType = "ghost"  // 交易所有持仓，本地无记录
	AnomalyTypeStale  AnomalyType = "stale"  // 本地开仓时间过久，推断早已平仓
)

// AnomalyStatus 异常状态
type AnomalyStatus string

const (
	AnomalyStatusActive  AnomalyStatus = "active"
	AnomalyStatusCleared AnomalyStatus = "cleared"
)

// Anomaly 漂移异常记录。Key 在底层状况清除之前唯一标识一次异常，
// 用于保证同一异常只通知一次，清除时再通知一次。
type Anomaly struct {
	ID           string         `gorm:"primaryKey;type:varchar(26)" json:"id"`
	Key          string         `gorm:"type:varchar(128);not null;index" json:"key"`
	Type         AnomalyType    `gorm:"type:varchar(16);not null;index" json:"type"`
	StrategyName string         `gorm:"type:varchar(64);not null;index" json:"strategy_name"`
	Symbol       string         `gorm:"type:varchar(20);not null" json:"symbol"`
	Side         TradeSide      `gorm:"type:varchar(10)" json:"side"`
	TradeID      string         `gorm:"type:varchar(26);index" json:"trade_id,omitempty"`
	Payload      datatypes.JSON `gorm:"type:json" json:"payload,omitempty"`
	Status       AnomalyStatus  `gorm:"type:varchar(16);not null;default:'active';index" json:"status"`
	Notified     bool           `gorm:"default:false" json:"notified"`
	DetectedAt   time.Time      `gorm:"not null" json:"detected_at"`
	ClearedAt    *time.Time     `json:"cleared_at,omitempty"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (*Anomaly) TableName() string {
	return "anomalies"
}

// IsActive 是否活跃
func (a *Anomaly) IsActive() bool {
	return a.Status == AnomalyStatusActive
}

// AnomalyKey 构造异常唯一键
func AnomalyKey(typ AnomalyType, strategyName, symbol string) string {
	return fmt.Sprintf("%s_%s_%s", typ, strategyName, symbol)
}
