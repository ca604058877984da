package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// TradeStatus 交易记录状态
type TradeStatus string

const (
	TradeStatusPending      TradeStatus = "PENDING"       // 已写入意向记录，等待交易所确认
	TradeStatusOpen         TradeStatus = "OPEN"          // 已确认成交的持仓
	TradeStatusClosed       TradeStatus = "CLOSED"        // 已平仓（终态）
	TradeStatusOrphaned     TradeStatus = "ORPHANED"      // 孤儿交易，无法恢复退出数据（终态）
	TradeStatusGhostAdopted TradeStatus = "GHOST_ADOPTED" // 幽灵持仓被收养，待提升为 OPEN
)

// IsActive 是否计入单持仓约束（每个策略最多一条）
func (s TradeStatus) IsActive() bool {
	return s == TradeStatusPending || s == TradeStatusOpen
}

// IsTerminal 是否终态
func (s TradeStatus) IsTerminal() bool {
	return s == TradeStatusClosed || s == TradeStatusOrphaned
}

// TradeSide 持仓方向
type TradeSide string

const (
	TradeSideLong  TradeSide = "LONG"
	TradeSideShort TradeSide = "SHORT"
)

// TradeRecord 交易记录，一次尝试开仓对应一条。记录只做状态迁移，从不删除，
// 保留完整审计链（过老的已平仓记录由保留策略软删除归档）。
type TradeRecord struct {
	ID           string    `gorm:"primaryKey;type:varchar(26)" json:"trade_id"`
	StrategyName string    `gorm:"type:varchar(64);not null;index" json:"strategy_name"`
	Symbol       string    `gorm:"type:varchar(20);not null;index" json:"symbol"`
	Side         TradeSide `gorm:"type:varchar(10);not null" json:"side"`

	Quantity   float64  `gorm:"type:decimal(20,8);not null" json:"quantity"`
	EntryPrice float64  `gorm:"type:decimal(20,8);not null" json:"entry_price"`
	Leverage   int      `gorm:"type:int;not null" json:"leverage"`
	MarginUsed float64  `gorm:"type:decimal(20,8);not null" json:"margin_used"` // 实际占用保证金
	StopLoss   *float64 `gorm:"type:decimal(20,8)" json:"stop_loss,omitempty"`
	TakeProfit *float64 `gorm:"type:decimal(20,8)" json:"take_profit,omitempty"`

	Status TradeStatus `gorm:"type:varchar(20);not null;index" json:"status"`

	EntryTime     time.Time  `gorm:"not null;index" json:"entry_time"`
	ExitTime      *time.Time `json:"exit_time,omitempty"`
	ExitPrice     *float64   `gorm:"type:decimal(20,8)" json:"exit_price,omitempty"`
	ExitReason    string     `gorm:"type:varchar(128)" json:"exit_reason,omitempty"`
	PnlAbsolute   float64    `gorm:"type:decimal(20,8)" json:"pnl_absolute"`
	PnlPercentage float64    `gorm:"type:decimal(20,8)" json:"pnl_percentage"`
	Duration      string     `gorm:"type:varchar(32)" json:"duration,omitempty"`

	// 交易所侧订单标识，幽灵收养的记录在回填前为空
	ExchangeOrderRef *string `gorm:"type:varchar(50);index" json:"exchange_order_ref,omitempty"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// TableName 指定表名
func (*TradeRecord) TableName() string {
	return "trade_records"
}

// CalculatePnl 按方向计算绝对盈亏与相对保证金的百分比盈亏。
// 平仓与强制风控必须统一走这里，保证口径一致。
func (r *TradeRecord) CalculatePnl(exitPrice float64) (pnl float64, pnlPercent float64) {
	if r.Side == TradeSideShort {
		pnl = (r.EntryPrice - exitPrice) * r.Quantity
	} else {
		pnl = (exitPrice - r.EntryPrice) * r.Quantity
	}

	if r.MarginUsed > 0 {
		pnlPercent = pnl / r.MarginUsed * 100
	}
	return pnl, pnlPercent
}

// HoldingDuration 持仓时长（格式化字符串，如 "2h30m"）
func (r *TradeRecord) HoldingDuration(now time.Time) string {
	holding := now.Sub(r.EntryTime)
	holdingStr, _ := strings.CutSuffix(holding.Round(time.Minute).String(), "0s")
	if holdingStr == "" {
		holdingStr = "0m"
	}
	return holdingStr
}
