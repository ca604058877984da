package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Telegram   TelegramConf   `json:"telegram"`
	Binance    BinanceConf    `json:"binance"`
	Engine     EngineConf     `json:"engine"`
	Strategies []StrategyConf `json:"strategies" validate:"dive"`
}

type TelegramConf struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  string `json:"chat_id"`
}

type BinanceConf struct {
	APIKey   string `json:"api_key"`
	Secret   string `json:"secret"`
	ProxyURL string `json:"proxy_url"` // 代理地址，例如: http://127.0.0.1:7890
	Testnet  bool   `json:"testnet"`   // 是否使用测试网
}

type EngineConf struct {
	TradingEnabled           bool            `json:"trading_enabled"`            // 是否启用真实交易，false时使用纸钱包模式
	PaperWallet              PaperWalletConf `json:"paper_wallet"`               // 纸钱包配置
	ReconcileIntervalMinutes int             `json:"reconcile_interval_minutes"` // 对账周期（分钟），默认1
	ReconcileTimeoutSeconds  int             `json:"reconcile_timeout_seconds"`  // 单次对账超时（秒），默认45
	ConfirmTimeoutSeconds    int             `json:"confirm_timeout_seconds"`    // 订单确认超时（秒），默认15
	StaleOpenHours           int             `json:"stale_open_hours"`           // 开仓超过该时长视为陈旧交易，默认6
	OrphanLookbackMinutes    int             `json:"orphan_lookback_minutes"`    // 孤儿恢复回溯窗口（分钟），默认60
	StartupGraceSeconds      int             `json:"startup_grace_seconds"`      // 启动保护期（秒），默认180
	PendingGraceMinutes      int             `json:"pending_grace_minutes"`      // 新PENDING记录不参与孤儿判定的宽限期（分钟），默认2
	GhostProtectionMinutes   int             `json:"ghost_protection_minutes"`   // 机器人近期下过单的交易对跳过幽灵检测的窗口（分钟），默认10
	RetentionDays            int             `json:"retention_days"`             // 已平仓记录保留天数，默认30
}

type PaperWalletConf struct {
	InitialBalance float64 `json:"initial_balance"` // 初始余额（USDT），默认1000
}

// StrategyConf 单个策略的静态配置。
// 配置非法时启动直接失败，而不是带病运行。
type StrategyConf struct {
	Name            string  `json:"name" validate:"required"`
	Symbol          string  `json:"symbol" validate:"required"`
	MarginUSDT      float64 `json:"margin_usdt" validate:"gt=0"`           // 目标保证金
	Leverage        int     `json:"leverage" validate:"min=1,max=125"`     // 杠杆倍数
	MaxLossPct      float64 `json:"max_loss_pct" validate:"gt=0,lte=100"`  // 保证金最大亏损百分比（强平保护）
	CooldownMinutes int     `json:"cooldown_minutes" validate:"min=0"`     // 平仓后冷却时长
	IntervalMinutes int     `json:"interval_minutes" validate:"min=1"`     // 评估周期
	RSIPeriod       int     `json:"rsi_period" validate:"min=2,max=100"`   // 内置RSI信号源参数
	RSIOversold     float64 `json:"rsi_oversold" validate:"gt=0,lt=100"`   // 超卖阈值
	RSIOverbought   float64 `json:"rsi_overbought" validate:"gt=0,lt=100"` // 超买阈值
}

// Cooldown 冷却时长
func (s StrategyConf) Cooldown() time.Duration {
	return time.Duration(s.CooldownMinutes) * time.Minute
}

// ApplyDefaults 填充缺省值
func (c *Config) ApplyDefaults() {
	if c.Engine.ReconcileIntervalMinutes <= 0 {
		c.Engine.ReconcileIntervalMinutes = 1
	}
	if c.Engine.ReconcileTimeoutSeconds <= 0 {
		c.Engine.ReconcileTimeoutSeconds = 45
	}
	if c.Engine.ConfirmTimeoutSeconds <= 0 {
		c.Engine.ConfirmTimeoutSeconds = 15
	}
	if c.Engine.StaleOpenHours <= 0 {
		c.Engine.StaleOpenHours = 6
	}
	if c.Engine.OrphanLookbackMinutes <= 0 {
		c.Engine.OrphanLookbackMinutes = 60
	}
	if c.Engine.StartupGraceSeconds <= 0 {
		c.Engine.StartupGraceSeconds = 180
	}
	if c.Engine.PendingGraceMinutes <= 0 {
		c.Engine.PendingGraceMinutes = 2
	}
	if c.Engine.GhostProtectionMinutes <= 0 {
		c.Engine.GhostProtectionMinutes = 10
	}
	if c.Engine.RetentionDays <= 0 {
		c.Engine.RetentionDays = 30
	}
	if c.Engine.PaperWallet.InitialBalance <= 0 {
		c.Engine.PaperWallet.InitialBalance = 1000
	}

	for i := range c.Strategies {
		s := &c.Strategies[i]
		if s.Leverage <= 0 {
			s.Leverage = 5
		}
		if s.MaxLossPct <= 0 {
			s.MaxLossPct = 10
		}
		if s.IntervalMinutes <= 0 {
			s.IntervalMinutes = 5
		}
		if s.RSIPeriod <= 0 {
			s.RSIPeriod = 14
		}
		if s.RSIOversold <= 0 {
			s.RSIOversold = 30
		}
		if s.RSIOverbought <= 0 {
			s.RSIOverbought = 70
		}
	}
}

// Validate 校验配置，重复的策略名直接拒绝
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	seen := make(map[string]struct{}, len(c.Strategies))
	for _, s := range c.Strategies {
		if _, ok := seen[s.Name]; ok {
			return fmt.Errorf("duplicate strategy name: %s", s.Name)
		}
		seen[s.Name] = struct{}{}

		if s.RSIOversold >= s.RSIOverbought {
			return fmt.Errorf("strategy %s: rsi_oversold must be below rsi_overbought", s.Name)
		}
	}

	return nil
}

// ReconcileInterval 对账周期
func (c *EngineConf) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMinutes) * time.Minute
}

// ReconcileTimeout 单次对账超时
func (c *EngineConf) ReconcileTimeout() time.Duration {
	return time.Duration(c.ReconcileTimeoutSeconds) * time.Second
}

// ConfirmTimeout 订单确认超时
func (c *EngineConf) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutSeconds) * time.Second
}

// StaleOpenThreshold 陈旧交易阈值
func (c *EngineConf) StaleOpenThreshold() time.Duration {
	return time.Duration(c.StaleOpenHours) * time.Hour
}

// OrphanLookback 孤儿恢复回溯窗口
func (c *EngineConf) OrphanLookback() time.Duration {
	return time.Duration(c.OrphanLookbackMinutes) * time.Minute
}

// StartupGrace 启动保护期
func (c *EngineConf) StartupGrace() time.Duration {
	return time.Duration(c.StartupGraceSeconds) * time.Second
}

// PendingGrace 新 PENDING 记录的孤儿判定宽限期
func (c *EngineConf) PendingGrace() time.Duration {
	return time.Duration(c.PendingGraceMinutes) * time.Minute
}

// GhostProtection 近期下过单的交易对跳过幽灵检测的窗口
func (c *EngineConf) GhostProtection() time.Duration {
	return time.Duration(c.GhostProtectionMinutes) * time.Minute
}
