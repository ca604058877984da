package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SlotState 单个策略槽位的快照
type SlotState struct {
	StrategyName  string     `json:"strategy_name"`
	Occupied      bool       `json:"occupied"`
	TradeID       string     `json:"trade_id,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

type slot struct {
	mu            sync.Mutex
	occupied      bool
	tradeID       string
	openedAt      time.Time
	cooldownUntil time.Time
}

// SlotRegistry 持仓槽位注册表：每个策略同一时刻最多持有一个仓位。
// 槽位在下单前占用、平仓后释放，释放的同时进入冷却期。
// 每个策略一把独立的锁，互不阻塞。
type SlotRegistry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	slots     map[string]*slot
	cooldowns map[string]time.Duration

	now func() time.Time
}

func NewSlotRegistry(logger *zap.Logger) *SlotRegistry {
	return &SlotRegistry{
		logger:    logger,
		slots:     make(map[string]*slot),
		cooldowns: make(map[string]time.Duration),
		now:       time.Now,
	}
}

// SetCooldown 配置策略的冷却时长
func (r *SlotRegistry) SetCooldown(strategyName string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns[strategyName] = d
}

func (r *SlotRegistry) getSlot(strategyName string) *slot {
	r.mu.RLock()
	s, ok := r.slots[strategyName]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.slots[strategyName]; ok {
		return s
	}
	s = &slot{}
	r.slots[strategyName] = s
	return s
}

// TryAcquire 尝试占用槽位。槽位已占用或冷却期内返回 false。
// 成功占用后必须通过 Release 释放，或通过 Bind 绑定交易记录。
func (r *SlotRegistry) TryAcquire(strategyName string) bool {
	s := r.getSlot(strategyName)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()
	if s.occupied {
		return false
	}
	if now.Before(s.cooldownUntil) {
		return false
	}

	s.occupied = true
	s.tradeID = ""
	s.openedAt = now
	return true
}

// Bind 将交易记录绑定到已占用的槽位
func (r *SlotRegistry) Bind(strategyName, tradeID string) {
	s := r.getSlot(strategyName)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.occupied {
		// 恢复路径允许直接绑定（重启后从账本重建槽位）
		s.occupied = true
		s.openedAt = r.now()
	}
	s.tradeID = tradeID
}

// Release 释放槽位并开始冷却。释放空槽位是无操作。
func (r *SlotRegistry) Release(strategyName string) {
	s := r.getSlot(strategyName)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.occupied {
		return
	}

	s.occupied = false
	s.tradeID = ""

	r.mu.RLock()
	cooldown := r.cooldowns[strategyName]
	r.mu.RUnlock()

	if cooldown > 0 {
		s.cooldownUntil = r.now().Add(cooldown)
		r.logger.Debug("slot released with cooldown",
			zap.String("strategy", strategyName),
			zap.Duration("cooldown", cooldown))
	}
}

// IsBlocked 槽位被占用或处于冷却期
func (r *SlotRegistry) IsBlocked(strategyName string) bool {
	s := r.getSlot(strategyName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.occupied || r.now().Before(s.cooldownUntil)
}

// Holder 返回当前占用槽位的交易ID，空槽位返回 ("", false)
func (r *SlotRegistry) Holder(strategyName string) (string, bool) {
	s := r.getSlot(strategyName)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.occupied {
		return "", false
	}
	return s.tradeID, true
}

// Snapshot 返回全部槽位的状态快照，供状态接口使用
func (r *SlotRegistry) Snapshot() []SlotState {
	r.mu.RLock()
	names := make([]string, 0, len(r.slots))
	for name := range r.slots {
		names = append(names, name)
	}
	r.mu.RUnlock()

	states := make([]SlotState, 0, len(names))
	for _, name := range names {
		s := r.getSlot(name)
		s.mu.Lock()
		state := SlotState{
			StrategyName: name,
			Occupied:     s.occupied,
			TradeID:      s.tradeID,
		}
		if s.occupied {
			openedAt := s.openedAt
			state.OpenedAt = &openedAt
		}
		if r.now().Before(s.cooldownUntil) {
			until := s.cooldownUntil
			state.CooldownUntil = &until
		}
		s.mu.Unlock()
		states = append(states, state)
	}
	return states
}
