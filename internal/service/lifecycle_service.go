package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/signal"
	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

var (
	ErrSlotOccupied        = errors.New("strategy slot occupied")
	ErrCooldownActive      = errors.New("strategy cooldown active")
	ErrOrderRejected       = errors.New("order rejected by exchange")
	ErrConfirmationTimeout = errors.New("order confirmation timeout")
)

// LifecycleService 持仓生命周期控制器。
// 状态机：NONE -> PENDING -> OPEN -> CLOSING -> CLOSED，
// 任何一步失败都走对应的中止路径，保证槽位与账本不泄漏。
type LifecycleService struct {
	logger *zap.Logger

	conf     config.EngineConf
	ledger   *LedgerService
	registry *SlotRegistry
	exchange exchange.Exchange
	marks    *TradeMarks
}

func NewLifecycleService(conf config.EngineConf, ledger *LedgerService, registry *SlotRegistry,
	ex exchange.Exchange, marks *TradeMarks, logger *zap.Logger) *LifecycleService {
	return &LifecycleService{
		logger:   logger,
		conf:     conf,
		ledger:   ledger,
		registry: registry,
		exchange: ex,
		marks:    marks,
	}
}

// HandleSignal 处理开仓信号。槽位占用检查发生在任何交易所调用之前；
// 意向记录（PENDING）必须先落库成功，才允许下单。
func (s *LifecycleService) HandleSignal(ctx context.Context, conf config.StrategyConf, sig signal.Signal) (*models.TradeRecord, error) {
	if sig.Type != signal.TypeBuy && sig.Type != signal.TypeSell {
		return nil, nil
	}

	if !s.registry.TryAcquire(conf.Name) {
		if s.registry.IsBlocked(conf.Name) {
			if _, held := s.registry.Holder(conf.Name); held {
				return nil, ErrSlotOccupied
			}
			return nil, ErrCooldownActive
		}
		return nil, ErrSlotOccupied
	}

	record, err := s.openPosition(ctx, conf, sig)
	if err != nil {
		s.registry.Release(conf.Name)
		return nil, err
	}
	return record, nil
}

func (s *LifecycleService) openPosition(ctx context.Context, conf config.StrategyConf, sig signal.Signal) (*models.TradeRecord, error) {
	side := models.TradeSide(sig.Side())
	price := sig.Price
	if price <= 0 {
		current, err := s.exchange.GetCurrentPrice(ctx, conf.Symbol)
		if err != nil {
			return nil, fmt.Errorf("get current price: %w", err)
		}
		price = current
	}

	rawQty := conf.MarginUSDT * float64(conf.Leverage) / price
	quantity, err := s.exchange.FormatQuantity(ctx, conf.Symbol, rawQty)
	if err != nil {
		return nil, fmt.Errorf("format quantity: %w", err)
	}

	now := time.Now()
	record := &models.TradeRecord{
		ID:           ulid.Make().String(),
		StrategyName: conf.Name,
		Symbol:       conf.Symbol,
		Side:         side,
		Quantity:     quantity,
		EntryPrice:   price,
		Leverage:     conf.Leverage,
		MarginUsed:   price * quantity / float64(conf.Leverage),
		StopLoss:     sig.StopLoss,
		TakeProfit:   sig.TakeProfit,
		Status:       models.TradeStatusPending,
		EntryTime:    now,
	}

	// 意向记录写不进去就不允许下单
	if err = s.ledger.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("write pending record: %w", err)
	}
	s.registry.Bind(conf.Name, record.ID)

	if err = s.exchange.SetLeverage(ctx, conf.Symbol, conf.Leverage); err != nil {
		s.abortPending(ctx, record, fmt.Sprintf("set leverage failed: %v", err))
		return nil, fmt.Errorf("set leverage: %w", err)
	}

	orderSide := exchange.OrderSideFor(exchange.PositionSide(side))
	order, err := s.exchange.PlaceOrder(ctx, conf.Symbol, orderSide, quantity, false)
	if err != nil {
		s.abortPending(ctx, record, fmt.Sprintf("order placement failed: %v", err))
		return nil, fmt.Errorf("place order: %w", err)
	}
	s.marks.Mark(conf.Symbol)

	confirmed, err := s.confirmOrder(ctx, conf.Symbol, order)
	if err != nil {
		if errors.Is(err, ErrConfirmationTimeout) {
			if cancelErr := s.exchange.CancelOrder(ctx, conf.Symbol, order.OrderID); cancelErr != nil {
				s.logger.Error("failed to cancel unconfirmed order",
					zap.Int64("order_id", order.OrderID), zap.Error(cancelErr))
			}
			s.abortPending(ctx, record, "confirmation timeout")
		} else {
			s.abortPending(ctx, record, "order rejected")
		}
		return nil, err
	}

	entryPrice := confirmed.AvgPrice
	if entryPrice <= 0 {
		entryPrice = price
	}
	executedQty := confirmed.ExecutedQty
	if executedQty <= 0 {
		executedQty = quantity
	}
	orderRef := strconv.FormatInt(order.OrderID, 10)

	err = s.ledger.Update(ctx, record.ID, map[string]any{
		"status":             models.TradeStatusOpen,
		"entry_price":        entryPrice,
		"quantity":           executedQty,
		"margin_used":        entryPrice * executedQty / float64(conf.Leverage),
		"exchange_order_ref": orderRef,
	})
	if err != nil {
		return nil, fmt.Errorf("promote pending to open: %w", err)
	}

	record.Status = models.TradeStatusOpen
	record.EntryPrice = entryPrice
	record.Quantity = executedQty
	record.MarginUsed = entryPrice * executedQty / float64(conf.Leverage)
	record.ExchangeOrderRef = &orderRef

	s.logger.Info("position opened",
		zap.String("trade_id", record.ID),
		zap.String("strategy", conf.Name),
		zap.String("symbol", conf.Symbol),
		zap.String("side", string(side)),
		zap.Float64("entry_price", entryPrice),
		zap.Float64("quantity", executedQty),
		zap.String("reason", sig.Reason))
	return record, nil
}

// abortPending 中止一条 PENDING 记录：标记 CLOSED 并写明原因
func (s *LifecycleService) abortPending(ctx context.Context, record *models.TradeRecord, reason string) {
	err := s.ledger.Update(ctx, record.ID, map[string]any{
		"status":         models.TradeStatusClosed,
		"exit_time":      time.Now(),
		"exit_reason":    reason,
		"pnl_absolute":   0.0,
		"pnl_percentage": 0.0,
	})
	if err != nil {
		s.logger.Error("failed to abort pending record",
			zap.String("trade_id", record.ID), zap.Error(err))
	}
}

// confirmOrder 轮询订单状态直到成交或超时
func (s *LifecycleService) confirmOrder(ctx context.Context, symbol string, order *exchange.OrderResult) (*exchange.OrderResult, error) {
	if order.Status == exchange.OrderStatusFilled {
		return order, nil
	}

	timeout := time.After(s.conf.ConfirmTimeout())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, ErrConfirmationTimeout
		case <-ticker.C:
			status, err := s.exchange.GetOrderStatus(ctx, symbol, order.OrderID)
			if err != nil {
				s.logger.Warn("get order status failed",
					zap.Int64("order_id", order.OrderID), zap.Error(err))
				continue
			}
			switch {
			case status.Status == exchange.OrderStatusFilled:
				return status, nil
			case status.Status.IsFinal():
				return nil, fmt.Errorf("%w: status %s", ErrOrderRejected, status.Status)
			}
		}
	}
}

// ClosePosition 平仓：下反向只减仓单，按统一口径计算盈亏，更新账本并释放槽位。
// 被收养的幽灵持仓先提升为 OPEN 再平，保证状态不跳变。
func (s *LifecycleService) ClosePosition(ctx context.Context, record *models.TradeRecord, reason string) error {
	if record.Status == models.TradeStatusGhostAdopted {
		if err := s.ledger.Update(ctx, record.ID, map[string]any{
			"status": models.TradeStatusOpen,
		}); err != nil {
			return fmt.Errorf("promote adopted ghost %s: %w", record.ID, err)
		}
		record.Status = models.TradeStatusOpen
		s.logger.Info("adopted ghost promoted to open for close", zap.String("trade_id", record.ID))
	}
	if record.Status != models.TradeStatusOpen {
		return fmt.Errorf("trade %s is not open (status %s)", record.ID, record.Status)
	}

	closeSide := exchange.OrderSideFor(exchange.PositionSide(record.Side)).Opposite()
	order, err := s.exchange.PlaceOrder(ctx, record.Symbol, closeSide, record.Quantity, true)
	if err != nil {
		return fmt.Errorf("place close order: %w", err)
	}
	s.marks.Mark(record.Symbol)

	confirmed, err := s.confirmOrder(ctx, record.Symbol, order)
	if err != nil {
		return fmt.Errorf("confirm close order: %w", err)
	}

	exitPrice := confirmed.AvgPrice
	if exitPrice <= 0 {
		exitPrice, err = s.exchange.GetCurrentPrice(ctx, record.Symbol)
		if err != nil {
			return fmt.Errorf("get exit price: %w", err)
		}
	}

	return s.finalizeClose(ctx, record, exitPrice, reason)
}

// finalizeClose 落库平仓结果并释放槽位（不经过交易所，供恢复路径复用）
func (s *LifecycleService) finalizeClose(ctx context.Context, record *models.TradeRecord, exitPrice float64, reason string) error {
	now := time.Now()
	pnl, pnlPercent := record.CalculatePnl(exitPrice)

	err := s.ledger.Update(ctx, record.ID, map[string]any{
		"status":         models.TradeStatusClosed,
		"exit_time":      now,
		"exit_price":     exitPrice,
		"exit_reason":    reason,
		"pnl_absolute":   pnl,
		"pnl_percentage": pnlPercent,
		"duration":       record.HoldingDuration(now),
	})
	if err != nil {
		return fmt.Errorf("write close result: %w", err)
	}

	s.registry.Release(record.StrategyName)

	s.logger.Info("position closed",
		zap.String("trade_id", record.ID),
		zap.String("strategy", record.StrategyName),
		zap.String("symbol", record.Symbol),
		zap.Float64("exit_price", exitPrice),
		zap.Float64("pnl", pnl),
		zap.Float64("pnl_percent", pnlPercent),
		zap.String("reason", reason))
	return nil
}

// CheckFailsafe 强制风控：浮亏超过保证金的 max_loss_pct 时无条件平仓。
// 盈亏口径与平仓完全一致。
func (s *LifecycleService) CheckFailsafe(ctx context.Context, conf config.StrategyConf, record *models.TradeRecord, currentPrice float64) (bool, error) {
	pnl, pnlPercent := record.CalculatePnl(currentPrice)
	if pnlPercent >= -conf.MaxLossPct {
		return false, nil
	}

	s.logger.Warn("max loss failsafe triggered",
		zap.String("trade_id", record.ID),
		zap.String("strategy", record.StrategyName),
		zap.Float64("pnl", pnl),
		zap.Float64("pnl_percent", pnlPercent),
		zap.Float64("max_loss_pct", conf.MaxLossPct))

	if err := s.ClosePosition(ctx, record, "max-loss-failsafe"); err != nil {
		return false, fmt.Errorf("failsafe close: %w", err)
	}
	return true, nil
}

// Assess 单个策略的一次评估：先处理在手持仓（收养提升、止损止盈、强制风控、
// 平仓信号），无持仓时再评估开仓信号。
func (s *LifecycleService) Assess(ctx context.Context, conf config.StrategyConf, source signal.Source) error {
	actives, err := s.ledger.FindActiveByStrategy(ctx, conf.Name)
	if err != nil {
		return fmt.Errorf("find active trades: %w", err)
	}

	for i := range actives {
		record := &actives[i]

		// 被收养的幽灵持仓先提升为 OPEN，之后按正常持仓管理
		if record.Status == models.TradeStatusGhostAdopted {
			if err = s.ledger.Update(ctx, record.ID, map[string]any{
				"status": models.TradeStatusOpen,
			}); err != nil {
				return fmt.Errorf("promote adopted ghost %s: %w", record.ID, err)
			}
			record.Status = models.TradeStatusOpen
			s.logger.Info("adopted ghost promoted to open", zap.String("trade_id", record.ID))
		}

		if record.Status != models.TradeStatusOpen {
			continue
		}

		price, perr := s.exchange.GetCurrentPrice(ctx, record.Symbol)
		if perr != nil {
			return fmt.Errorf("get current price: %w", perr)
		}

		if closed, cerr := s.CheckFailsafe(ctx, conf, record, price); cerr != nil {
			return cerr
		} else if closed {
			return nil
		}

		if reason, breached := s.checkProtectiveExit(record, price); breached {
			return s.ClosePosition(ctx, record, reason)
		}

		sig, serr := source.Evaluate(ctx, record.Symbol)
		if serr != nil {
			return fmt.Errorf("evaluate signal: %w", serr)
		}
		if sig.Type == signal.TypeClose || s.isReverseSignal(record.Side, sig.Type) {
			return s.ClosePosition(ctx, record, fmt.Sprintf("signal exit: %s", sig.Reason))
		}
		return nil
	}

	// 无在手持仓，评估开仓
	if s.registry.IsBlocked(conf.Name) {
		return nil
	}

	sig, err := source.Evaluate(ctx, conf.Symbol)
	if err != nil {
		return fmt.Errorf("evaluate signal: %w", err)
	}
	if sig.Type != signal.TypeBuy && sig.Type != signal.TypeSell {
		return nil
	}

	_, err = s.HandleSignal(ctx, conf, sig)
	if errors.Is(err, ErrSlotOccupied) || errors.Is(err, ErrCooldownActive) {
		return nil
	}
	return err
}

// checkProtectiveExit 止损止盈触发检查
func (s *LifecycleService) checkProtectiveExit(record *models.TradeRecord, price float64) (string, bool) {
	if record.Side == models.TradeSideLong {
		if record.StopLoss != nil && price <= *record.StopLoss {
			return "stop-loss", true
		}
		if record.TakeProfit != nil && price >= *record.TakeProfit {
			return "take-profit", true
		}
	} else {
		if record.StopLoss != nil && price >= *record.StopLoss {
			return "stop-loss", true
		}
		if record.TakeProfit != nil && price <= *record.TakeProfit {
			return "take-profit", true
		}
	}
	return "", false
}

func (s *LifecycleService) isReverseSignal(side models.TradeSide, typ signal.Type) bool {
	return (side == models.TradeSideLong && typ == signal.TypeSell) ||
		(side == models.TradeSideShort && typ == signal.TypeBuy)
}
