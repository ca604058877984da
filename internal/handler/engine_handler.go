package handler

import (
	"errors"
	"net/http"

	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/service"
	"github.com/dushixiang/anchor/internal/xe"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EngineHandler 引擎运维接口
type EngineHandler struct {
	logger *zap.Logger

	engine     *service.EngineLoop
	ledger     *service.LedgerService
	lifecycle  *service.LifecycleService
	reconciler *service.ReconcileService
	anomalies  *service.AnomalyService
}

func NewEngineHandler(
	logger *zap.Logger,
	engine *service.EngineLoop,
	ledger *service.LedgerService,
	lifecycle *service.LifecycleService,
	reconciler *service.ReconcileService,
	anomalies *service.AnomalyService,
) *EngineHandler {
	return &EngineHandler{
		logger:     logger,
		engine:     engine,
		ledger:     ledger,
		lifecycle:  lifecycle,
		reconciler: reconciler,
		anomalies:  anomalies,
	}
}

// Status 引擎状态
// GET /api/engine/status
func (h *EngineHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.engine.Status())
}

// ListTrades 交易记录列表，可选按状态过滤
// GET /api/engine/trades?status=OPEN
func (h *EngineHandler) ListTrades(c echo.Context) error {
	ctx := c.Request().Context()

	var trades []models.TradeRecord
	var err error
	if status := c.QueryParam("status"); status != "" {
		trades, err = h.ledger.FindByStatuses(ctx, models.TradeStatus(status))
	} else {
		trades, err = h.ledger.FindAll(ctx)
	}
	if err != nil {
		h.logger.Error("failed to list trades", zap.Error(err))
		return err
	}
	return c.JSON(http.StatusOK, trades)
}

// ListAnomalies 活跃异常列表
// GET /api/engine/anomalies
func (h *EngineHandler) ListAnomalies(c echo.Context) error {
	ctx := c.Request().Context()

	anomalies, err := h.anomalies.FindActive(ctx)
	if err != nil {
		h.logger.Error("failed to list anomalies", zap.Error(err))
		return err
	}
	return c.JSON(http.StatusOK, anomalies)
}

// Reconcile 手动触发一个对账周期
// POST /api/engine/reconcile
func (h *EngineHandler) Reconcile(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.reconciler.Run(ctx); err != nil {
		if errors.Is(err, service.ErrReconcileRunning) {
			return xe.ErrEngineBusy
		}
		h.logger.Error("manual reconciliation failed", zap.Error(err))
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message": "reconcile completed",
	})
}

// ClosePosition 手动平仓
// POST /api/engine/positions/:id/close
func (h *EngineHandler) ClosePosition(c echo.Context) error {
	ctx := c.Request().Context()

	id := c.Param("id")
	if id == "" {
		return xe.ErrInvalidParams
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&req); err != nil {
		return xe.ErrInvalidParams
	}
	if req.Reason == "" {
		req.Reason = "manual close"
	}

	record, err := h.ledger.Get(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return xe.ErrTradeNotFound
		}
		return err
	}
	// 收养的幽灵持仓也允许手动平掉，生命周期层会先提升为 OPEN
	if record.Status != models.TradeStatusOpen && record.Status != models.TradeStatusGhostAdopted {
		return xe.ErrTradeNotOpen
	}

	if err = h.lifecycle.ClosePosition(ctx, record, req.Reason); err != nil {
		h.logger.Error("manual close failed", zap.String("trade_id", id), zap.Error(err))
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"message": "position closed",
	})
}
