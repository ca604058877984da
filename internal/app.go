package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/handler"
	"github.com/dushixiang/anchor/internal/models"
	"github.com/dushixiang/anchor/internal/service"
	"github.com/dushixiang/anchor/internal/telegram"
	"github.com/dushixiang/anchor/pkg/nostd"
	"github.com/go-orz/orz"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func Run(configPath string) error {
	app := NewAnchorApp()

	framework, err := orz.NewFramework(
		orz.WithConfig(configPath),
		orz.WithLoggerFromConfig(),
		orz.WithDatabase(),
		orz.WithHTTP(),
		orz.WithApplication(app),
	)
	if err != nil {
		return err
	}

	return framework.Run()
}

func NewAnchorApp() orz.Application {
	return &AnchorApp{}
}

var _ orz.Application = (*AnchorApp)(nil)

type AppComponents struct {
	EngineHandler *handler.EngineHandler

	EngineLoop *service.EngineLoop
	Ledger     *service.LedgerService
	Lifecycle  *service.LifecycleService
	Reconciler *service.ReconcileService
	Anomalies  *service.AnomalyService

	tg *telegram.Telegram
}

type AnchorApp struct {
	components *AppComponents
	conf       *config.Config
}

// GetComponents 获取应用组件
func (r *AnchorApp) GetComponents() *AppComponents {
	return r.components
}

func (r *AnchorApp) Configure(app *orz.App) error {
	logger := app.Logger()
	e := app.GetEcho()
	db := app.GetDatabase()

	var conf config.Config
	err := app.GetConfig().App.Unmarshal(&conf)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config: %v", err)
	}
	conf.ApplyDefaults()
	if err = conf.Validate(); err != nil {
		return err
	}

	components, err := InitializeApp(logger, db, &conf)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %v", err)
	}
	r.components = components
	r.conf = &conf

	if err := db.AutoMigrate(
		models.TradeRecord{}, models.Anomaly{},
	); err != nil {
		logger.Fatal("database auto migrate failed", zap.Error(err))
	}

	if err := r.Init(logger); err != nil {
		logger.Fatal("app init failed", zap.Error(err))
	}

	e.HidePort = true
	e.HideBanner = true

	e.Use(middleware.Gzip())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		Skipper:      middleware.DefaultSkipper,
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete},
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			sugar := logger.Sugar()
			sugar.Error(fmt.Sprintf("[PANIC RECOVER] %v %s\n", err, stack))
			return err
		},
	}))
	e.Use(WithErrorHandler(logger))
	customValidator := nostd.CustomValidator{Validator: validator.New()}
	if err := customValidator.TransInit(); err != nil {
		logger.Sugar().Fatal("failed to init custom validator", zap.Error(err))
	}
	e.Validator = &customValidator

	api := e.Group("/api")
	{
		engine := api.Group("/engine")
		engine.GET("/status", r.components.EngineHandler.Status)
		engine.GET("/trades", r.components.EngineHandler.ListTrades)
		engine.GET("/anomalies", r.components.EngineHandler.ListAnomalies)
		engine.POST("/reconcile", r.components.EngineHandler.Reconcile)
		engine.POST("/positions/:id/close", r.components.EngineHandler.ClosePosition)
	}

	return nil
}

func (r *AnchorApp) Init(logger *zap.Logger) error {
	logger.Info("=================================================")
	logger.Info("Anchor Position Engine Starting...")
	logger.Info("=================================================")

	components := r.GetComponents()
	if components == nil {
		return fmt.Errorf("components not initialized")
	}

	if components.tg != nil {
		components.tg.Start()
	}

	go func() {
		if err := components.EngineLoop.Start(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine loop error", zap.Error(err))
		}
	}()

	// 收到退出信号先排干引擎在途任务，保证落库写完
	go func() {
		sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-sigCtx.Done()
		logger.Info("shutdown signal received, draining engine loop")
		components.EngineLoop.Stop()
	}()
	return nil
}
