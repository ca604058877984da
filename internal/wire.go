//go:build wireinject
// +build wireinject

package internal

import (
	"net/http"
	"time"

	"github.com/dushixiang/anchor/internal/config"
	"github.com/dushixiang/anchor/internal/handler"
	"github.com/dushixiang/anchor/internal/service"
	"github.com/dushixiang/anchor/internal/telegram"
	"github.com/dushixiang/anchor/pkg/exchange"
	"github.com/google/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const telegramHTTPTimeout = 10 * time.Second

var (
	handlerSet = wire.NewSet(
		handler.NewEngineHandler,
	)

	engineSet = wire.NewSet(
		provideEngineConf,
		provideExchange,
		service.NewTradeMarks,
		service.NewSlotRegistry,
		service.NewLedgerService,
		service.NewAnomalyService,
		service.NewLifecycleService,
		service.NewReconcileService,
		service.NewEngineLoop,
	)
)

// InitializeApp 初始化应用
func InitializeApp(logger *zap.Logger, db *gorm.DB, conf *config.Config) (*AppComponents, error) {
	wire.Build(
		handlerSet,
		engineSet,
		provideTelegram,
		provideNotifier,
		wire.Struct(new(AppComponents), "*"),
	)
	return nil, nil
}

func provideEngineConf(conf *config.Config) config.EngineConf {
	return conf.Engine
}

// provideExchange 真实交易走币安，否则用纸钱包（行情仍来自币安公开接口）
func provideExchange(conf *config.Config, logger *zap.Logger) exchange.Exchange {
	client := exchange.NewBinanceClient(
		conf.Binance.APIKey,
		conf.Binance.Secret,
		conf.Binance.ProxyURL,
		conf.Binance.Testnet,
	)

	if conf.Engine.TradingEnabled {
		if conf.Binance.APIKey == "" || conf.Binance.Secret == "" {
			logger.Warn("Binance API credentials not configured; private endpoints will fail")
		}
		logger.Info("Binance client initialized",
			zap.Bool("testnet", conf.Binance.Testnet))
		return client
	}

	logger.Info("trading disabled, using paper wallet",
		zap.Float64("initial_balance", conf.Engine.PaperWallet.InitialBalance))
	return exchange.NewPaperWallet(client, conf.Engine.PaperWallet.InitialBalance, logger)
}

// provideTelegram provides telegram instance
func provideTelegram(logger *zap.Logger, conf *config.Config) *telegram.Telegram {
	if !conf.Telegram.Enabled {
		return nil
	}

	httpClient := &http.Client{Timeout: telegramHTTPTimeout}

	tg, err := telegram.NewTelegram(logger, telegram.Settings{
		Token:  conf.Telegram.Token,
		ChatID: conf.Telegram.ChatID,
		Client: httpClient,
	})
	if err != nil {
		logger.Error("failed to init telegram", zap.Error(err))
		return nil
	}

	return tg
}

func provideNotifier(tg *telegram.Telegram) service.Notifier {
	if tg == nil {
		return nil
	}
	return tg
}
