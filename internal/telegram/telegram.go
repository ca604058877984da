package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dushixiang/anchor/internal/service"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"
	"gopkg.in/telebot.v3/middleware"
)

type Settings struct {
	Token  string
	ChatID string
	Client *http.Client
}

type Telegram struct {
	logger   *zap.Logger
	settings Settings
	client   *tele.Bot
}

func NewTelegram(logger *zap.Logger, settings Settings) (*Telegram, error) {

	poller := &tele.LongPoller{Timeout: 10 * time.Second}

	client, err := tele.NewBot(tele.Settings{
		ParseMode: tele.ModeMarkdown,
		Token:     settings.Token,
		Poller:    poller,
		Client:    settings.Client,
	})
	if err != nil {
		return nil, err
	}

	client.Use(middleware.AutoRespond())

	err = client.SetCommands([]tele.Command{
		{Text: "/start", Description: "启动机器人"},
		{Text: "/help", Description: "获取帮助信息"},
	})
	if err != nil {
		return nil, err
	}

	client.Handle("/start", func(c tele.Context) error {
		return c.Send("持仓对账引擎已连接，异常事件会推送到这里。")
	})
	client.Handle("/help", func(c tele.Context) error {
		return c.Send("本机器人只做异常推送：孤儿交易、幽灵持仓、陈旧交易清理。")
	})

	bot := &Telegram{
		logger:   logger,
		settings: settings,
		client:   client,
	}
	return bot, nil
}

func (r *Telegram) Start() {
	go r.client.Start()
}

func (r *Telegram) Notify(chatId, msg string) error {
	_chatId := cast.ToInt(chatId)
	_, err := r.client.Send(tele.ChatID(_chatId), msg, &tele.SendOptions{ParseMode: tele.ModeMarkdown})
	return err
}

// NotifyAnomaly 异常事件推送
func (r *Telegram) NotifyAnomaly(ctx context.Context, event service.AnomalyEvent) error {
	msg := formatAnomaly(event)
	if err := r.Notify(r.settings.ChatID, msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

var eventTitles = map[string]string{
	service.EventOrphanDetected: "🚨 *孤儿交易*",
	service.EventOrphanCleared:  "✅ *孤儿交易已处理*",
	service.EventGhostDetected:  "👻 *幽灵持仓*",
	service.EventGhostCleared:   "✅ *幽灵持仓已处理*",
	service.EventStaleClosed:    "🧹 *陈旧交易清理*",
}

func formatAnomaly(event service.AnomalyEvent) string {
	title, ok := eventTitles[event.Type]
	if !ok {
		title = fmt.Sprintf("⚠️ *%s*", event.Type)
	}

	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "策略: `%s`\n", event.StrategyName)
	fmt.Fprintf(&b, "交易对: `%s`\n", event.Symbol)
	if event.Side != "" {
		fmt.Fprintf(&b, "方向: `%s`\n", event.Side)
	}
	if event.TradeID != "" {
		fmt.Fprintf(&b, "交易ID: `%s`\n", event.TradeID)
	}
	if event.Detail != "" {
		fmt.Fprintf(&b, "详情: %s\n", event.Detail)
	}
	fmt.Fprintf(&b, "时间: %s", event.OccurredAt.Format("2006-01-02 15:04:05"))
	return b.String()
}
