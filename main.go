package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veselovd/marzbot/clients/marzban"
	"github.com/veselovd/marzbot/clients/retry"
	sqlite "github.com/veselovd/marzbot/clients/sqLite"
	"github.com/veselovd/marzbot/clients/subscription"
	"github.com/veselovd/marzbot/config"
)

const (
	syncInterval    = time.Hour
	expiryNotifyDay = 3
)

type App struct {
	bot    *tgbotapi.BotAPI
	svc    *subscription.Service
	store  *sqlite.Store
	cfg    *config.Config
	logger *zap.SugaredLogger
}

func main() {
	configPath := flag.String("config", "config.yaml", "путь к конфигу")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Второй инстанс ломает long polling, поэтому пускаем только один.
	lock := flock.New(filepath.Join(os.TempDir(), "marzbot.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		logger.Fatalf("acquire instance lock: %v", err)
	}
	if !locked {
		logger.Fatal("another instance is already running")
	}
	defer lock.Unlock()

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("bot stopped: %v", err)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := retry.NewRegistry(cfg.API.FailureThreshold, cfg.API.RecoveryTimeout(), logger)
	policy := retry.Policy{
		MaxAttempts:   cfg.API.RetryAttempts,
		BackoffFactor: cfg.API.BackoffFactor,
		MaxWait:       cfg.API.MaxWait(),
		Jitter:        *cfg.API.Jitter,
	}
	panel := marzban.New(marzban.Config{
		BaseURL:  cfg.Marzban.URL,
		Username: cfg.Marzban.Username,
		Password: cfg.Marzban.Password,
		Timeout:  cfg.API.Timeout(),
	}, policy, registry, logger)
	defer panel.Close()

	svc := subscription.New(store, panel, subscription.Config{
		TrialDataLimit:  cfg.Trial.DataLimit,
		TrialExpireDays: cfg.Trial.ExpireDays,
	}, logger)

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		return fmt.Errorf("connect to telegram: %w", err)
	}
	logger.Infof("authorized as @%s", bot.Self.UserName)

	app := &App{bot: bot, svc: svc, store: store, cfg: cfg, logger: logger}

	// После потери базы восстанавливаем записи из панели.
	if created, err := svc.ReconcileOrphans(ctx); err != nil {
		logger.Warnf("reconcile orphans: %v", err)
	} else if created > 0 {
		logger.Infof("restored %d records from the panel", created)
	}

	app.notifyAdmins("✅ Бот запущен")
	go app.syncWorker(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			bot.StopReceivingUpdates()
			return nil
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			app.handleCommand(ctx, update.Message)
		}
	}
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func (a *App) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	switch msg.Command() {
	case "start":
		a.handleStart(ctx, msg)
	case "trial":
		a.handleTrial(ctx, chatID, userID)
	case "status":
		a.handleStatus(ctx, chatID, userID)
	case "plans":
		a.handlePlans(chatID)
	case "users":
		a.adminOnly(userID, chatID, func() { a.handleUsers(ctx, chatID) })
	case "grant":
		a.adminOnly(userID, chatID, func() { a.handleGrant(ctx, chatID, msg.CommandArguments()) })
	case "suspend":
		a.adminOnly(userID, chatID, func() { a.handleSetActive(ctx, chatID, msg.CommandArguments(), false) })
	case "activate":
		a.adminOnly(userID, chatID, func() { a.handleSetActive(ctx, chatID, msg.CommandArguments(), true) })
	case "del":
		a.adminOnly(userID, chatID, func() { a.handleDelete(ctx, chatID, msg.CommandArguments()) })
	case "broadcast":
		a.adminOnly(userID, chatID, func() { a.handleBroadcast(ctx, chatID, msg.CommandArguments()) })
	default:
		a.reply(chatID, "Неизвестная команда. Доступно: /start /trial /status /plans")
	}
}

func (a *App) adminOnly(userID, chatID int64, fn func()) {
	if !a.cfg.IsAdmin(userID) {
		a.reply(chatID, "⛔ Команда доступна только администратору")
		return
	}
	fn()
}

func (a *App) handleStart(ctx context.Context, msg *tgbotapi.Message) {
	userID := msg.From.ID
	rec, err := a.store.GetByTelegramID(ctx, userID)
	if err != nil {
		a.replyError(msg.Chat.ID, err)
		return
	}
	if rec == nil {
		rec = &subscription.Record{
			TelegramID: userID,
			Username:   msg.From.UserName,
			FirstName:  msg.From.FirstName,
		}
		if err := a.store.Create(ctx, rec); err != nil {
			a.replyError(msg.Chat.ID, err)
			return
		}
		a.logger.Infof("registered new user %d (@%s)", userID, msg.From.UserName)
	}
	a.reply(msg.Chat.ID,
		"👋 Привет! Это бот для доступа к VPN.\n\n"+
			"/trial — пробный доступ\n"+
			"/status — состояние подписки\n"+
			"/plans — тарифы")
}

func (a *App) handleTrial(ctx context.Context, chatID, userID int64) {
	grant, err := a.svc.IssueTrial(ctx, userID)
	if err != nil {
		switch {
		case errors.Is(err, subscription.ErrUserNotFound):
			a.reply(chatID, "Сначала отправьте /start")
		case errors.Is(err, subscription.ErrTrialUsed):
			a.reply(chatID, "Пробный период уже использован")
		case errors.Is(err, subscription.ErrAlreadyLinked):
			a.reply(chatID, "У вас уже есть подписка, смотрите /status")
		default:
			a.replyError(chatID, err)
		}
		return
	}
	a.reply(chatID, fmt.Sprintf(
		"🎁 Пробный доступ выдан!\n\nТрафик: %s\nДействует до: %s\n\nСсылка на подписку:\n%s",
		formatBytes(grant.DataLimit),
		grant.ExpireDate.Format("02.01.2006"),
		grant.SubscriptionURL,
	))
}

func (a *App) handleStatus(ctx context.Context, chatID, userID int64) {
	info, err := a.svc.Info(ctx, userID)
	if err != nil {
		if errors.Is(err, subscription.ErrUserNotFound) {
			a.reply(chatID, "Сначала отправьте /start")
		} else {
			a.replyError(chatID, err)
		}
		return
	}
	rec := info.Record
	if rec.MarzbanUsername == "" {
		a.reply(chatID, "Подписки пока нет. Попробуйте /trial")
		return
	}

	used, limit := rec.UsedTraffic, rec.DataLimit
	active := rec.IsActive
	expire := rec.ExpireDate
	if info.Usage != nil {
		used, limit = info.Usage.UsedTraffic, info.Usage.DataLimit
		active = info.Usage.Status == marzban.StatusActive
		if info.Usage.Expire > 0 {
			expire = time.Unix(info.Usage.Expire, 0).UTC()
		}
	}

	state := "🔴 отключена"
	if active {
		state = "🟢 активна"
	}
	a.reply(chatID, fmt.Sprintf(
		"📊 Подписка: %s\nТрафик: %s из %s\nДействует до: %s\n\nСсылка:\n%s",
		state,
		formatBytes(used), formatBytes(limit),
		expire.Format("02.01.2006"),
		rec.SubscriptionURL,
	))
}

func (a *App) handlePlans(chatID int64) {
	names := make([]string, 0, len(a.cfg.Plans))
	for name := range a.cfg.Plans {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return a.cfg.Plans[names[i]].Days < a.cfg.Plans[names[j]].Days
	})

	var b strings.Builder
	b.WriteString("💳 Тарифы:\n\n")
	for _, name := range names {
		p := a.cfg.Plans[name]
		fmt.Fprintf(&b, "%s — %d дн., %s, %.0f ₽\n", name, p.Days, formatBytes(p.DataLimit), p.Price)
	}
	b.WriteString("\nДля оплаты напишите администратору.")
	a.reply(chatID, b.String())
}

func (a *App) handleUsers(ctx context.Context, chatID int64) {
	recs, err := a.store.ListAll(ctx, false)
	if err != nil {
		a.replyError(chatID, err)
		return
	}
	if len(recs) == 0 {
		a.reply(chatID, "Пользователей нет")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Всего: %d\n\n", len(recs))
	for _, r := range recs {
		mark := "🔴"
		if r.IsActive {
			mark = "🟢"
		}
		fmt.Fprintf(&b, "%s %d @%s %s\n", mark, r.TelegramID, r.Username, r.MarzbanUsername)
	}
	a.reply(chatID, b.String())
}

// handleGrant: /grant <telegram_id> <план>. Запись в леджер плюс
// продление по тарифу.
func (a *App) handleGrant(ctx context.Context, chatID int64, args string) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		a.reply(chatID, "Использование: /grant <telegram_id> <план>")
		return
	}
	targetID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		a.reply(chatID, "Некорректный telegram_id")
		return
	}
	plan, ok := a.cfg.Plans[fields[1]]
	if !ok {
		a.reply(chatID, "Неизвестный план, смотрите /plans")
		return
	}

	tx, err := a.store.CreateTransaction(ctx, targetID, plan.Price, "план "+fields[1])
	if err != nil {
		a.replyError(chatID, err)
		return
	}

	renewal, err := a.svc.Renew(ctx, targetID, plan.Days, plan.DataLimit)
	if err != nil {
		a.store.UpdateTransactionStatus(ctx, tx.OrderID, sqlite.TxFailed)
		if errors.Is(err, subscription.ErrNotLinked) {
			a.reply(chatID, "У пользователя нет аккаунта в панели")
		} else {
			a.replyError(chatID, err)
		}
		return
	}
	a.store.UpdateTransactionStatus(ctx, tx.OrderID, sqlite.TxCompleted)

	a.reply(chatID, fmt.Sprintf("✅ %s: продлено до %s (заказ %s)",
		renewal.Username, renewal.ExpireDate.Format("02.01.2006"), tx.OrderID))
	a.notify(targetID, fmt.Sprintf("✅ Подписка продлена до %s", renewal.ExpireDate.Format("02.01.2006")))
}

func (a *App) handleSetActive(ctx context.Context, chatID int64, args string, active bool) {
	targetID, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		a.reply(chatID, "Использование: /suspend|/activate <telegram_id>")
		return
	}
	if active {
		err = a.svc.Activate(ctx, targetID)
	} else {
		err = a.svc.Suspend(ctx, targetID)
	}
	if err != nil {
		a.replyError(chatID, err)
		return
	}
	if active {
		a.reply(chatID, "✅ Аккаунт включён")
		a.notify(targetID, "✅ Ваша подписка снова активна")
	} else {
		a.reply(chatID, "⏸ Аккаунт приостановлен")
		a.notify(targetID, "⏸ Ваша подписка приостановлена")
	}
}

func (a *App) handleDelete(ctx context.Context, chatID int64, args string) {
	targetID, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		a.reply(chatID, "Использование: /del <telegram_id>")
		return
	}
	deleted, err := a.svc.DeleteEverywhere(ctx, targetID)
	if err != nil {
		a.replyError(chatID, err)
		return
	}
	if deleted {
		a.reply(chatID, "🗑 Пользователь удалён")
	} else {
		a.reply(chatID, "Пользователь не найден")
	}
}

func (a *App) handleBroadcast(ctx context.Context, chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		a.reply(chatID, "Использование: /broadcast <текст>")
		return
	}
	recs, err := a.store.ListAll(ctx, false)
	if err != nil {
		a.replyError(chatID, err)
		return
	}
	sent := 0
	for _, r := range recs {
		if r.TelegramID == chatID {
			continue
		}
		if _, err := a.bot.Send(tgbotapi.NewMessage(r.TelegramID, text)); err == nil {
			sent++
		}
	}
	a.reply(chatID, fmt.Sprintf("📣 Отправлено %d из %d", sent, len(recs)))
}

// syncWorker hourly mirrors panel usage into the store and warns users
// whose subscription is about to run out.
func (a *App) syncWorker(ctx context.Context) {
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.syncAll(ctx)
		}
	}
}

func (a *App) syncAll(ctx context.Context) {
	recs, err := a.store.ListAll(ctx, false)
	if err != nil {
		a.logger.Warnf("sync: list users: %v", err)
		return
	}
	ok := 0
	for _, r := range recs {
		if r.MarzbanUsername == "" {
			continue
		}
		if a.svc.SyncUsage(ctx, r.TelegramID) {
			ok++
		}
	}
	a.logger.Infof("usage sync done: %d records refreshed", ok)

	expiring, err := a.svc.ListExpiring(ctx, expiryNotifyDay)
	if err != nil {
		a.logger.Warnf("sync: list expiring: %v", err)
		return
	}
	for _, r := range expiring {
		a.notify(r.TelegramID, fmt.Sprintf(
			"⏰ Ваша подписка заканчивается %s. Продлите её, чтобы не потерять доступ.",
			r.ExpireDate.Format("02.01.2006")))
	}
}

func (a *App) reply(chatID int64, text string) {
	if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		a.logger.Warnf("send message to %d: %v", chatID, err)
	}
}

func (a *App) replyError(chatID int64, err error) {
	a.logger.Errorf("command failed: %v", err)
	if errors.Is(err, retry.ErrCircuitOpen) {
		a.reply(chatID, "⚠️ Сервис временно недоступен, попробуйте через минуту")
		return
	}
	a.reply(chatID, "⚠️ Что-то пошло не так, попробуйте позже")
}

func (a *App) notify(chatID int64, text string) {
	a.reply(chatID, text)
}

func (a *App) notifyAdmins(text string) {
	for _, id := range a.cfg.Telegram.AdminIDs {
		a.notify(id, text)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n <= 0 {
		return "∞"
	}
	if n < unit {
		return fmt.Sprintf("%d Б", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %sБ", float64(n)/float64(div), []string{"К", "М", "Г", "Т"}[exp])
}
