package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domain "github.com/moneyscripter/telesol/models"
	"github.com/moneyscripter/telesol/solana"
	"github.com/moneyscripter/telesol/trader"
	"github.com/moneyscripter/telesol/validator"
)

// Controller is what the bot drives.
type Controller interface {
	Positions() []*domain.Position
	Balance(ctx context.Context) (decimal.Decimal, error)
	Close(ctx context.Context, id string) (*domain.Position, error)
	ManualBuy(ctx context.Context, mint string, amountSOL decimal.Decimal) (*domain.Position, error)
	CheckToken(ctx context.Context, mint string) (*validator.Result, error)
	Blacklist(mint string)
	Pause()
	Resume()
	Status() trader.Status
	Stats(ctx context.Context) (*domain.Stats, error)
}

// Info is the conversation state of one chat.
type Info struct {
	mutex        *sync.RWMutex
	WaitingCheck bool
	WaitingBuy   bool
}

func newInfo() *Info {
	return &Info{mutex: &sync.RWMutex{}}
}

func (i *Info) CheckWaiting(b bool) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	i.WaitingCheck = b
	if b {
		i.WaitingBuy = false
	}
}

func (i *Info) BuyWaiting(b bool) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	i.WaitingBuy = b
	if b {
		i.WaitingCheck = false
	}
}

// Take returns the pending input request and clears it.
func (i *Info) Take() (check, buy bool) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	check, buy = i.WaitingCheck, i.WaitingBuy
	i.WaitingCheck, i.WaitingBuy = false, false
	return check, buy
}

type Bot struct {
	ctrl   Controller
	admins map[int64]bool
	dryRun bool
	log    *zap.Logger

	mu       sync.Mutex
	userInfo map[int64]*Info
}

func New(ctrl Controller, adminIDs []int64, dryRun bool, log *zap.Logger) *Bot {
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	return &Bot{
		ctrl:     ctrl,
		admins:   admins,
		dryRun:   dryRun,
		log:      log.Named("bot"),
		userInfo: make(map[int64]*Info),
	}
}

// Run serves the control bot until ctx is done.
func (c *Bot) Run(ctx context.Context, token string) error {
	opts := []bot.Option{
		bot.WithDefaultHandler(c.userInputHandler),
		bot.WithMiddlewares(c.adminOnly),
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return errors.Wrap(err, "create bot")
	}

	b.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypeExact, c.homeHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypeExact, c.helpHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/positions", bot.MatchTypeExact, c.positionsHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/balance", bot.MatchTypeExact, c.balanceHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/stats", bot.MatchTypeExact, c.statsHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/pause", bot.MatchTypeExact, c.pauseHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/resume", bot.MatchTypeExact, c.resumeHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/close", bot.MatchTypePrefix, c.closeHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/buy", bot.MatchTypePrefix, c.buyHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/check", bot.MatchTypePrefix, c.checkHandler)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/blacklist", bot.MatchTypePrefix, c.blacklistHandler)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, c.callbackQueryHandler)

	c.log.Info("Control bot started", zap.Int("admins", len(c.admins)))
	b.Start(ctx)
	return nil
}

// adminOnly drops updates from anyone but the configured admins.
func (c *Bot) adminOnly(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		var from int64
		switch {
		case update.Message != nil && update.Message.From != nil:
			from = update.Message.From.ID
		case update.CallbackQuery != nil:
			from = update.CallbackQuery.From.ID
		default:
			return
		}
		if !c.isAdmin(from) {
			c.log.Warn("Update from unknown user dropped", zap.Int64("user", from))
			return
		}
		next(ctx, b, update)
	}
}

func (c *Bot) isAdmin(id int64) bool {
	return c.admins[id]
}

func (c *Bot) info(chatID int64) *Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.userInfo[chatID]
	if !ok {
		info = newInfo()
		c.userInfo[chatID] = info
	}
	return info
}

func (c *Bot) send(ctx context.Context, b *bot.Bot, chatID int64, text string, markup models.ReplyMarkup) {
	params := &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	}
	if markup != nil {
		params.ReplyMarkup = markup
	}
	if _, err := b.SendMessage(ctx, params); err != nil {
		c.log.Warn("Send message", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func (c *Bot) homeHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	c.userState(ctx, b, update.Message.Chat.ID)
}

func (c *Bot) helpHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	c.send(ctx, b, update.Message.Chat.ID, helpText, nil)
}

func (c *Bot) userState(ctx context.Context, b *bot.Bot, chatID int64) {
	status := c.ctrl.Status()

	var buttons [][]models.InlineKeyboardButton

	positionsButton := models.InlineKeyboardButton{
		Text:         fmt.Sprintf("Positions (%d)", status.OpenPositions),
		CallbackData: "positions",
	}
	balanceButton := models.InlineKeyboardButton{
		Text:         "Balance",
		CallbackData: "balance",
	}
	buttons = append(buttons, []models.InlineKeyboardButton{positionsButton, balanceButton})

	checkButton := models.InlineKeyboardButton{
		Text:         "Check token",
		CallbackData: "check",
	}
	buyButton := models.InlineKeyboardButton{
		Text:         "Buy token",
		CallbackData: "buy",
	}
	buttons = append(buttons, []models.InlineKeyboardButton{checkButton, buyButton})

	statsButton := models.InlineKeyboardButton{
		Text:         "Stats",
		CallbackData: "stats",
	}
	if status.Paused {
		resumeButton := models.InlineKeyboardButton{
			Text:         "Resume",
			CallbackData: "resume",
		}
		buttons = append(buttons, []models.InlineKeyboardButton{statsButton, resumeButton})
	} else {
		pauseButton := models.InlineKeyboardButton{
			Text:         "Pause",
			CallbackData: "pause",
		}
		buttons = append(buttons, []models.InlineKeyboardButton{statsButton, pauseButton})
	}

	state := "running"
	if status.Paused {
		state = "paused"
	}
	if c.dryRun {
		state += ", dry run"
	}
	c.send(ctx, b, chatID, fmt.Sprintf("Trading is %s.", state), &models.InlineKeyboardMarkup{
		InlineKeyboard: buttons,
	})
}

func (c *Bot) positionsState(ctx context.Context, b *bot.Bot, chatID int64) {
	positions := c.ctrl.Positions()

	var buttons [][]models.InlineKeyboardButton
	for _, p := range positions {
		closeButton := models.InlineKeyboardButton{
			Text:         "Close #" + shortID(p.ID),
			CallbackData: "close_" + p.ID,
		}
		buttons = append(buttons, []models.InlineKeyboardButton{closeButton})
	}
	backButton := models.InlineKeyboardButton{
		Text:         "Back",
		CallbackData: "home",
	}
	buttons = append(buttons, []models.InlineKeyboardButton{backButton})

	c.send(ctx, b, chatID, formatPositions(positions), &models.InlineKeyboardMarkup{
		InlineKeyboard: buttons,
	})
}

func (c *Bot) positionsHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	c.positionsState(ctx, b, update.Message.Chat.ID)
}

func (c *Bot) balanceState(ctx context.Context, b *bot.Bot, chatID int64) {
	balance, err := c.ctrl.Balance(ctx)
	if err != nil {
		c.send(ctx, b, chatID, "Balance unavailable: "+err.Error(), nil)
		return
	}
	c.send(ctx, b, chatID, formatBalance(balance, c.dryRun), nil)
}

func (c *Bot) balanceHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	c.balanceState(ctx, b, update.Message.Chat.ID)
}

func (c *Bot) statsState(ctx context.Context, b *bot.Bot, chatID int64) {
	st, err := c.ctrl.Stats(ctx)
	if err != nil {
		c.send(ctx, b, chatID, "Stats unavailable: "+err.Error(), nil)
		return
	}
	c.send(ctx, b, chatID, formatStats(st), nil)
}

func (c *Bot) statsHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	c.statsState(ctx, b, update.Message.Chat.ID)
}

func (c *Bot) pauseHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	c.ctrl.Pause()
	c.userState(ctx, b, update.Message.Chat.ID)
}

func (c *Bot) resumeHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	c.ctrl.Resume()
	c.userState(ctx, b, update.Message.Chat.ID)
}

func (c *Bot) closeHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	args := commandArgs(update.Message.Text)
	if len(args) != 1 {
		c.send(ctx, b, chatID, "Usage: /close <position id>", nil)
		return
	}
	c.closePosition(ctx, b, chatID, args[0])
}

func (c *Bot) closePosition(ctx context.Context, b *bot.Bot, chatID int64, id string) {
	p, err := c.ctrl.Close(ctx, id)
	if err != nil {
		c.send(ctx, b, chatID, "Close failed: "+err.Error(), nil)
		return
	}
	c.send(ctx, b, chatID, "Position closed\n"+formatPosition(p), nil)
}

func (c *Bot) buyHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	args := commandArgs(update.Message.Text)
	if len(args) == 0 {
		c.send(ctx, b, chatID, "Usage: /buy <mint> [sol]", nil)
		return
	}
	c.buy(ctx, b, chatID, args)
}

func (c *Bot) buy(ctx context.Context, b *bot.Bot, chatID int64, args []string) {
	mint, amount, err := parseBuyArgs(args)
	if err != nil {
		c.send(ctx, b, chatID, err.Error(), nil)
		return
	}
	c.send(ctx, b, chatID, "Buying "+shortMint(mint)+"...", nil)
	p, err := c.ctrl.ManualBuy(ctx, mint, amount)
	if err != nil {
		c.send(ctx, b, chatID, "Buy failed: "+err.Error(), nil)
		return
	}
	c.send(ctx, b, chatID, "Position opened\n"+formatPosition(p), nil)
}

func (c *Bot) checkHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	args := commandArgs(update.Message.Text)
	if len(args) != 1 {
		c.send(ctx, b, chatID, "Usage: /check <mint>", nil)
		return
	}
	c.check(ctx, b, chatID, args[0])
}

func (c *Bot) check(ctx context.Context, b *bot.Bot, chatID int64, mint string) {
	if !solana.IsValidAddress(mint) {
		c.send(ctx, b, chatID, "Not a valid token address: "+mint, nil)
		return
	}
	res, err := c.ctrl.CheckToken(ctx, mint)
	if err != nil {
		c.send(ctx, b, chatID, "Check failed: "+err.Error(), nil)
		return
	}
	c.send(ctx, b, chatID, formatCheck(res), nil)
}

func (c *Bot) blacklistHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	chatID := update.Message.Chat.ID
	args := commandArgs(update.Message.Text)
	if len(args) != 1 || !solana.IsValidAddress(args[0]) {
		c.send(ctx, b, chatID, "Usage: /blacklist <mint>", nil)
		return
	}
	c.ctrl.Blacklist(args[0])
	c.send(ctx, b, chatID, "Blacklisted "+args[0], nil)
}

func (c *Bot) callbackQueryHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	query := update.CallbackQuery
	data := query.Data
	if query.Message.Message == nil {
		return
	}
	chatID := query.Message.Message.Chat.ID

	switch data {
	case "home":
		c.userState(ctx, b, chatID)
	case "positions":
		c.positionsState(ctx, b, chatID)
	case "balance":
		c.balanceState(ctx, b, chatID)
	case "stats":
		c.statsState(ctx, b, chatID)
	case "pause":
		c.ctrl.Pause()
		c.userState(ctx, b, chatID)
	case "resume":
		c.ctrl.Resume()
		c.userState(ctx, b, chatID)
	case "check":
		c.info(chatID).CheckWaiting(true)
		c.send(ctx, b, chatID, "Please enter the token address:", nil)
	case "buy":
		c.info(chatID).BuyWaiting(true)
		c.send(ctx, b, chatID, "Please enter the token address and optionally the SOL amount:", nil)
	default:
		if strings.HasPrefix(data, "close_") {
			c.closePosition(ctx, b, chatID, strings.TrimPrefix(data, "close_"))
		}
	}

	// Acknowledge the callback query
	if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: query.ID,
	}); err != nil {
		c.log.Debug("Answer callback", zap.Error(err))
	}
}

func (c *Bot) userInputHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID
	message := strings.TrimSpace(update.Message.Text)

	check, buy := c.info(chatID).Take()
	switch {
	case check:
		c.check(ctx, b, chatID, message)
	case buy:
		c.buy(ctx, b, chatID, strings.Fields(message))
	default:
		c.userState(ctx, b, chatID)
	}
}

// commandArgs returns the words after the command.
func commandArgs(text string) []string {
	fields := strings.Fields(text)
	if len(fields) <= 1 {
		return nil
	}
	return fields[1:]
}

func parseBuyArgs(args []string) (string, decimal.Decimal, error) {
	if len(args) == 0 || len(args) > 2 {
		return "", decimal.Zero, errors.New("Usage: /buy <mint> [sol]")
	}
	mint := args[0]
	if !solana.IsValidAddress(mint) {
		return "", decimal.Zero, errors.Errorf("Not a valid token address: %s", mint)
	}
	if len(args) == 1 {
		return mint, decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(args[1])
	if err != nil || !amount.IsPositive() {
		return "", decimal.Zero, errors.Errorf("Not a valid SOL amount: %s", args[1])
	}
	return mint, amount, nil
}
