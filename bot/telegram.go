package bot

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/carryops/carrybot/core"
	"github.com/carryops/carrybot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & read-only control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pushes open/close/reserve alerts to the configured chat and answers a
// small set of query commands. Notifications run on their own goroutine so
// a slow Telegram API never stalls the strategy loop.
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider supplies the data behind query commands.
type StatsProvider interface {
	Compute(ctx context.Context) (*core.MetricsSnapshot, error)
	Report(snap *core.MetricsSnapshot) string
}

// PositionLister exposes the open position set for /positions.
type PositionLister interface {
	List(ctx context.Context, exchange string) ([]*types.Position, error)
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	stats     StatsProvider
	positions PositionLister
}

// NewTelegramBot reads TELEGRAM_BOT_TOKEN / TELEGRAM_CHAT_ID and connects.
func NewTelegramBot(stats StatsProvider, positions PositionLister) (*TelegramBot, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("TELEGRAM_BOT_TOKEN not set")
	}
	chatIDStr := os.Getenv("TELEGRAM_CHAT_ID")
	if chatIDStr == "" {
		return nil, fmt.Errorf("TELEGRAM_CHAT_ID not set")
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:       api,
		chatID:    chatID,
		stopCh:    make(chan struct{}),
		stats:     stats,
		positions: positions,
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 telegram bot initialized")
	return bot, nil
}

// Start begins listening for commands.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 telegram bot started")
}

// Stop stops the command loop.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// TradeOpened pushes an open alert. Implements core.Notifier.
func (b *TelegramBot) TradeOpened(p *types.Position) {
	mode := "LIVE"
	if p.Paper {
		mode = "PAPER"
	}
	msg := fmt.Sprintf(`🟢 *POSITION OPENED* [%s]

📊 *%s* on %s (%s)
━━━━━━━━━━━━━━━━
📦 Size: *$%s*
💵 Spot entry: *%s*
💵 Perp entry: *%s*
💸 Funding: *%.4f%%* (%.1f%% ann)`,
		mode,
		p.Symbol, p.Exchange, p.Tier,
		p.SizeUSDT.StringFixed(0),
		p.SpotEntryPrice.StringFixed(4),
		p.PerpEntryPrice.StringFixed(4),
		p.EntryFundingRate*100, p.EntryAnnualizedRate,
	)
	go b.sendMarkdown(msg)
}

// TradeClosed pushes a close alert. Implements core.Notifier.
func (b *TelegramBot) TradeClosed(p *types.Position) {
	emoji := "📈"
	sign := "+"
	if p.RealizedPnL.IsNegative() {
		emoji = "📉"
		sign = ""
	}
	msg := fmt.Sprintf(`%s *POSITION CLOSED*

📊 *%s* on %s
━━━━━━━━━━━━━━━━
💵 PnL: *%s$%s*
💸 Funding collected: *$%s*
⏱️ Held: *%.1fh*
📝 Reason: %s`,
		emoji,
		p.Symbol, p.Exchange,
		sign, p.RealizedPnL.StringFixed(4),
		p.FundingCollected.StringFixed(4),
		p.HoldTime(time.Now()).Hours(),
		p.ExitReason,
	)
	go b.sendMarkdown(msg)
}

// ReserveAlert pushes a reserve breach alert. Implements core.Notifier.
func (b *TelegramBot) ReserveAlert(estimatedBalance, operative decimal.Decimal) {
	msg := fmt.Sprintf(`🚨 *RESERVE PROTECTION*

💰 Estimated balance: *$%s*
🛡️ Operative floor: *$%s*

Closing positions, smallest tier first.`,
		estimatedBalance.StringFixed(2),
		operative.StringFixed(2),
	)
	go b.sendMarkdown(msg)
}

// NotifyStartup announces the engine coming up.
func (b *TelegramBot) NotifyStartup(mode string, exchanges, symbols []string) {
	msg := fmt.Sprintf(`🚀 *CARRYBOT STARTED*
━━━━━━━━━━━━━━━━━━━━

🎯 Strategy: *Basis carry*
📊 Mode: *%s*
🏦 Exchanges: %s
📈 Symbols: %s

Use /help for commands`,
		mode,
		strings.Join(exchanges, ", "),
		strings.Join(symbols, ", "),
	)
	go b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "stats":
		b.cmdStats(ctx)
	case "report":
		b.cmdReport(ctx)
	case "positions":
		b.cmdPositions(ctx)
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`🤖 *CARRYBOT COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📈 /stats — performance summary
📜 /report — full capital & PnL report
💼 /positions — open positions
🏓 /ping — test connection`)
}

func (b *TelegramBot) cmdStats(ctx context.Context) {
	if b.stats == nil {
		b.send("❌ Stats not available")
		return
	}
	snap, err := b.stats.Compute(ctx)
	if err != nil {
		b.send("❌ Failed to compute stats")
		return
	}
	sign := "+"
	if snap.TotalRealizedPnL < 0 {
		sign = ""
	}
	b.sendMarkdown(fmt.Sprintf(`📈 *TRADING STATS*
━━━━━━━━━━━━━━━━━━━━

📊 Total trades: *%d*
📈 Win rate: *%.1f%%*
💵 Realized PnL: *%s$%.4f*
💸 Funding collected: *$%.4f*
💼 Open positions: *%d*
💰 Deployed: *$%.2f*`,
		snap.TotalTrades, snap.WinRatePct,
		sign, snap.TotalRealizedPnL,
		snap.TotalFundingCollected,
		snap.OpenPositions, snap.CapitalDeployed,
	))
}

func (b *TelegramBot) cmdReport(ctx context.Context) {
	if b.stats == nil {
		b.send("❌ Report not available")
		return
	}
	snap, err := b.stats.Compute(ctx)
	if err != nil {
		b.send("❌ Failed to compute report")
		return
	}
	b.send(b.stats.Report(snap))
}

func (b *TelegramBot) cmdPositions(ctx context.Context) {
	if b.positions == nil {
		b.send("❌ Positions not available")
		return
	}
	open, err := b.positions.List(ctx, "")
	if err != nil {
		b.send("❌ Failed to fetch positions")
		return
	}
	if len(open) == 0 {
		b.send("📭 No open positions")
		return
	}

	var sb strings.Builder
	sb.WriteString("💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n")
	for _, p := range open {
		fmt.Fprintf(&sb, `🟢 *%s* on %s (%s)
📦 Size: $%s | 💸 Funding: $%s
⏱️ Held: %.1fh

`,
			p.Symbol, p.Exchange, p.Tier,
			p.SizeUSDT.StringFixed(0),
			p.FundingCollected.StringFixed(4),
			p.HoldTime(time.Now()).Hours(),
		)
	}
	b.sendMarkdown(sb.String())
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("failed to send telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("failed to send telegram message")
	}
}
