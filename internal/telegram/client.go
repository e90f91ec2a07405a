// Package telegram provides a client for sending market lifecycle notifications via Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/0xedev/Buster-market/internal/ledger"
	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/models"
)

// botAPI is the subset of *tgbotapi.BotAPI the client uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// MarketReader looks up market details for messages and bot commands.
type MarketReader interface {
	Market(id uint64) (*models.Market, error)
	DistributionProgress(id uint64) (ledger.Progress, error)
}

// Client handles Telegram notifications.
type Client struct {
	bot            botAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
	markets        MarketReader
	queue          chan models.Event
}

// NewClient creates a new Telegram client.
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration, markets MarketReader) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}

	return newClient(bot, chatIDInt, maxRetries, retryDelayBase, markets), nil
}

func newClient(bot botAPI, chatID int64, maxRetries int, retryDelayBase time.Duration, markets MarketReader) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}
	return &Client{
		bot:            bot,
		chatID:         chatID,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
		markets:        markets,
		queue:          make(chan models.Event, 64),
	}
}

// Publish queues lifecycle events worth a notification. Stakes, refunds and
// intermediate batches are ignored. It never blocks.
func (c *Client) Publish(e models.Event) {
	switch e.Type {
	case models.EventMarketResolved, models.EventMarketCancelled,
		models.EventDistributionCompleted, models.EventLegacyImported:
	default:
		return
	}
	select {
	case c.queue <- e:
	default:
		logger.Warn("Telegram queue full, dropping %s notification for market %d", e.Type, e.MarketID)
	}
}

// Run sends queued notifications until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-c.queue:
			if err := c.sendMarkdownV2(c.formatEvent(e)); err != nil {
				logger.Error("Failed to send %s notification for market %d: %v", e.Type, e.MarketID, err)
			}
		}
	}
}

// ListenForCommands starts a goroutine that polls for Telegram updates and handles bot commands.
// It returns immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ListenForCommands(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil && update.Message.IsCommand() {
					c.handleCommand(update.Message)
				}
			}
		}
	}()
}

func (c *Client) handleCommand(msg *tgbotapi.Message) {
	var text string
	switch msg.Command() {
	case "ping":
		text = "Pong"
	case "progress":
		text = c.progressReply(msg.CommandArguments())
	default:
		return
	}
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	c.bot.Send(reply) //nolint:errcheck
}

func (c *Client) progressReply(args string) string {
	id, err := strconv.ParseUint(strings.TrimSpace(args), 10, 64)
	if err != nil {
		return "Usage: /progress <market id>"
	}
	p, err := c.markets.DistributionProgress(id)
	if err != nil {
		return fmt.Sprintf("Market %d: %v", id, err)
	}
	if p.Completed {
		return fmt.Sprintf("Market %d: distribution completed, %s paid to %d winners",
			id, p.Distributed.Dec(), p.WinnersProcessed)
	}
	return fmt.Sprintf("Market %d: %d/%d participants processed (%d%%), %d/%d winners paid, ~%d batches left",
		id, p.Processed, p.Participants, p.ProcessedPercent, p.WinnersProcessed, p.TotalWinners, p.RemainingBatches)
}

// sendMarkdownV2 sends a MarkdownV2 message with linear-backoff retry.
func (c *Client) sendMarkdownV2(text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		if _, err := c.bot.Send(msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(c.retryDelayBase * time.Duration(i+1))
	}
	return fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
}

// formatEvent renders a lifecycle event as a Telegram MarkdownV2 message.
func (c *Client) formatEvent(e models.Event) string {
	title := fmt.Sprintf("Market %d", e.MarketID)
	if c.markets != nil && e.MarketID != 0 {
		if m, err := c.markets.Market(e.MarketID); err == nil {
			title = fmt.Sprintf("#%d %s", m.ID, m.Question)
		}
	}
	title = escapeMarkdownV2(title)
	detail := escapeMarkdownV2(e.Detail)

	var message string
	switch e.Type {
	case models.EventMarketResolved:
		message = fmt.Sprintf("🏁 *Market resolved*\n%s\nWinning option: *%s*\n", title, detail)
	case models.EventMarketCancelled:
		message = fmt.Sprintf("🚫 *Market cancelled*\n%s\n", title)
		if e.Detail != "" {
			message += fmt.Sprintf("Reason: %s\n", detail)
		}
		message += "Participants can claim a full refund\\.\n"
	case models.EventDistributionCompleted:
		message = fmt.Sprintf("💰 *Distribution completed*\n%s\nPaid out %s to %s\n",
			title, escapeMarkdownV2(e.Amount), detail)
	case models.EventLegacyImported:
		message = fmt.Sprintf("📦 *Legacy import finished*\nImported %s\n", detail)
	default:
		message = fmt.Sprintf("%s: %s\n", escapeMarkdownV2(string(e.Type)), title)
	}

	message += fmt.Sprintf("🕒 %s", escapeMarkdownV2(e.Time.UTC().Format("2006-01-02 15:04:05")))
	return message
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4) // pre-allocate with room for escapes
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteByte('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}
