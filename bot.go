package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"panicrelay/relay"
)

// Bot is the admin's Telegram channel: alerts go out through it and the
// admin can ask for the relay's state.
type Bot struct {
	api     *tgbotapi.BotAPI
	adminID int64
	db      *DB
	hub     *relay.Hub
	log     zerolog.Logger
}

// NewBot creates a new Telegram bot instance
func NewBot(token string, adminID int64, db *DB, hub *relay.Hub, logger zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	logger.Info().Str("bot", api.Self.UserName).Msg("telegram authorized")

	return &Bot{
		api:     api,
		adminID: adminID,
		db:      db,
		hub:     hub,
		log:     logger,
	}, nil
}

// Start polls for admin commands until ctx is done.
func (b *Bot) Start(ctx context.Context) {
	commands := tgbotapi.NewSetMyCommands(
		tgbotapi.BotCommand{Command: "status", Description: "Connections and live calls"},
		tgbotapi.BotCommand{Command: "calls", Description: "Recent emergency calls"},
	)
	if _, err := b.api.Request(commands); err != nil {
		b.log.Warn().Err(err).Msg("failed to set bot commands")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	for update := range updates {
		if update.Message == nil || !update.Message.IsCommand() {
			continue
		}
		if update.Message.From == nil || update.Message.From.ID != b.adminID {
			continue
		}
		if err := b.handleCommand(ctx, update.Message); err != nil {
			b.log.Error().Err(err).Str("command", update.Message.Command()).Msg("command failed")
			b.sendMessage(update.Message.Chat.ID, fmt.Sprintf("Error: %v", err))
		}
	}
}

// Notify sends text to the admin chat.
func (b *Bot) Notify(text string) error {
	if b.adminID == 0 {
		return nil
	}
	return b.sendMessage(b.adminID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	b.log.Info().Str("command", msg.Command()).Int64("from", msg.From.ID).Msg("bot command")

	switch msg.Command() {
	case "start", "status":
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		st, err := b.hub.Stats(ctx)
		if err != nil {
			return err
		}
		return b.sendMessage(msg.Chat.ID, formatStats(st))
	case "calls":
		calls, err := b.db.ListCalls(10)
		if err != nil {
			return err
		}
		return b.sendMessage(msg.Chat.ID, formatCalls(calls))
	default:
		return b.sendMessage(msg.Chat.ID, "Unknown command. Use /status or /calls.")
	}
}

func formatStats(st relay.Stats) string {
	return fmt.Sprintf("*Panic relay*\nClients: %d\nMedia streams: %d\nSessions: %d\nActive calls: %d",
		st.Clients, st.Media, st.Sessions, st.Active)
}

func formatCalls(calls []CallRecord) string {
	if len(calls) == 0 {
		return "No calls yet."
	}
	var sb strings.Builder
	sb.WriteString("*Recent calls*\n")
	for _, c := range calls {
		fmt.Fprintf(&sb, "%s  %s  %s\n", c.CreatedAt.Local().Format("01-02 15:04"), c.To, c.Status)
	}
	return sb.String()
}

func (b *Bot) sendMessage(chatID int64, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	chunks := splitMessage(text, 4096)
	for _, chunk := range chunks {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = "Markdown"
		_, err := b.api.Send(msg)
		if err != nil && strings.Contains(err.Error(), "can't parse entities") {
			msg.ParseMode = ""
			_, err = b.api.Send(msg)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// splitMessage splits text into chunks of at most maxLen characters,
// preferring to break at newlines, then at spaces, to avoid cutting mid-sentence.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		chunk := text[:maxLen]
		if idx := strings.LastIndex(chunk, "\n"); idx > maxLen/4 {
			chunks = append(chunks, text[:idx])
			text = text[idx+1:]
		} else if idx := strings.LastIndex(chunk, " "); idx > maxLen/4 {
			chunks = append(chunks, text[:idx])
			text = text[idx+1:]
		} else {
			chunks = append(chunks, chunk)
			text = text[maxLen:]
		}
	}
	return chunks
}
