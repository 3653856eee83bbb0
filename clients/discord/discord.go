package discord

import (
	"fmt"
	"time"

	"copybot/clients/notifier"
	"copybot/config"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordClient sends alerts to Discord.
// Implements notifier.Notifier interface.
type DiscordClient struct {
	logger    *zap.Logger
	session   *discordgo.Session
	channelID string
	isProd    bool
}

func NewDiscordClient(logger *zap.Logger, cfg *config.Config) *DiscordClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	channelID := cfg.Discord.BetaChannelID
	if cfg.IsProd {
		channelID = cfg.Discord.ProdChannelID
	}

	token := cfg.Discord.BotToken
	if token == "" {
		logger.Warn("DISCORD_BOT_TOKEN not set, Discord alerts disabled")
		return &DiscordClient{
			logger:    logger,
			channelID: channelID,
			isProd:    cfg.IsProd,
		}
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		logger.Error("failed to create discord session", zap.Error(err))
		return &DiscordClient{
			logger:    logger,
			channelID: channelID,
			isProd:    cfg.IsProd,
		}
	}

	logger.Info("discord bot initialized",
		zap.Bool("isProd", cfg.IsProd),
		zap.String("channelID", channelID),
	)

	return &DiscordClient{
		logger:    logger,
		session:   session,
		channelID: channelID,
		isProd:    cfg.IsProd,
	}
}

// SendMessage sends a plain text message.
func (dc *DiscordClient) SendMessage(message string) {
	if dc.session == nil {
		dc.logger.Warn("discord session not initialized, skipping message")
		return
	}

	_, err := dc.session.ChannelMessageSend(dc.channelID, message)
	if err != nil {
		dc.logger.Error("failed to send discord message", zap.Error(err))
		return
	}

	dc.logger.Info("sent discord message")
}

// SendCopyTradeAlert sends a rich embedded copy-trade alert.
// Implements notifier.Notifier interface.
func (dc *DiscordClient) SendCopyTradeAlert(alert notifier.CopyTradeAlert) {
	if dc.session == nil {
		dc.logger.Debug("discord session not initialized, skipping alert")
		return
	}

	embed := buildEmbed(alert)

	_, err := dc.session.ChannelMessageSendEmbed(dc.channelID, embed)
	if err != nil {
		dc.logger.Error("failed to send discord embed", zap.Error(err))
		return
	}

	dc.logger.Info("sent discord copy-trade alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("token", alert.Token),
	)
}

func alertColor(alert notifier.CopyTradeAlert) int {
	switch alert.Kind {
	case notifier.AlertOpened, notifier.AlertAccumulated:
		return 0x2ECC71 // Green
	case notifier.AlertSkipped:
		return 0x95A5A6 // Grey
	case notifier.AlertRugDetected:
		return 0x8E44AD // Purple
	case notifier.AlertClosed:
		if alert.PnLUSD >= 0 {
			return 0x3498DB // Blue
		}
		return 0xE74C3C // Red
	default:
		return 0xF1C40F
	}
}

func buildEmbed(alert notifier.CopyTradeAlert) *discordgo.MessageEmbed {
	tokenDisplay := notifier.ShortAddress(alert.Token)
	if alert.TokenURL != "" {
		tokenDisplay = fmt.Sprintf("[%s](%s)", tokenDisplay, alert.TokenURL)
	}
	walletDisplay := notifier.ShortAddress(alert.Wallet)
	if alert.WalletURL != "" && alert.Wallet != "" {
		walletDisplay = fmt.Sprintf("[%s](%s)", walletDisplay, alert.WalletURL)
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Token", Value: tokenDisplay, Inline: true},
		{Name: "Chain", Value: alert.Chain, Inline: true},
	}
	if alert.Wallet != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Insider", Value: walletDisplay, Inline: true})
	}

	switch alert.Kind {
	case notifier.AlertOpened, notifier.AlertAccumulated:
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "Position", Value: notifier.FormatUSD(alert.PositionUSD), Inline: true},
			&discordgo.MessageEmbedField{Name: "Entry", Value: notifier.FormatPrice(alert.EntryPrice), Inline: true},
			&discordgo.MessageEmbedField{Name: "Insiders", Value: fmt.Sprintf("%d", alert.Insiders), Inline: true},
		)
	case notifier.AlertClosed:
		fields = append(fields,
			&discordgo.MessageEmbedField{Name: "Exit", Value: notifier.FormatPrice(alert.Price), Inline: true},
			&discordgo.MessageEmbedField{Name: "P&L", Value: fmt.Sprintf("%s (%+.1f%%)", notifier.FormatUSD(alert.PnLUSD), alert.PnLPct), Inline: true},
		)
	}

	if alert.Detail != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Detail", Value: alert.Detail})
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &discordgo.MessageEmbed{
		Title:  alert.Title(),
		URL:    alert.TokenURL,
		Color:  alertColor(alert),
		Fields: fields,
		Footer: &discordgo.MessageEmbedFooter{
			Text: fmt.Sprintf("copybot * %s", ts.UTC().Format("1/2/2006, 3:04:05PM (MST)")),
		},
		Timestamp: ts.Format(time.RFC3339),
	}
}

// Close closes the Discord session.
func (dc *DiscordClient) Close() error {
	if dc.session != nil {
		return dc.session.Close()
	}
	return nil
}
