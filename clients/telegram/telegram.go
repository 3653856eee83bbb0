package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"copybot/clients/notifier"
	"copybot/config"

	"go.uber.org/zap"
)

const defaultAPIBase = "https://api.telegram.org"

// TelegramClient sends alerts to Telegram.
// Implements notifier.Notifier interface.
type TelegramClient struct {
	logger   *zap.Logger
	apiBase  string
	botToken string
	chatID   string
	isProd   bool
	client   *http.Client
}

func NewTelegramClient(logger *zap.Logger, cfg *config.Config) *TelegramClient {
	if logger == nil {
		logger = zap.NewNop()
	}

	chatID := cfg.Telegram.BetaChatID
	if cfg.IsProd {
		chatID = cfg.Telegram.ProdChatID
	}

	token := cfg.Telegram.BotToken
	if token == "" {
		logger.Warn("TELEGRAM_BOT_KEY not set, Telegram alerts disabled")
		return &TelegramClient{
			logger:  logger,
			apiBase: defaultAPIBase,
			chatID:  chatID,
			isProd:  cfg.IsProd,
		}
	}

	logger.Info("telegram bot initialized",
		zap.Bool("isProd", cfg.IsProd),
		zap.String("chatID", chatID),
	)

	return &TelegramClient{
		logger:   logger,
		apiBase:  defaultAPIBase,
		botToken: token,
		chatID:   chatID,
		isProd:   cfg.IsProd,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// SendCopyTradeAlert sends a copy-trade notification.
// Implements notifier.Notifier interface.
func (tc *TelegramClient) SendCopyTradeAlert(alert notifier.CopyTradeAlert) {
	if tc.botToken == "" || tc.chatID == "" {
		tc.logger.Debug("telegram not configured, skipping alert")
		return
	}

	message := buildAlertMessage(alert)

	if err := tc.sendMessage(message); err != nil {
		tc.logger.Error("failed to send telegram message", zap.Error(err))
		return
	}

	tc.logger.Info("sent telegram copy-trade alert",
		zap.String("kind", string(alert.Kind)),
		zap.String("token", alert.Token),
	)
}

func buildAlertMessage(alert notifier.CopyTradeAlert) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("*%s*\n\n", escapeMarkdown(alert.Title())))

	token := notifier.ShortAddress(alert.Token)
	if alert.TokenURL != "" {
		sb.WriteString(fmt.Sprintf("*Token:* [%s](%s)\n", escapeMarkdown(token), alert.TokenURL))
	} else {
		sb.WriteString(fmt.Sprintf("*Token:* %s\n", escapeMarkdown(token)))
	}
	sb.WriteString(fmt.Sprintf("*Chain:* %s\n", escapeMarkdown(alert.Chain)))

	if alert.Wallet != "" {
		wallet := notifier.ShortAddress(alert.Wallet)
		if alert.WalletURL != "" {
			sb.WriteString(fmt.Sprintf("*Insider:* [%s](%s)\n", escapeMarkdown(wallet), alert.WalletURL))
		} else {
			sb.WriteString(fmt.Sprintf("*Insider:* %s\n", escapeMarkdown(wallet)))
		}
	}

	switch alert.Kind {
	case notifier.AlertOpened, notifier.AlertAccumulated:
		sb.WriteString(fmt.Sprintf("*Position:* %s @ %s\n", notifier.FormatUSD(alert.PositionUSD), notifier.FormatPrice(alert.EntryPrice)))
		sb.WriteString(fmt.Sprintf("*Insiders:* %d\n", alert.Insiders))
	case notifier.AlertClosed:
		sb.WriteString(fmt.Sprintf("*Exit:* %s\n", notifier.FormatPrice(alert.Price)))
		sb.WriteString(fmt.Sprintf("*P&L:* %s (%+.1f%%)\n", notifier.FormatUSD(alert.PnLUSD), alert.PnLPct))
	}

	if alert.Detail != "" {
		sb.WriteString(fmt.Sprintf("\n_%s_\n", escapeMarkdown(alert.Detail)))
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	sb.WriteString(fmt.Sprintf("\n%s", ts.UTC().Format("1/2/2006, 3:04:05PM (MST)")))

	return sb.String()
}

func (tc *TelegramClient) sendMessage(text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", tc.apiBase, tc.botToken)

	payload := map[string]interface{}{
		"chat_id":    tc.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := tc.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// Close cleans up resources. Implements notifier.Notifier interface.
func (tc *TelegramClient) Close() error {
	return nil
}

// escapeMarkdown escapes special characters for Telegram Markdown.
func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"`", "\\`",
	)
	return replacer.Replace(s)
}
