package clients

import (
	"copybot/clients/dexscreener"
	"copybot/clients/discord"
	"copybot/clients/erc20"
	"copybot/clients/explorer"
	"copybot/clients/gist"
	"copybot/clients/goplus"
	"copybot/clients/notifier"
	"copybot/clients/telegram"
	"copybot/config"

	"go.uber.org/zap"
)

type Clients struct {
	Logger *zap.Logger

	Discord     *discord.DiscordClient
	Telegram    *telegram.TelegramClient
	Notifier    notifier.Notifier // Combined notifier for all channels
	DexScreener *dexscreener.Client
	GoPlus      *goplus.Client
	Explorer    *explorer.Client
	Gist        *gist.Client
	ERC20       *erc20.Client
}

func NewClients(logger *zap.Logger, cfg *config.Config) *Clients {
	if logger == nil {
		logger = zap.NewNop()
	}

	discordClient := discord.NewDiscordClient(logger, cfg)
	telegramClient := telegram.NewTelegramClient(logger, cfg)

	// Create combined notifier for all channels
	multiNotifier := notifier.NewMultiNotifier(discordClient, telegramClient)

	return &Clients{
		Logger:      logger,
		Discord:     discordClient,
		Telegram:    telegramClient,
		Notifier:    multiNotifier,
		DexScreener: dexscreener.NewClient(logger.Named("dexscreener"), cfg),
		GoPlus:      goplus.NewClient(logger.Named("goplus"), cfg),
		Explorer:    explorer.NewClient(logger.Named("explorer")),
		Gist:        gist.NewClient(logger, cfg),
		ERC20:       erc20.NewClient(logger.Named("erc20"), cfg),
	}
}

// Close releases notifier sessions and RPC connections.
func (c *Clients) Close() error {
	c.ERC20.Close()
	return c.Notifier.Close()
}
