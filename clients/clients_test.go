package clients

import (
	"testing"

	"copybot/config"

	"go.uber.org/zap"
)

func TestNewClients(t *testing.T) {
	cfg := config.Defaults()
	cfg.Discord = config.DiscordConfig{
		ProdChannelID: "prod",
		BetaChannelID: "beta",
	}

	logger := zap.NewNop()
	clients := NewClients(logger, cfg)

	if clients.Logger != logger {
		t.Error("unexpected logger")
	}
	if clients.Discord == nil {
		t.Error("expected Discord client to be set")
	}
	if clients.Telegram == nil {
		t.Error("expected Telegram client to be set")
	}
	if clients.Notifier == nil {
		t.Error("expected Notifier to be set")
	}
	if clients.DexScreener == nil || clients.GoPlus == nil || clients.Explorer == nil {
		t.Error("expected lookup clients to be set")
	}
	if clients.Gist == nil {
		t.Error("expected Gist client to be set")
	}
	if clients.ERC20 == nil {
		t.Error("expected ERC20 client to be set")
	}
	if clients.Gist.IsEnabled() {
		t.Error("expected gist storage disabled without a token")
	}
}

func TestNewClients_NilLogger(t *testing.T) {
	clients := NewClients(nil, config.Defaults())

	if clients.Logger == nil {
		t.Error("expected a no-op logger when nil is passed")
	}
	if err := clients.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}
