package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"telegram_bot": {"token": "123:abc", "admin_ids": [42]},
		"channels": [{"name": "calls", "id": 1261856999, "parser": "contract"}]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "123:abc", cfg.TelegramBot.Token)
	require.Equal(t, []int64{42}, cfg.TelegramBot.AdminIDs)
	require.Len(t, cfg.Channels, 1)
	require.Equal(t, int64(1261856999), cfg.Channels[0].ID)

	require.True(t, cfg.Trading.DryRun)
	require.Equal(t, 5.0, cfg.Trading.PositionPercent)
	require.Equal(t, 0.02, cfg.Trading.MinBalanceSOL)
	require.Equal(t, -0.75, cfg.Trading.StopLoss)
	require.Len(t, cfg.Trading.TakeProfits, 6)
	require.Equal(t, 2.5, cfg.Trading.TakeProfits[1].Level)
	require.Equal(t, 60*time.Second, cfg.Solana.ConfirmTimeout)
	require.Equal(t, "bolt", cfg.Storage.Driver)
	require.Equal(t, 100, cfg.Jupiter.SlippageBps)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `{
		"trading": {"position_percent": 2, "price_interval": "2s", "take_profits": [{"level": 1, "sell_percent": 100}]},
		"solana": {"confirm_timeout": "30s"}
	}`)
	t.Setenv("TELESOL_TRADING_MAX_OPEN_POSITIONS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2.0, cfg.Trading.PositionPercent)
	require.Equal(t, 2*time.Second, cfg.Trading.PriceInterval)
	require.Equal(t, 30*time.Second, cfg.Solana.ConfirmTimeout)
	require.Equal(t, 3, cfg.Trading.MaxOpenPositions)
	require.Len(t, cfg.Trading.TakeProfits, 1)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	path := writeConfig(t, `{"trading": {"dry_run": false}}`)
	t.Setenv("TELESOL_SOLANA_PRIVATE_KEY", "4wBqpZM9xaSheZzJSMawUHDgZ7miWfSsxmfVF5jJpYP")
	t.Setenv("TELESOL_TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELESOL_API_TOKEN", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.False(t, cfg.Trading.DryRun)
	require.Equal(t, "4wBqpZM9xaSheZzJSMawUHDgZ7miWfSsxmfVF5jJpYP", cfg.Solana.PrivateKey)
	require.Equal(t, "123:abc", cfg.TelegramBot.Token)
	require.Equal(t, "secret", cfg.API.Token)
}

func TestLoadInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"positive stop":      `{"trading": {"stop_loss": 0.5}}`,
		"bad driver":         `{"storage": {"driver": "redis"}}`,
		"live without key":   `{"trading": {"dry_run": false}}`,
		"channel without id": `{"channels": [{"name": "x"}]}`,
		"bad take profit":    `{"trading": {"take_profits": [{"level": 1, "sell_percent": 150}]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
