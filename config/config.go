package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var AppConfig *Config // global app config

type Config struct {
	TelegramClient TelegramClient `mapstructure:"telegram_client"`
	TelegramBot    TelegramBot    `mapstructure:"telegram_bot"`
	Channels       []Channel      `mapstructure:"channels"`
	Solana         Solana         `mapstructure:"solana"`
	Jupiter        Jupiter        `mapstructure:"jupiter"`
	Trading        Trading        `mapstructure:"trading"`
	Validation     Validation     `mapstructure:"validation"`
	Storage        Storage        `mapstructure:"storage"`
	Events         Events         `mapstructure:"events"`
	API            API            `mapstructure:"api"`
	Log            Log            `mapstructure:"log"`
}

type TelegramClient struct {
	Phone      string `mapstructure:"phone"`
	AppID      int    `mapstructure:"app_id"`
	AppHash    string `mapstructure:"app_hash"`
	SessionDir string `mapstructure:"session_dir"`
}

type TelegramBot struct {
	Token    string  `mapstructure:"token"`
	AdminIDs []int64 `mapstructure:"admin_ids"`
}

// Channel is a Telegram channel to listen to. ID is the MTProto channel id
// (without the -100 prefix used by the Bot API).
type Channel struct {
	Name   string `mapstructure:"name"`
	ID     int64  `mapstructure:"id"`
	Parser string `mapstructure:"parser"`
	URL    string `mapstructure:"url"`
}

type Solana struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	PrivateKey     string        `mapstructure:"private_key"`
	Commitment     string        `mapstructure:"commitment"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
}

type Jupiter struct {
	BaseURL       string  `mapstructure:"base_url"`
	PriceURL      string  `mapstructure:"price_url"`
	APIKey        string  `mapstructure:"api_key"`
	SlippageBps   int     `mapstructure:"slippage_bps"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	MaxRetries    int     `mapstructure:"max_retries"`
}

type TakeProfit struct {
	Level       float64 `mapstructure:"level"`
	SellPercent float64 `mapstructure:"sell_percent"`
}

type Trading struct {
	DryRun             bool          `mapstructure:"dry_run"`
	PaperBalanceSOL    float64       `mapstructure:"paper_balance_sol"`
	PositionPercent    float64       `mapstructure:"position_percent"`
	MinBalanceSOL      float64       `mapstructure:"min_balance_sol"`
	MinTradeSOL        float64       `mapstructure:"min_trade_sol"`
	MaxTradeSOL        float64       `mapstructure:"max_trade_sol"`
	MaxPositionPercent float64       `mapstructure:"max_position_percent"`
	MaxOpenPositions   int           `mapstructure:"max_open_positions"`
	TakeProfits        []TakeProfit  `mapstructure:"take_profits"`
	StopLoss           float64       `mapstructure:"stop_loss"`
	MaxHold            time.Duration `mapstructure:"max_hold"`
	Workers            int           `mapstructure:"workers"`
	PriceInterval      time.Duration `mapstructure:"price_interval"`
}

type Validation struct {
	MinLiquiditySOL      float64       `mapstructure:"min_liquidity_sol"`
	MaxPriceImpactPct    float64       `mapstructure:"max_price_impact_pct"`
	RequireMintRenounced bool          `mapstructure:"require_mint_renounced"`
	RequireNoFreeze      bool          `mapstructure:"require_no_freeze"`
	MaxTopHolderPct      float64       `mapstructure:"max_top_holder_pct"`
	MaxTop10Pct          float64       `mapstructure:"max_top10_pct"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	Blacklist            []string      `mapstructure:"blacklist"`
}

type Storage struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type Events struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	Buffer       int      `mapstructure:"buffer"`
}

type API struct {
	Listen string `mapstructure:"listen"`
	Token  string `mapstructure:"token"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// envKeys have no default, so AutomaticEnv alone would never pick them up.
var envKeys = []string{
	"telegram_client.phone",
	"telegram_client.app_id",
	"telegram_client.app_hash",
	"telegram_bot.token",
	"telegram_bot.admin_ids",
	"solana.private_key",
	"jupiter.api_key",
	"trading.max_trade_sol",
	"trading.max_open_positions",
	"trading.max_hold",
	"storage.dsn",
	"events.kafka_brokers",
	"api.token",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram_client.session_dir", "session")

	v.SetDefault("solana.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("solana.commitment", "confirmed")
	v.SetDefault("solana.confirm_timeout", 60*time.Second)

	v.SetDefault("jupiter.base_url", "https://lite-api.jup.ag/swap/v1")
	v.SetDefault("jupiter.price_url", "https://lite-api.jup.ag/price/v2")
	v.SetDefault("jupiter.slippage_bps", 100)
	v.SetDefault("jupiter.rate_per_second", 5)
	v.SetDefault("jupiter.max_retries", 3)

	v.SetDefault("trading.dry_run", true)
	v.SetDefault("trading.paper_balance_sol", 10)
	v.SetDefault("trading.position_percent", 5)
	v.SetDefault("trading.min_balance_sol", 0.02)
	v.SetDefault("trading.min_trade_sol", 0.001)
	v.SetDefault("trading.max_position_percent", 10)
	v.SetDefault("trading.max_open_positions", 10)
	v.SetDefault("trading.take_profits", []map[string]any{
		{"level": 1, "sell_percent": 20},
		{"level": 2.5, "sell_percent": 20},
		{"level": 5, "sell_percent": 20},
		{"level": 10, "sell_percent": 20},
		{"level": 30, "sell_percent": 25},
		{"level": 90, "sell_percent": 50},
	})
	v.SetDefault("trading.stop_loss", -0.75)
	v.SetDefault("trading.workers", 4)
	v.SetDefault("trading.price_interval", 5*time.Second)

	v.SetDefault("validation.min_liquidity_sol", 40)
	v.SetDefault("validation.max_price_impact_pct", 5)
	v.SetDefault("validation.require_mint_renounced", true)
	v.SetDefault("validation.require_no_freeze", true)
	v.SetDefault("validation.max_top_holder_pct", 30)
	v.SetDefault("validation.max_top10_pct", 60)
	v.SetDefault("validation.cache_ttl", 5*time.Minute)

	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.path", "telesol.db")

	v.SetDefault("events.kafka_topic", "telesol.events")
	v.SetDefault("events.buffer", 1024)

	v.SetDefault("api.listen", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "logs/telesol.jsonl")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 7)
}

// Load reads the json config at path (or from the default locations when path
// is empty), applies TELESOL_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	// .env is optional, real environment variables win.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name

	if path == "" {
		v.AddConfigPath("./app/config") // path to look for the config file in
		v.AddConfigPath("./config")     // path to look for the config file in
		v.AddConfigPath(".")            // optionally look for config in the working directory
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("TELESOL")
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv() // read in environment variables that match

	setDefaults(v)
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return cfg, nil
}

// LoadConfig loads the config into AppConfig and panics on failure.
func LoadConfig(path string) {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	AppConfig = cfg
}

func (c *Config) Validate() error {
	t := c.Trading
	switch {
	case t.PositionPercent <= 0 || t.PositionPercent > 100:
		return errors.Errorf("trading.position_percent must be in (0, 100], got %v", t.PositionPercent)
	case t.MaxPositionPercent < t.PositionPercent:
		return errors.Errorf("trading.max_position_percent %v is below position_percent %v", t.MaxPositionPercent, t.PositionPercent)
	case t.MinBalanceSOL < 0:
		return errors.New("trading.min_balance_sol must not be negative")
	case t.StopLoss >= 0 || t.StopLoss <= -1:
		return errors.Errorf("trading.stop_loss must be in (-1, 0), got %v", t.StopLoss)
	case t.Workers <= 0:
		return errors.New("trading.workers must be positive")
	case t.PriceInterval <= 0:
		return errors.New("trading.price_interval must be positive")
	}
	for i, tp := range t.TakeProfits {
		if tp.Level <= 0 {
			return errors.Errorf("trading.take_profits[%d].level must be positive", i)
		}
		if tp.SellPercent <= 0 || tp.SellPercent > 100 {
			return errors.Errorf("trading.take_profits[%d].sell_percent must be in (0, 100]", i)
		}
	}
	if c.Jupiter.SlippageBps <= 0 || c.Jupiter.SlippageBps > 10_000 {
		return errors.Errorf("jupiter.slippage_bps must be in (0, 10000], got %d", c.Jupiter.SlippageBps)
	}
	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the bolt driver")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres driver")
		}
	default:
		return errors.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if !t.DryRun && c.Solana.PrivateKey == "" {
		return errors.New("solana.private_key is required unless trading.dry_run is set")
	}
	for i, ch := range c.Channels {
		if ch.ID == 0 {
			return errors.Errorf("channels[%d].id is required", i)
		}
	}
	return nil
}
