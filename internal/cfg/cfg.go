// Package cfg loads and validates the bot's runtime configuration.
//
// Configuration is layered: a JSON/YAML config file supplies structure
// (exchange options, trading/strategy/risk parameters, the symbol list),
// and environment variables override secrets and a handful of operational
// knobs. This mirrors the teacher's two-path config loader: a config file
// path from CONFIG_FILE (default config.json), or pure environment variables
// when that file does not exist.
package cfg

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"tradingbot/internal/common"
)

// TrailingStopConfig mirrors trading.strategy.trailing_stop in config.json.
type TrailingStopConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	ActivationPnl float64 `json:"activation_pnl" yaml:"activation_pnl"`
	CallbackRate  float64 `json:"callback_rate" yaml:"callback_rate"`
}

// SignalGateConfig mirrors trading.strategy.signal_gate.
type SignalGateConfig struct {
	RSIMin float64 `json:"rsi_min" yaml:"rsi_min"`
	RSIMax float64 `json:"rsi_max" yaml:"rsi_max"`
	ADXMin float64 `json:"adx_min" yaml:"adx_min"`
}

// SentimentFilterConfig mirrors trading.strategy.sentiment_filter.
type SentimentFilterConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	GreedAbove int  `json:"greed_above" yaml:"greed_above"`
	FearBelow  int  `json:"fear_below" yaml:"fear_below"`
}

// StrategyConfig mirrors trading.strategy.
type StrategyConfig struct {
	AIInterval      int                   `json:"ai_interval" yaml:"ai_interval"`
	TrailingStop    TrailingStopConfig    `json:"trailing_stop" yaml:"trailing_stop"`
	SignalGate      SignalGateConfig      `json:"signal_gate" yaml:"signal_gate"`
	SentimentFilter SentimentFilterConfig `json:"sentiment_filter" yaml:"sentiment_filter"`
	BarCloseOnly    bool                  `json:"bar_close_only" yaml:"bar_close_only"`
}

// RiskControlConfig mirrors trading.risk_control.
type RiskControlConfig struct {
	InitialBalanceUSDT float64 `json:"initial_balance_usdt" yaml:"initial_balance_usdt"`
	MaxProfitUSDT      float64 `json:"max_profit_usdt" yaml:"max_profit_usdt"`
	MaxLossUSDT        float64 `json:"max_loss_usdt" yaml:"max_loss_usdt"`
	MaxProfitRate      float64 `json:"max_profit_rate" yaml:"max_profit_rate"`
	MaxLossRate        float64 `json:"max_loss_rate" yaml:"max_loss_rate"`
}

// ExecutionConfig mirrors trading.execution: the Execution Guard's gate
// thresholds (spec §4.5).
type ExecutionConfig struct {
	CooldownSec               int     `json:"cooldown_sec" yaml:"cooldown_sec"`
	MinIntervalSec            int     `json:"min_interval_sec" yaml:"min_interval_sec"`
	FailureThreshold          int     `json:"failure_threshold" yaml:"failure_threshold"`
	CircuitBreakerCooldownSec int     `json:"circuit_breaker_cooldown_sec" yaml:"circuit_breaker_cooldown_sec"`
	TakerFeeRate              float64 `json:"taker_fee_rate" yaml:"taker_fee_rate"`
	AnalysisSlackSec          int     `json:"analysis_slack_sec" yaml:"analysis_slack_sec"`
	NotifyCooldownSec         int     `json:"notify_cooldown_sec" yaml:"notify_cooldown_sec"`
}

// TradingConfig mirrors the top-level trading{} block.
type TradingConfig struct {
	Timeframe            string            `json:"timeframe" yaml:"timeframe"`
	LoopInterval         int               `json:"loop_interval" yaml:"loop_interval"`
	TestMode             bool              `json:"test_mode" yaml:"test_mode"`
	MaxSlippagePercent   float64           `json:"max_slippage_percent" yaml:"max_slippage_percent"`
	MinConfidence        string            `json:"min_confidence" yaml:"min_confidence"`
	MaxConcurrentTraders int               `json:"max_concurrent_traders" yaml:"max_concurrent_traders"`
	Strategy             StrategyConfig    `json:"strategy" yaml:"strategy"`
	RiskControl          RiskControlConfig `json:"risk_control" yaml:"risk_control"`
	Execution            ExecutionConfig   `json:"execution" yaml:"execution"`
}

// OKXConfig mirrors exchanges.okx.
type OKXConfig struct {
	APIKey   string            `json:"api_key" yaml:"api_key"`
	Secret   string            `json:"secret" yaml:"secret"`
	Password string            `json:"password" yaml:"password"`
	Options  map[string]string `json:"options" yaml:"options"`
}

// DeepseekConfig mirrors models.deepseek.
type DeepseekConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
}

// NotificationConfig mirrors notification{}.
type NotificationConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// SymbolConfig is one entry of the symbols[] array.
type SymbolConfig struct {
	Symbol     string  `json:"symbol" yaml:"symbol"`
	Leverage   int     `json:"leverage" yaml:"leverage"`
	TradeMode  string  `json:"trade_mode" yaml:"trade_mode"`
	MarginMode string  `json:"margin_mode" yaml:"margin_mode"`
	Allocation string  `json:"allocation" yaml:"allocation"` // fraction string, "auto", or fixed quote amount
	Amount     float64 `json:"amount" yaml:"amount"`
}

// ConfigFile is the root shape of config.json (spec §6).
type ConfigFile struct {
	Exchanges struct {
		OKX OKXConfig `json:"okx" yaml:"okx"`
	} `json:"exchanges" yaml:"exchanges"`
	Models struct {
		Deepseek DeepseekConfig `json:"deepseek" yaml:"deepseek"`
	} `json:"models" yaml:"models"`
	Notification NotificationConfig `json:"notification" yaml:"notification"`
	Trading      TradingConfig      `json:"trading" yaml:"trading"`
	Symbols      []SymbolConfig     `json:"symbols" yaml:"symbols"`
}

// Settings is the fully resolved, validated runtime configuration consumed
// by every other package. It flattens ConfigFile and applies environment
// overrides for secrets and a few operational knobs.
type Settings struct {
	OKXAPIKey   string
	OKXSecret   string
	OKXPassword string
	OKXOptions  map[string]string

	DeepseekAPIKey  string
	DeepseekBaseURL string
	DeepseekModel   string

	NotifyEnabled bool
	NotifyWebhook string

	Timeframe            string
	LoopInterval         time.Duration
	TestMode             bool
	MaxSlippagePercent   float64
	MinConfidence        string
	MaxConcurrentTraders int

	AIInterval            time.Duration
	TrailingStopEnabled   bool
	TrailingActivationPnl float64
	TrailingCallbackRate  float64
	RSIMin                float64
	RSIMax                float64
	ADXMin                float64
	SentimentEnabled      bool
	SentimentGreedAbove   int
	SentimentFearBelow    int
	BarCloseOnly          bool

	InitialBalanceUSDT float64
	MaxProfitUSDT      float64
	MaxLossUSDT        float64
	MaxProfitRate      float64
	MaxLossRate        float64

	CooldownSec               time.Duration
	MinIntervalSec            time.Duration
	FailureThreshold          int
	CircuitBreakerCooldownSec time.Duration
	TakerFeeRate              float64
	AnalysisSlackSec          time.Duration
	NotifyCooldownSec         time.Duration

	Symbols     []SymbolConfig
	symbolIndex map[string]SymbolConfig

	DataPath      string
	MetricsPort   int
	DashboardPort int
	LogLevel      string
	ForceLive   bool
	ConfigMTime time.Time
	ConfigPath  string
}

// GetSymbolConfig returns the per-symbol override, or a zero-value
// SymbolConfig with defaulted fields if the symbol is unknown.
func (s *Settings) GetSymbolConfig(symbol string) SymbolConfig {
	if sc, ok := s.symbolIndex[symbol]; ok {
		return sc
	}
	return SymbolConfig{Symbol: symbol, Leverage: 1, TradeMode: common.TradeModeCross, Allocation: "auto"}
}

// SymbolNames returns the configured symbol list in file order.
func (s *Settings) SymbolNames() []string {
	names := make([]string, len(s.Symbols))
	for i, sc := range s.Symbols {
		names[i] = sc.Symbol
	}
	return names
}

// Load resolves Settings from the file named by CONFIG_FILE (config.json
// when unset) plus environment overrides, validating the result. It mirrors the teacher's cfg.Load: try
// the file path first, fall back to environment-only, then always apply
// env overrides (secrets must never live only in a checked-in file).
func Load() (*Settings, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	path := os.Getenv(common.EnvConfigFile)
	if path == "" {
		path = "config.json"
	}
	var cfFile *ConfigFile
	var mtime time.Time
	if data, err := os.ReadFile(path); err == nil {
		cf, perr := parseConfigFile(path, data)
		if perr != nil {
			return nil, &common.ConfigError{Field: "config_file", Reason: perr.Error()}
		}
		cfFile = cf
		if fi, statErr := os.Stat(path); statErr == nil {
			mtime = fi.ModTime()
		}
	} else {
		log.Warn().Str("path", path).Msg("config file not found, relying on environment variables")
		cfFile = &ConfigFile{}
	}

	s := fromConfigFile(cfFile)
	s.ConfigPath = path
	s.ConfigMTime = mtime
	applyEnvOverrides(s)

	if err := validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func parseConfigFile(path string, data []byte) (*ConfigFile, error) {
	var cf ConfigFile
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
		return &cf, nil
	}
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return &cf, nil
}

func fromConfigFile(cf *ConfigFile) *Settings {
	s := &Settings{
		OKXAPIKey:      cf.Exchanges.OKX.APIKey,
		OKXSecret:      cf.Exchanges.OKX.Secret,
		OKXPassword:    cf.Exchanges.OKX.Password,
		OKXOptions:     cf.Exchanges.OKX.Options,
		DeepseekAPIKey: cf.Models.Deepseek.APIKey,
		DeepseekBaseURL: cf.Models.Deepseek.BaseURL,
		DeepseekModel:   cf.Models.Deepseek.Model,
		NotifyEnabled:   cf.Notification.Enabled,
		NotifyWebhook:   cf.Notification.WebhookURL,

		Timeframe:            orDefault(cf.Trading.Timeframe, common.DefaultTimeframe),
		LoopInterval:         time.Duration(orDefaultInt(cf.Trading.LoopInterval, common.DefaultLoopInterval)) * time.Second,
		TestMode:             cf.Trading.TestMode,
		MaxSlippagePercent:   orDefaultF(cf.Trading.MaxSlippagePercent, common.DefaultMaxSlippagePercent),
		MinConfidence:        orDefault(strings.ToUpper(cf.Trading.MinConfidence), common.DefaultMinConfidence),
		MaxConcurrentTraders: orDefaultInt(cf.Trading.MaxConcurrentTraders, common.DefaultMaxConcurrentTraders),

		AIInterval:            time.Duration(orDefaultInt(cf.Trading.Strategy.AIInterval, common.DefaultAIInterval)) * time.Second,
		TrailingStopEnabled:   cf.Trading.Strategy.TrailingStop.Enabled,
		TrailingActivationPnl: orDefaultF(cf.Trading.Strategy.TrailingStop.ActivationPnl, common.DefaultTrailingActivation),
		TrailingCallbackRate:  orDefaultF(cf.Trading.Strategy.TrailingStop.CallbackRate, common.DefaultTrailingCallback),
		RSIMin:                orDefaultF(cf.Trading.Strategy.SignalGate.RSIMin, common.DefaultRSIMin),
		RSIMax:                orDefaultF(cf.Trading.Strategy.SignalGate.RSIMax, common.DefaultRSIMax),
		ADXMin:                orDefaultF(cf.Trading.Strategy.SignalGate.ADXMin, common.DefaultADXMin),
		SentimentEnabled:      cf.Trading.Strategy.SentimentFilter.Enabled,
		SentimentGreedAbove:   orDefaultInt(cf.Trading.Strategy.SentimentFilter.GreedAbove, 80),
		SentimentFearBelow:    orDefaultInt(cf.Trading.Strategy.SentimentFilter.FearBelow, 20),
		BarCloseOnly:          cf.Trading.Strategy.BarCloseOnly,

		InitialBalanceUSDT: cf.Trading.RiskControl.InitialBalanceUSDT,
		MaxProfitUSDT:      cf.Trading.RiskControl.MaxProfitUSDT,
		MaxLossUSDT:        cf.Trading.RiskControl.MaxLossUSDT,
		MaxProfitRate:      cf.Trading.RiskControl.MaxProfitRate,
		MaxLossRate:        cf.Trading.RiskControl.MaxLossRate,

		CooldownSec:               time.Duration(orDefaultInt(cf.Trading.Execution.CooldownSec, common.DefaultCooldownSec)) * time.Second,
		MinIntervalSec:            time.Duration(orDefaultInt(cf.Trading.Execution.MinIntervalSec, common.DefaultMinIntervalSec)) * time.Second,
		FailureThreshold:          orDefaultInt(cf.Trading.Execution.FailureThreshold, common.DefaultFailureThreshold),
		CircuitBreakerCooldownSec: time.Duration(orDefaultInt(cf.Trading.Execution.CircuitBreakerCooldownSec, common.DefaultCircuitBreakerCooldownSec)) * time.Second,
		TakerFeeRate:              orDefaultF(cf.Trading.Execution.TakerFeeRate, common.DefaultTakerFeeRate),
		AnalysisSlackSec:          time.Duration(orDefaultInt(cf.Trading.Execution.AnalysisSlackSec, common.DefaultAnalysisSlackSec)) * time.Second,
		NotifyCooldownSec:         time.Duration(orDefaultInt(cf.Trading.Execution.NotifyCooldownSec, common.DefaultNotifyCooldownSec)) * time.Second,

		Symbols:     cf.Symbols,
		symbolIndex: make(map[string]SymbolConfig, len(cf.Symbols)),

		MetricsPort:   common.DefaultMetricsPort,
		DashboardPort: common.DefaultDashboardPort,
		DataPath:      "data",
	}
	for _, sc := range cf.Symbols {
		s.symbolIndex[sc.Symbol] = sc
	}
	return s
}

func applyEnvOverrides(s *Settings) {
	if v := os.Getenv(common.EnvOKXAPIKey); v != "" {
		s.OKXAPIKey = v
	}
	if v := os.Getenv(common.EnvOKXSecret); v != "" {
		s.OKXSecret = v
	}
	if v := os.Getenv(common.EnvOKXPassword); v != "" {
		s.OKXPassword = v
	}
	if v := os.Getenv(common.EnvDeepseekAPIKey); v != "" {
		s.DeepseekAPIKey = v
	}
	if v := os.Getenv(common.EnvNotifyWebhook); v != "" {
		s.NotifyWebhook = v
		s.NotifyEnabled = true
	}
	if v := os.Getenv(common.EnvLogLevel); v != "" {
		s.LogLevel = v
	} else if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if v := os.Getenv(common.EnvDataPath); v != "" {
		s.DataPath = v
	}
	if v := os.Getenv(common.EnvMetricsPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			s.MetricsPort = p
		}
	}
	if v := os.Getenv(common.EnvDashboardPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			s.DashboardPort = p
		}
	}
	s.ForceLive = strings.EqualFold(os.Getenv(common.EnvForceLive), "true")
}

func validate(s *Settings) error {
	if s.OKXAPIKey == "" || s.OKXSecret == "" {
		return &common.ConfigError{Field: "okx_credentials", Reason: "OKX_API_KEY and OKX_SECRET are required"}
	}
	if len(s.Symbols) == 0 {
		return &common.ConfigError{Field: "symbols", Reason: common.ErrMsgSymbolRequired}
	}
	if !s.TestMode && !s.ForceLive {
		return &common.ConfigError{Field: "force_live_trading", Reason: common.ErrMsgForceLiveTradingRequired}
	}
	if s.MaxConcurrentTraders <= 0 {
		return &common.ConfigError{Field: "max_concurrent_traders", Reason: "must be positive"}
	}
	if s.MaxSlippagePercent <= 0 || s.MaxSlippagePercent > 10 {
		return &common.ConfigError{Field: "max_slippage_percent", Reason: "must be in (0, 10]"}
	}
	switch s.MinConfidence {
	case "LOW", "MED", "HIGH":
	default:
		return &common.ConfigError{Field: "min_confidence", Reason: "must be LOW, MED, or HIGH"}
	}
	for _, sym := range s.Symbols {
		if sym.Symbol == "" {
			return &common.ConfigError{Field: "symbols[].symbol", Reason: "symbol cannot be empty"}
		}
		switch sym.TradeMode {
		case "", common.TradeModeCash, common.TradeModeCross, common.TradeModeIsolated:
		default:
			return &common.ConfigError{Field: "symbols[].trade_mode", Reason: "invalid trade_mode " + sym.TradeMode}
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultF(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
