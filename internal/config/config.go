package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Verification VerificationConfig `yaml:"verification" mapstructure:"verification"`
	Session      SessionConfig      `yaml:"session" mapstructure:"session"`
	Ledger       LedgerConfig       `yaml:"ledger" mapstructure:"ledger"`
	Storage      StorageConfig      `yaml:"storage" mapstructure:"storage"`
	Notify       NotifyConfig       `yaml:"notify" mapstructure:"notify"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds credentials for the AI verification provider.
type AnthropicConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	Model     string  `yaml:"model" mapstructure:"model"`
	MaxTokens int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RPS       float64 `yaml:"rps" mapstructure:"rps"`
}

// VerificationConfig holds the trust policy applied to collector output.
// Scores are on a 0-100 scale.
type VerificationConfig struct {
	ApproveThreshold float64 `yaml:"approve_threshold" mapstructure:"approve_threshold"`
	ReviewThreshold  float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
	FraudPenalty     float64 `yaml:"fraud_penalty" mapstructure:"fraud_penalty"`
	FrameMaxDelta    float64 `yaml:"frame_max_delta" mapstructure:"frame_max_delta"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ElementsPath     string  `yaml:"elements_path" mapstructure:"elements_path"`
}

// SessionConfig tunes the session state machine.
type SessionConfig struct {
	ClaimTTLSecs int `yaml:"claim_ttl_secs" mapstructure:"claim_ttl_secs"`
}

// LedgerConfig selects and configures the anchoring ledgers.
type LedgerConfig struct {
	// Mode is "mock" or "real" and applies to every ledger without an override.
	Mode        string     `yaml:"mode" mapstructure:"mode"`
	MinAnchors  int        `yaml:"min_anchors" mapstructure:"min_anchors"`
	TimeoutSecs int        `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RPS         float64    `yaml:"rps" mapstructure:"rps"`
	EVM         EVMConfig  `yaml:"evm" mapstructure:"evm"`
	XRPL        XRPLConfig `yaml:"xrpl" mapstructure:"xrpl"`
}

// EVMConfig configures the account-based ledger.
type EVMConfig struct {
	Mode          string `yaml:"mode" mapstructure:"mode"`
	RPCURL        string `yaml:"rpc_url" mapstructure:"rpc_url"`
	WalletAddress string `yaml:"wallet_address" mapstructure:"wallet_address"`
	ChainID       int64  `yaml:"chain_id" mapstructure:"chain_id"`
	ExplorerURL   string `yaml:"explorer_url" mapstructure:"explorer_url"`
	ReceiptPolls  int    `yaml:"receipt_polls" mapstructure:"receipt_polls"`
}

// XRPLConfig configures the memo-based ledger.
type XRPLConfig struct {
	Mode        string `yaml:"mode" mapstructure:"mode"`
	RPCURL      string `yaml:"rpc_url" mapstructure:"rpc_url"`
	Address     string `yaml:"address" mapstructure:"address"`
	Secret      string `yaml:"secret" mapstructure:"secret"`
	ExplorerURL string `yaml:"explorer_url" mapstructure:"explorer_url"`
}

// StorageConfig configures the object store for evidence and documents.
type StorageConfig struct {
	Dir     string `yaml:"dir" mapstructure:"dir"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// NotifyConfig configures outbound session notifications.
type NotifyConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Secret      string `yaml:"secret" mapstructure:"secret"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// EVMMode returns the effective mode of the account-based ledger.
func (c LedgerConfig) EVMMode() string {
	if c.EVM.Mode != "" {
		return c.EVM.Mode
	}
	return c.Mode
}

// XRPLMode returns the effective mode of the memo-based ledger.
func (c LedgerConfig) XRPLMode() string {
	if c.XRPL.Mode != "" {
		return c.XRPL.Mode
	}
	return c.Mode
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("WITNESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "witness.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.rps", 2.0)
	v.SetDefault("verification.approve_threshold", 90.0)
	v.SetDefault("verification.review_threshold", 80.0)
	v.SetDefault("verification.fraud_penalty", 10.0)
	v.SetDefault("verification.frame_max_delta", 3.0)
	v.SetDefault("verification.timeout_secs", 20)
	v.SetDefault("session.claim_ttl_secs", 120)
	v.SetDefault("ledger.mode", "mock")
	v.SetDefault("ledger.min_anchors", 1)
	v.SetDefault("ledger.timeout_secs", 30)
	v.SetDefault("ledger.rps", 5.0)
	v.SetDefault("ledger.evm.chain_id", 137)
	v.SetDefault("ledger.evm.explorer_url", "https://polygonscan.com/tx/")
	v.SetDefault("ledger.evm.receipt_polls", 10)
	v.SetDefault("ledger.xrpl.explorer_url", "https://livenet.xrpl.org/transactions/")
	v.SetDefault("storage.dir", "data/objects")
	v.SetDefault("storage.base_url", "file://data/objects")
	v.SetDefault("notify.timeout_secs", 10)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the fields required by the given command are set.
// Mode is one of "serve", "anchor" or "audit".
func (c *Config) Validate(mode string) error {
	var problems []string

	v := c.Verification
	if v.ApproveThreshold < 0 || v.ApproveThreshold > 100 {
		problems = append(problems, "verification.approve_threshold must be within [0,100]")
	}
	if v.ReviewThreshold < 0 || v.ReviewThreshold > 100 {
		problems = append(problems, "verification.review_threshold must be within [0,100]")
	}
	if v.ReviewThreshold >= v.ApproveThreshold {
		problems = append(problems, "verification.review_threshold must be below approve_threshold")
	}
	if c.Ledger.MinAnchors < 0 || c.Ledger.MinAnchors > 2 {
		problems = append(problems, "ledger.min_anchors must be 0, 1 or 2")
	}

	for name, m := range map[string]string{"evm": c.Ledger.EVMMode(), "xrpl": c.Ledger.XRPLMode()} {
		if m != "mock" && m != "real" {
			problems = append(problems, fmt.Sprintf("ledger.%s mode %q is not mock or real", name, m))
		}
	}

	switch mode {
	case "serve", "anchor":
		if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
			problems = append(problems, "server.port must be within 1-65535")
		}
		if c.Ledger.EVMMode() == "real" {
			if c.Ledger.EVM.RPCURL == "" {
				problems = append(problems, "ledger.evm.rpc_url is required")
			}
			if c.Ledger.EVM.WalletAddress == "" {
				problems = append(problems, "ledger.evm.wallet_address is required")
			}
		}
		if c.Ledger.XRPLMode() == "real" {
			if c.Ledger.XRPL.RPCURL == "" {
				problems = append(problems, "ledger.xrpl.rpc_url is required")
			}
			if c.Ledger.XRPL.Address == "" || c.Ledger.XRPL.Secret == "" {
				problems = append(problems, "ledger.xrpl.address and ledger.xrpl.secret are required")
			}
		}
	case "audit":
	default:
		problems = append(problems, fmt.Sprintf("unknown validation mode %q", mode))
	}

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
