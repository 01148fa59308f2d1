package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Mode      Mode            `toml:"-"`
	Region    string          `toml:"region"`
	Service   ServiceConfig   `toml:"service"`
	Endpoints EndpointsConfig `toml:"endpoints"`
	Wallet    WalletConfig    `toml:"wallet"`
	Challenge ChallengeConfig `toml:"challenge"`
	Biometric BiometricConfig `toml:"biometric"`
	Verifier  VerifierConfig  `toml:"verifier"`
	Redirect  RedirectConfig  `toml:"redirect"`
	Sessions  SessionsConfig  `toml:"sessions"`
	Redis     RedisConfig     `toml:"redis"`
	Database  DatabaseConfig  `toml:"database"`
}

type ServiceConfig struct {
	Mode          string   `toml:"mode"`
	Name          string   `toml:"name"`
	VSock         bool     `toml:"vsock"`
	Port          uint32   `toml:"port"`
	ProxyHost     string   `toml:"proxy_host"`
	ProxyPort     uint32   `toml:"proxy_port"`
	CORSOrigins   []string `toml:"cors_origins"`
	DebugProfiler bool     `toml:"debug_profiler"`
}

type EndpointsConfig struct {
	AWSEndpoint    string `toml:"aws_endpoint"`
	MetadataServer string `toml:"metadata_server"`
	BiometricURL   string `toml:"biometric_url"`
	VerifierURL    string `toml:"verifier_url"`
	WalletRPCURL   string `toml:"wallet_rpc_url"`
}

type WalletConfig struct {
	// Provider is "keystore" (in-process wallets, local mode only) or "jsonrpc".
	Provider     string        `toml:"provider"`
	PrivateKeys  []string      `toml:"private_keys"`
	PollInterval time.Duration `toml:"poll_interval"`
}

type ChallengeConfig struct {
	NonceTTL time.Duration `toml:"nonce_ttl"`
	// Backend is "memory" or "redis".
	Backend string `toml:"backend"`
}

type BiometricConfig struct {
	EmbeddingSize int           `toml:"embedding_size"`
	Timeout       time.Duration `toml:"timeout"`
}

type VerifierConfig struct {
	Timeout        time.Duration `toml:"timeout"`
	AccessKeyID    string        `toml:"access_key_secret_id"`
	AccessKeyValue string        `toml:"access_key"`
}

type RedirectConfig struct {
	PageOrigin     string   `toml:"page_origin"`
	PartnerOrigins []string `toml:"partner_origins"`
	ProfileFields  []string `toml:"profile_fields"`
}

type SessionsConfig struct {
	MaxFlows int           `toml:"max_flows"`
	TTL      time.Duration `toml:"ttl"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type DatabaseConfig struct {
	VerificationAttemptsTable string `toml:"verification_attempts_table"`
}

func New() (*Config, error) {
	fileName := os.Getenv("CONFIG")
	var cfg Config
	if _, err := toml.DecodeFile(fileName, &cfg); err != nil {
		return nil, err
	}
	return finalize(&cfg)
}

// Parse decodes a TOML document the same way New decodes the file named by $CONFIG.
func Parse(data string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(data, &cfg); err != nil {
		return nil, err
	}
	return finalize(&cfg)
}

func finalize(cfg *Config) (*Config, error) {
	var mode Mode
	switch cfg.Service.Mode {
	case "local":
		mode = LocalMode
	case "dev", "development":
		mode = DevelopmentMode
	case "prod", "production":
		mode = ProductionMode
	default:
		return nil, fmt.Errorf("config service.mode value is invalid, must be one of \"local\", \"development\", \"dev\", \"production\" or \"prod\"")
	}
	cfg.Mode = mode
	cfg.Service.Mode = mode.String()

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) SetDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "NFTAuth"
	}
	if c.Service.Port == 0 {
		c.Service.Port = 8080
	}
	if c.Wallet.Provider == "" {
		c.Wallet.Provider = "jsonrpc"
	}
	if c.Wallet.PollInterval == 0 {
		c.Wallet.PollInterval = 2 * time.Second
	}
	if c.Challenge.NonceTTL == 0 {
		c.Challenge.NonceTTL = 15 * time.Minute
	}
	if c.Challenge.Backend == "" {
		c.Challenge.Backend = "memory"
	}
	if c.Biometric.Timeout == 0 {
		c.Biometric.Timeout = 60 * time.Second
	}
	if c.Verifier.Timeout == 0 {
		c.Verifier.Timeout = 30 * time.Second
	}
	if c.Redirect.ProfileFields == nil {
		c.Redirect.ProfileFields = []string{"name", "gender", "dob", "mobile"}
	}
	if c.Sessions.MaxFlows == 0 {
		c.Sessions.MaxFlows = 4096
	}
	if c.Sessions.TTL == 0 {
		c.Sessions.TTL = 30 * time.Minute
	}
}

func (c *Config) Validate() error {
	if c.Endpoints.VerifierURL == "" {
		return fmt.Errorf("config endpoints.verifier_url is required")
	}
	if c.Endpoints.BiometricURL == "" {
		return fmt.Errorf("config endpoints.biometric_url is required")
	}
	if c.Redirect.PageOrigin == "" {
		return fmt.Errorf("config redirect.page_origin is required")
	}
	switch c.Wallet.Provider {
	case "keystore":
		if c.Mode == ProductionMode {
			return fmt.Errorf("config wallet.provider \"keystore\" is not allowed in production mode")
		}
	case "jsonrpc":
		if c.Endpoints.WalletRPCURL == "" {
			return fmt.Errorf("config endpoints.wallet_rpc_url is required for the jsonrpc wallet provider")
		}
	default:
		return fmt.Errorf("config wallet.provider value is invalid, must be one of \"keystore\" or \"jsonrpc\"")
	}
	switch c.Challenge.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("config redis.addr is required for the redis challenge backend")
		}
	default:
		return fmt.Errorf("config challenge.backend value is invalid, must be one of \"memory\" or \"redis\"")
	}
	return nil
}

type Mode uint32

const (
	LocalMode Mode = iota
	DevelopmentMode
	ProductionMode
)

func (m Mode) String() string {
	switch m {
	case LocalMode:
		return "local"
	case DevelopmentMode:
		return "development"
	case ProductionMode:
		return "production"
	default:
		return ""
	}
}
