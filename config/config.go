package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/stellar/go/strkey"
	"gopkg.in/yaml.v3"

	"github.com/ipeknurercan/mintelligence/network"
	"github.com/ipeknurercan/mintelligence/resilience"
)

// Config is the service configuration. The issuer secret is deliberately not part of
// it; see TakeIssuerSecret.
type Config struct {
	Service     ServiceConfig     `yaml:"service"`
	Logging     LoggingConfig     `yaml:"logging"`
	Issuer      IssuerConfig      `yaml:"issuer"`
	Networks    NetworksConfig    `yaml:"networks"`
	Transaction TransactionConfig `yaml:"transaction"`
	Certificate CertificateConfig `yaml:"certificate"`
	Ledger      LedgerConfig      `yaml:"ledger"`
}

type ServiceConfig struct {
	Name                   string `yaml:"name"`
	Version                string `yaml:"version"`
	Port                   int    `yaml:"port"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	AllowedOrigin          string `yaml:"allowed_origin"`

	// IssueRatePerSecond caps issuance requests per client address; 0 disables the cap.
	IssueRatePerSecond float64 `yaml:"issue_rate_per_second"`
	IssueBurst         int     `yaml:"issue_burst"`

	// TrustedProxies lists addresses or CIDR ranges whose X-Forwarded-For is honored.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Environment string `yaml:"environment"`
}

type IssuerConfig struct {
	// SecretEnv names the environment variable holding the issuer's secret seed.
	SecretEnv  string `yaml:"secret_env"`
	HomeDomain string `yaml:"home_domain"`
	QueueSize  int    `yaml:"queue_size"`
}

type NetworkConfig struct {
	HorizonURL  string        `yaml:"horizon_url"`
	Passphrase  string        `yaml:"passphrase"`
	RewardAsset network.Asset `yaml:"reward_asset"`
}

type NetworksConfig struct {
	Test       NetworkConfig `yaml:"test"`
	Production NetworkConfig `yaml:"production"`
}

type TransactionConfig struct {
	BaseFee        int64  `yaml:"base_fee"`
	TimeoutSeconds int64  `yaml:"timeout_seconds"`
	RewardMemo     string `yaml:"reward_memo"`
}

type CertificateConfig struct {
	CodePrefix   string `yaml:"code_prefix"`
	MemoPrefix   string `yaml:"memo_prefix"`
	ImageBaseURL string `yaml:"image_base_url"`
	Platform     string `yaml:"platform"`
}

type LedgerConfig struct {
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	RetryAttempts         int `yaml:"retry_attempts"`
	RetryInitialDelayMS   int `yaml:"retry_initial_delay_ms"`
	RetryMaxDelayMS       int `yaml:"retry_max_delay_ms"`
	BreakerThreshold      int `yaml:"breaker_threshold"`
	BreakerResetSeconds   int `yaml:"breaker_reset_seconds"`
}

const (
	DefaultSecretEnv = "STELLAR_SERVER_SECRET"
	// MaxMemoTextBytes is the ledger's limit for text memos.
	MaxMemoTextBytes = 28
	// MinBaseFee is the ledger's minimum fee per operation in stroops.
	MinBaseFee = 100
	// MaxTimeoutSeconds bounds the validity window so a stuck transaction cannot hold
	// the issuer's sequence number for long.
	MaxTimeoutSeconds = 60
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	table := network.DefaultTable()
	test, _ := table.Lookup(network.Test)
	prod, _ := table.Lookup(network.Production)

	return &Config{
		Service: ServiceConfig{
			Name:                   "mintelligence-issuer",
			Version:                "v1.0.0",
			Port:                   8080,
			ReadTimeoutSeconds:     15,
			WriteTimeoutSeconds:    90,
			ShutdownTimeoutSeconds: 45,
			AllowedOrigin:          "*",
			IssueRatePerSecond:     0.5,
			IssueBurst:             5,
		},
		Logging: LoggingConfig{Level: "info", Environment: "development"},
		Issuer: IssuerConfig{
			SecretEnv:  DefaultSecretEnv,
			HomeDomain: "mintelligence.app",
			QueueSize:  64,
		},
		Networks: NetworksConfig{
			Test:       NetworkConfig{HorizonURL: test.HorizonURL, Passphrase: test.Passphrase, RewardAsset: test.RewardAsset},
			Production: NetworkConfig{HorizonURL: prod.HorizonURL, Passphrase: prod.Passphrase, RewardAsset: prod.RewardAsset},
		},
		Transaction: TransactionConfig{
			BaseFee:        MinBaseFee,
			TimeoutSeconds: 30,
			RewardMemo:     "Mintelligence Quiz Reward",
		},
		Certificate: CertificateConfig{
			CodePrefix:   "CERT",
			MemoPrefix:   "Certificate ",
			ImageBaseURL: "https://mintelligence.app/certificates/",
			Platform:     "Mintelligence",
		},
		Ledger: LedgerConfig{
			RequestTimeoutSeconds: 20,
			RetryAttempts:         3,
			RetryInitialDelayMS:   200,
			RetryMaxDelayMS:       2000,
			BreakerThreshold:      5,
			BreakerResetSeconds:   30,
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies environment
// overrides. An empty path uses defaults plus environment only.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Service.Port = port
		}
	}
	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Environment = getEnvOrDefault("ENVIRONMENT", c.Logging.Environment)
	c.Networks.Test.HorizonURL = getEnvOrDefault("HORIZON_TESTNET_URL", c.Networks.Test.HorizonURL)
	c.Networks.Production.HorizonURL = getEnvOrDefault("HORIZON_MAINNET_URL", c.Networks.Production.HorizonURL)
	c.Issuer.HomeDomain = getEnvOrDefault("ISSUER_HOME_DOMAIN", c.Issuer.HomeDomain)
}

var alphanumeric = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// Validate checks the configuration before anything is built from it.
func (c *Config) Validate() error {
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("service.port %d out of range", c.Service.Port)
	}
	if c.Service.IssueRatePerSecond < 0 || c.Service.IssueBurst < 0 {
		return fmt.Errorf("service issue rate limits must not be negative")
	}
	if _, err := c.TrustedProxies(); err != nil {
		return err
	}
	if c.Issuer.SecretEnv == "" {
		return fmt.Errorf("issuer.secret_env is required")
	}
	if len(c.Issuer.HomeDomain) > 32 {
		return fmt.Errorf("issuer.home_domain must be at most 32 characters")
	}
	if c.Issuer.QueueSize < 1 {
		return fmt.Errorf("issuer.queue_size must be positive")
	}
	for name, n := range map[string]NetworkConfig{"test": c.Networks.Test, "production": c.Networks.Production} {
		if err := n.validate(name); err != nil {
			return err
		}
	}
	if c.Transaction.BaseFee < MinBaseFee {
		return fmt.Errorf("transaction.base_fee must be at least %d stroops", MinBaseFee)
	}
	if c.Transaction.TimeoutSeconds < 1 || c.Transaction.TimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("transaction.timeout_seconds must be between 1 and %d", MaxTimeoutSeconds)
	}
	if len(c.Transaction.RewardMemo) > MaxMemoTextBytes {
		return fmt.Errorf("transaction.reward_memo must be at most %d bytes", MaxMemoTextBytes)
	}
	if !alphanumeric.MatchString(c.Certificate.CodePrefix) || len(c.Certificate.CodePrefix) > 8 {
		return fmt.Errorf("certificate.code_prefix must be 1-8 alphanumeric characters")
	}
	if len(c.Certificate.MemoPrefix) >= MaxMemoTextBytes {
		return fmt.Errorf("certificate.memo_prefix must leave room for the certificate id")
	}
	if c.Ledger.RequestTimeoutSeconds < 1 {
		return fmt.Errorf("ledger.request_timeout_seconds must be positive")
	}
	return nil
}

func (n NetworkConfig) validate(name string) error {
	u, err := url.Parse(n.HorizonURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("networks.%s.horizon_url %q is not a valid URL", name, n.HorizonURL)
	}
	if n.Passphrase == "" {
		return fmt.Errorf("networks.%s.passphrase is required", name)
	}
	code := n.RewardAsset.Code
	if code == "" || len(code) > 12 || !alphanumeric.MatchString(code) {
		return fmt.Errorf("networks.%s.reward_asset.code must be 1-12 alphanumeric characters", name)
	}
	if !strkey.IsValidEd25519PublicKey(n.RewardAsset.Issuer) {
		return fmt.Errorf("networks.%s.reward_asset.issuer is not a valid account address", name)
	}
	return nil
}

// Table builds the network table from the configuration.
func (c *Config) Table() *network.Table {
	return network.NewTable(
		network.Settings{
			Network:     network.Test,
			HorizonURL:  c.Networks.Test.HorizonURL,
			Passphrase:  c.Networks.Test.Passphrase,
			RewardAsset: c.Networks.Test.RewardAsset,
		},
		network.Settings{
			Network:     network.Production,
			HorizonURL:  c.Networks.Production.HorizonURL,
			Passphrase:  c.Networks.Production.Passphrase,
			RewardAsset: c.Networks.Production.RewardAsset,
		},
	)
}

// TrustedProxies parses service.trusted_proxies. A bare address is a single-host range.
func (c *Config) TrustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.Service.TrustedProxies))
	for _, v := range c.Service.TrustedProxies {
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("service.trusted_proxies: %w", err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("service.trusted_proxies: %w", err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// TakeIssuerSecret reads the issuer's secret seed from the configured environment
// variable and removes it from the environment, so child processes and
// /proc/self/environ no longer carry it. A second call returns "".
func (c *Config) TakeIssuerSecret() (string, error) {
	secret := os.Getenv(c.Issuer.SecretEnv)
	if err := os.Unsetenv(c.Issuer.SecretEnv); err != nil {
		return "", fmt.Errorf("failed to clear %s: %w", c.Issuer.SecretEnv, err)
	}
	return secret, nil
}

// RetryPolicy is the policy for Horizon reads. Submissions are never retried.
func (c *Config) RetryPolicy() *resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	if c.Ledger.RetryAttempts > 0 {
		p.MaxAttempts = c.Ledger.RetryAttempts
	}
	if c.Ledger.RetryInitialDelayMS > 0 {
		p.InitialDelay = time.Duration(c.Ledger.RetryInitialDelayMS) * time.Millisecond
	}
	if c.Ledger.RetryMaxDelayMS > 0 {
		p.MaxDelay = time.Duration(c.Ledger.RetryMaxDelayMS) * time.Millisecond
	}
	return p
}

func (c *Config) BreakerReset() time.Duration {
	return time.Duration(c.Ledger.BreakerResetSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Ledger.RequestTimeoutSeconds) * time.Second
}

func (c *Config) TxTimeout() time.Duration {
	return time.Duration(c.Transaction.TimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Service.ShutdownTimeoutSeconds) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
