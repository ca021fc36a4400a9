// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 25 * units.MiB

// DefaultMessageDispositionType is the Exchange disposition used when none is configured.
const DefaultMessageDispositionType = "SendAndSaveCopy"

// Config holds the complete application configuration.
type Config struct {
	Provider string         `yaml:"provider"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Mail     MailConfig     `yaml:"mail"`
	Graph    GraphConfig    `yaml:"graph"`
	SES      SESConfig      `yaml:"ses"`
	TLS      TLSConfig      `yaml:"tls"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen            string   `yaml:"listen"`
	Hostname          string   `yaml:"hostname"`
	Username          string   `yaml:"username"`
	Password          string   `yaml:"password"`
	MaxMessageSize    ByteSize `yaml:"max_message_size"`
	AllowInsecureAuth bool     `yaml:"allow_insecure_auth"`
}

// ExchangeConfig holds the Exchange Web Services transport configuration.
type ExchangeConfig struct {
	Host                   string        `yaml:"host"`
	Username               string        `yaml:"username"`
	Password               string        `yaml:"password"`
	MessageDispositionType string        `yaml:"message_disposition_type"`
	Version                string        `yaml:"version"`
	CAFile                 string        `yaml:"ca_file"`
	InsecureSkipVerify     bool          `yaml:"insecure_skip_verify"`
	Timeout                time.Duration `yaml:"timeout"`
}

// MailConfig holds process-wide mail identity settings.
type MailConfig struct {
	From FromConfig `yaml:"from"`
}

// FromConfig is the sender identity used by transports that do not take the
// sender from the message.
type FromConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SESConfig holds AWS SES v2 configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig holds the Prometheus endpoint configuration. An empty Listen
// disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// ByteSize is a size in bytes that accepts human-readable values such as
// "25MB" or "512KiB" in YAML.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	size, err := units.RAMInBytes(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*b = ByteSize(size)
	return nil
}

// String renders the size in binary units.
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Provider = strings.ToLower(cfg.Provider)

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, nil
}

// ProviderName returns the transport to use. An explicit provider wins;
// otherwise the first configured backend is picked in the order exchange,
// graph, ses, falling back to stdout.
func (c *Config) ProviderName() string {
	switch {
	case c.Provider != "":
		return c.Provider
	case c.ExchangeConfigured():
		return "exchange"
	case c.GraphConfigured():
		return "graph"
	case c.SESConfigured():
		return "ses"
	default:
		return "stdout"
	}
}

// ExchangeConfigured returns true if an Exchange host is set.
func (c *Config) ExchangeConfigured() bool {
	return c.Exchange.Host != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if the SES region and sender are set.
// Static credentials are optional; the default AWS chain is used otherwise.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.AllowInsecureAuth = true
	c.Exchange.MessageDispositionType = DefaultMessageDispositionType
	c.Exchange.Timeout = 30 * time.Second
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := units.RAMInBytes(v); err == nil {
			c.SMTP.MaxMessageSize = ByteSize(size)
		}
	}
	if v := os.Getenv("SMTP_ALLOW_INSECURE_AUTH"); v != "" {
		if allow, err := strconv.ParseBool(v); err == nil {
			c.SMTP.AllowInsecureAuth = allow
		}
	}

	if v := os.Getenv("EXCHANGE_HOST"); v != "" {
		c.Exchange.Host = v
	}
	if v := os.Getenv("EXCHANGE_USERNAME"); v != "" {
		c.Exchange.Username = v
	}
	if v := os.Getenv("EXCHANGE_PASSWORD"); v != "" {
		c.Exchange.Password = v
	}
	if v := os.Getenv("EXCHANGE_MESSAGE_DISPOSITION_TYPE"); v != "" {
		c.Exchange.MessageDispositionType = v
	}
	if v := os.Getenv("EXCHANGE_VERSION"); v != "" {
		c.Exchange.Version = v
	}
	if v := os.Getenv("EXCHANGE_CA_FILE"); v != "" {
		c.Exchange.CAFile = v
	}
	if v := os.Getenv("EXCHANGE_INSECURE_SKIP_VERIFY"); v != "" {
		if skip, err := strconv.ParseBool(v); err == nil {
			c.Exchange.InsecureSkipVerify = skip
		}
	}
	if v := os.Getenv("EXCHANGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Exchange.Timeout = d
		}
	}

	if v := os.Getenv("MAIL_FROM_ADDRESS"); v != "" {
		c.Mail.From.Address = v
	}
	if v := os.Getenv("MAIL_FROM_NAME"); v != "" {
		c.Mail.From.Name = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
}
