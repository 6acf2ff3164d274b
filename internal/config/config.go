package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"freeflow/internal/money"
)

// Config models freeflow.yml.
type Config struct {
	Currencies struct {
		Default    string           `yaml:"default"`
		MinorUnits map[string]int32 `yaml:"minor_units"`
	} `yaml:"currencies"`
	Contracts struct {
		ExpireAfter time.Duration `yaml:"expire_after"`
	} `yaml:"contracts"`
	Payout PayoutConfig `yaml:"payout"`
	Relay  RelayConfig  `yaml:"relay"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
}

type PayoutConfig struct {
	Rail            string        `yaml:"rail"`
	Workers         int           `yaml:"workers"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	HTTP            struct {
		URL     string        `yaml:"url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"http"`
	Sandbox struct {
		Delay            time.Duration `yaml:"delay"`
		FailDestinations []string      `yaml:"fail_destinations"`
	} `yaml:"sandbox"`
}

type RelayConfig struct {
	Sink     string        `yaml:"sink"`
	Interval time.Duration `yaml:"interval"`
	Batch    int           `yaml:"batch"`
	Events   []string      `yaml:"events"`
	Kafka    struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	RabbitMQ struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"rabbitmq"`
	Webhook struct {
		URL     string        `yaml:"url"`
		Secret  string        `yaml:"secret"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"webhook"`
}

// Units returns the configured currency precision table.
func (c *Config) Units() money.Units {
	units := money.Units{}
	for code, places := range c.Currencies.MinorUnits {
		units[money.Normalize(code)] = places
	}
	return units
}

// DefaultCurrency is used where a balance has no settlements to take a currency from.
func (c *Config) DefaultCurrency() string {
	return money.Normalize(c.Currencies.Default)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with ff config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault falls back to the built-in defaults when freeflow.yml is absent.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Currencies.MinorUnits) == 0 {
		return fmt.Errorf("config.currencies.minor_units is required")
	}
	for code, places := range c.Currencies.MinorUnits {
		if len(money.Normalize(code)) != 3 {
			return fmt.Errorf("currency code %q must have three letters", code)
		}
		if places < 0 || places > 4 {
			return fmt.Errorf("currency %s minor units must be between 0 and 4", code)
		}
	}
	if _, ok := c.Units().Places(c.Currencies.Default); !ok {
		return fmt.Errorf("config.currencies.default %q is not in minor_units", c.Currencies.Default)
	}
	if c.Contracts.ExpireAfter < 0 {
		return fmt.Errorf("config.contracts.expire_after must not be negative")
	}
	switch c.Payout.Rail {
	case "", "none", "sandbox":
	case "http":
		if strings.TrimSpace(c.Payout.HTTP.URL) == "" {
			return fmt.Errorf("config.payout.http.url is required for rail http")
		}
	default:
		return fmt.Errorf("config.payout.rail must be one of none, sandbox, http")
	}
	if c.Payout.Workers < 0 || c.Payout.MaxAttempts < 0 {
		return fmt.Errorf("config.payout workers and max_attempts must not be negative")
	}
	switch c.Relay.Sink {
	case "", "none", "log":
	case "kafka":
		if len(c.Relay.Kafka.Brokers) == 0 || c.Relay.Kafka.Topic == "" {
			return fmt.Errorf("config.relay.kafka brokers and topic are required")
		}
	case "rabbitmq":
		if c.Relay.RabbitMQ.URL == "" || c.Relay.RabbitMQ.Queue == "" {
			return fmt.Errorf("config.relay.rabbitmq url and queue are required")
		}
	case "webhook":
		if c.Relay.Webhook.URL == "" {
			return fmt.Errorf("config.relay.webhook.url is required")
		}
	default:
		return fmt.Errorf("config.relay.sink must be one of none, log, kafka, rabbitmq, webhook")
	}
	for _, evt := range c.Relay.Events {
		if strings.TrimSpace(evt) == "" {
			return fmt.Errorf("config.relay.events contains an empty event type")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "freeflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `currencies:
  default: KES
  minor_units:
    KES: 2
    USD: 2
    EUR: 2
    GBP: 2
    JPY: 0
    UGX: 0

contracts:
  # pending contracts older than this are swept to expired
  expire_after: 336h

payout:
  rail: sandbox
  workers: 2
  max_attempts: 3
  retry_backoff: 2s
  callback_timeout: 30m
  http:
    url: ""
    timeout: 10s
  sandbox:
    delay: 0s

relay:
  sink: none
  interval: 2s
  batch: 100

server:
  addr: 127.0.0.1:8080
  base_path: /v1
`
