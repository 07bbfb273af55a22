package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration. Values are layered: defaults,
// then the optional YAML file, then environment variables (a .env file in the
// working directory is loaded into the environment first).
type Config struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`

	ServerAddr string        `yaml:"server_addr"`
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`

	DBDriver string `yaml:"db_driver"`
	DBDSN    string `yaml:"db_dsn"`

	RedisAddr string `yaml:"redis_addr"`

	Notify NotifyConfig `yaml:"notify"`
	Policy PolicyConfig `yaml:"policy"`
}

type NotifyConfig struct {
	// Driver is one of "log", "smtp" or "amqp".
	Driver    string `yaml:"driver"`
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`

	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`
	Sender       string `yaml:"sender"`

	AMQPURL string `yaml:"amqp_url"`

	// WelcomeAttachment is mailed to newly registered students when present.
	WelcomeAttachment string `yaml:"welcome_attachment"`
}

type PolicyConfig struct {
	// CardYear is the two-digit intake year printed at the start of the newest student cards.
	CardYear int `yaml:"card_year"`
	// CurrentYear is the calendar year used to derive ages from birth years.
	CurrentYear int    `yaml:"current_year"`
	Currency    string `yaml:"currency"`
}

func Default() Config {
	return Config{
		Env:        "dev",
		LogLevel:   "info",
		ServerAddr: ":8080",
		JWTSecret:  "local_dev_secret",
		TokenTTL:   24 * time.Hour,
		DBDriver:   "sqlite",
		DBDSN:      "smartborrow.db",
		Notify: NotifyConfig{
			Driver:            "log",
			Workers:           2,
			QueueSize:         128,
			SMTPHost:          "smtp.gmail.com",
			SMTPPort:          587,
			WelcomeAttachment: "borrow_term_req.pdf",
		},
		Policy: PolicyConfig{
			CardYear:    68,
			CurrentYear: 2025,
			Currency:    "THB",
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// SMARTBORROW_CONFIG (if any) and the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("SMARTBORROW_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	log.Debug().
		Str("env", cfg.Env).
		Str("db_driver", cfg.DBDriver).
		Str("notify_driver", cfg.Notify.Driver).
		Bool("redis_lock", cfg.RedisAddr != "").
		Msg("config loaded")
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := os.Getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("SMARTBORROW_ENV", &c.Env)
	str("SMARTBORROW_LOG_LEVEL", &c.LogLevel)
	str("SERVER_ADDR", &c.ServerAddr)
	str("JWT_SECRET", &c.JWTSecret)
	str("SMARTBORROW_DB_DRIVER", &c.DBDriver)
	str("DATABASE_URL", &c.DBDSN)
	str("SMARTBORROW_REDIS_ADDR", &c.RedisAddr)
	str("SMARTBORROW_NOTIFY_DRIVER", &c.Notify.Driver)
	str("SMTP_HOST", &c.Notify.SMTPHost)
	str("SMTP_USERNAME", &c.Notify.SMTPUsername)
	str("SMTP_PASSWORD", &c.Notify.SMTPPassword)
	str("SMTP_SENDER", &c.Notify.Sender)
	str("RABBITMQ_URL", &c.Notify.AMQPURL)
	str("SMARTBORROW_WELCOME_ATTACHMENT", &c.Notify.WelcomeAttachment)
	str("SMARTBORROW_CURRENCY", &c.Policy.Currency)

	if v := os.Getenv("SMARTBORROW_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SMARTBORROW_TOKEN_TTL: %w", err)
		}
		c.TokenTTL = d
	}

	for key, dst := range map[string]*int{
		"SMTP_PORT":                  &c.Notify.SMTPPort,
		"SMARTBORROW_NOTIFY_WORKERS": &c.Notify.Workers,
		"SMARTBORROW_NOTIFY_QUEUE":   &c.Notify.QueueSize,
		"SMARTBORROW_CARD_YEAR":      &c.Policy.CardYear,
		"SMARTBORROW_CURRENT_YEAR":   &c.Policy.CurrentYear,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate rejects combinations that cannot start.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DBDriver)
	}
	if c.DBDSN == "" {
		return errors.New("DATABASE_URL is required")
	}
	switch c.Notify.Driver {
	case "log":
	case "smtp":
		if c.Notify.SMTPUsername == "" || c.Notify.SMTPPassword == "" {
			return errors.New("smtp notifications need SMTP_USERNAME and SMTP_PASSWORD")
		}
	case "amqp":
		if c.Notify.AMQPURL == "" {
			return errors.New("amqp notifications need RABBITMQ_URL")
		}
	default:
		return fmt.Errorf("unsupported notify driver %q", c.Notify.Driver)
	}
	if c.Env == "prod" && c.JWTSecret == Default().JWTSecret {
		return errors.New("JWT_SECRET must be set in prod")
	}
	if c.Notify.Workers < 1 {
		return errors.New("notify workers must be at least 1")
	}
	return nil
}
