package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/LeventeLantos/outbound-delivery/internal/model"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Scheduler  SchedulerConfig
	Queue      QueueConfig
	Membership ProviderConfig `envPrefix:"MEMBERSHIP_"`
	Messaging  ProviderConfig `envPrefix:"MESSAGING_"`
	LogLevel   string         `env:"LOG_LEVEL" envDefault:"info"`
}

type ServerConfig struct {
	Address string `env:"SERVER_ADDRESS" envDefault:":8080"`
}

type DatabaseConfig struct {
	PostgresURL string `env:"POSTGRES_URL,required,notEmpty"`
}

type RedisConfig struct {
	Enabled  bool
	Address  string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	TTL      time.Duration `env:"REDIS_TTL" envDefault:"24h"`
}

type SchedulerConfig struct {
	Interval  time.Duration `env:"SCHED_INTERVAL" envDefault:"2m"`
	AutoStart bool          `env:"SCHED_AUTOSTART" envDefault:"true"`
}

type QueueConfig struct {
	StaleAfter time.Duration `env:"QUEUE_STALE_AFTER" envDefault:"15m"`
}

// ProviderConfig is the value a worker is built from. Credentials may be
// empty at load time; Validate is checked at the start of each drain cycle.
type ProviderConfig struct {
	APIKey      string        `env:"API_KEY"`
	BaseURL     string        `env:"BASE_URL"`
	Pacing      time.Duration `env:"PACING" envDefault:"200ms"`
	CallTimeout time.Duration `env:"CALL_TIMEOUT" envDefault:"10s"`
	BatchSize   int           `env:"BATCH_SIZE"`
	SenderID    string        `env:"SENDER_ID"`
	ContentMax  int           `env:"CONTENT_MAX" envDefault:"1600"`
}

var ErrMissingCredentials = errors.New("provider credentials are not configured")

func (p ProviderConfig) Validate() error {
	if p.APIKey == "" {
		return fmt.Errorf("%w: missing api key", ErrMissingCredentials)
	}
	if p.BaseURL == "" {
		return fmt.Errorf("%w: missing base url", ErrMissingCredentials)
	}
	return nil
}

// LoadAll reads the process environment.
func LoadAll() (*Config, error) {
	return load(env.Options{})
}

// LoadFrom reads only the given variables.
func LoadFrom(environ map[string]string) (*Config, error) {
	return load(env.Options{Environment: environ})
}

func load(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Redis.Enabled = cfg.Redis.Address != ""
	if cfg.Membership.BatchSize == 0 {
		cfg.Membership.BatchSize = model.MembershipBatchCeiling
	}
	if cfg.Messaging.BatchSize == 0 {
		cfg.Messaging.BatchSize = model.MessagingBatchCeiling
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Scheduler.Interval <= 0 {
		errs = append(errs, errors.New("SCHED_INTERVAL must be > 0"))
	}
	if cfg.Queue.StaleAfter <= 0 {
		errs = append(errs, errors.New("QUEUE_STALE_AFTER must be > 0"))
	}
	if cfg.Redis.Enabled && cfg.Redis.TTL <= 0 {
		errs = append(errs, errors.New("REDIS_TTL must be > 0"))
	}
	errs = append(errs, validateProvider("MEMBERSHIP_", cfg.Membership)...)
	errs = append(errs, validateProvider("MESSAGING_", cfg.Messaging)...)
	errs = append(errs, validateStaleWindow("MEMBERSHIP_", cfg.Queue.StaleAfter, cfg.Membership)...)
	errs = append(errs, validateStaleWindow("MESSAGING_", cfg.Queue.StaleAfter, cfg.Messaging)...)
	return errors.Join(errs...)
}

func validateProvider(prefix string, p ProviderConfig) []error {
	var errs []error
	if p.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("%sBATCH_SIZE must be > 0", prefix))
	}
	if p.Pacing < 0 {
		errs = append(errs, fmt.Errorf("%sPACING must be >= 0", prefix))
	}
	if p.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%sCALL_TIMEOUT must be > 0", prefix))
	}
	if p.ContentMax <= 0 {
		errs = append(errs, fmt.Errorf("%sCONTENT_MAX must be > 0", prefix))
	}
	return errs
}

// validateStaleWindow keeps a live claim from looking abandoned. A draining
// worker refreshes its claim before every item, so the longest quiet gap is
// one call plus one pacing pause.
func validateStaleWindow(prefix string, staleAfter time.Duration, p ProviderConfig) []error {
	if staleAfter <= 0 || p.CallTimeout <= 0 || p.Pacing < 0 {
		return nil
	}
	if gap := p.CallTimeout + p.Pacing; staleAfter < 2*gap {
		return []error{fmt.Errorf("QUEUE_STALE_AFTER must be at least twice %sCALL_TIMEOUT + %sPACING (%s)", prefix, prefix, 2*gap)}
	}
	return nil
}
