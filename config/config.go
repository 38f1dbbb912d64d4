// Package config loads gateway settings from defaults, an optional YAML
// file and GATEWAY_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP         HTTPConfig         `mapstructure:"http"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Temporal     TemporalConfig     `mapstructure:"temporal"`
	Services     ServicesConfig     `mapstructure:"services"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Security     SecurityConfig     `mapstructure:"security"`
	Features     FeaturesConfig     `mapstructure:"features"`
	ReturnPolicy ReturnPolicyConfig `mapstructure:"return_policy"`
	Events       EventsConfig       `mapstructure:"events"`
	Sites        SitesConfig        `mapstructure:"sites"`
	Idempotency  IdempotencyConfig  `mapstructure:"idempotency"`
}

type HTTPConfig struct {
	Addr          string        `mapstructure:"addr"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

// ServiceConfig locates one external service.
type ServiceConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ServicesConfig struct {
	Cascade         ServiceConfig `mapstructure:"cascade"`
	Fraud           ServiceConfig `mapstructure:"fraud"`
	Transaction     ServiceConfig `mapstructure:"transaction"`
	PaymentTemplate ServiceConfig `mapstructure:"payment_template"`
	Postback        ServiceConfig `mapstructure:"postback"`
	BI              ServiceConfig `mapstructure:"bi"`
}

type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

type SecurityConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	JWTTTL     time.Duration `mapstructure:"jwt_ttl"`
	PaymentKey string        `mapstructure:"payment_key"`
}

type FeaturesConfig struct {
	VoidTransactions bool `mapstructure:"void_transactions"`
}

type ReturnPolicyConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

type EventsConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxPublishAttempts int           `mapstructure:"max_publish_attempts"`
	RepublishRate      float64       `mapstructure:"republish_rate"`
}

type SitesConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type IdempotencyConfig struct {
	InFlightTTL time.Duration `mapstructure:"in_flight_ttl"`
	MaxWait     time.Duration `mapstructure:"max_wait"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	svc := func(url string) ServiceConfig { return ServiceConfig{BaseURL: url, Timeout: 10 * time.Second} }
	return Config{
		HTTP: HTTPConfig{
			Addr:          ":8080",
			PublicBaseURL: "http://localhost:8080",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  30 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Database: DatabaseConfig{MaxConns: 20},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "purchase-gateway-voids",
		},
		Services: ServicesConfig{
			Cascade:         svc("http://localhost:8101"),
			Fraud:           svc("http://localhost:8102"),
			Transaction:     svc("http://localhost:8103"),
			PaymentTemplate: svc("http://localhost:8104"),
			Postback:        svc("http://localhost:8105"),
			BI:              svc("http://localhost:8106"),
		},
		Breaker: BreakerConfig{
			MaxRequests:         1,
			Interval:            time.Minute,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
		Security: SecurityConfig{JWTTTL: time.Hour},
		Features: FeaturesConfig{VoidTransactions: false},
		ReturnPolicy: ReturnPolicyConfig{
			InitialInterval: 200 * time.Millisecond,
			MaxElapsed:      5 * time.Second,
		},
		Events: EventsConfig{
			BatchSize:          100,
			PollInterval:       time.Second,
			MaxPublishAttempts: 5,
			RepublishRate:      10,
		},
		Sites:       SitesConfig{CacheTTL: time.Minute},
		Idempotency: IdempotencyConfig{InFlightTTL: 30 * time.Second, MaxWait: 10 * time.Second},
	}
}

// Load overlays path (when not empty) and the environment on Default. A
// nested key such as services.fraud.base_url is read from
// GATEWAY_SERVICES_FRAUD_BASE_URL.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode: %w", err)
	}
	return cfg, nil
}

// registerDefaults makes every key known to viper so AutomaticEnv can
// override it.
func registerDefaults(v *viper.Viper, c Config) {
	defaults := map[string]any{
		"http.addr":                      c.HTTP.Addr,
		"http.public_base_url":           c.HTTP.PublicBaseURL,
		"http.read_timeout":              c.HTTP.ReadTimeout,
		"http.write_timeout":             c.HTTP.WriteTimeout,
		"http.shutdown_grace":            c.HTTP.ShutdownGrace,
		"database.url":                   c.Database.URL,
		"database.max_conns":             c.Database.MaxConns,
		"temporal.host_port":             c.Temporal.HostPort,
		"temporal.namespace":             c.Temporal.Namespace,
		"temporal.task_queue":            c.Temporal.TaskQueue,
		"breaker.max_requests":           c.Breaker.MaxRequests,
		"breaker.interval":               c.Breaker.Interval,
		"breaker.timeout":                c.Breaker.Timeout,
		"breaker.consecutive_failures":   c.Breaker.ConsecutiveFailures,
		"security.jwt_secret":            c.Security.JWTSecret,
		"security.jwt_ttl":               c.Security.JWTTTL,
		"security.payment_key":           c.Security.PaymentKey,
		"features.void_transactions":     c.Features.VoidTransactions,
		"return_policy.initial_interval": c.ReturnPolicy.InitialInterval,
		"return_policy.max_elapsed":      c.ReturnPolicy.MaxElapsed,
		"events.batch_size":              c.Events.BatchSize,
		"events.poll_interval":           c.Events.PollInterval,
		"events.max_publish_attempts":    c.Events.MaxPublishAttempts,
		"events.republish_rate":          c.Events.RepublishRate,
		"sites.cache_ttl":                c.Sites.CacheTTL,
		"idempotency.in_flight_ttl":      c.Idempotency.InFlightTTL,
		"idempotency.max_wait":           c.Idempotency.MaxWait,
	}
	services := map[string]ServiceConfig{
		"cascade":          c.Services.Cascade,
		"fraud":            c.Services.Fraud,
		"transaction":      c.Services.Transaction,
		"payment_template": c.Services.PaymentTemplate,
		"postback":         c.Services.Postback,
		"bi":               c.Services.BI,
	}
	for name, s := range services {
		defaults["services."+name+".base_url"] = s.BaseURL
		defaults["services."+name+".timeout"] = s.Timeout
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Validate reports settings serving and the worker cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Security.JWTSecret == "" {
		errs = append(errs, errors.New("security.jwt_secret is required"))
	}
	if len(c.Security.PaymentKey) != 64 {
		errs = append(errs, errors.New("security.payment_key must be 32 hex-encoded bytes"))
	}
	if c.Events.MaxPublishAttempts <= 0 {
		errs = append(errs, errors.New("events.max_publish_attempts must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
