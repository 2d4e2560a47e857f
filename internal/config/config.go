package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lupppig/snsbus/internal/domain"
)

const (
	DefaultConfigFileName = "snsbus.yaml"
	DefaultServerAddr     = ":9911"
	DefaultGRPCAddr       = ":9912"
	DefaultRegion         = "local"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Cache     CacheConfig     `yaml:"cache"`
	Retry     RetryConfig     `yaml:"retry"`
	Message   MessageConfig   `yaml:"message"`
	Transport TransportConfig `yaml:"transport"`
	Health    HealthConfig    `yaml:"health"`
	Events    EventsConfig    `yaml:"events"`
}

type ServerConfig struct {
	Addr   string `yaml:"addr"`
	Region string `yaml:"region"`
	// PublicURL is where confirmation links point.
	PublicURL string `yaml:"public_url"`
	// GRPCAddr serves grpc.health.v1 and reflection. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | postgres | sqlite
	DSN    string `yaml:"dsn"`
}

type QueueConfig struct {
	Driver              string        `yaml:"driver"` // memory | nats | redis
	URL                 string        `yaml:"url"`
	PublishQueuePrefix  string        `yaml:"publish_queue_prefix"`
	EndpointQueuePrefix string        `yaml:"endpoint_queue_prefix"`
	NumPublishQueues    int           `yaml:"num_publish_queues"`
	NumEndpointQueues   int           `yaml:"num_endpoint_queues"`
	VisibilityTimeout   time.Duration `yaml:"visibility_timeout"`
	LongPoll            bool          `yaml:"long_poll"`
	LongPollWait        time.Duration `yaml:"long_poll_wait"`
}

type DispatchConfig struct {
	NumProducers           int           `yaml:"num_producers"`
	NumConsumers           int           `yaml:"num_consumers"`
	MaxSubscriptionsPerJob int           `yaml:"max_subscriptions_per_job"`
	PollFloor              time.Duration `yaml:"poll_floor"`
	ProducerMaxDelay       time.Duration `yaml:"producer_max_delay"`
	ConsumerMaxDelay       time.Duration `yaml:"consumer_max_delay"`
	OverloadSleep          time.Duration `yaml:"overload_sleep"`
	MessageExpiration      time.Duration `yaml:"message_expiration"`
	DeliveryWorkers        int           `yaml:"delivery_workers"`
	RedeliveryWorkers      int           `yaml:"redelivery_workers"`
	DeliveryQueueLimit     int           `yaml:"delivery_queue_limit"`
	RedeliveryQueueLimit   int           `yaml:"redelivery_queue_limit"`
	MaxInFlightSends       int           `yaml:"max_in_flight_sends"`
	VisibilityBuffer       time.Duration `yaml:"visibility_buffer"`
	UseCachedJobFormat     bool          `yaml:"use_cached_job_format"`
	ShutdownTimeout        time.Duration `yaml:"shutdown_timeout"`
}

type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
	MaxKeys int           `yaml:"max_keys"`
}

type RetryConfig struct {
	MinDelayTarget     int    `yaml:"min_delay_target"`
	MaxDelayTarget     int    `yaml:"max_delay_target"`
	NumRetries         int    `yaml:"num_retries"`
	NumNoDelayRetries  int    `yaml:"num_no_delay_retries"`
	NumMinDelayRetries int    `yaml:"num_min_delay_retries"`
	NumMaxDelayRetries int    `yaml:"num_max_delay_retries"`
	BackoffFunction    string `yaml:"backoff_function"`
}

type MessageConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

type TransportConfig struct {
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	SMTPAddr      string        `yaml:"smtp_addr"`
	SMTPFrom      string        `yaml:"smtp_from"`
	SMSGatewayURL string        `yaml:"sms_gateway_url"`
}

type HealthConfig struct {
	Window           time.Duration `yaml:"window"`
	FailureThreshold int           `yaml:"failure_threshold"`
	CleanupTolerance int           `yaml:"cleanup_tolerance"`
}

// EventsConfig enables mirroring delivery events to a NATS JetStream stream.
type EventsConfig struct {
	NatsURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Buffer        int           `yaml:"buffer"`
	MaxAge        time.Duration `yaml:"max_age"`
}

func DefaultConfig() *Config {
	def := domain.DefaultRetryPolicy()
	return &Config{
		Server: ServerConfig{
			Addr:      DefaultServerAddr,
			Region:    DefaultRegion,
			PublicURL: "http://localhost" + DefaultServerAddr,
			GRPCAddr:  DefaultGRPCAddr,
		},
		Log:   LogConfig{Level: "info"},
		Store: StoreConfig{Driver: "memory"},
		Queue: QueueConfig{
			Driver:              "memory",
			PublishQueuePrefix:  "snsbus-publish",
			EndpointQueuePrefix: "snsbus-endpoint",
			NumPublishQueues:    2,
			NumEndpointQueues:   4,
			VisibilityTimeout:   30 * time.Second,
			LongPoll:            true,
			LongPollWait:        5 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxSubscriptionsPerJob: domain.DefaultMaxSubscriptionsPerJob,
			PollFloor:              10 * time.Millisecond,
			ProducerMaxDelay:       time.Second,
			ConsumerMaxDelay:       time.Second,
			OverloadSleep:          100 * time.Millisecond,
			DeliveryWorkers:        64,
			RedeliveryWorkers:      16,
			DeliveryQueueLimit:     10000,
			RedeliveryQueueLimit:   10000,
			MaxInFlightSends:       512,
			VisibilityBuffer:       time.Second,
			ShutdownTimeout:        30 * time.Second,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     time.Minute,
			MaxKeys: 10000,
		},
		Retry: RetryConfig{
			MinDelayTarget:  def.MinDelayTarget,
			MaxDelayTarget:  def.MaxDelayTarget,
			NumRetries:      def.NumRetries,
			BackoffFunction: string(def.BackoffFunction),
		},
		Message: MessageConfig{MaxBytes: domain.DefaultMaxMessageBytes},
		Transport: TransportConfig{
			HTTPTimeout: 15 * time.Second,
			SMTPFrom:    "no-reply@snsbus.local",
		},
		Health: HealthConfig{
			Window:           5 * time.Minute,
			FailureThreshold: 5,
			CleanupTolerance: 100,
		},
		Events: EventsConfig{
			SubjectPrefix: "snsbus.events",
			Buffer:        256,
			MaxAge:        24 * time.Hour,
		},
	}
}

// RetryPolicy converts the retry section into the default healthy policy.
func (c *Config) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MinDelayTarget:     c.Retry.MinDelayTarget,
		MaxDelayTarget:     c.Retry.MaxDelayTarget,
		NumRetries:         c.Retry.NumRetries,
		NumNoDelayRetries:  c.Retry.NumNoDelayRetries,
		NumMinDelayRetries: c.Retry.NumMinDelayRetries,
		NumMaxDelayRetries: c.Retry.NumMaxDelayRetries,
		BackoffFunction:    domain.BackoffFunction(c.Retry.BackoffFunction),
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "nats", "redis":
		if c.Queue.URL == "" {
			errs = append(errs, fmt.Errorf("queue.url is required for driver %s", c.Queue.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue.driver %q", c.Queue.Driver))
	}
	if c.Queue.NumPublishQueues < 1 || c.Queue.NumEndpointQueues < 1 {
		errs = append(errs, errors.New("queue.num_publish_queues and queue.num_endpoint_queues must be at least 1"))
	}
	if c.Queue.VisibilityTimeout < time.Second {
		errs = append(errs, errors.New("queue.visibility_timeout must be at least 1s"))
	}
	if c.Dispatch.MaxSubscriptionsPerJob < 1 {
		errs = append(errs, errors.New("dispatch.max_subscriptions_per_job must be at least 1"))
	}
	if c.Dispatch.DeliveryWorkers < 1 || c.Dispatch.RedeliveryWorkers < 1 {
		errs = append(errs, errors.New("dispatch worker pools must have at least 1 worker"))
	}
	if c.Dispatch.PollFloor <= 0 || c.Dispatch.ProducerMaxDelay < c.Dispatch.PollFloor || c.Dispatch.ConsumerMaxDelay < c.Dispatch.PollFloor {
		errs = append(errs, errors.New("dispatch poll delays must be positive and max delays at least poll_floor"))
	}
	if c.Dispatch.MessageExpiration < 0 || c.Dispatch.VisibilityBuffer < 0 {
		errs = append(errs, errors.New("dispatch.message_expiration and dispatch.visibility_buffer must not be negative"))
	}
	if c.Cache.Enabled && (c.Cache.TTL <= 0 || c.Cache.MaxKeys < 1) {
		errs = append(errs, errors.New("cache.ttl and cache.max_keys must be positive when the cache is enabled"))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if c.Events.NatsURL != "" && c.Events.SubjectPrefix == "" {
		errs = append(errs, errors.New("events.subject_prefix is required when events.nats_url is set"))
	}
	if c.Message.MaxBytes < 1 {
		errs = append(errs, errors.New("message.max_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// Load reads path over the defaults, applies SNSBUS_* environment overrides
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"SNSBUS_SERVER_ADDR":  &cfg.Server.Addr,
		"SNSBUS_PUBLIC_URL":   &cfg.Server.PublicURL,
		"SNSBUS_GRPC_ADDR":    &cfg.Server.GRPCAddr,
		"SNSBUS_LOG_LEVEL":    &cfg.Log.Level,
		"SNSBUS_LOG_FILE":     &cfg.Log.File,
		"SNSBUS_STORE_DRIVER": &cfg.Store.Driver,
		"SNSBUS_STORE_DSN":    &cfg.Store.DSN,
		"SNSBUS_QUEUE_DRIVER": &cfg.Queue.Driver,
		"SNSBUS_QUEUE_URL":    &cfg.Queue.URL,
		"SNSBUS_SMTP_ADDR":    &cfg.Transport.SMTPAddr,
		"SNSBUS_SMS_GATEWAY":  &cfg.Transport.SMSGatewayURL,
		"SNSBUS_EVENTS_NATS":  &cfg.Events.NatsURL,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SNSBUS_NUM_PUBLISH_QUEUES":  &cfg.Queue.NumPublishQueues,
		"SNSBUS_NUM_ENDPOINT_QUEUES": &cfg.Queue.NumEndpointQueues,
		"SNSBUS_DELIVERY_WORKERS":    &cfg.Dispatch.DeliveryWorkers,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	if v := os.Getenv("SNSBUS_MESSAGE_EXPIRATION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SNSBUS_MESSAGE_EXPIRATION: %w", err)
		}
		cfg.Dispatch.MessageExpiration = d
	}
	return nil
}
