package core

import (
	"fmt"
	"time"
)

// HostConfig holds runtime configuration for the worker host.
type HostConfig struct {
	Name        string      `mapstructure:"name"`
	Environment Environment `mapstructure:"environment"`

	ExecutionTimeout    time.Duration `mapstructure:"execution_timeout"`    // per handler call
	WaitUntilTimeout    time.Duration `mapstructure:"wait_until_timeout"`   // drain budget after the handler returns
	MaxResponseBytes    int           `mapstructure:"max_response_bytes"`   // max response body size
	BackgroundWorkers   int           `mapstructure:"background_workers"`   // pool size for waitUntil and queue batches
	ScheduledMaxRetries int           `mapstructure:"scheduled_max_retries"` // extra attempts for a failed cron run

	Listen  string   `mapstructure:"listen"`
	DataDir string   `mapstructure:"data_dir"`
	Origin  string   `mapstructure:"origin"` // passthrough target
	Crons   []string `mapstructure:"crons"`

	Vars map[string]string `mapstructure:"vars"`

	Assets         AssetsConfig          `mapstructure:"assets"`
	KV             []KVConfig            `mapstructure:"kv_namespaces"`
	D1             []D1Config            `mapstructure:"d1_databases"`
	R2             []R2Config            `mapstructure:"r2_buckets"`
	AI             *AIConfig             `mapstructure:"ai"`
	Analytics      []AnalyticsConfig     `mapstructure:"analytics_engine_datasets"`
	DurableObjects []DurableObjectConfig `mapstructure:"durable_objects"`
	Queues         QueuesConfig          `mapstructure:"queues"`
	Services       []ServiceConfig       `mapstructure:"services"`
	Vectorize      []VectorizeConfig     `mapstructure:"vectorize"`
	Hyperdrive     []HyperdriveConfig    `mapstructure:"hyperdrive"`
}

// AssetsConfig configures the ASSETS binding.
type AssetsConfig struct {
	Directory string `mapstructure:"directory"`
	// NotFoundHandling is "none", "404-page" or "single-page-application".
	NotFoundHandling string `mapstructure:"not_found_handling"`
}

type KVConfig struct {
	Binding  string `mapstructure:"binding"`
	Backend  string `mapstructure:"backend"` // "sqlite" (default) or "redis"
	RedisURL string `mapstructure:"redis_url"`
}

type D1Config struct {
	Binding    string `mapstructure:"binding"`
	DatabaseID string `mapstructure:"database_id"`
}

type R2Config struct {
	Binding   string `mapstructure:"binding"`
	Backend   string `mapstructure:"backend"` // "fs" (default) or "s3"
	Bucket    string `mapstructure:"bucket_name"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	Directory string `mapstructure:"directory"`
}

type AIConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

type AnalyticsConfig struct {
	Binding string `mapstructure:"binding"`
	Dataset string `mapstructure:"dataset"`
}

type DurableObjectConfig struct {
	Binding   string `mapstructure:"binding"`
	ClassName string `mapstructure:"class_name"`
}

type QueuesConfig struct {
	Producers []QueueProducerConfig `mapstructure:"producers"`
	Consumers []QueueConsumerConfig `mapstructure:"consumers"`
}

type QueueProducerConfig struct {
	Binding string `mapstructure:"binding"`
	Queue   string `mapstructure:"queue"`
}

type QueueConsumerConfig struct {
	Queue           string        `mapstructure:"queue"`
	MaxBatchSize    int           `mapstructure:"max_batch_size"`
	MaxBatchTimeout time.Duration `mapstructure:"max_batch_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	DeadLetterQueue string        `mapstructure:"dead_letter_queue"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
}

type ServiceConfig struct {
	Binding string `mapstructure:"binding"`
	URL     string `mapstructure:"url"`
	// BlockPrivate refuses loopback, private and link-local targets,
	// including redirects to them.
	BlockPrivate bool `mapstructure:"block_private"`
}

type VectorizeConfig struct {
	Binding    string          `mapstructure:"binding"`
	Dimensions int             `mapstructure:"dimensions"`
	Metric     VectorizeMetric `mapstructure:"metric"`
}

type HyperdriveConfig struct {
	Binding          string `mapstructure:"binding"`
	ConnectionString string `mapstructure:"connection_string"`
}

// DefaultHostConfig returns the settings used for unset fields.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		Environment:         EnvDevelopment,
		ExecutionTimeout:    30 * time.Second,
		WaitUntilTimeout:    30 * time.Second,
		MaxResponseBytes:    10 << 20,
		BackgroundWorkers:   64,
		ScheduledMaxRetries: 2,
		Listen:              ":8787",
		DataDir:             ".worker",
	}
}

// Queue consumer defaults.
const (
	DefaultQueueBatchSize    = 10
	DefaultQueueBatchTimeout = 5 * time.Second
	DefaultQueueMaxRetries   = 3
)

// WithDefaults fills unset consumer fields.
func (c QueueConsumerConfig) WithDefaults() QueueConsumerConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultQueueBatchSize
	}
	if c.MaxBatchSize > MaxQueueBatchMessages {
		c.MaxBatchSize = MaxQueueBatchMessages
	}
	if c.MaxBatchTimeout <= 0 {
		c.MaxBatchTimeout = DefaultQueueBatchTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultQueueMaxRetries
	}
	return c
}

// Validate checks the fields that cannot be defaulted.
func (c HostConfig) Validate() error {
	if !c.Environment.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, string(c.Environment))
	}
	seen := make(map[string]string)
	claim := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("%s binding without a name", kind)
		}
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("binding %q declared as both %s and %s", name, prev, kind)
		}
		seen[name] = kind
		return nil
	}
	for _, b := range c.KV {
		if err := claim("kv", b.Binding); err != nil {
			return err
		}
	}
	for _, b := range c.D1 {
		if err := claim("d1", b.Binding); err != nil {
			return err
		}
	}
	for _, b := range c.R2 {
		if err := claim("r2", b.Binding); err != nil {
			return err
		}
	}
	for _, b := range c.Analytics {
		if err := claim("analytics", b.Binding); err != nil {
			return err
		}
	}
	for _, b := range c.DurableObjects {
		if err := claim("durable object", b.Binding); err != nil {
			return err
		}
	}
	for _, b := range c.Queues.Producers {
		if err := claim("queue", b.Binding); err != nil {
			return err
		}
	}
	for _, b := range c.Services {
		if err := claim("service", b.Binding); err != nil {
			return err
		}
	}
	for _, b := range c.Vectorize {
		if err := claim("vectorize", b.Binding); err != nil {
			return err
		}
		if b.Dimensions <= 0 {
			return fmt.Errorf("vectorize binding %q: dimensions must be positive", b.Binding)
		}
	}
	for _, b := range c.Hyperdrive {
		if err := claim("hyperdrive", b.Binding); err != nil {
			return err
		}
	}
	return nil
}
