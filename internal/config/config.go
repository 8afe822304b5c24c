package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config represents the entire application configuration
type Config struct {
	Env       string           `json:"env"`
	Port      int              `json:"port"`
	AppName   string           `json:"app_name"`
	MongoDB   MongoDBConfig    `json:"mongodb"`
	Redis     RedisConfig      `json:"redis"`
	RabbitMQ  RabbitMQConfig   `json:"rabbitmq"`
	S3        S3Config         `json:"s3"`
	Pipeline  PipelineConfig   `json:"pipeline"`
	Endpoints []EndpointConfig `json:"endpoints"`
	Workflow  WorkflowConfig   `json:"workflow"`
	Logging   LoggingConfig    `json:"logging"`
	CORS      CORSConfig       `json:"cors"`
}

// MongoDBConfig contains MongoDB connection details
type MongoDBConfig struct {
	URI      string `json:"uri"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       string `json:"db"`
}

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// RabbitMQConfig contains the ingestion queue connection details
type RabbitMQConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	VHost       string `json:"vhost"`
	Exchange    string `json:"exchange"`
	QueueName   string `json:"queue_name"`
	RoutingKey  string `json:"routing_key"`
	ConsumerTag string `json:"consumer_tag"`
}

// S3Config describes the raw payload archive bucket. Archival is
// best-effort; leaving Enabled false turns it off entirely.
type S3Config struct {
	Enabled   bool   `json:"enabled"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
}

// EndpointConfig describes one classification inference endpoint
type EndpointConfig struct {
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// PipelineConfig tunes the guaranteed processing pipeline
type PipelineConfig struct {
	BatchSize              int `json:"batch_size"`
	MaxConcurrency         int `json:"max_concurrency"`
	PerEndpointConcurrency int `json:"per_endpoint_concurrency"`
	RequestTimeoutSec      int `json:"request_timeout_sec"`
	MaxAttemptsPerItem     int `json:"max_attempts_per_item"`
	BackoffBaseMS          int `json:"backoff_base_ms"`
	BackoffCapMS           int `json:"backoff_cap_ms"`
	BreakerThreshold       int `json:"breaker_threshold"`
	BreakerCooldownSec     int `json:"breaker_cooldown_sec"`
	FailureCooldownSec     int `json:"failure_cooldown_sec"`
	ProgressEveryItems     int `json:"progress_every_items"`
	ProgressIntervalSec    int `json:"progress_interval_sec"`
}

func (p PipelineConfig) RequestTimeout() time.Duration {
	return time.Duration(p.RequestTimeoutSec) * time.Second
}

func (p PipelineConfig) BackoffBase() time.Duration {
	return time.Duration(p.BackoffBaseMS) * time.Millisecond
}

func (p PipelineConfig) BackoffCap() time.Duration {
	return time.Duration(p.BackoffCapMS) * time.Millisecond
}

func (p PipelineConfig) BreakerCooldown() time.Duration {
	return time.Duration(p.BreakerCooldownSec) * time.Second
}

func (p PipelineConfig) FailureCooldown() time.Duration {
	return time.Duration(p.FailureCooldownSec) * time.Second
}

// WorkflowConfig tunes triage behaviour per deployment
type WorkflowConfig struct {
	AutoPassPercent     int `json:"auto_pass_percent"`
	AllocationBatchSize int `json:"allocation_batch_size"`
}

// LoggingConfig contains logging-related configurations
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age,omitempty"`
}

// LoadConfig reads configuration from the specified file path
func LoadConfig(filePath string) (*Config, error) {
	configData, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	p := &c.Pipeline
	if p.BatchSize <= 0 {
		p.BatchSize = 50
	}
	if p.MaxConcurrency <= 0 {
		p.MaxConcurrency = 8
	}
	if p.PerEndpointConcurrency <= 0 {
		p.PerEndpointConcurrency = 2
	}
	if p.RequestTimeoutSec <= 0 {
		p.RequestTimeoutSec = 60
	}
	if p.BackoffBaseMS <= 0 {
		p.BackoffBaseMS = 2000
	}
	if p.BackoffCapMS <= 0 {
		p.BackoffCapMS = 30000
	}
	if p.BreakerThreshold <= 0 {
		p.BreakerThreshold = 3
	}
	if p.BreakerCooldownSec <= 0 {
		p.BreakerCooldownSec = 60
	}
	if p.FailureCooldownSec <= 0 {
		p.FailureCooldownSec = 5
	}
	if p.ProgressEveryItems <= 0 {
		p.ProgressEveryItems = 5
	}
	if p.ProgressIntervalSec <= 0 {
		p.ProgressIntervalSec = 3
	}
	// Every item should get at least one shot per endpoint before giving up
	if minAttempts := 2 * len(c.Endpoints); p.MaxAttemptsPerItem < minAttempts {
		p.MaxAttemptsPerItem = minAttempts
	}
	if p.MaxAttemptsPerItem <= 0 {
		p.MaxAttemptsPerItem = 3
	}

	if c.Workflow.AllocationBatchSize <= 0 {
		c.Workflow.AllocationBatchSize = 10
	}
}
