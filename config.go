package jobserver

import (
	"fmt"
	"os"
	rt "runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Server configuration defaults.
const (
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultServerTimeout       = 5 * time.Minute
	DefaultServerCheckInterval = 5 * time.Minute
	DefaultShutdownTimeout     = 15 * time.Second
	DefaultProcessRetries      = 10
)

// ServerConfig defines the configuration for a job server.
type ServerConfig struct {
	// ServerName prefixes the server id. Defaults to the host name.
	ServerName string `yaml:"server_name"`
	// Queues lists the queues to fetch from, in priority order.
	Queues []string `yaml:"queues"`
	// WorkerCount is the number of worker goroutines.
	WorkerCount int `yaml:"worker_count"`

	SchedulePollingInterval   time.Duration `yaml:"schedule_polling_interval"`
	RecurringPollingInterval  time.Duration `yaml:"recurring_polling_interval"`
	HeartbeatInterval         time.Duration `yaml:"heartbeat_interval"`
	ServerTimeout             time.Duration `yaml:"server_timeout"`
	ServerCheckInterval       time.Duration `yaml:"server_check_interval"`
	CancellationCheckInterval time.Duration `yaml:"cancellation_check_interval"`
	// ShutdownTimeout is how long running jobs may finish after Stop before
	// their context is canceled.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// ProcessRetryAttempts is how often a failing background process is
	// retried before its loop ends. Unset uses DefaultProcessRetries; 0 or a
	// negative value ends the loop on the first failure.
	ProcessRetryAttempts *int `yaml:"process_retry_attempts"`

	// Logger is the logger used for server events. Defaults to the engine logger.
	Logger Logger `yaml:"-"`
}

// LoadServerConfig reads a YAML server configuration. Durations use Go
// syntax ("15s", "5m").
func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("jobserver: read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("jobserver: parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ServerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "jobserver"
		}
		c.ServerName = host
	}
	if len(c.Queues) == 0 {
		c.Queues = []string{DefaultQueue}
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = min(rt.NumCPU()*5, 20)
	}
	if c.SchedulePollingInterval <= 0 {
		c.SchedulePollingInterval = DefaultSchedulePollingInterval
	}
	if c.RecurringPollingInterval <= 0 {
		c.RecurringPollingInterval = DefaultRecurringPollingInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ServerTimeout <= 0 {
		c.ServerTimeout = DefaultServerTimeout
	}
	if c.ServerCheckInterval <= 0 {
		c.ServerCheckInterval = DefaultServerCheckInterval
	}
	if c.CancellationCheckInterval <= 0 {
		c.CancellationCheckInterval = DefaultCancellationCheckInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	retries := DefaultProcessRetries
	if c.ProcessRetryAttempts != nil {
		retries = max(*c.ProcessRetryAttempts, 0)
	}
	c.ProcessRetryAttempts = &retries
	return c
}

// RetryAttempts returns a pointer to n for ServerConfig.ProcessRetryAttempts.
func RetryAttempts(n int) *int { return &n }
