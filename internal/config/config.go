// Package config loads runtime configuration from environment
// variables (including the path of the forwarder's optional JSON
// upstream list, which internal/forwarder reads), replacing the
// teacher's repeated getenvInt helper in cmd/server/main.go with
// tagged structs and validated defaults.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

var validate = validator.New()

// PoolConfig tunes one named worker pool (§6, "Pool configuration").
type PoolConfig struct {
	MinThreads   int `envconfig:"MIN_THREADS" default:"2" validate:"gte=0"`
	MaxThreads   int `envconfig:"MAX_THREADS" default:"16" validate:"gtefield=MinThreads"`
	CoreThreads  int `envconfig:"CORE_THREADS" default:"4" validate:"gte=0"`
	MaxQueueSize int `envconfig:"MAX_QUEUE_SIZE" default:"256" validate:"gte=0"`

	QueuePolicy       string        `envconfig:"QUEUE_POLICY" default:"fifo" validate:"oneof=fifo priority delay"`
	SchedulingTactic  string        `envconfig:"SCHEDULING_TACTIC" default:"adaptive" validate:"oneof=adaptive fixed"`
	TaskTimeout       time.Duration `envconfig:"TASK_TIMEOUT" default:"0"`
	IdleScaleInterval time.Duration `envconfig:"IDLE_SCALE_INTERVAL" default:"3s" validate:"gt=0"`
	ShutdownTimeout   time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s" validate:"gt=0"`

	EnableMonitoring         bool `envconfig:"ENABLE_MONITORING" default:"true"`
	EnablePerformanceProfile bool `envconfig:"ENABLE_PERFORMANCE_PROFILE" default:"false"`
}

// SessionDefaults tunes the session layer's baked-in defaults (§6,
// "Session configuration").
type SessionDefaults struct {
	ReadTimeout    time.Duration `envconfig:"SESSION_READ_TIMEOUT" default:"30s" validate:"gt=0"`
	WriteTimeout   time.Duration `envconfig:"SESSION_WRITE_TIMEOUT" default:"30s" validate:"gt=0"`
	ConnectTimeout time.Duration `envconfig:"SESSION_CONNECT_TIMEOUT" default:"30s" validate:"gt=0"`

	HeartbeatInterval time.Duration `envconfig:"SESSION_HEARTBEAT_INTERVAL" default:"10m" validate:"gt=0"`
	EnableHeartbeat   bool          `envconfig:"SESSION_ENABLE_HEARTBEAT" default:"true"`

	EnableSSL             bool   `envconfig:"SESSION_ENABLE_SSL" default:"false"`
	SSLCertFile           string `envconfig:"SESSION_SSL_CERT_FILE"`
	SSLKeyFile            string `envconfig:"SESSION_SSL_KEY_FILE"`
	SSLCAFile             string `envconfig:"SESSION_SSL_CA_FILE"`
	TLSServerName         string `envconfig:"SESSION_TLS_SERVER_NAME"`
	SSLInsecureSkipVerify bool   `envconfig:"SESSION_SSL_INSECURE_SKIP_VERIFY" default:"false"`

	MaxBufferSize  int `envconfig:"SESSION_MAX_BUFFER_SIZE" default:"65536" validate:"gt=0"`
	MaxMessageSize int `envconfig:"SESSION_MAX_MESSAGE_SIZE" default:"1048576" validate:"gt=0"`
}

// ConnPoolDefaults tunes endpoints added to the connection pool (§6,
// "Connection pool endpoint configuration").
type ConnPoolDefaults struct {
	MinConnections      uint64        `envconfig:"CONNPOOL_MIN_CONNECTIONS" default:"1"`
	MaxConnections      uint64        `envconfig:"CONNPOOL_MAX_CONNECTIONS" default:"8" validate:"gtefield=MinConnections"`
	BorrowTimeout       time.Duration `envconfig:"CONNPOOL_BORROW_TIMEOUT" default:"2s" validate:"gt=0"`
	ConnectTimeout      time.Duration `envconfig:"CONNPOOL_CONNECT_TIMEOUT" default:"1500ms" validate:"gt=0"`
	HealthCheckInterval time.Duration `envconfig:"CONNPOOL_HEALTH_CHECK_INTERVAL" default:"10s" validate:"gt=0"`
}

// ForwarderConfig tunes the request forwarder (§4.8).
type ForwarderConfig struct {
	UpstreamsFile   string        `envconfig:"FORWARDER_UPSTREAMS_FILE"`
	CleanupInterval time.Duration `envconfig:"FORWARDER_CLEANUP_INTERVAL" default:"60s" validate:"gt=0"`
	IdleThreshold   time.Duration `envconfig:"FORWARDER_IDLE_THRESHOLD" default:"10m" validate:"gt=0"`
	WaitCeiling     time.Duration `envconfig:"FORWARDER_WAIT_CEILING" default:"15s" validate:"gt=0"`
	MaxInFlight     int64         `envconfig:"FORWARDER_MAX_IN_FLIGHT" default:"1024" validate:"gt=0"`
}

// LoggingConfig selects obslog's verbosity and encoding.
type LoggingConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json console"`
}

// AdminConfig tunes the admin HTTP surface (§B, admin mux).
type AdminConfig struct {
	ListenAddr     string `envconfig:"ADMIN_LISTEN_ADDR" default:":9090"`
	EnableMetrics  bool   `envconfig:"ADMIN_ENABLE_METRICS" default:"true"`
	EnableEventsWS bool   `envconfig:"ADMIN_ENABLE_EVENTS_WS" default:"true"`
}

// Config is the full set of environment-driven runtime settings.
type Config struct {
	Logging   LoggingConfig
	Admin     AdminConfig
	Pool      PoolConfig
	Session   SessionDefaults
	ConnPool  ConnPoolDefaults
	Forwarder ForwarderConfig
}

// Load reads Config from the process environment, applying defaults
// and validating bounds (min<=max, positive timeouts, enum fields)
// before returning.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: reading environment: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}
