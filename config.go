package main

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Send-queue overflow policies.
const (
	QueuePolicyDropOldest = "drop-oldest"
	QueuePolicyDisconnect = "disconnect"
)

// Auth modes.
const (
	AuthModeRequired = "required"
	AuthModeOptional = "optional"
	AuthModeDisabled = "disabled"
)

type Config struct {
	Addr    string `envconfig:"ADDR" default:":8443"`
	TLSCert string `envconfig:"TLS_CERT"`
	TLSKey  string `envconfig:"TLS_KEY"`

	// RoomCap is the mesh-topology participant limit. Signaling fan-out
	// grows quadratically with peer count, so this stays small.
	RoomCap  int `envconfig:"ROOM_CAP" default:"8" validate:"min=2,max=64"`
	MaxRooms int `envconfig:"MAX_ROOMS" default:"1000" validate:"min=1"`

	// GracePeriod is how long an emptied room survives before removal,
	// so a page reload does not lose the room.
	GracePeriod time.Duration `envconfig:"ROOM_GRACE_PERIOD" default:"30s"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"15s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"45s"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"10s"`

	SendQueueSize   int    `envconfig:"SEND_QUEUE_SIZE" default:"64" validate:"min=1"`
	SendQueuePolicy string `envconfig:"SEND_QUEUE_POLICY" default:"drop-oldest" validate:"oneof=drop-oldest disconnect"`
	MaxMessageSize  int64  `envconfig:"MAX_MESSAGE_SIZE" default:"65536" validate:"min=512"`

	AuthMode    string        `envconfig:"AUTH_MODE" default:"optional" validate:"oneof=required optional disabled"`
	AuthSecret  string        `envconfig:"AUTH_SECRET"`
	AuthTimeout time.Duration `envconfig:"AUTH_TIMEOUT" default:"5s"`

	RateLimitPerIP float64  `envconfig:"RATE_LIMIT_PER_IP" default:"10"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
}

// LoadConfig reads configuration from the environment (and a .env file
// when present) under the SIGNAL_ prefix.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("signal", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout (%s) must exceed the interval (%s)", c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.AuthMode == AuthModeRequired && c.AuthSecret == "" {
		return fmt.Errorf("auth mode %q needs SIGNAL_AUTH_SECRET", c.AuthMode)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("TLS needs both cert and key")
	}
	return nil
}
