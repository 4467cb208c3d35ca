package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	Port string `env:"PORT" default:"8080"`

	BrokerHost        string        `env:"BROKER_HOST" default:"broker-amq-stomp"`
	BrokerPort        int           `env:"BROKER_PORT" default:"61613"`
	BrokerLogin       string        `env:"AMQ_USER"`
	BrokerPasscode    string        `env:"AMQ_PASSWORD"`
	BrokerVHost       string        `env:"BROKER_VHOST"`
	BrokerTopic       string        `env:"BROKER_TOPIC" default:"/topic/SampleTopic"`
	BrokerContentType string        `env:"BROKER_CONTENT_TYPE" default:"text/plain"`
	ConnectTimeout    time.Duration `env:"BROKER_CONNECT_TIMEOUT" default:"10s"`
	ConnectAttempts   int           `env:"BROKER_CONNECT_ATTEMPTS" default:"1"`
	BrokerHeartBeat   time.Duration `env:"BROKER_HEARTBEAT" default:"30s"`

	StaticDir    string `env:"STATIC_DIR" default:"public"`
	PayloadColor string `env:"PAYLOAD_COLOR"`

	ClientMessageRate  float64 `env:"CLIENT_MESSAGE_RATE" default:"0"`
	ClientMessageBurst int     `env:"CLIENT_MESSAGE_BURST" default:"10"`
	MaxMessageBytes    int64   `env:"WS_MAX_MESSAGE_BYTES" default:"65536"`
	SendQueueSize      int     `env:"WS_SEND_QUEUE" default:"16"`

	RedisAddr   string `env:"REDIS_ADDR"`
	PresenceKey string `env:"PRESENCE_KEY" default:"ws_bridge:online_clients"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

// BrokerAddr is the host:port pair dialed for the STOMP connection.
func (c *Config) BrokerAddr() string {
	return net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.BrokerPort))
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	port, err := strconv.Atoi(cfg.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", cfg.Port)
	}
	if cfg.BrokerPort < 1 || cfg.BrokerPort > 65535 {
		return fmt.Errorf("BROKER_PORT must be between 1 and 65535, got %d", cfg.BrokerPort)
	}
	if cfg.BrokerHost == "" {
		return errors.New("BROKER_HOST is required")
	}
	if cfg.BrokerTopic == "" {
		return errors.New("BROKER_TOPIC is required")
	}
	if cfg.ConnectAttempts < 1 {
		return errors.New("BROKER_CONNECT_ATTEMPTS must be at least 1")
	}
	if cfg.ConnectTimeout <= 0 {
		return errors.New("BROKER_CONNECT_TIMEOUT must be positive")
	}
	if cfg.ClientMessageRate < 0 {
		return errors.New("CLIENT_MESSAGE_RATE must not be negative")
	}
	if cfg.ClientMessageRate > 0 && cfg.ClientMessageBurst < 1 {
		return errors.New("CLIENT_MESSAGE_BURST must be at least 1 when CLIENT_MESSAGE_RATE is set")
	}
	if cfg.MaxMessageBytes < 1 {
		return errors.New("WS_MAX_MESSAGE_BYTES must be positive")
	}
	if cfg.SendQueueSize < 1 {
		return errors.New("WS_SEND_QUEUE must be at least 1")
	}
	return nil
}
