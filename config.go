// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mcoap

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/absmach/mcoap/pkg/breaker"
	"github.com/absmach/mcoap/pkg/engine"
	"github.com/absmach/mcoap/pkg/message"
	"github.com/absmach/mcoap/pkg/metrics"
	"github.com/absmach/mcoap/pkg/session"
	"github.com/caarlos0/env/v11"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Block modes accepted by Config.BlockMode.
const (
	BlockModeEngine = "engine"
	BlockModeBlocks = "engine-blocks"
	BlockModeApp    = "app"
)

var (
	errBlockMode = errors.New("invalid block mode")
	errBlockSZX  = errors.New("block szx out of range")
	errTLSFiles  = errors.New("both cert and key files are required for TLS")
)

// Config is the listener and engine configuration of an mcoap server.
type Config struct {
	// ConfigFile names an optional YAML file. Values it sets override the
	// environment.
	ConfigFile string `env:"CONFIG_FILE" yaml:"-"`

	UDPAddress string `env:"UDP_ADDRESS" envDefault:":5683"              yaml:"udp_address"`
	TCPAddress string `env:"TCP_ADDRESS" envDefault:":5683"              yaml:"tcp_address"`
	TLSAddress string `env:"TLS_ADDRESS"                                 yaml:"tls_address"`
	WSAddress  string `env:"WS_ADDRESS"                                  yaml:"ws_address"`
	WSPath     string `env:"WS_PATH"     envDefault:"/.well-known/coap"  yaml:"ws_path"`

	CertFile     string `env:"CERT_FILE"      yaml:"cert_file"`
	KeyFile      string `env:"KEY_FILE"       yaml:"key_file"`
	ClientCAFile string `env:"CLIENT_CA_FILE" yaml:"client_ca_file"`

	AckTimeout      time.Duration `env:"ACK_TIMEOUT"       envDefault:"2s"  yaml:"ack_timeout"`
	AckRandomFactor float64       `env:"ACK_RANDOM_FACTOR" envDefault:"1.5" yaml:"ack_random_factor"`
	MaxRetransmit   int           `env:"MAX_RETRANSMIT"    envDefault:"4"   yaml:"max_retransmit"`

	MTU                  int           `env:"MTU"                    envDefault:"1152" yaml:"mtu"`
	SessionTimeout       time.Duration `env:"SESSION_TIMEOUT"        envDefault:"300s" yaml:"session_timeout"`
	MaxIdleSessions      int           `env:"MAX_IDLE_SESSIONS"      envDefault:"0"    yaml:"max_idle_sessions"`
	MaxHandshakeSessions int           `env:"MAX_HANDSHAKE_SESSIONS" envDefault:"100"  yaml:"max_handshake_sessions"`
	PingTimeout          time.Duration `env:"PING_TIMEOUT"           envDefault:"0s"   yaml:"ping_timeout"`
	CSMTimeout           time.Duration `env:"CSM_TIMEOUT"            envDefault:"30s"  yaml:"csm_timeout"`

	ObserveMaxNon  int `env:"OBSERVE_MAX_NON"  envDefault:"5" yaml:"observe_max_non"`
	ObserveMaxFail int `env:"OBSERVE_MAX_FAIL" envDefault:"3" yaml:"observe_max_fail"`

	BlockMode        string        `env:"BLOCK_MODE"         envDefault:"engine" yaml:"block_mode"`
	BlockSZX         uint8         `env:"BLOCK_SZX"          envDefault:"6"      yaml:"block_szx"`
	BlockIdleTimeout time.Duration `env:"BLOCK_IDLE_TIMEOUT" envDefault:"60s"    yaml:"block_idle_timeout"`
	MaxBodySize      int           `env:"MAX_BODY_SIZE"      envDefault:"8388608" yaml:"max_body_size"`
	MaxMessageSize   int           `env:"MAX_MESSAGE_SIZE"   envDefault:"8388864" yaml:"max_message_size"`

	ExchangeLifetime time.Duration `env:"EXCHANGE_LIFETIME" envDefault:"247s" yaml:"exchange_lifetime"`

	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"   yaml:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s" yaml:"breaker_reset_timeout"`

	QueueSize       int           `env:"QUEUE_SIZE"       envDefault:"1024" yaml:"queue_size"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"  yaml:"shutdown_timeout"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info" yaml:"log_level"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json" yaml:"log_format"`

	TLSConfig *tls.Config `env:"-" yaml:"-"`
}

// LoadEnv loads .env files into the process environment. Missing files
// are not an error.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// NewConfig parses the environment under opts.Prefix, applies the YAML file
// named by CONFIG_FILE and builds the TLS configuration.
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	if cfg.ConfigFile != "" {
		data, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", cfg.ConfigFile, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	tlsCfg, err := cfg.loadTLS()
	if err != nil {
		return Config{}, err
	}
	cfg.TLSConfig = tlsCfg
	return cfg, nil
}

// Validate checks values the engine cannot default.
func (c Config) Validate() error {
	if _, err := c.blockMode(); err != nil {
		return err
	}
	if c.BlockSZX > message.MaxSZX {
		return fmt.Errorf("%w: %d", errBlockSZX, c.BlockSZX)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errTLSFiles
	}
	return nil
}

func (c Config) blockMode() (session.BlockMode, error) {
	switch c.BlockMode {
	case BlockModeEngine, "":
		return session.BlockUseEngine | session.BlockSingleBody, nil
	case BlockModeBlocks:
		return session.BlockUseEngine, nil
	case BlockModeApp:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %q", errBlockMode, c.BlockMode)
	}
}

func (c Config) loadTLS() (*tls.Config, error) {
	if c.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if c.ClientCAFile != "" {
		pem, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.ClientCAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}

// Engine builds the engine configuration.
func (c Config) Engine(logger *slog.Logger, m *metrics.Metrics) engine.Config {
	mode, _ := c.blockMode()
	return engine.Config{
		Params: session.Params{
			AckTimeout:      c.AckTimeout,
			AckRandomFactor: c.AckRandomFactor,
			MaxRetransmit:   c.MaxRetransmit,
		},
		MTU:                  c.MTU,
		SessionTimeout:       c.SessionTimeout,
		MaxIdleSessions:      c.MaxIdleSessions,
		MaxHandshakeSessions: c.MaxHandshakeSessions,
		PingTimeout:          c.PingTimeout,
		CSMTimeout:           c.CSMTimeout,
		ObserveMaxNon:        c.ObserveMaxNon,
		ObserveMaxFail:       c.ObserveMaxFail,
		BlockMode:            mode,
		BlockSZX:             c.BlockSZX,
		BlockIdleTimeout:     c.BlockIdleTimeout,
		MaxBodySize:          c.MaxBodySize,
		MaxMessageSize:       c.MaxMessageSize,
		ExchangeLifetime:     c.ExchangeLifetime,
		Breaker: breaker.Config{
			MaxFailures:  c.BreakerMaxFailures,
			ResetTimeout: c.BreakerResetTimeout,
		},
		Logger:  logger,
		Metrics: m,
	}
}

// Logger builds a slog logger writing to w per LogLevel and LogFormat.
func (c Config) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
