// Package config holds the relay's runtime configuration.
//
// Values are resolved in three layers: built-in defaults, environment
// variables (optionally loaded from a .env file), and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// Config stores every parameter the relay server needs.
type Config struct {
	ListenAddr string // HTTP listen address, e.g. ":3000"
	CORSOrigin string // allowed origin(s), comma separated; "*" allows any

	MaxMessageSize int64         // largest accepted inbound frame in bytes
	OutboxSize     int           // per-connection outbound queue capacity
	WriteTimeout   time.Duration // deadline for one outbound frame
	PongTimeout    time.Duration // connection is dead after this long without a pong
	PingInterval   time.Duration // must be shorter than PongTimeout

	MessageRate  float64 // sustained inbound messages per second per connection
	MessageBurst int

	QueueSize     int           // dispatcher event queue capacity
	MaxWait       time.Duration // idle-wait timeout; 0 waits forever
	SweepInterval time.Duration

	StatsInterval time.Duration // periodic stats log; 0 disables
	Debug         bool
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     ":3000",
		CORSOrigin:     "*",
		MaxMessageSize: 64 * 1024,
		OutboxSize:     64,
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   25 * time.Second,
		MessageRate:    50,
		MessageBurst:   100,
		QueueSize:      1024,
		MaxWait:        0,
		SweepInterval:  5 * time.Second,
		StatsInterval:  30 * time.Second,
	}
}

// Load builds the configuration from envFile (if present), the process
// environment, and args (without the program name). A missing envFile is
// not an error.
func Load(envFile string, args []string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	flags := pflag.NewFlagSet("peerrelay", pflag.ContinueOnError)
	cfg.bindFlags(flags)
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides defaults from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	if port, ok := lookup("PORT"); ok && port != "" {
		c.ListenAddr = ":" + strings.TrimPrefix(port, ":")
	}
	str("RELAY_ADDR", &c.ListenAddr)
	str("CORS_ORIGIN", &c.CORSOrigin)
	dur("RELAY_MAX_WAIT", &c.MaxWait)
	dur("RELAY_WRITE_TIMEOUT", &c.WriteTimeout)
	dur("RELAY_PONG_TIMEOUT", &c.PongTimeout)
	dur("RELAY_PING_INTERVAL", &c.PingInterval)
	dur("RELAY_STATS_INTERVAL", &c.StatsInterval)
	num("RELAY_OUTBOX_SIZE", &c.OutboxSize)
	num("RELAY_QUEUE_SIZE", &c.QueueSize)
	num("RELAY_MESSAGE_BURST", &c.MessageBurst)

	if v, ok := lookup("RELAY_MESSAGE_RATE"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_MESSAGE_RATE: %w", err))
		} else {
			c.MessageRate = f
		}
	}
	if v, ok := lookup("RELAY_DEBUG"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RELAY_DEBUG: %w", err))
		} else {
			c.Debug = b
		}
	}
	return errors.Join(errs...)
}

func (c *Config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "addr", c.ListenAddr, "HTTP listen address")
	fs.StringVar(&c.CORSOrigin, "cors-origin", c.CORSOrigin, "allowed CORS origin(s), comma separated; * allows any")
	fs.Int64Var(&c.MaxMessageSize, "max-message-size", c.MaxMessageSize, "largest accepted inbound message in bytes")
	fs.IntVar(&c.OutboxSize, "outbox-size", c.OutboxSize, "per-connection outbound queue capacity")
	fs.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "deadline for writing one message")
	fs.DurationVar(&c.PongTimeout, "pong-timeout", c.PongTimeout, "close connections silent for this long")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval, "interval between keepalive pings")
	fs.Float64Var(&c.MessageRate, "message-rate", c.MessageRate, "inbound messages per second per connection (0 disables limiting)")
	fs.IntVar(&c.MessageBurst, "message-burst", c.MessageBurst, "inbound message burst per connection")
	fs.IntVar(&c.QueueSize, "queue-size", c.QueueSize, "dispatcher event queue capacity")
	fs.DurationVar(&c.MaxWait, "max-wait", c.MaxWait, "expire peers waiting longer than this (0 waits forever)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "interval between idle-wait sweeps")
	fs.DurationVar(&c.StatsInterval, "stats-interval", c.StatsInterval, "interval between stats log lines (0 disables)")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging")
}

// Validate rejects configurations the relay cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max message size must be positive"))
	}
	if c.OutboxSize <= 0 {
		errs = append(errs, errors.New("outbox size must be positive"))
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		errs = append(errs, fmt.Errorf("ping interval %s must be positive and shorter than pong timeout %s", c.PingInterval, c.PongTimeout))
	}
	if c.MessageRate < 0 || (c.MessageRate > 0 && c.MessageBurst <= 0) {
		errs = append(errs, errors.New("message rate must be >= 0 with a positive burst"))
	}
	if c.MaxWait < 0 {
		errs = append(errs, errors.New("max wait must not be negative"))
	}
	if c.MaxWait > 0 && c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep interval must be positive when max wait is set"))
	}
	for _, o := range c.Origins() {
		if err := checkOrigin(o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// checkOrigin accepts "*" or an absolute http(s) origin such as
// https://app.example.com.
func checkOrigin(origin string) error {
	if origin == "*" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CORS origin %q must be * or start with http:// or https://", origin)
	}
	return nil
}

// Origins splits CORSOrigin into individual origins.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
