// Package config loads bridge settings from a TOML file and LUABRIDGE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const EnvPrefix = "LUABRIDGE_"

type Config struct {
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	Path   string `toml:"path"`
	Scheme string `toml:"scheme"` // ws, wss or tcp

	AutoConnect          bool `toml:"auto_connect"`
	RequestTimeoutMS     int  `toml:"request_timeout_ms"`
	ReconnectMaxAttempts int  `toml:"reconnect_max_attempts"`
	ReconnectBaseDelayMS int  `toml:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMS  int  `toml:"reconnect_max_delay_ms"`
	HeartbeatIntervalMS  int  `toml:"heartbeat_interval_ms"` // 0 disables

	Role       string `toml:"role"` // client or server
	ListenAddr string `toml:"listen_addr"`

	Discovery Discovery `toml:"discovery"`
	RateLimit RateLimit `toml:"rate_limit"`
	Retry     Retry     `toml:"retry"`
	Log       Log       `toml:"log"`
}

// Discovery, when Target is set, replaces Host/Port with instances found in etcd.
type Discovery struct {
	EtcdEndpoints []string `toml:"etcd_endpoints"`
	Target        string   `toml:"target"`
	Balancer      string   `toml:"balancer"`
}

// RateLimit bounds outbound calls. PerSecond 0 disables it.
type RateLimit struct {
	PerSecond float64 `toml:"per_second"`
	Burst     int     `toml:"burst"`
}

// Retry re-issues read-only calls that time out or find the connection down.
// MaxRetries 0 disables it.
type Retry struct {
	MaxRetries  int `toml:"max_retries"`
	BaseDelayMS int `toml:"base_delay_ms"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

func Default() *Config {
	return &Config{
		Host:                 "localhost",
		Port:                 8765,
		Path:                 "/",
		Scheme:               "ws",
		AutoConnect:          true,
		RequestTimeoutMS:     30000,
		ReconnectMaxAttempts: 10,
		ReconnectBaseDelayMS: 1000,
		ReconnectMaxDelayMS:  30000,
		HeartbeatIntervalMS:  30000,
		Role:                 "client",
		ListenAddr:           ":8765",
		Discovery:            Discovery{Balancer: "round_robin"},
		Retry:                Retry{MaxRetries: 2, BaseDelayMS: 500},
		Log:                  Log{Level: "info"},
	}
}

// Load reads path over the defaults. An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LUABRIDGE_<NAME> variables, where NAME is the upper-cased
// toml key (LUABRIDGE_HOST, LUABRIDGE_REQUEST_TIMEOUT_MS, LUABRIDGE_ETCD_ENDPOINTS, ...).
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	str("HOST", &c.Host)
	num("PORT", &c.Port)
	str("PATH", &c.Path)
	str("SCHEME", &c.Scheme)
	if v, ok := lookup(EnvPrefix + "AUTO_CONNECT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sAUTO_CONNECT: %w", EnvPrefix, err))
		} else {
			c.AutoConnect = b
		}
	}
	num("REQUEST_TIMEOUT_MS", &c.RequestTimeoutMS)
	num("RECONNECT_MAX_ATTEMPTS", &c.ReconnectMaxAttempts)
	num("RECONNECT_BASE_DELAY_MS", &c.ReconnectBaseDelayMS)
	num("RECONNECT_MAX_DELAY_MS", &c.ReconnectMaxDelayMS)
	num("HEARTBEAT_INTERVAL_MS", &c.HeartbeatIntervalMS)
	str("ROLE", &c.Role)
	str("LISTEN_ADDR", &c.ListenAddr)
	if v, ok := lookup(EnvPrefix + "ETCD_ENDPOINTS"); ok {
		c.Discovery.EtcdEndpoints = splitList(v)
	}
	str("TARGET", &c.Discovery.Target)
	str("BALANCER", &c.Discovery.Balancer)
	num("RETRY_MAX_RETRIES", &c.Retry.MaxRetries)
	num("RETRY_BASE_DELAY_MS", &c.Retry.BaseDelayMS)
	str("LOG_LEVEL", &c.Log.Level)
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Scheme {
	case "ws", "wss", "tcp":
	default:
		errs = append(errs, fmt.Errorf("scheme must be ws, wss or tcp, got %q", c.Scheme))
	}
	switch c.Role {
	case "client", "server":
	default:
		errs = append(errs, fmt.Errorf("role must be client or server, got %q", c.Role))
	}
	if c.Discovery.Target == "" && c.Role == "client" {
		if c.Host == "" {
			errs = append(errs, errors.New("host is empty"))
		}
		if c.Port <= 0 || c.Port > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
		}
	}
	if c.Discovery.Target != "" && len(c.Discovery.EtcdEndpoints) == 0 {
		errs = append(errs, errors.New("discovery target set without etcd_endpoints"))
	}
	if c.Role == "server" && c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is empty"))
	}
	if c.RequestTimeoutMS <= 0 {
		errs = append(errs, errors.New("request_timeout_ms must be positive"))
	}
	if c.ReconnectMaxAttempts < 0 {
		errs = append(errs, errors.New("reconnect_max_attempts must not be negative"))
	}
	if c.ReconnectBaseDelayMS <= 0 || c.ReconnectMaxDelayMS < c.ReconnectBaseDelayMS {
		errs = append(errs, errors.New("reconnect delays must satisfy 0 < base <= max"))
	}
	if c.HeartbeatIntervalMS < 0 {
		errs = append(errs, errors.New("heartbeat_interval_ms must not be negative"))
	}
	if c.RateLimit.PerSecond < 0 || (c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit needs per_second >= 0 and a positive burst"))
	}
	if c.Retry.MaxRetries < 0 || (c.Retry.MaxRetries > 0 && c.Retry.BaseDelayMS <= 0) {
		errs = append(errs, errors.New("retry needs max_retries >= 0 and a positive base_delay_ms"))
	}
	return errors.Join(errs...)
}

// Endpoint is the dial URL built from scheme, host, port and path.
func (c *Config) Endpoint() string {
	hostPort := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	if c.Scheme == "tcp" {
		return "tcp://" + hostPort
	}
	path := c.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.Scheme + "://" + hostPort + path
}

func (c *Config) RequestTimeout() time.Duration {
	return ms(c.RequestTimeoutMS)
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return ms(c.ReconnectBaseDelayMS)
}

func (c *Config) ReconnectMaxDelay() time.Duration {
	return ms(c.ReconnectMaxDelayMS)
}

func (c *Config) HeartbeatInterval() time.Duration {
	return ms(c.HeartbeatIntervalMS)
}

func (c *Config) RetryBaseDelay() time.Duration {
	return ms(c.Retry.BaseDelayMS)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
