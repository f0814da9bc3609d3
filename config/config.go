// Package config loads storage-rpc configuration from an optional TOML file and the
// environment. Environment variables win over the file.
//
//	[log]
//	level = "info"
//
//	[server]
//	listen = ":21025"
//	rate_limit = 1000
//
//	[storage]
//	host = "127.0.0.1"
//	port = 21025
//	retry_delay = "1s"
//
//	[etcd]
//	endpoints = ["127.0.0.1:2379"]
package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/juju/errors"
)

// ErrConfiguration marks a missing or invalid setting. It is fatal at startup.
const ErrConfiguration = errors.ConstError("invalid configuration")

// Environment variables read by FromEnv.
const (
	EnvStorageHost   = "STORAGE_HOST"
	EnvStoragePort   = "STORAGE_PORT"
	EnvEtcdEndpoints = "STORAGE_ETCD_ENDPOINTS"
	EnvLogLevel      = "STORAGE_RPC_LOG_LEVEL"
)

// DefaultCollections are the collections a proxy wraps on every connection.
var DefaultCollections = []string{
	"leaderboard.power",
	"leaderboard.seasons",
	"leaderboard.world",
	"users.intents",
	"market.orders",
	"market.stats",
	"rooms",
	"rooms.objects",
	"rooms.flags",
	"rooms.intents",
	"rooms.terrain",
	"transactions",
	"users",
	"users.code",
	"users.console",
	"users.messages",
	"users.money",
	"users.notifications",
	"users.resources",
	"users.power_creeps",
}

type Config struct {
	Log     Log
	Server  Server
	Storage Storage
	Etcd    Etcd
}

type Log struct {
	Level     string
	NoColor   bool
	Timestamp bool
}

type Server struct {
	Listen         string
	Advertise      string // address registered in etcd; empty skips registration
	Service        string
	MaxFrameSize   uint32
	// RequestTimeout bounds each request; 0 lets handlers take as long as they need.
	RequestTimeout time.Duration
	RateLimit      float64 // requests per second; 0 disables limiting
	RateBurst      int
	MetricsListen  string // promhttp address; empty disables the endpoint
}

// Storage configures the proxy side.
type Storage struct {
	Host        string
	Port        int
	Collections []string
	RetryDelay  time.Duration
	Service     string // registry service to discover when Port is unset
	Balancer    string
}

// Discovery reports whether the proxy finds its server through etcd.
func (s Storage) Discovery() bool {
	return s.Port == 0 && s.Service != ""
}

// Addr returns the static host:port of the storage server.
func (s Storage) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type Etcd struct {
	Endpoints   []string
	DialTimeout time.Duration
	TTL         int64
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: Log{Level: "info", Timestamp: true},
		Server: Server{
			Listen:       ":21025",
			Service:      "storage",
			MaxFrameSize: 64 << 20,
			RateBurst:    100,
		},
		Storage: Storage{
			Collections: append([]string(nil), DefaultCollections...),
			RetryDelay:  time.Second,
			Balancer:    "consistent_hash",
		},
		Etcd: Etcd{
			DialTimeout: 5 * time.Second,
			TTL:         10,
		},
	}
}

type fileConfig struct {
	Log struct {
		Level     string `toml:"level"`
		NoColor   bool   `toml:"no_color"`
		Timestamp bool   `toml:"timestamp"`
	} `toml:"log"`
	Server struct {
		Listen         string  `toml:"listen"`
		Advertise      string  `toml:"advertise"`
		Service        string  `toml:"service"`
		MaxFrameSize   uint32  `toml:"max_frame_size"`
		RequestTimeout string  `toml:"request_timeout"`
		RateLimit      float64 `toml:"rate_limit"`
		RateBurst      int     `toml:"rate_burst"`
		MetricsListen  string  `toml:"metrics_listen"`
	} `toml:"server"`
	Storage struct {
		Host        string   `toml:"host"`
		Port        int      `toml:"port"`
		Collections []string `toml:"collections"`
		RetryDelay  string   `toml:"retry_delay"`
		Service     string   `toml:"service"`
		Balancer    string   `toml:"balancer"`
	} `toml:"storage"`
	Etcd struct {
		Endpoints   []string `toml:"endpoints"`
		DialTimeout string   `toml:"dial_timeout"`
		TTL         int64    `toml:"ttl"`
	} `toml:"etcd"`
}

// Load reads path on top of Default, then applies the environment. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Default plus the environment.
func FromEnv() (Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) decodeFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return errors.Annotatef(err, "loading config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return errors.Annotatef(ErrConfiguration, "unknown key %q in %s", undecoded[0].String(), path)
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "no_color") {
		cfg.Log.NoColor = raw.Log.NoColor
	}
	if meta.IsDefined("log", "timestamp") {
		cfg.Log.Timestamp = raw.Log.Timestamp
	}

	if meta.IsDefined("server", "listen") {
		cfg.Server.Listen = strings.TrimSpace(raw.Server.Listen)
	}
	if meta.IsDefined("server", "advertise") {
		cfg.Server.Advertise = strings.TrimSpace(raw.Server.Advertise)
	}
	if meta.IsDefined("server", "service") {
		cfg.Server.Service = strings.TrimSpace(raw.Server.Service)
	}
	if meta.IsDefined("server", "max_frame_size") {
		cfg.Server.MaxFrameSize = raw.Server.MaxFrameSize
	}
	if meta.IsDefined("server", "request_timeout") {
		d, err := parseDuration("server.request_timeout", raw.Server.RequestTimeout)
		if err != nil {
			return err
		}
		cfg.Server.RequestTimeout = d
	}
	if meta.IsDefined("server", "rate_limit") {
		cfg.Server.RateLimit = raw.Server.RateLimit
	}
	if meta.IsDefined("server", "rate_burst") {
		cfg.Server.RateBurst = raw.Server.RateBurst
	}
	if meta.IsDefined("server", "metrics_listen") {
		cfg.Server.MetricsListen = strings.TrimSpace(raw.Server.MetricsListen)
	}

	if meta.IsDefined("storage", "host") {
		cfg.Storage.Host = strings.TrimSpace(raw.Storage.Host)
	}
	if meta.IsDefined("storage", "port") {
		cfg.Storage.Port = raw.Storage.Port
	}
	if meta.IsDefined("storage", "collections") {
		cfg.Storage.Collections = normalize(raw.Storage.Collections)
	}
	if meta.IsDefined("storage", "retry_delay") {
		d, err := parseDuration("storage.retry_delay", raw.Storage.RetryDelay)
		if err != nil {
			return err
		}
		cfg.Storage.RetryDelay = d
	}
	if meta.IsDefined("storage", "service") {
		cfg.Storage.Service = strings.TrimSpace(raw.Storage.Service)
	}
	if meta.IsDefined("storage", "balancer") {
		cfg.Storage.Balancer = strings.TrimSpace(raw.Storage.Balancer)
	}

	if meta.IsDefined("etcd", "endpoints") {
		cfg.Etcd.Endpoints = normalize(raw.Etcd.Endpoints)
	}
	if meta.IsDefined("etcd", "dial_timeout") {
		d, err := parseDuration("etcd.dial_timeout", raw.Etcd.DialTimeout)
		if err != nil {
			return err
		}
		cfg.Etcd.DialTimeout = d
	}
	if meta.IsDefined("etcd", "ttl") {
		cfg.Etcd.TTL = raw.Etcd.TTL
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvStorageHost); ok {
		cfg.Storage.Host = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvStoragePort); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Annotatef(ErrConfiguration, "%s=%q is not a port", EnvStoragePort, v)
		}
		cfg.Storage.Port = port
	}
	if v, ok := lookup(EnvEtcdEndpoints); ok {
		cfg.Etcd.Endpoints = normalize(strings.Split(v, ","))
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		cfg.Log.Level = strings.TrimSpace(v)
	}
	return nil
}

// Validate checks the proxy settings. It must pass before the first dial: a proxy
// without a port and without discovery has nowhere to connect.
func (s Storage) Validate(etcd Etcd) error {
	switch {
	case s.Port < 0 || s.Port > 65535:
		return errors.Annotatef(ErrConfiguration, "storage port %d out of range", s.Port)
	case s.Port == 0 && (s.Service == "" || len(etcd.Endpoints) == 0):
		return errors.Annotatef(ErrConfiguration, "%s environment variable is not set", EnvStoragePort)
	case s.RetryDelay <= 0:
		return errors.Annotatef(ErrConfiguration, "storage retry delay must be positive, got %s", s.RetryDelay)
	}
	return nil
}

// Validate checks the server settings.
func (s Server) Validate() error {
	switch {
	case strings.TrimSpace(s.Listen) == "":
		return errors.Annotate(ErrConfiguration, "server listen address is required")
	case s.RateLimit < 0:
		return errors.Annotatef(ErrConfiguration, "server rate limit must not be negative, got %v", s.RateLimit)
	case s.RateLimit > 0 && s.RateBurst <= 0:
		return errors.Annotate(ErrConfiguration, "server rate burst must be positive when rate limiting")
	case s.RequestTimeout < 0:
		return errors.Annotatef(ErrConfiguration, "server request timeout must not be negative, got %s", s.RequestTimeout)
	}
	return nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, errors.Annotatef(ErrConfiguration, "parse %s: %v", key, err)
	}
	return d, nil
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
