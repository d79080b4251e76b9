// Package config loads the server's HCL configuration file.
//
//	server {
//	  listen        = ":8080"
//	  manage_listen = "127.0.0.1:8081"
//	  log_level     = "info"
//	}
//	triage {
//	  core_size           = 4
//	  admission_threshold = 32
//	}
//	transaction {
//	  core_size      = 2
//	  max_size       = 16
//	  probe_interval = "5s"
//	}
//	storage {
//	  path = "ldgate.db"
//	}
//	rewrite {
//	  from = "/public/"
//	  to   = "/"
//	}
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	DefaultListen             = ":8080"
	DefaultManageListen       = "127.0.0.1:8081"
	DefaultAdmissionThreshold = 32
	DefaultStoragePath        = "ldgate.db"
)

// Config is the resolved configuration with every default applied.
type Config struct {
	Server      Server
	Triage      Pool
	Transaction Pool
	Storage     Storage
	Rewrites    []Rewrite
}

type Server struct {
	Listen       string
	ManageListen string
	LogLevel     string
	LogFormat    string
	// ExchangeTimeout bounds the wait for verification.
	ExchangeTimeout time.Duration
	ShutdownTimeout time.Duration
	DumpDir         string
	Containers      []string
}

type Pool struct {
	CoreSize           int
	MaxSize            int
	KeepAlive          time.Duration
	AllowCoreTimeout   bool
	PinWorkers         bool
	ProbeInterval      time.Duration
	AdmissionThreshold int
	RetryAttempts      int
}

type Storage struct {
	Path         string
	BusyTimeout  time.Duration
	MaxReadConns int
	MaxBody      int64
}

type Rewrite struct {
	From string
	To   string
}

// file mirrors the HCL layout. Durations are strings so that "250ms"
// and "1m" read naturally.
type file struct {
	Server      *serverBlock   `hcl:"server,block"`
	Triage      *poolBlock     `hcl:"triage,block"`
	Transaction *poolBlock     `hcl:"transaction,block"`
	Storage     *storageBlock  `hcl:"storage,block"`
	Rewrites    []rewriteBlock `hcl:"rewrite,block"`
}

type serverBlock struct {
	Listen          *string  `hcl:"listen,optional"`
	ManageListen    *string  `hcl:"manage_listen,optional"`
	LogLevel        *string  `hcl:"log_level,optional"`
	LogFormat       *string  `hcl:"log_format,optional"`
	ExchangeTimeout *string  `hcl:"exchange_timeout,optional"`
	ShutdownTimeout *string  `hcl:"shutdown_timeout,optional"`
	DumpDir         *string  `hcl:"dump_dir,optional"`
	Containers      []string `hcl:"containers,optional"`
}

type poolBlock struct {
	CoreSize           *int    `hcl:"core_size,optional"`
	MaxSize            *int    `hcl:"max_size,optional"`
	KeepAlive          *string `hcl:"keep_alive,optional"`
	AllowCoreTimeout   *bool   `hcl:"allow_core_timeout,optional"`
	PinWorkers         *bool   `hcl:"pin_workers,optional"`
	ProbeInterval      *string `hcl:"probe_interval,optional"`
	AdmissionThreshold *int    `hcl:"admission_threshold,optional"`
	RetryAttempts      *int    `hcl:"retry_attempts,optional"`
}

type storageBlock struct {
	Path         *string `hcl:"path,optional"`
	BusyTimeout  *string `hcl:"busy_timeout,optional"`
	MaxReadConns *int    `hcl:"max_read_conns,optional"`
	MaxBody      *int64  `hcl:"max_body,optional"`
}

type rewriteBlock struct {
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	cores := runtime.GOMAXPROCS(0)
	return Config{
		Server: Server{
			Listen:          DefaultListen,
			ManageListen:    DefaultManageListen,
			LogLevel:        "info",
			LogFormat:       "json",
			ExchangeTimeout: 30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Triage: Pool{
			CoreSize:           cores,
			MaxSize:            cores,
			KeepAlive:          60 * time.Second,
			AdmissionThreshold: DefaultAdmissionThreshold,
		},
		Transaction: Pool{
			CoreSize:           cores,
			MaxSize:            4 * cores,
			KeepAlive:          60 * time.Second,
			ProbeInterval:      5 * time.Second,
			AdmissionThreshold: DefaultAdmissionThreshold,
			RetryAttempts:      5,
		},
		Storage: Storage{
			Path:         DefaultStoragePath,
			BusyTimeout:  50 * time.Millisecond,
			MaxReadConns: 4,
			MaxBody:      8 << 20,
		},
	}
}

// Load reads path. An empty path yields Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, src)
}

// Parse decodes src; filename only names the source in diagnostics and
// must end in .hcl.
func Parse(filename string, src []byte) (Config, error) {
	var f file
	if err := hclsimple.Decode(filename, src, nil, &f); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", filename, err)
	}
	cfg := Default()
	if err := f.apply(&cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", filename, err)
	}
	return cfg, cfg.Validate()
}

func (f *file) apply(cfg *Config) error {
	if s := f.Server; s != nil {
		setString(&cfg.Server.Listen, s.Listen)
		setString(&cfg.Server.ManageListen, s.ManageListen)
		setString(&cfg.Server.LogLevel, s.LogLevel)
		setString(&cfg.Server.LogFormat, s.LogFormat)
		setString(&cfg.Server.DumpDir, s.DumpDir)
		if s.Containers != nil {
			cfg.Server.Containers = s.Containers
		}
		if err := setDuration(&cfg.Server.ExchangeTimeout, "server.exchange_timeout", s.ExchangeTimeout); err != nil {
			return err
		}
		if err := setDuration(&cfg.Server.ShutdownTimeout, "server.shutdown_timeout", s.ShutdownTimeout); err != nil {
			return err
		}
	}
	if err := f.Triage.apply(&cfg.Triage, "triage"); err != nil {
		return err
	}
	if err := f.Transaction.apply(&cfg.Transaction, "transaction"); err != nil {
		return err
	}
	if s := f.Storage; s != nil {
		setString(&cfg.Storage.Path, s.Path)
		setInt(&cfg.Storage.MaxReadConns, s.MaxReadConns)
		if s.MaxBody != nil {
			cfg.Storage.MaxBody = *s.MaxBody
		}
		if err := setDuration(&cfg.Storage.BusyTimeout, "storage.busy_timeout", s.BusyTimeout); err != nil {
			return err
		}
	}
	for _, r := range f.Rewrites {
		cfg.Rewrites = append(cfg.Rewrites, Rewrite(r))
	}
	return nil
}

func (b *poolBlock) apply(p *Pool, name string) error {
	if b == nil {
		return nil
	}
	setInt(&p.CoreSize, b.CoreSize)
	setInt(&p.MaxSize, b.MaxSize)
	setInt(&p.AdmissionThreshold, b.AdmissionThreshold)
	setInt(&p.RetryAttempts, b.RetryAttempts)
	if b.AllowCoreTimeout != nil {
		p.AllowCoreTimeout = *b.AllowCoreTimeout
	}
	if b.PinWorkers != nil {
		p.PinWorkers = *b.PinWorkers
	}
	// A core size above the default max lifts max with it.
	if b.CoreSize != nil && b.MaxSize == nil && p.MaxSize < p.CoreSize {
		p.MaxSize = p.CoreSize
	}
	if err := setDuration(&p.KeepAlive, name+".keep_alive", b.KeepAlive); err != nil {
		return err
	}
	return setDuration(&p.ProbeInterval, name+".probe_interval", b.ProbeInterval)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, field string, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

// Validate rejects values the pools and store would refuse later.
func (c Config) Validate() error {
	for name, p := range map[string]Pool{"triage": c.Triage, "transaction": c.Transaction} {
		if p.CoreSize < 1 || p.MaxSize < p.CoreSize {
			return fmt.Errorf("%s: need 1 <= core_size <= max_size, got %d/%d", name, p.CoreSize, p.MaxSize)
		}
		if p.AdmissionThreshold < 1 {
			return fmt.Errorf("%s: admission_threshold must be positive", name)
		}
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage: path is required")
	}
	for _, r := range c.Rewrites {
		if r.From == "" || r.From[0] != '/' || r.To == "" || r.To[0] != '/' {
			return fmt.Errorf("rewrite %q -> %q: prefixes must be absolute paths", r.From, r.To)
		}
	}
	return nil
}
