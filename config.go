package jitcore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"go.uber.org/zap/zapcore"

	"github.com/tetratelabs/jitcore/internal/backend"
	"github.com/tetratelabs/jitcore/internal/dispatcher"
	"github.com/tetratelabs/jitcore/internal/logging"
)

// ErrInvalidConfig is returned for a configuration value out of range.
var ErrInvalidConfig = errors.New("jitcore: invalid config")

// Config controls engine behavior, with the default implementation as NewConfig.
//
// Config is immutable: each With* method returns a modified copy.
type Config struct {
	maxThreads         int
	inputQueueCapacity int
	recompilationDelay time.Duration
	selection          backend.Options
	cacheDir           string
	cacheSizeLimit     int64
	logScopes          string
	logLevel           string
}

var defaultConfig = &Config{
	maxThreads:         0,
	inputQueueCapacity: dispatcher.DefaultInputQueueCapacity,
	selection:          backend.DefaultOptions(),
	logLevel:           "info",
}

// NewConfig returns the default configuration: background compilation on up to GOMAXPROCS
// workers, no code cache and info level logging with every scope disabled.
func NewConfig() *Config { return defaultConfig.clone() }

func (c *Config) clone() *Config {
	ret := *c
	return &ret
}

// WithMaxThreads caps the number of compile workers. Zero means GOMAXPROCS and -1 compiles on
// the goroutine that queues a job.
func (c *Config) WithMaxThreads(n int) *Config {
	ret := c.clone()
	ret.maxThreads = n
	return ret
}

// WithInputQueueCapacity sets the number of jobs the optimizing dispatcher queues before
// rejecting new ones.
func (c *Config) WithInputQueueCapacity(n int) *Config {
	ret := c.clone()
	ret.inputQueueCapacity = n
	return ret
}

// WithRecompilationDelay makes optimizing workers sleep d before each job.
func (c *Config) WithRecompilationDelay(d time.Duration) *Config {
	ret := c.clone()
	ret.recompilationDelay = d
	return ret
}

// WithCompressPointers selects 32-bit compressed tagged values. Defaults to true.
func (c *Config) WithCompressPointers(enabled bool) *Config {
	ret := c.clone()
	ret.selection.CompressPointers = enabled
	return ret
}

// WithStaticRoots tells whether read-only roots have addresses known at build time. Defaults to
// true.
func (c *Config) WithStaticRoots(enabled bool) *Config {
	ret := c.clone()
	ret.selection.StaticRoots = enabled
	return ret
}

// WithBootstrapper is set while compiling builtins for the snapshot.
func (c *Config) WithBootstrapper(enabled bool) *Config {
	ret := c.clone()
	ret.selection.Bootstrapper = enabled
	return ret
}

// WithSwitchJumpTable allows switches to lower to jump tables. Defaults to true.
func (c *Config) WithSwitchJumpTable(enabled bool) *Config {
	ret := c.clone()
	ret.selection.EnableSwitchJumpTable = enabled
	return ret
}

// WithCacheDir persists compiled code under dir. An empty dir keeps the cache in memory.
func (c *Config) WithCacheDir(dir string) *Config {
	ret := c.clone()
	ret.cacheDir = dir
	return ret
}

// WithCacheSizeLimit bounds the on-disk cache to limit bytes. Zero means unbounded.
func (c *Config) WithCacheSizeLimit(limit int64) *Config {
	ret := c.clone()
	ret.cacheSizeLimit = limit
	return ret
}

// WithLogScopes enables logging for the given scopes: selection, codegen, deopt, dispatcher,
// cache or all.
func (c *Config) WithLogScopes(scopes ...string) *Config {
	ret := c.clone()
	ret.logScopes = strings.Join(scopes, "|")
	return ret
}

// WithLogLevel sets the minimum level logged, for example "debug".
func (c *Config) WithLogLevel(level string) *Config {
	ret := c.clone()
	ret.logLevel = level
	return ret
}

// CacheDir returns the directory of the code cache, or "" when it lives in memory.
func (c *Config) CacheDir() string { return c.cacheDir }

// validate returns the parsed log settings, or an error wrapping ErrInvalidConfig.
func (c *Config) validate() (logging.LogScopes, zapcore.Level, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.maxThreads < dispatcher.DisableConcurrency:
		return 0, 0, invalid("max threads %d", c.maxThreads)
	case c.inputQueueCapacity <= 0:
		return 0, 0, invalid("input queue capacity %d", c.inputQueueCapacity)
	case c.recompilationDelay < 0:
		return 0, 0, invalid("recompilation delay %s", c.recompilationDelay)
	case c.cacheSizeLimit < 0:
		return 0, 0, invalid("cache size limit %d", c.cacheSizeLimit)
	}
	scopes, err := logging.ParseLogScopes(c.logScopes)
	if err != nil {
		return 0, 0, invalid("%v", err)
	}
	level, err := zapcore.ParseLevel(c.logLevel)
	if err != nil {
		return 0, 0, invalid("%v", err)
	}
	return scopes, level, nil
}

// fileConfig is the TOML form of Config. Unset keys keep their default.
type fileConfig struct {
	MaxThreads         *int    `toml:"max_threads"`
	InputQueueCapacity *int    `toml:"input_queue_capacity"`
	RecompilationDelay *string `toml:"recompilation_delay"`
	CompressPointers   *bool   `toml:"compress_pointers"`
	StaticRoots        *bool   `toml:"static_roots"`
	Bootstrapper       *bool   `toml:"bootstrapper"`
	SwitchJumpTable    *bool   `toml:"switch_jump_table"`
	Cache              struct {
		Dir       *string `toml:"dir"`
		SizeLimit *string `toml:"size_limit"`
	} `toml:"cache"`
	Log struct {
		Scopes []string `toml:"scopes"`
		Level  *string  `toml:"level"`
	} `toml:"log"`
}

// LoadConfigFile reads a TOML configuration file. Keys it leaves out keep the NewConfig default.
//
// Example:
//
//	max_threads = 4
//	recompilation_delay = "2ms"
//
//	[cache]
//	dir = "/var/cache/jitcore"
//	size_limit = "64MiB"
//
//	[log]
//	scopes = ["dispatcher", "cache"]
//	level = "debug"
func LoadConfigFile(path string) (*Config, error) {
	var f fileConfig
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("jitcore: load %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}
	c, err := f.apply(NewConfig())
	if err != nil {
		return nil, err
	}
	if _, _, err = c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (f *fileConfig) apply(c *Config) (*Config, error) {
	if f.MaxThreads != nil {
		c = c.WithMaxThreads(*f.MaxThreads)
	}
	if f.InputQueueCapacity != nil {
		c = c.WithInputQueueCapacity(*f.InputQueueCapacity)
	}
	if f.RecompilationDelay != nil {
		d, err := time.ParseDuration(*f.RecompilationDelay)
		if err != nil {
			return nil, fmt.Errorf("%w: recompilation_delay: %v", ErrInvalidConfig, err)
		}
		c = c.WithRecompilationDelay(d)
	}
	if f.CompressPointers != nil {
		c = c.WithCompressPointers(*f.CompressPointers)
	}
	if f.StaticRoots != nil {
		c = c.WithStaticRoots(*f.StaticRoots)
	}
	if f.Bootstrapper != nil {
		c = c.WithBootstrapper(*f.Bootstrapper)
	}
	if f.SwitchJumpTable != nil {
		c = c.WithSwitchJumpTable(*f.SwitchJumpTable)
	}
	if f.Cache.Dir != nil {
		c = c.WithCacheDir(*f.Cache.Dir)
	}
	if f.Cache.SizeLimit != nil {
		limit, err := units.RAMInBytes(*f.Cache.SizeLimit)
		if err != nil {
			return nil, fmt.Errorf("%w: cache.size_limit: %v", ErrInvalidConfig, err)
		}
		c = c.WithCacheSizeLimit(limit)
	}
	if f.Log.Scopes != nil {
		c = c.WithLogScopes(f.Log.Scopes...)
	}
	if f.Log.Level != nil {
		c = c.WithLogLevel(*f.Log.Level)
	}
	return c, nil
}

// String returns c in the format read by LoadConfigFile.
func (c *Config) String() string {
	delay := c.recompilationDelay.String()
	limit := "0"
	if c.cacheSizeLimit > 0 {
		limit = units.BytesSize(float64(c.cacheSizeLimit))
	}
	scopes := []string{}
	for _, s := range strings.FieldsFunc(c.logScopes, func(r rune) bool { return r == '|' || r == ',' }) {
		scopes = append(scopes, strings.TrimSpace(s))
	}
	f := fileConfig{
		MaxThreads:         &c.maxThreads,
		InputQueueCapacity: &c.inputQueueCapacity,
		RecompilationDelay: &delay,
		CompressPointers:   &c.selection.CompressPointers,
		StaticRoots:        &c.selection.StaticRoots,
		Bootstrapper:       &c.selection.Bootstrapper,
		SwitchJumpTable:    &c.selection.EnableSwitchJumpTable,
	}
	f.Cache.Dir = &c.cacheDir
	f.Cache.SizeLimit = &limit
	f.Log.Scopes = scopes
	f.Log.Level = &c.logLevel

	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(f); err != nil {
		panic(fmt.Sprintf("BUG: encoding config: %v", err))
	}
	return sb.String()
}
