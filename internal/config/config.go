// Package config loads calltrace.toml and the CALLTRACE_* environment.
//
// Precedence, lowest first: built-in defaults, the TOML file, .env, the
// process environment. Command-line flags are applied on top by the CLI.
package config

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"

	"calltrace/internal/session"
	"calltrace/internal/trace"
	"calltrace/internal/wire"
)

// FileName is the config file looked up from the working directory upwards.
const FileName = "calltrace.toml"

// FormatPebble selects the pebble trace store instead of per-thread files.
const FormatPebble = "pebble"

// Config is the decoded configuration. Values stay strings until Validate
// or the typed accessors parse them, so every layer can override them
// textually.
type Config struct {
	Output OutputConfig `toml:"output"`
	Engine EngineConfig `toml:"engine"`
	Locals LocalsConfig `toml:"locals"`
	Trace  TraceConfig  `toml:"trace"`
	Stats  StatsConfig  `toml:"stats"`

	// Path is the file the config was read from, "" when none was found.
	Path string `toml:"-"`
}

type OutputConfig struct {
	Dir    string `toml:"dir"`
	Format string `toml:"format"`
}

type EngineConfig struct {
	Policy  string `toml:"policy"`
	Partial string `toml:"partial"`
}

type LocalsConfig struct {
	File string `toml:"file"`
}

type TraceConfig struct {
	Level    string `toml:"level"`
	Output   string `toml:"output"`
	Mode     string `toml:"mode"`
	RingSize int    `toml:"ring_size"`
}

type StatsConfig struct {
	// Jobs bounds concurrent file reads; 0 means GOMAXPROCS.
	Jobs int `toml:"jobs"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Output: OutputConfig{Dir: "out", Format: "msgpack"},
		Engine: EngineConfig{Policy: "strict", Partial: "flush"},
		Trace:  TraceConfig{Level: "off", Mode: "stream", RingSize: 4096},
	}
}

// Find walks from startDir up to the filesystem root looking for FileName.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, errors.Wrap(err, "failed to resolve start directory")
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, errors.Wrapf(err, "failed to stat %q", candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, nil
		}
		dir = parent
	}
}

// Load reads the config at path over the defaults. An empty path searches
// for FileName from the working directory; finding none is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		found, ok, err := Find(".")
		if err != nil || !ok {
			return cfg, err
		}
		path = found
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "%s: failed to parse TOML", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, errors.Newf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if meta.IsDefined("trace", "ring_size") && cfg.Trace.RingSize <= 0 {
		return Config{}, errors.Newf("%s: [trace].ring_size must be positive", path)
	}
	if meta.IsDefined("stats", "jobs") && cfg.Stats.Jobs < 0 {
		return Config{}, errors.Newf("%s: [stats].jobs must not be negative", path)
	}

	// Paths in the file are relative to the file, not to the working dir.
	root := filepath.Dir(path)
	if meta.IsDefined("output", "dir") {
		cfg.Output.Dir = relativeTo(root, cfg.Output.Dir)
	}
	if meta.IsDefined("locals", "file") {
		cfg.Locals.File = relativeTo(root, cfg.Locals.File)
	}
	if meta.IsDefined("trace", "output") && cfg.Trace.Output != "-" {
		cfg.Trace.Output = relativeTo(root, cfg.Trace.Output)
	}
	cfg.Path = path
	return cfg, nil
}

func relativeTo(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, filepath.FromSlash(p))
}

// Resolve loads the config file, then .env, then the process environment,
// and validates the result.
func Resolve(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	_ = godotenv.Load()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CALLTRACE_* variables. Empty values are
// ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("CALLTRACE_OUTPUT_DIR", &c.Output.Dir)
	str("CALLTRACE_OUTPUT_FORMAT", &c.Output.Format)
	str("CALLTRACE_POLICY", &c.Engine.Policy)
	str("CALLTRACE_PARTIAL", &c.Engine.Partial)
	str("CALLTRACE_LOCALS", &c.Locals.File)
	str("CALLTRACE_TRACE_LEVEL", &c.Trace.Level)
	str("CALLTRACE_TRACE_OUTPUT", &c.Trace.Output)
	str("CALLTRACE_TRACE_MODE", &c.Trace.Mode)
	if v, ok := lookup("CALLTRACE_STATS_JOBS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return errors.Newf("CALLTRACE_STATS_JOBS: invalid value %q", v)
		}
		c.Stats.Jobs = n
	}
	return nil
}

// Validate parses every enumerated value.
func (c Config) Validate() error {
	if !c.Output.Pebble() {
		if _, err := c.Output.WireFormat(); err != nil {
			return errors.Wrap(err, "[output].format")
		}
	}
	if _, err := c.Engine.SessionPolicy(); err != nil {
		return errors.Wrap(err, "[engine].policy")
	}
	if _, err := c.Engine.PartialPolicy(); err != nil {
		return errors.Wrap(err, "[engine].partial")
	}
	if _, err := c.Trace.TracerConfig(); err != nil {
		return errors.Wrap(err, "[trace]")
	}
	if c.Stats.Jobs < 0 {
		return errors.Newf("[stats].jobs must not be negative, got %d", c.Stats.Jobs)
	}
	return nil
}

// Pebble reports whether traces go to the pebble store.
func (o OutputConfig) Pebble() bool {
	return strings.EqualFold(strings.TrimSpace(o.Format), FormatPebble)
}

// WireFormat returns the per-thread file encoding.
func (o OutputConfig) WireFormat() (wire.Format, error) {
	return wire.ParseFormat(o.Format)
}

func (e EngineConfig) SessionPolicy() (session.Policy, error) {
	return session.ParsePolicy(e.Policy)
}

func (e EngineConfig) PartialPolicy() (session.PartialPolicy, error) {
	return session.ParsePartialPolicy(e.Partial)
}

// TracerConfig converts the [trace] table into a tracer configuration.
func (t TraceConfig) TracerConfig() (trace.Config, error) {
	level, err := trace.ParseLevel(t.Level)
	if err != nil {
		return trace.Config{}, err
	}
	mode, err := trace.ParseMode(t.Mode)
	if err != nil {
		return trace.Config{}, err
	}
	return trace.Config{
		Level:      level,
		Mode:       mode,
		OutputPath: t.Output,
		RingSize:   t.RingSize,
	}, nil
}
