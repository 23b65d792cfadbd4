package main

import (
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"calltrace/internal/config"
)

// loadConfig resolves calltrace.toml and the environment, then applies the
// flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	root := cmd.Root().PersistentFlags()
	path, err := root.GetString("config")
	if err != nil {
		return config.Config{}, errors.Wrap(err, "failed to get config flag")
	}
	cfg, err := config.Resolve(path)
	if err != nil {
		return config.Config{}, err
	}

	overrides := []struct {
		flags *pflag.FlagSet
		name  string
		dst   *string
	}{
		{cmd.Flags(), "out", &cfg.Output.Dir},
		{cmd.Flags(), "format", &cfg.Output.Format},
		{cmd.Flags(), "policy", &cfg.Engine.Policy},
		{cmd.Flags(), "partial", &cfg.Engine.Partial},
		{cmd.Flags(), "locals", &cfg.Locals.File},
		{root, "trace", &cfg.Trace.Output},
		{root, "trace-level", &cfg.Trace.Level},
		{root, "trace-mode", &cfg.Trace.Mode},
	}
	for _, o := range overrides {
		if f := o.flags.Lookup(o.name); f != nil && f.Changed {
			*o.dst = f.Value.String()
		}
	}
	if f := root.Lookup("trace-ring-size"); f != nil && f.Changed {
		n, err := root.GetInt("trace-ring-size")
		if err != nil {
			return config.Config{}, err
		}
		cfg.Trace.RingSize = n
	}
	if f := cmd.Flags().Lookup("jobs"); f != nil && f.Changed {
		n, err := cmd.Flags().GetInt("jobs")
		if err != nil {
			return config.Config{}, err
		}
		cfg.Stats.Jobs = n
	}
	// A trace file with no explicit level means the user wants phases.
	if cfg.Trace.Output != "" && (cfg.Trace.Level == "" || cfg.Trace.Level == "off") {
		cfg.Trace.Level = "phase"
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
