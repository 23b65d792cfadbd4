package main

import (
	"calltrace/internal/config"
	"calltrace/internal/sink"
)

// openOutput builds the sink opener selected by [output].
func openOutput(cfg config.Config) (sink.Opener, error) {
	if cfg.Output.Pebble() {
		return sink.OpenPebble(cfg.Output.Dir, nil)
	}
	f, err := cfg.Output.WireFormat()
	if err != nil {
		return nil, err
	}
	return sink.NewDir(cfg.Output.Dir, f), nil
}
