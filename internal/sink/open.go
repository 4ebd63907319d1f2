package sink

import (
	"fmt"

	"kinetrace/internal/config"
)

// Open builds the sink described by cfg.
func Open(cfg config.SinkConfig) (Sink, error) {
	switch cfg.Type {
	case config.SinkCSV:
		return NewCSVSink(cfg.Path)
	case config.SinkSQLite:
		return OpenSQLite(cfg.Path)
	case config.SinkMemory:
		return NewMemorySink(), nil
	case config.SinkNone, "":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, cfg.Type)
	}
}
