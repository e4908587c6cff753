// FILE: lokiship/src/internal/format/format.go
package format

import (
	"fmt"

	"lokiship/src/internal/core"

	"github.com/lixenwraith/log"
)

// Formatter renders one record into a single line of text. Rendering
// must be deterministic and preserve field insertion order; failures
// are isolated to the record, never the batch.
type Formatter interface {
	// Format returns the line text for a record, without a trailing
	// newline. The timestamp travels separately on the wire.
	Format(rec core.Record) ([]byte, error)

	// Name returns the formatter type name
	Name() string
}

// New creates a Formatter based on the configured name.
func New(name string, options map[string]any, logger *log.Logger) (Formatter, error) {
	// Logfmt is the default line format; Loki parses it natively.
	if name == "" {
		name = "logfmt"
	}

	switch name {
	case "logfmt":
		return NewLogfmtFormatter(options, logger)
	case "json":
		return NewJSONFormatter(options, logger)
	default:
		return nil, fmt.Errorf("unknown formatter type: %s", name)
	}
}

func optBool(options map[string]any, key string, def bool) bool {
	if v, ok := options[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
