// FILE: lokiship/src/internal/format/json.go
package format

import (
	"bytes"
	"encoding/json"
	"fmt"

	"lokiship/src/internal/core"

	"github.com/lixenwraith/log"
)

// JSONFormatter renders each record as one JSON object per line.
// Standard fields come first, record fields follow in insertion order.
type JSONFormatter struct {
	includeLevel  bool
	includeTarget bool
	includeModule bool
	logger        *log.Logger
}

// NewJSONFormatter creates a JSON line formatter. Options:
// include_level, include_target, include_module (all bool).
func NewJSONFormatter(options map[string]any, logger *log.Logger) (*JSONFormatter, error) {
	return &JSONFormatter{
		includeLevel:  optBool(options, "include_level", true),
		includeTarget: optBool(options, "include_target", false),
		includeModule: optBool(options, "include_module", true),
		logger:        logger,
	}, nil
}

// Format renders the record as a compact JSON object. The object is
// built by hand so field order survives; encoding/json maps would
// re-sort keys.
func (f *JSONFormatter) Format(rec core.Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	used := make(map[string]struct{}, len(rec.Fields)+4)

	write := func(key, val string) error {
		// Duplicate keys are dropped, first writer wins.
		if _, dup := used[key]; dup {
			return nil
		}
		used[key] = struct{}{}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, err := json.Marshal(key)
		if err != nil {
			return err
		}
		v, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		return nil
	}

	if f.includeLevel {
		if err := write("level", rec.Level.String()); err != nil {
			return nil, fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}
	if rec.Message != "" {
		if err := write("message", rec.Message); err != nil {
			return nil, fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}
	if f.includeTarget && rec.Target != "" {
		if err := write("target", rec.Target); err != nil {
			return nil, fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}
	if f.includeModule && rec.Module != "" {
		if err := write("module", rec.Module); err != nil {
			return nil, fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}
	for _, field := range rec.Fields {
		if err := write(field.Key, field.Value); err != nil {
			return nil, fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Name returns the formatter's type name.
func (f *JSONFormatter) Name() string {
	return "json"
}
