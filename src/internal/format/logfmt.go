// FILE: lokiship/src/internal/format/logfmt.go
package format

import (
	"bytes"
	"fmt"
	"strings"
	"unicode"

	"lokiship/src/internal/core"

	"github.com/lixenwraith/log"
)

// Characters stripped from logfmt keys.
const invalidKeyChars = " =\""

// LogfmtFormatter renders records as logfmt key=value lines. Keys are
// sanitized, duplicate keys are dropped, and values containing
// whitespace, quotes or control characters are quoted and escaped.
type LogfmtFormatter struct {
	includeLevel   bool
	includeTarget  bool
	includeModule  bool
	escapeNewlines bool
	logger         *log.Logger
}

// NewLogfmtFormatter creates a logfmt formatter. Options: include_level,
// include_target, include_module, escape_newlines (all bool).
func NewLogfmtFormatter(options map[string]any, logger *log.Logger) (*LogfmtFormatter, error) {
	return &LogfmtFormatter{
		includeLevel:   optBool(options, "include_level", true),
		includeTarget:  optBool(options, "include_target", false),
		includeModule:  optBool(options, "include_module", true),
		escapeNewlines: optBool(options, "escape_newlines", false),
		logger:         logger,
	}, nil
}

// Format renders the record's auto fields followed by its extra fields
// in insertion order.
func (f *LogfmtFormatter) Format(rec core.Record) ([]byte, error) {
	var buf bytes.Buffer
	used := make(map[string]struct{}, len(rec.Fields)+4)

	if f.includeLevel {
		f.writePair(&buf, used, "level", rec.Level.String())
	}
	if rec.Message != "" {
		f.writePair(&buf, used, "message", rec.Message)
	}
	if f.includeTarget && rec.Target != "" {
		f.writePair(&buf, used, "target", rec.Target)
	}
	if f.includeModule && rec.Module != "" {
		f.writePair(&buf, used, "module", rec.Module)
	}
	for _, field := range rec.Fields {
		f.writePair(&buf, used, field.Key, field.Value)
	}

	return buf.Bytes(), nil
}

// Name returns the formatter's type name.
func (f *LogfmtFormatter) Name() string {
	return "logfmt"
}

// writePair appends one key=value pair. Duplicate keys are dropped so
// a record field cannot shadow an earlier auto field.
func (f *LogfmtFormatter) writePair(buf *bytes.Buffer, used map[string]struct{}, key, val string) {
	key = sanitizeKey(key)
	if _, dup := used[key]; dup {
		return
	}
	used[key] = struct{}{}

	if buf.Len() > 0 {
		buf.WriteByte(' ')
	}
	buf.WriteString(key)
	buf.WriteByte('=')
	f.writeValue(buf, val)
}

func (f *LogfmtFormatter) writeValue(buf *bytes.Buffer, val string) {
	var escaped strings.Builder
	escaped.Grow(len(val) + 8)
	needQuotes := false

	for _, chr := range val {
		switch chr {
		case '\\', '"':
			needQuotes = true
			escaped.WriteByte('\\')
			escaped.WriteRune(chr)
		case ' ', '=':
			needQuotes = true
			escaped.WriteRune(chr)
		case '\n', '\r', '\t':
			needQuotes = true
			if f.escapeNewlines {
				escaped.WriteString(escapeControl(chr))
			} else {
				escaped.WriteRune(chr)
			}
		default:
			if unicode.IsControl(chr) {
				needQuotes = true
				escaped.WriteString(fmt.Sprintf("\\u{%x}", chr))
			} else {
				escaped.WriteRune(chr)
			}
		}
	}

	if needQuotes {
		buf.WriteByte('"')
		buf.WriteString(escaped.String())
		buf.WriteByte('"')
		return
	}
	buf.WriteString(escaped.String())
}

func escapeControl(chr rune) string {
	switch chr {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	default:
		return string(chr)
	}
}

// sanitizeKey strips characters logfmt keys may not contain. An empty
// result becomes "_" so the pair survives.
func sanitizeKey(key string) string {
	key = strings.Map(func(r rune) rune {
		if strings.ContainsRune(invalidKeyChars, r) {
			return -1
		}
		return r
	}, key)
	if key == "" {
		return "_"
	}
	return key
}
