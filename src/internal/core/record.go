// FILE: lokiship/src/internal/core/record.go
package core

import (
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a log record.
type Level int

const (
	LevelTrace Level = iota
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a level name into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}

// Field is a single key/value pair attached to a record.
// Fields keep their insertion order all the way to the rendered line.
type Field struct {
	Key   string
	Value string
}

// Record is one log record handed to the shipper. It is never mutated
// after Accept; the shipper formats it into line text immediately.
type Record struct {
	// Time of the record. Zero means "now" at accept time.
	Time    time.Time
	Level   Level
	Message string

	// Target and Module identify the origin of the record, when the
	// producing facade tracks them.
	Target string
	Module string

	// Fields are rendered into the line text in order. They never
	// change stream identity, even when a key collides with a label.
	Fields []Field

	// Labels are per-record stream labels. They are merged over the
	// global label set only when label merging is enabled.
	Labels map[string]string
}
