// FILE: lokiship/src/internal/core/labels.go
package core

import (
	"sort"
	"strings"
)

// LabelSet is an immutable set of string key/value pairs identifying a
// stream. Two sets built from the same pairs in any insertion order are
// equal and share one canonical key.
type LabelSet struct {
	kv  map[string]string
	key string
}

// NewLabelSet copies m into an immutable label set.
func NewLabelSet(m map[string]string) LabelSet {
	kv := make(map[string]string, len(m))
	for k, v := range m {
		kv[k] = v
	}
	return LabelSet{kv: kv, key: canonicalKey(kv)}
}

// Len returns the number of labels.
func (ls LabelSet) Len() int {
	return len(ls.kv)
}

// Get returns the value for a label key.
func (ls LabelSet) Get(key string) (string, bool) {
	v, ok := ls.kv[key]
	return v, ok
}

// Map returns a copy of the underlying pairs, safe to hand to encoders.
func (ls LabelSet) Map() map[string]string {
	m := make(map[string]string, len(ls.kv))
	for k, v := range ls.kv {
		m[k] = v
	}
	return m
}

// Key returns the canonical identity of the set: sorted pairs, so
// insertion order never splits a stream.
func (ls LabelSet) Key() string {
	return ls.key
}

// Equal reports whether both sets hold the same pairs.
func (ls LabelSet) Equal(other LabelSet) bool {
	return ls.key == other.key
}

// Merge returns a new set with overrides applied on top of ls.
// Override keys win on collision; ls is left untouched.
func (ls LabelSet) Merge(overrides map[string]string) LabelSet {
	if len(overrides) == 0 {
		return ls
	}
	kv := make(map[string]string, len(ls.kv)+len(overrides))
	for k, v := range ls.kv {
		kv[k] = v
	}
	for k, v := range overrides {
		kv[k] = v
	}
	return LabelSet{kv: kv, key: canonicalKey(kv)}
}

func canonicalKey(kv map[string]string) string {
	if len(kv) == 0 {
		return ""
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(0xff)
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(kv[k])
	}
	return sb.String()
}
