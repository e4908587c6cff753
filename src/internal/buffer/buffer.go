// FILE: lokiship/src/internal/buffer/buffer.go
package buffer

import (
	"time"

	"lokiship/src/internal/core"
)

// Entry is one formatted line with its nanosecond timestamp.
type Entry struct {
	Timestamp int64
	Line      string
}

// Stream holds the ordered entries of one label set within a single
// generation. Timestamps are strictly increasing: a collision bumps the
// new entry by 1ns so the backend never sees equal or reversed times.
type Stream struct {
	Labels  core.LabelSet
	Entries []Entry

	lastTimestamp int64
}

func (s *Stream) append(ts int64, line string) {
	if ts <= s.lastTimestamp {
		ts = s.lastTimestamp + 1
	}
	s.lastTimestamp = ts
	s.Entries = append(s.Entries, Entry{Timestamp: ts, Line: line})
}

// Buffer accumulates one generation of streams. It carries no lock of
// its own; the shipper serializes access and keeps the critical section
// to the O(1) append.
type Buffer struct {
	streams map[string]*Stream
	order   []string
	count   int64
	first   time.Time

	// floor carries per-stream last timestamps from the previous
	// generation, so cross-generation monotonicity survives the swap.
	floor map[string]int64
}

// New creates an empty generation.
func New() *Buffer {
	return &Buffer{
		streams: make(map[string]*Stream),
	}
}

// Append adds a formatted line to the stream identified by labels,
// creating the stream if absent.
func (b *Buffer) Append(labels core.LabelSet, ts time.Time, line string) {
	key := labels.Key()
	s, ok := b.streams[key]
	if !ok {
		s = &Stream{Labels: labels}
		if floor, carried := b.floor[key]; carried {
			s.lastTimestamp = floor
		}
		b.streams[key] = s
		b.order = append(b.order, key)
	}
	s.append(ts.UnixNano(), line)

	if b.count == 0 {
		b.first = time.Now()
	}
	b.count++
}

// Len returns the entry count of the generation. It always equals the
// sum of entries across the owned streams.
func (b *Buffer) Len() int64 {
	return b.count
}

// Empty reports whether the generation holds no entries.
func (b *Buffer) Empty() bool {
	return b.count == 0
}

// Age returns how long ago the first entry of the generation arrived,
// zero for an empty generation.
func (b *Buffer) Age(now time.Time) time.Duration {
	if b.count == 0 {
		return 0
	}
	return now.Sub(b.first)
}

// Seal snapshots the generation into an immutable batch and returns the
// fresh buffer that replaces it. The new buffer inherits per-stream
// timestamp floors so a burst across the swap stays monotonic.
func (b *Buffer) Seal() (*SealedBatch, *Buffer) {
	batch := &SealedBatch{
		Streams: make([]*Stream, 0, len(b.order)),
		Entries: b.count,
	}
	next := New()
	next.floor = make(map[string]int64, len(b.order))
	for key, floor := range b.floor {
		next.floor[key] = floor
	}
	for _, key := range b.order {
		s := b.streams[key]
		batch.Streams = append(batch.Streams, s)
		next.floor[key] = s.lastTimestamp
	}
	return batch, next
}

// SealedBatch is the immutable snapshot of one generation. Ownership
// passes to the delivery pipeline at seal time; producers never touch
// it again.
type SealedBatch struct {
	Streams []*Stream
	Entries int64
}
