// FILE: lokiship/src/internal/encode/encoder.go
package encode

import (
	"encoding/json"
	"fmt"
	"strconv"

	"lokiship/src/internal/buffer"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/bytebufferpool"
)

// Wire types of the Loki JSON push API:
//
//	{"streams":[{"stream":{"label":"value"},
//	             "values":[["<unix_ns_string>","line"], ...]}]}
type pushStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

type pushRequest struct {
	Streams []pushStream `json:"streams"`
}

// Encoder serializes sealed batches into wire-ready payloads. A payload
// is built once per batch and never mutated afterwards.
type Encoder struct {
	compress bool
}

// New creates an encoder. Compression is a static configuration flag,
// not negotiated per request.
func New(compress bool) *Encoder {
	return &Encoder{compress: compress}
}

// ContentEncoding returns the Content-Encoding header value the
// transport must send, empty when compression is off.
func (e *Encoder) ContentEncoding() string {
	if e.compress {
		return "gzip"
	}
	return ""
}

// Encode builds the push payload for a sealed batch. Entries keep their
// acceptance order; timestamps are rendered as decimal nanoseconds.
func (e *Encoder) Encode(batch *buffer.SealedBatch) ([]byte, error) {
	req := pushRequest{
		Streams: make([]pushStream, 0, len(batch.Streams)),
	}
	for _, s := range batch.Streams {
		ps := pushStream{
			Stream: s.Labels.Map(),
			Values: make([][2]string, 0, len(s.Entries)),
		}
		for _, entry := range s.Entries {
			ps.Values = append(ps.Values, [2]string{
				strconv.FormatInt(entry.Timestamp, 10),
				entry.Line,
			})
		}
		req.Streams = append(req.Streams, ps)
	}

	serialized, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push payload: %w", err)
	}
	if !e.compress {
		return serialized, nil
	}
	return gzipPayload(serialized)
}

func gzipPayload(serialized []byte) ([]byte, error) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	gz := gzip.NewWriter(bb)
	if _, err := gz.Write(serialized); err != nil {
		gz.Close()
		return nil, fmt.Errorf("failed to compress push payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}

	// Copy out: the pooled buffer is reused after Put.
	out := make([]byte, len(bb.B))
	copy(out, bb.B)
	return out, nil
}
