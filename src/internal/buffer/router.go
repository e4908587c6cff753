// FILE: lokiship/src/internal/buffer/router.go
package buffer

import (
	"lokiship/src/internal/core"
)

// Router resolves the stream identity for a record. It is a pure
// function of its inputs and runs on the producer's calling context.
type Router struct {
	global            core.LabelSet
	mergeRecordLabels bool
}

// NewRouter creates a router over the global label set. When merging is
// enabled, per-record labels override same-named global labels in the
// resolved identity; record Fields never do.
func NewRouter(global core.LabelSet, mergeRecordLabels bool) *Router {
	return &Router{
		global:            global,
		mergeRecordLabels: mergeRecordLabels,
	}
}

// Route returns the label set that identifies the record's stream.
func (r *Router) Route(rec core.Record) core.LabelSet {
	if !r.mergeRecordLabels || len(rec.Labels) == 0 {
		return r.global
	}
	return r.global.Merge(rec.Labels)
}
