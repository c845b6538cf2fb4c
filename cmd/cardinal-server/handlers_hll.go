// handlers_hll.go implements the HyperLogLog commands.
//
// Storage Model
// =============
//
// Keys hold live *hyperloglog.HLL values created with locking enabled. No
// handler decodes or re-encodes an estimator to touch it; bytes only appear
// at the edges (HLL.DUMP, HLL.RESTORE and snapshots).
//
// Concurrency Strategy
// ====================
//
//   - Single-key writes (RESERVE, ADD, CLEAR, RESTORE, and the destination
//     of MERGE) run inside Store.Mutate and journal from inside it, so the
//     journal records the writes to one key in the order they happened.
//   - HLL.COUNT of one key runs inside Store.View. Counting never mutates
//     the estimator, so concurrent counts share the read lock.
//   - Multi-key COUNT and MERGE collect the source pointers first and
//     combine them with hyperloglog.Union outside any shard lock; each
//     estimator's own lock keeps the reads consistent.
//
// Implicit Creation
// =================
//
// HLL.ADD and HLL.MERGE create a missing key at the server's default
// precision. The creation is journaled as an HLL.RESERVE with the precision
// spelled out, ahead of the command itself.

package main

import (
	"io"
	"math"
	"strconv"
	"strings"

	"cardinal.lopezb.com/internal/pds/hyperloglog"
)

// parsePrecision reads a precision argument. Values that are not small
// non-negative integers are reported as invalid precisions.
func parsePrecision(arg string) (uint8, error) {
	p, err := strconv.ParseUint(arg, 10, 8)
	if err != nil {
		return 0, hyperloglog.ErrInvalidPrecision
	}
	return uint8(p), nil
}

// handleHLLReserve handles the HLL.RESERVE command.
// Syntax: HLL.RESERVE key precision
func (app *application) handleHLLReserve(w io.Writer, args []string) {
	key := args[0]
	precision, err := parsePrecision(args[1])
	if err != nil {
		app.estimatorErrorResponse(w, err)
		return
	}

	app.store.Mutate(key, func(h *hyperloglog.HLL) *hyperloglog.HLL {
		if h != nil {
			err = errKeyExists
			return h
		}
		h, err = newEstimator(precision)
		if err != nil {
			return nil
		}
		app.logReserve(key, precision)
		return h
	})

	if err != nil {
		app.estimatorErrorResponse(w, err)
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleHLLAdd handles the HLL.ADD command.
// Syntax: HLL.ADD key element [element ...]
//
// Replies 1 when the estimator changed (a new sparse hash or a raised
// bucket) and 0 otherwise.
func (app *application) handleHLLAdd(w io.Writer, args []string) {
	key := args[0]

	items := make([][]byte, len(args)-1)
	for i, el := range args[1:] {
		items[i] = []byte(el)
	}

	var (
		changed bool
		err     error
	)
	app.store.Mutate(key, func(h *hyperloglog.HLL) *hyperloglog.HLL {
		if h == nil {
			precision := app.defaultPrecision()
			if h, err = newEstimator(precision); err != nil {
				return nil
			}
			app.logReserve(key, precision)
		}

		changed = h.AddBatch(items)
		if changed {
			app.logCommand("HLL.ADD", args)
		}
		return h
	})

	if err != nil {
		app.estimatorErrorResponse(w, err)
		return
	}
	if changed {
		_ = app.writeIntegerResponse(w, 1)
	} else {
		_ = app.writeIntegerResponse(w, 0)
	}
}

// handleHLLCount handles the HLL.COUNT command.
// Syntax: HLL.COUNT key [key ...]
//
// With several keys the reply is the estimate of their union. Missing keys
// count as empty; no source is modified.
func (app *application) handleHLLCount(w io.Writer, args []string) {
	if len(args) == 1 {
		var n uint64
		_ = app.store.View(args[0], func(h *hyperloglog.HLL) error {
			if h != nil {
				n = h.Count()
			}
			return nil
		})
		_ = app.writeCountResponse(w, n)
		return
	}

	union, err := hyperloglog.Union(app.collect(args)...)
	if err != nil {
		app.estimatorErrorResponse(w, err)
		return
	}
	if union == nil {
		_ = app.writeIntegerResponse(w, 0)
		return
	}
	_ = app.writeCountResponse(w, union.Count())
}

// collect returns the estimators stored under keys, skipping missing ones.
func (app *application) collect(keys []string) []*hyperloglog.HLL {
	hlls := make([]*hyperloglog.HLL, 0, len(keys))
	for _, key := range keys {
		if h, ok := app.store.Get(key); ok {
			hlls = append(hlls, h)
		}
	}
	return hlls
}

// handleHLLMerge handles the HLL.MERGE command.
// Syntax: HLL.MERGE destkey [sourcekey ...]
func (app *application) handleHLLMerge(w io.Writer, args []string) {
	//
	// DESIGN
	// ------
	//
	// The sources are combined into a private union first. That step may
	// fail on mismatched precisions, and failing before the destination's
	// shard is locked means a rejected merge leaves every key untouched.
	//
	// The destination is then folded in under Mutate. A missing destination
	// is created at the union's precision (or the default precision when no
	// source exists), so the merge into it cannot fail. Merging into an
	// existing destination with a different precision is rejected and the
	// destination keeps its state.
	//
	// The sources are read before the destination is locked, so an HLL.ADD to
	// a source can be journaled ahead of this merge without being part of the
	// union. Replaying "HLL.MERGE" would then fold that element into the
	// destination. The journal therefore records the result instead, as
	// HLL.RESTORE dest <payload> REPLACE, which replays to exactly the live
	// destination whatever happened to the sources in between.
	//
	dest := args[0]

	union, err := hyperloglog.Union(app.collect(args[1:])...)
	if err != nil {
		app.estimatorErrorResponse(w, err)
		return
	}

	app.store.Mutate(dest, func(h *hyperloglog.HLL) *hyperloglog.HLL {
		if h == nil {
			precision := app.defaultPrecision()
			if union != nil {
				precision = union.Precision()
			}
			if h, err = newEstimator(precision); err != nil {
				return nil
			}
		}

		if union != nil {
			if err = h.Merge(union); err != nil {
				return h
			}
		}
		app.logRestore(dest, h)
		return h
	})

	if err != nil {
		app.estimatorErrorResponse(w, err)
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}

// handleHLLClear handles the HLL.CLEAR command.
// Syntax: HLL.CLEAR key
//
// Empties the estimator but keeps the key and its precision. Replies 1 if
// the key existed.
func (app *application) handleHLLClear(w io.Writer, args []string) {
	key := args[0]
	existed := false

	app.store.Mutate(key, func(h *hyperloglog.HLL) *hyperloglog.HLL {
		if h == nil {
			return nil
		}
		existed = true
		h.Clear()
		app.logCommand("HLL.CLEAR", args)
		return h
	})

	if existed {
		_ = app.writeIntegerResponse(w, 1)
	} else {
		_ = app.writeIntegerResponse(w, 0)
	}
}

// handleHLLInfo handles the HLL.INFO command.
// Syntax: HLL.INFO key
//
// Replies with precision, representation, estimate and serialized size as a
// field-value array.
func (app *application) handleHLLInfo(w io.Writer, args []string) {
	var fields []infoField
	_ = app.store.View(args[0], func(h *hyperloglog.HLL) error {
		if h == nil {
			return nil
		}
		count := h.Count()
		if count > math.MaxInt64 {
			count = math.MaxInt64
		}
		fields = []infoField{
			{"precision", int64(h.Precision())},
			{"mode", h.Mode().String()},
			{"count", int64(count)},
			{"size", int64(h.SerializedSize())},
		}
		return nil
	})

	if fields == nil {
		_ = app.writeErrorResponse(w, "ERR not found")
		return
	}
	_ = app.writeFieldArrayResponse(w, fields)
}

// handleHLLDump handles the HLL.DUMP command.
// Syntax: HLL.DUMP key
//
// Replies with the estimator's binary form, or nil for a missing key. The
// payload is accepted by HLL.RESTORE and by hyperloglog.Parse.
func (app *application) handleHLLDump(w io.Writer, args []string) {
	var payload []byte
	_ = app.store.View(args[0], func(h *hyperloglog.HLL) error {
		if h == nil {
			return nil
		}
		var err error
		payload, err = h.MarshalBinary()
		return err
	})

	if payload == nil {
		_ = app.writeNilResponse(w)
		return
	}
	_ = app.writeBulkBytesResponse(w, payload)
}

// handleHLLRestore handles the HLL.RESTORE command.
// Syntax: HLL.RESTORE key payload [REPLACE]
func (app *application) handleHLLRestore(w io.Writer, args []string) {
	key := args[0]

	replace := false
	switch {
	case len(args) == 3 && strings.EqualFold(args[2], "REPLACE"):
		replace = true
	case len(args) > 2:
		_ = app.writeErrorResponse(w, "ERR syntax error")
		return
	}

	restored, err := hyperloglog.Parse([]byte(args[1]), hyperloglog.WithLocking())
	if err != nil {
		app.estimatorErrorResponse(w, err)
		return
	}

	busy := false
	app.store.Mutate(key, func(h *hyperloglog.HLL) *hyperloglog.HLL {
		if h != nil && !replace {
			busy = true
			return h
		}
		app.logCommand("HLL.RESTORE", args)
		return restored
	})

	if busy {
		_ = app.writeErrorResponse(w, "BUSYKEY Target key name already exists.")
		return
	}
	_ = app.writeSimpleStringResponse(w, "OK")
}
