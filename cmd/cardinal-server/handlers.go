// handlers.go implements the server-level commands: PING, INFO, COMPACT and
// DEL. Arity is checked by the router before any handler runs.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
)

// handlePing handles PING, the liveness check.
func (app *application) handlePing(w io.Writer, args []string) {
	_ = app.writeSimpleStringResponse(w, "PONG")
}

// handleInfo handles the INFO command.
// Syntax: INFO
//
// The report uses the Redis INFO layout: "# Section" headers followed by
// key:value lines, all CRLF-terminated, in one bulk string. The counters are
// the same ones exported on /metrics.
func (app *application) handleInfo(w io.Writer, args []string) {
	var b strings.Builder

	b.WriteString("# Server\r\n")
	fmt.Fprintf(&b, "connections_total:%d\r\n", app.metrics.TotalConnections.Load())
	fmt.Fprintf(&b, "connections_active:%d\r\n", len(app.connLimiter))
	fmt.Fprintf(&b, "commands_processed_total:%d\r\n", app.metrics.TotalCommands.Load())

	b.WriteString("\r\n# Keyspace\r\n")
	fmt.Fprintf(&b, "keys:%d\r\n", app.store.Len())
	fmt.Fprintf(&b, "default_precision:%d\r\n", app.defaultPrecision())

	b.WriteString("\r\n# Persistence\r\n")
	if app.aof == nil {
		b.WriteString("aof_enabled:0\r\n")
	} else {
		b.WriteString("aof_enabled:1\r\n")
		if size, err := app.aof.Size(); err == nil {
			fmt.Fprintf(&b, "aof_current_size:%d\r\n", size)
			fmt.Fprintf(&b, "aof_current_size_human:%s\r\n", humanize.Bytes(uint64(size)))
		}
		fmt.Fprintf(&b, "aof_base_size:%d\r\n", app.aofBaseSize.Load())
		fmt.Fprintf(&b, "aof_write_errors:%d\r\n", app.metrics.AOFWriteErrors.Load())
	}
	rewriting := 0
	if app.isRewriting.Load() {
		rewriting = 1
	}
	fmt.Fprintf(&b, "aof_rewrite_in_progress:%d\r\n", rewriting)

	_ = app.writeBulkStringResponse(w, b.String())
}

// handleCompact handles the COMPACT command.
// Syntax: COMPACT
func (app *application) handleCompact(w io.Writer, args []string) {
	//
	// DESIGN
	// ------
	//
	// The manual trigger shares the isRewriting flag with the maintenance
	// loop, so a manual and an automatic rewrite never run together. The
	// rewrite itself runs in the background and the client is answered
	// immediately, as Redis does for BGREWRITEAOF; the outcome goes to the
	// server log.
	//
	if app.aof == nil {
		_ = app.writeErrorResponse(w, "ERR persistence is disabled, nothing to compact")
		return
	}

	if !app.isRewriting.CompareAndSwap(false, true) {
		_ = app.writeErrorResponse(w, "ERR Background append only file rewriting already in progress")
		return
	}

	go func() {
		defer app.isRewriting.Store(false)

		app.logger.Info("user requested background AOF rewrite started")
		if err := app.CompactAOF(); err != nil {
			app.logger.Error("background rewrite failed", "error", err)
		} else {
			app.logger.Info("background AOF rewrite finished successfully")
		}
	}()

	_ = app.writeSimpleStringResponse(w, "Background append only file rewriting started")
}

// handleDel handles the DEL command.
// Syntax: DEL key [key ...]
//
// Returns the number of keys removed. Only keys that existed are journaled.
func (app *application) handleDel(w io.Writer, args []string) {
	var deleted []string
	for _, key := range args {
		if app.store.Delete(key) {
			deleted = append(deleted, key)
		}
	}

	if len(deleted) > 0 {
		app.logCommand("DEL", deleted)
	}

	_ = app.writeIntegerResponse(w, int64(len(deleted)))
}
