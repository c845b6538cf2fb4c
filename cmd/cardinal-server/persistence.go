// persistence.go connects the in-memory Store to the on-disk journal: it
// restores state at startup, appends write commands while serving, and
// compacts the journal.
//
// The journal is a hybrid file:
//
//	+-----------------------+---------------------------+
//	| Binary Preamble       | Text Tail                 |
//	| (CRD1 Snapshot)       | (RESP Commands)           |
//	+-----------------------+---------------------------+
//
// A fresh journal is all tail. After the first compaction it is a snapshot
// followed by the commands that arrived since. Startup loads the snapshot in
// one pass and replays only the tail.
//
// Command Logging
// ===============
//
// Handlers journal every successful write as the RESP array a client would
// have sent. Commands are logged in a form that replays to the same state:
// an HLL.ADD that creates its key is preceded by an HLL.RESERVE carrying the
// precision in force at the time, so changing -precision between runs does
// not change estimators already on disk. HLL.MERGE reads keys other than the
// one it writes, so it is journaled as an HLL.RESTORE of its result.
//
// A failed append is logged and counted but does not fail the request; the
// in-memory mutation has already happened.
//
// Compaction
// ==========
//
// CompactAOF writes a snapshot to a temporary file, syncs it, and renames it
// over the journal while appends are paused. The rename is atomic, so a crash
// at any point leaves either the old journal or the new one.

package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"os"
	"strconv"

	"cardinal.lopezb.com/internal/pds/hyperloglog"
)

// logCommand appends a write command to the journal.
func (app *application) logCommand(command string, args []string) {
	if app.aof == nil {
		return
	}

	if err := app.aof.Write(encodeCommand(command, args)); err != nil {
		app.metrics.AOFWriteErrors.Add(1)
		app.logger.Error("CRITICAL: failed to append to AOF", "error", err, "command", command)
	}
}

// logReserve journals the creation of key with the given precision.
func (app *application) logReserve(key string, precision uint8) {
	app.logCommand("HLL.RESERVE", []string{key, strconv.Itoa(int(precision))})
}

// logRestore journals the full state of h as an HLL.RESTORE with REPLACE.
func (app *application) logRestore(key string, h *hyperloglog.HLL) {
	if app.aof == nil {
		return
	}

	payload, err := h.MarshalBinary()
	if err != nil {
		app.metrics.AOFWriteErrors.Add(1)
		app.logger.Error("CRITICAL: failed to encode estimator for the AOF", "error", err, "key", key)
		return
	}
	app.logCommand("HLL.RESTORE", []string{key, string(payload), "REPLACE"})
}

// loadAOF restores the store from the journal. A missing journal is an empty
// store.
func (app *application) loadAOF() error {
	//
	// DESIGN
	// ------
	//
	// One bufio.Reader is shared by both phases. Peek tells the two layouts
	// apart without consuming anything. The snapshot loader reads exactly the
	// binary section, and whatever it leaves buffered is picked up by the RESP
	// parser, so the file is read once, front to back.
	//
	// Replayed commands go through the normal router. Their replies are
	// captured so that a command the journal recorded but the server now
	// rejects is reported instead of silently skipped.
	//
	f, err := os.Open(app.config.aofFilename)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	reader := bufio.NewReader(f)

	magic, _ := reader.Peek(len(snapshotMagic))
	if string(magic) == snapshotMagic {
		app.logger.Info("loading hybrid AOF preamble...")
		if err := app.store.LoadSnapshotFromReader(reader); err != nil {
			return errors.Join(errCorruptPreamble, err)
		}
	}

	parser := NewParser(reader)
	var reply bytes.Buffer
	replayed, rejected := 0, 0

	for {
		parts, err := parser.Parse()
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if app.config.aofLoadTruncated {
					app.logger.Warn("AOF truncated at end - ignoring partial last command (this is normal after a crash)")
					app.needsCompaction = true
					break
				}
				return errTruncatedAOF
			}
			return err
		}

		reply.Reset()
		app.router.Dispatch(app, &reply, parts)
		replayed++

		if reply.Len() > 0 && reply.Bytes()[0] == '-' {
			rejected++
			app.logger.Warn("journaled command rejected on replay",
				"command", parts[0],
				"reply", string(bytes.TrimSpace(reply.Bytes()[1:])))
		}
	}

	app.logger.Info("AOF replayed", "commands", replayed, "rejected", rejected)
	return nil
}

var (
	errCorruptPreamble = errors.New("corrupt hybrid preamble")
	errTruncatedAOF    = errors.New("AOF truncated (run with -aof-load-truncated=true to auto-recover, or use cardinal-check to inspect)")
)

// CompactAOF replaces the journal with a snapshot of the current store.
func (app *application) CompactAOF() error {
	//
	// DESIGN
	// ------
	//
	// Phase 1 writes the snapshot to a temporary file with appends still
	// flowing into the live journal. The store is read shard by shard, so
	// clients are never blocked for more than one shard's encoding.
	//
	// Phase 2 runs inside AOF.swap with appends paused: the live journal is
	// flushed and closed, the temporary file is renamed over it, and the new
	// file is reopened for appending.
	//
	// A command journaled during phase 1 for a shard that was already
	// snapshotted is lost from the compacted journal. Its effect is in
	// memory and reaches disk again at the next compaction.
	//
	tmpName := app.config.aofFilename + ".tmp"
	f, err := os.Create(tmpName)
	if err != nil {
		return err
	}

	var (
		fileClosed    bool
		renameSuccess bool
	)
	defer func() {
		if !fileClosed {
			_ = f.Close()
		}
		if !renameSuccess {
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(f)
	if err := app.store.SaveSnapshotToWriter(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fileClosed = true

	size, err := app.aof.swap(app.config.aofFilename, func(flushErr error) error {
		if flushErr != nil {
			app.logger.Error("warning: failed to flush old AOF before rewrite", "error", flushErr)
		}
		if err := os.Rename(tmpName, app.config.aofFilename); err != nil {
			return err
		}
		renameSuccess = true
		return nil
	})
	if err != nil {
		return err
	}

	app.aofBaseSize.Store(size)
	return nil
}
