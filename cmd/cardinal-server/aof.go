// aof.go wraps the journal file handle. Appends go to a bufio.Writer guarded
// by a mutex; the maintenance loop in main.go calls Fsync once per second to
// push them to stable storage. What gets written, and the hybrid layout of the
// file, is decided in persistence.go and store.go.

package main

import (
	"bufio"
	"errors"
	"os"
	"sync"
)

type AOF struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

func openJournal(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o666)
}

func NewAOF(path string) (*AOF, error) {
	f, err := openJournal(path)
	if err != nil {
		return nil, err
	}
	return &AOF{file: f, writer: bufio.NewWriter(f)}, nil
}

// Write appends data to the in-memory buffer. The buffer spills to the file
// on its own when full.
func (aof *AOF) Write(data []byte) error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	_, err := aof.writer.Write(data)
	return err
}

// Size reports the journal size on disk, excluding unflushed bytes.
func (aof *AOF) Size() (int64, error) {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	stat, err := aof.file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

func (aof *AOF) Close() error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	if err := aof.writer.Flush(); err != nil {
		return err
	}
	return aof.file.Close()
}

// Fsync flushes the buffer to the kernel and then forces the kernel to write
// it to disk.
func (aof *AOF) Fsync() error {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	if err := aof.writer.Flush(); err != nil {
		return err
	}
	return aof.file.Sync()
}

// swap flushes what it can into the current file, closes it, and calls
// replace with the flush result. replace must leave a complete journal at
// path; the journal there is then reopened for appending and its size
// returned. Writers are blocked for the duration.
func (aof *AOF) swap(path string, replace func(flushErr error) error) (int64, error) {
	aof.mu.Lock()
	defer aof.mu.Unlock()

	flushErr := aof.writer.Flush()
	_ = aof.file.Close()

	replaceErr := replace(flushErr)

	// On failure the old journal is still at path; keep appending to it
	// rather than losing writes.
	f, err := openJournal(path)
	if err != nil {
		return 0, errors.Join(replaceErr, err)
	}
	aof.file = f
	aof.writer.Reset(f)

	if replaceErr != nil {
		return 0, replaceErr
	}

	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
