// RESP request parsing.
//
// The server speaks the request half of the REdis Serialization Protocol, so
// redis-cli, redis-benchmark and every Redis client library can talk to it.
// Two request shapes exist:
//
// RESP Arrays: what client libraries send, an array of bulk strings.
// Bulk strings are length-prefixed and binary safe, which HLL.RESTORE needs
// for its payload.
// Example: "*2\r\n$9\r\nHLL.COUNT\r\n$3\r\nkey\r\n"
//
// Inline Commands: space-separated words on one line, for netcat and telnet.
// Example: "HLL.COUNT key\r\n"
//
// The same parser replays the journal tail, so it is strict about where a
// stream may end: EOF between commands is io.EOF, EOF anywhere inside one is
// io.ErrUnexpectedEOF. The loader treats the latter as a torn final write.
//
// Limits
// ======
//
// Lengths are checked before anything is allocated: a bulk string header
// cannot claim more than MaxBulkLength, an array header more than MaxArrayLen
// elements, and a line cannot grow past MaxLineSize without a newline.

package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// MaxBulkLength matches Redis's proto-max-bulk-len default.
	MaxBulkLength = 512 * 1024 * 1024

	MaxArrayLen = 1 << 20

	MaxLineSize = 64 * 1024
)

var (
	ErrInvalidSyntax = errors.New("ERR protocol error: invalid syntax")
	ErrLineTooLong   = errors.New("ERR protocol error: line too long")
	ErrBulkTooLarge  = errors.New("ERR protocol error: bulk string exceeds 512MB limit")
	ErrArrayTooLong  = errors.New("ERR protocol error: array exceeds 1M elements limit")
)

type Parser struct {
	reader *bufio.Reader
	long   []byte // accumulates lines longer than the read buffer
}

func NewParser(r io.Reader) *Parser {
	return &Parser{reader: bufio.NewReaderSize(r, 4096)}
}

// Parse reads the next command. Blank lines between commands are skipped.
// An empty array yields an empty, non-nil slice.
func (p *Parser) Parse() ([]string, error) {
	for {
		line, err := p.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		if line[0] == '*' {
			return p.parseArray(line[1:])
		}
		return parseInline(line), nil
	}
}

// Buffered reports how many bytes are already read from the source but not
// yet parsed. A non-zero value means the client pipelined more commands.
func (p *Parser) Buffered() int {
	return p.reader.Buffered()
}

// readLine returns the next line without its CR LF. The returned slice is
// only valid until the next read.
func (p *Parser) readLine() ([]byte, error) {
	p.long = p.long[:0]

	for {
		chunk, err := p.reader.ReadSlice('\n')
		if len(p.long)+len(chunk) > MaxLineSize {
			return nil, ErrLineTooLong
		}

		switch {
		case err == nil:
			if len(p.long) > 0 {
				p.long = append(p.long, chunk...)
				chunk = p.long
			}
			return trimEOL(chunk), nil
		case errors.Is(err, bufio.ErrBufferFull):
			p.long = append(p.long, chunk...)
		case err == io.EOF:
			if len(p.long)+len(chunk) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'})
}

func parseInline(line []byte) []string {
	fields := bytes.Fields(line)
	command := make([]string, len(fields))
	for i, f := range fields {
		command[i] = string(f)
	}
	return command
}

// parseArray reads the elements announced by an array header. header is the
// text after '*'.
func (p *Parser) parseArray(header []byte) ([]string, error) {
	count, err := parseLength(header)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return []string{}, nil
	}
	if count > MaxArrayLen {
		return nil, ErrArrayTooLong
	}

	command := make([]string, 0, count)
	for range count {
		s, err := p.parseBulkString()
		if err != nil {
			return nil, midCommand(err)
		}
		command = append(command, s)
	}
	return command, nil
}

// parseBulkString reads "$<len>\r\n<data>\r\n". A null bulk string ($-1)
// reads as "" since no command distinguishes the two.
func (p *Parser) parseBulkString() (string, error) {
	line, err := p.readLine()
	if err != nil {
		return "", err
	}
	if len(line) == 0 || line[0] != '$' {
		return "", ErrInvalidSyntax
	}

	length, err := parseLength(line[1:])
	switch {
	case err != nil:
		return "", err
	case length == -1:
		return "", nil
	case length < 0:
		return "", ErrInvalidSyntax
	case length > MaxBulkLength:
		return "", ErrBulkTooLarge
	}

	buf := make([]byte, length+2)
	if _, err := io.ReadFull(p.reader, buf); err != nil {
		return "", err
	}
	if buf[length] != '\r' || buf[length+1] != '\n' {
		return "", ErrInvalidSyntax
	}
	return string(buf[:length]), nil
}

func parseLength(b []byte) (int, error) {
	n, err := strconv.Atoi(string(bytes.TrimSpace(b)))
	if err != nil {
		return 0, ErrInvalidSyntax
	}
	return n, nil
}

// midCommand converts a clean EOF into a truncation: once an array header
// has been read, the command is incomplete.
func midCommand(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
