package main

import "strconv"

// encodeCommand renders a command as the RESP array a client would send. It
// is how writes are journaled, so the tail of the journal can be replayed by
// the same Parser that serves clients.
//
//	encodeCommand("HLL.ADD", []string{"k", "a"})
//	=> "*3\r\n$7\r\nHLL.ADD\r\n$1\r\nk\r\n$1\r\na\r\n"
func encodeCommand(command string, args []string) []byte {
	size := 16 + len(command)
	for _, a := range args {
		size += 16 + len(a)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(args)+1), 10)
	buf = append(buf, '\r', '\n')

	buf = appendBulk(buf, command)
	for _, a := range args {
		buf = appendBulk(buf, a)
	}
	return buf
}

// appendBulk appends s as a RESP bulk string. Empty strings encode as
// "$0\r\n\r\n".
func appendBulk(buf []byte, s string) []byte {
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(s)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, s...)
	return append(buf, '\r', '\n')
}
