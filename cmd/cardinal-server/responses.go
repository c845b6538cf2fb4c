package main

import (
	"io"
	"math"
	"strconv"
)

// Preallocated replies for the hottest paths. HLL.ADD alone answers :0 or :1
// on almost every call.
var (
	respOK   = []byte("+OK\r\n")
	respPong = []byte("+PONG\r\n")
	respZero = []byte(":0\r\n")
	respOne  = []byte(":1\r\n")
	respNil  = []byte("$-1\r\n")
)

func (app *application) writeSimpleStringResponse(w io.Writer, s string) error {
	switch s {
	case "OK":
		_, err := w.Write(respOK)
		return err
	case "PONG":
		_, err := w.Write(respPong)
		return err
	}
	return app.writeLine(w, '+', s)
}

func (app *application) writeErrorResponse(w io.Writer, msg string) error {
	return app.writeLine(w, '-', msg)
}

// writeLine writes a one-line reply: the type byte, s, CR LF.
func (app *application) writeLine(w io.Writer, kind byte, s string) error {
	buf := make([]byte, 0, len(s)+3)
	buf = append(buf, kind)
	buf = append(buf, s...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeBulkStringResponse(w io.Writer, s string) error {
	_, err := w.Write(appendBulk(make([]byte, 0, len(s)+16), s))
	return err
}

// writeBulkBytesResponse writes binary data as a bulk string. It is used for
// HLL.DUMP, whose payload is not text.
func (app *application) writeBulkBytesResponse(w io.Writer, data []byte) error {
	buf := make([]byte, 0, len(data)+16)
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(data)), 10)
	buf = append(buf, '\r', '\n')
	buf = append(buf, data...)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

func (app *application) writeIntegerResponse(w io.Writer, i int64) error {
	switch i {
	case 0:
		_, err := w.Write(respZero)
		return err
	case 1:
		_, err := w.Write(respOne)
		return err
	}

	buf := make([]byte, 0, 24)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, i, 10)
	buf = append(buf, '\r', '\n')
	_, err := w.Write(buf)
	return err
}

// writeCountResponse writes an estimate. RESP integers are signed, so
// estimates above MaxInt64 are clamped.
func (app *application) writeCountResponse(w io.Writer, n uint64) error {
	if n > math.MaxInt64 {
		n = math.MaxInt64
	}
	return app.writeIntegerResponse(w, int64(n))
}

func (app *application) writeNilResponse(w io.Writer) error {
	_, err := w.Write(respNil)
	return err
}

// infoField is one name/value pair of a field-value array reply. value must
// be a string or an int64.
type infoField struct {
	name  string
	value any
}

// writeFieldArrayResponse writes fields as a flat RESP array of alternating
// names (bulk strings) and values (bulk strings or integers), the shape
// Redis modules use for their *.INFO commands.
func (app *application) writeFieldArrayResponse(w io.Writer, fields []infoField) error {
	buf := make([]byte, 0, 16+len(fields)*32)
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(2*len(fields)), 10)
	buf = append(buf, '\r', '\n')

	for _, f := range fields {
		buf = appendBulk(buf, f.name)
		switch v := f.value.(type) {
		case int64:
			buf = append(buf, ':')
			buf = strconv.AppendInt(buf, v, 10)
			buf = append(buf, '\r', '\n')
		case string:
			buf = appendBulk(buf, v)
		default:
			buf = append(buf, respNil...)
		}
	}

	_, err := w.Write(buf)
	return err
}
