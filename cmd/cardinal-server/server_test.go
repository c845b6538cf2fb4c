package main

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

// newTestApp creates an in-memory application listening on a random port.
func newTestApp(t *testing.T) *application {
	t.Helper()
	return newTestAppWithConfig(t, config{
		port:           0,
		maxConnections: 10,
		precision:      14,
	})
}

func newTestAppWithConfig(t *testing.T, cfg config) *application {
	t.Helper()
	app := newApplication(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	app.readyCh = make(chan struct{})
	return app
}

// startServer runs app.serve in the background and returns the listening
// address. The listener is closed when the test ends.
func startServer(t *testing.T, app *application) string {
	t.Helper()
	go func() { _ = app.serve() }()
	<-app.readyCh
	t.Cleanup(func() { _ = app.listener.Close() })
	return app.listener.Addr().String()
}

// testClient speaks inline commands to a running server.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialTestClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to connect to server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// send writes one inline command and returns the first reply line.
func (c *testClient) send(cmd string) string {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(cmd + "\r\n")); err != nil {
		c.t.Fatalf("failed to write command %q: %v", cmd, err)
	}
	return c.readLine()
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("failed to read response: %v", err)
	}
	return line
}

func TestPingServer(t *testing.T) {
	app := newTestApp(t)
	client := dialTestClient(t, startServer(t, app))

	if got := client.send("PING"); got != "+PONG\r\n" {
		t.Errorf("unexpected response: got %q, want %q", got, "+PONG\r\n")
	}
	if got := client.send("ping"); got != "+PONG\r\n" {
		t.Errorf("commands should be case-insensitive, got %q", got)
	}
	if got := client.send("PING extra"); !strings.HasPrefix(got, "-ERR wrong number of arguments for 'PING'") {
		t.Errorf("PING with an argument: got %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	app := newTestApp(t)
	client := dialTestClient(t, startServer(t, app))

	if got := client.send("SET a b"); got != "-ERR unknown command 'SET'\r\n" {
		t.Errorf("got %q", got)
	}
	// The connection survives an unknown command.
	if got := client.send("PING"); got != "+PONG\r\n" {
		t.Errorf("PING after error: got %q", got)
	}
}

// TestConnectionLimiter verifies that connections beyond the limit are
// refused without disturbing the ones already open.
func TestConnectionLimiter(t *testing.T) {
	app := newTestAppWithConfig(t, config{port: 0, maxConnections: 1, precision: 14})
	addr := startServer(t, app)

	hog := dialTestClient(t, addr)
	if got := hog.send("PING"); got != "+PONG\r\n" {
		t.Fatalf("first connection: got %q", got)
	}

	rejected := dialTestClient(t, addr)
	want := "-ERR max number of clients reached\r\n"
	if got := rejected.readLine(); got != want {
		t.Errorf("rejected connection: got %q, want %q", got, want)
	}

	if got := hog.send("PING"); got != "+PONG\r\n" {
		t.Errorf("first connection is dead after second was rejected: %q", got)
	}
}

// TestPipelining sends several commands in one write and expects one reply
// per command, in order.
func TestPipelining(t *testing.T) {
	app := newTestApp(t)
	client := dialTestClient(t, startServer(t, app))

	batch := "HLL.ADD k a\r\n" +
		"*3\r\n$7\r\nHLL.ADD\r\n$1\r\nk\r\n$1\r\nb\r\n" +
		"HLL.ADD k a\r\n" +
		"HLL.COUNT k\r\n" +
		"PING\r\n"
	if _, err := client.conn.Write([]byte(batch)); err != nil {
		t.Fatalf("write: %v", err)
	}

	for i, want := range []string{":1\r\n", ":1\r\n", ":0\r\n", ":2\r\n", "+PONG\r\n"} {
		if got := client.readLine(); got != want {
			t.Errorf("reply %d: got %q, want %q", i, got, want)
		}
	}
}

func TestProtocolErrorClosesConnection(t *testing.T) {
	app := newTestApp(t)
	client := dialTestClient(t, startServer(t, app))

	if got := client.send("*abc"); got != "-ERR protocol error: invalid syntax\r\n" {
		t.Errorf("got %q", got)
	}

	_ = client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.reader.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("connection should be closed after a protocol error, read returned %v", err)
	}
}

func TestIdleTimeout(t *testing.T) {
	app := newTestAppWithConfig(t, config{
		port:           0,
		maxConnections: 10,
		precision:      14,
		idleTimeout:    50 * time.Millisecond,
	})
	client := dialTestClient(t, startServer(t, app))

	if got := client.send("PING"); got != "+PONG\r\n" {
		t.Fatalf("got %q", got)
	}

	_ = client.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.reader.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("idle connection should be closed by the server, read returned %v", err)
	}
}

func TestShutdownWaitsForConnections(t *testing.T) {
	app := newTestAppWithConfig(t, config{
		port:            0,
		maxConnections:  10,
		precision:       14,
		shutdownTimeout: 100 * time.Millisecond,
	})
	addr := startServer(t, app)
	client := dialTestClient(t, addr)
	_ = client.send("PING")

	// The open client keeps the WaitGroup busy, so shutdown times out.
	if err := app.shutdown(); err == nil {
		t.Error("shutdown returned nil while a client was connected")
	}

	if _, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}
