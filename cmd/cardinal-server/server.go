package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	rejectionTimeout          = 500 * time.Millisecond
	errMaxConnectionsResponse = "-ERR max number of clients reached\r\n"
)

// serve listens on the configured port and blocks until the server shuts
// down.
func (app *application) serve() error {
	//
	// DESIGN
	// ------
	//
	// 1. CONNECTION LIMITING
	//    connLimiter is a buffered channel used as a semaphore. The accept
	//    loop does a non-blocking send: a full channel means the limit is
	//    reached and the new connection is refused with an error reply.
	//
	// 2. GRACEFUL SHUTDOWN
	//    A goroutine waits for SIGINT or SIGTERM, closes the listener (which
	//    ends the accept loop), and then waits for in-flight connections on
	//    the WaitGroup, bounded by shutdownTimeout.
	//
	// 3. ERROR PROPAGATION
	//    The shutdown goroutine reports back on a channel, so serve returns
	//    only after shutdown has finished one way or the other.
	//
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", app.config.port))
	if err != nil {
		return err
	}
	app.listener = ln
	serverAddr := ln.Addr().String()

	if app.readyCh != nil {
		close(app.readyCh)
	}

	shutdownError := make(chan error, 1)
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit

		app.logger.Info("caught signal", "signal", s.String(), "address", serverAddr)
		shutdownError <- app.shutdown()
	}()

	app.logger.Info("server starting", "address", serverAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			app.logger.Error("failed to accept connection", "error", err, "address", serverAddr)
			continue
		}

		select {
		case app.connLimiter <- struct{}{}:
			app.wg.Add(1)
			go app.handleConnection(conn)
		default:
			app.logger.Info("rejecting connection, limit reached", "remote_addr", conn.RemoteAddr().String())

			// A client that never reads must not stall the accept loop.
			_ = conn.SetWriteDeadline(time.Now().Add(rejectionTimeout))
			_, _ = conn.Write([]byte(errMaxConnectionsResponse))
			_ = conn.Close()
		}
	}

	err = <-shutdownError
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		app.logger.Error("server stopped with error", "error", err, "address", serverAddr)
		return err
	}

	app.logger.Info("server stopped gracefully", "address", serverAddr)
	return nil
}

// shutdown stops accepting connections and waits for the open ones to
// finish, up to shutdownTimeout.
func (app *application) shutdown() error {
	app.logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), app.config.shutdownTimeout)
	defer cancel()

	if err := app.listener.Close(); err != nil {
		return err
	}

	wgDone := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(wgDone)
	}()

	select {
	case <-wgDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConnection runs the request loop for one client.
func (app *application) handleConnection(conn net.Conn) {
	//
	// DESIGN
	// ------
	//
	// Replies go through a 4KB bufio.Writer. After each command the writer
	// is flushed only if the parser has nothing buffered: a client that
	// pipelines N commands gets N replies in as few writes as the buffer
	// allows, while an interactive client gets each reply immediately.
	//
	// The deferred calls release the semaphore slot, mark the connection done
	// for shutdown, close the socket, and flush any replies already produced
	// (so a parse error in the middle of a pipeline still answers the
	// commands before it).
	//
	defer func() { <-app.connLimiter }()
	defer app.wg.Done()
	defer func() { _ = conn.Close() }()

	app.metrics.TotalConnections.Add(1)

	remoteAddr := conn.RemoteAddr().String()
	app.logger.Info("new connection", "remote_addr", remoteAddr)

	parser := NewParser(conn)
	writer := bufio.NewWriterSize(conn, 4096)
	defer func() { _ = writer.Flush() }()

	for {
		if app.config.idleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(app.config.idleTimeout)); err != nil {
				app.logger.Error("failed to set read deadline", "error", err, "remote_addr", remoteAddr)
				return
			}
		}

		parts, err := parser.Parse()
		if err != nil {
			switch {
			case err == io.EOF:
				app.logger.Info("client disconnected", "remote_addr", remoteAddr)
			case isProtocolError(err):
				// Tell the client why it is being dropped.
				_ = app.writeErrorResponse(writer, err.Error())
				app.logger.Warn("protocol error", "error", err, "remote_addr", remoteAddr)
			default:
				app.logger.Error("parser error", "error", err, "remote_addr", remoteAddr)
			}
			return
		}

		app.router.Dispatch(app, writer, parts)

		if parser.Buffered() == 0 {
			if err := writer.Flush(); err != nil {
				app.logger.Error("failed to flush response", "error", err, "remote_addr", remoteAddr)
				return
			}
		}
	}
}

func isProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidSyntax) ||
		errors.Is(err, ErrLineTooLong) ||
		errors.Is(err, ErrBulkTooLarge) ||
		errors.Is(err, ErrArrayTooLong)
}
