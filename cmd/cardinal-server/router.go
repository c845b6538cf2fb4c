package main

import (
	"io"
	"strings"
)

// CommandHandler serves one command. args excludes the command name.
// Replies are written to w, usually a buffered writer over the connection.
type CommandHandler func(w io.Writer, args []string)

// commandSpec describes a registered command.
type commandSpec struct {
	handler CommandHandler
	// arity is the exact argument count when positive, or the minimum
	// count written as a negative number (-2 means "at least 2").
	arity int
}

// Router maps upper-cased command names to their handlers.
type Router struct {
	commands map[string]commandSpec
}

func NewRouter() *Router {
	return &Router{commands: make(map[string]commandSpec)}
}

// Handle registers handler under name. Arity is checked before the handler
// runs, so handlers can index args freely.
func (r *Router) Handle(name string, arity int, handler CommandHandler) {
	r.commands[strings.ToUpper(name)] = commandSpec{handler: handler, arity: arity}
}

// Dispatch runs the command in parts. An empty command is ignored.
func (r *Router) Dispatch(app *application, w io.Writer, parts []string) {
	if len(parts) == 0 {
		return
	}

	name := strings.ToUpper(parts[0])
	args := parts[1:]

	spec, found := r.commands[name]
	if !found {
		app.metrics.observeCommand("unknown")
		app.unknownCommandResponse(w, name)
		return
	}
	app.metrics.observeCommand(name)

	if !spec.accepts(len(args)) {
		app.wrongNumberOfArgsResponse(w, name)
		return
	}

	spec.handler(w, args)
}

func (c commandSpec) accepts(n int) bool {
	if c.arity >= 0 {
		return n == c.arity
	}
	return n >= -c.arity
}
