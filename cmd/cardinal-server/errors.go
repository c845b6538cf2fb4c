package main

import (
	"errors"
	"fmt"
	"io"

	"cardinal.lopezb.com/internal/pds/hyperloglog"
)

func (app *application) unknownCommandResponse(w io.Writer, commandName string) {
	_ = app.writeErrorResponse(w, fmt.Sprintf("ERR unknown command '%s'", commandName))
}

func (app *application) wrongNumberOfArgsResponse(w io.Writer, commandName string) {
	_ = app.writeErrorResponse(w, fmt.Sprintf("ERR wrong number of arguments for '%s' command", commandName))
}

// estimatorErrorResponse translates an estimator or store error into the
// reply a client sees.
func (app *application) estimatorErrorResponse(w io.Writer, err error) {
	var msg string
	switch {
	case errors.Is(err, hyperloglog.ErrInvalidPrecision):
		msg = fmt.Sprintf("ERR invalid precision (must be between %d and %d)",
			hyperloglog.MinPrecision, hyperloglog.MaxPrecision)
	case errors.Is(err, hyperloglog.ErrIncompatiblePrecision):
		msg = "ERR incompatible precision"
	case errors.Is(err, hyperloglog.ErrDeserialization):
		msg = "ERR invalid estimator payload"
	case errors.Is(err, errKeyExists):
		msg = "ERR item exists"
	default:
		app.logger.Error("unexpected estimator error", "error", err)
		msg = "ERR internal error"
	}
	_ = app.writeErrorResponse(w, msg)
}
