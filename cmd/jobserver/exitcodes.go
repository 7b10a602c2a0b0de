package main

import (
	"errors"

	"github.com/mattjoyce/jobserver/internal/config"
	"github.com/mattjoyce/jobserver/internal/connector"
	"github.com/mattjoyce/jobserver/internal/server"
)

// Process exit codes for `start`. Usage and other CLI errors exit 1, which
// config-missing shares; lock contention has its own code.
const (
	exitOK            = 0
	exitFailure       = 1
	exitConfigMissing = 0x1
	exitConfigInvalid = 0x2
	exitLocked        = 0x3
	exitConnectorLoad = 0x10
	exitNoConnector   = 0x20
	exitHandlerLoad   = 0x100
	exitNoHandler     = 0x200
	exitJobLoad       = 0x1000
	exitNoJob         = 0x2000
	exitUnknown       = 0x7FFFFFFF
)

// exitCodeFor maps a startup or run error to its exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrMissing):
		return exitConfigMissing
	case errors.Is(err, config.ErrInvalid):
		return exitConfigInvalid
	case errors.Is(err, connector.ErrUnknownConnector):
		return exitNoConnector
	case errors.Is(err, server.ErrConnectorInit):
		return exitConnectorLoad
	case errors.Is(err, server.ErrNoHandlers):
		return exitNoHandler
	default:
		return exitUnknown
	}
}

// processStatus folds a code into the 8 bits a POSIX exit status keeps, so
// codes above 0xFF do not read as success. The full code is logged by start.
func processStatus(code int) int {
	switch code {
	case exitHandlerLoad:
		return 0x40
	case exitNoHandler:
		return 0x41
	case exitJobLoad:
		return 0x42
	case exitNoJob:
		return 0x43
	}
	if code < 0 || code > 0xFF {
		return 0xFF
	}
	return code
}
