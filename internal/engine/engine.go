// Package engine binds the radare2 analysis core behind an opaque handle.
//
// The rest of the server only sees the four operations of the Engine
// interface. A Handle is a capability token: it is minted by Create, consumed
// by Execute and Open, and released by Destroy.
package engine

import (
	"context"
	"errors"
	"strings"
)

// Handle identifies one live engine instance.
type Handle uint64

// ErrUnknownHandle is returned for handles that were never created or are
// already destroyed.
var ErrUnknownHandle = errors.New("unknown engine handle")

// Engine is the contract the dispatcher depends on. Execute is blocking and a
// single handle must never receive two commands concurrently; callers
// serialize per target.
type Engine interface {
	Create(ctx context.Context) (Handle, error)
	Execute(ctx context.Context, h Handle, command string) (string, error)
	Open(ctx context.Context, h Handle, path string) (bool, error)
	Destroy(h Handle) error
}

// DefaultEvals are applied to every new engine instance so output is plain
// text and the core never waits for interactive input.
var DefaultEvals = []string{
	"scr.color=0",
	"scr.utf8=false",
	"scr.interactive=false",
	"io.cache=true",
	"anal.strings=true",
}

// foldCommand turns a multi-line command into a single r2 command line.
// The pipe protocol answers one response per line.
func foldCommand(command string) string {
	command = strings.TrimRight(command, "\r\n")
	command = strings.ReplaceAll(command, "\r\n", ";")
	return strings.ReplaceAll(command, "\n", ";")
}
