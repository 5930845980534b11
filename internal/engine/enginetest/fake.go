// Package enginetest provides a scriptable engine for tests.
package enginetest

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/zboralski/r2-headless-mcp/internal/engine"
)

// Fake is an in-memory engine.Engine. Responses are looked up by exact
// command first, then by the Handler func, then default to "".
type Fake struct {
	mu        sync.Mutex
	next      engine.Handle
	live      map[engine.Handle]string
	commands  []Call
	destroyed []engine.Handle

	// Responses maps an exact command to its output.
	Responses map[string]string
	// Handler computes output for commands missing from Responses.
	Handler func(h engine.Handle, command string) string
	// OpenFunc decides whether Open succeeds. Defaults to "file exists".
	OpenFunc func(path string) bool
	// CreateErr makes Create fail.
	CreateErr error
}

// Call records one Execute.
type Call struct {
	Handle  engine.Handle
	Command string
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		live:      make(map[engine.Handle]string),
		Responses: make(map[string]string),
	}
}

func (f *Fake) Create(ctx context.Context) (engine.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return 0, f.CreateErr
	}
	f.next++
	f.live[f.next] = ""
	return f.next, nil
}

func (f *Fake) Execute(ctx context.Context, h engine.Handle, command string) (string, error) {
	f.mu.Lock()
	if _, ok := f.live[h]; !ok {
		f.mu.Unlock()
		return "", engine.ErrUnknownHandle
	}
	f.commands = append(f.commands, Call{Handle: h, Command: command})
	out, ok := f.Responses[command]
	handler := f.Handler
	f.mu.Unlock()

	if ok {
		return out, nil
	}
	if handler != nil {
		return handler(h, command), nil
	}
	return "", nil
}

func (f *Fake) Open(ctx context.Context, h engine.Handle, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[h]; !ok {
		return false, engine.ErrUnknownHandle
	}
	open := f.OpenFunc
	if open == nil {
		open = func(p string) bool {
			_, err := os.Stat(p)
			return err == nil
		}
	}
	if !open(path) {
		return false, nil
	}
	f.live[h] = path
	return true, nil
}

func (f *Fake) Destroy(h engine.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[h]; !ok {
		return engine.ErrUnknownHandle
	}
	delete(f.live, h)
	f.destroyed = append(f.destroyed, h)
	return nil
}

// Commands returns every command executed so far.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.commands))
	for _, c := range f.commands {
		out = append(out, c.Command)
	}
	return out
}

// CommandsWithPrefix filters Commands by prefix.
func (f *Fake) CommandsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Live reports the number of handles not yet destroyed.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// Destroyed returns destroyed handles in order.
func (f *Fake) Destroyed() []engine.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Handle(nil), f.destroyed...)
}

// OpenedPath reports the path a handle last opened.
func (f *Fake) OpenedPath(h engine.Handle) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.live[h]
	if !ok {
		return "", errors.New("handle not live")
	}
	return p, nil
}
