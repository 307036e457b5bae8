package orchestrator

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrNotConnected is returned when an operation targets a catalog
// server that has no live connection.
var ErrNotConnected = errors.New("server not connected")

// ErrToolNotFound is returned by CallToolByName when no connected
// server offers the tool.
var ErrToolNotFound = errors.New("tool not found on any connected server")

// ConnectError reports the servers that failed during ConnectAll.
// Servers that connected are not listed.
type ConnectError struct {
	Failures map[string]error
}

func (e *ConnectError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	slices.Sort(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %v", name, e.Failures[name])
	}
	return fmt.Sprintf("%d MCP server(s) failed to connect: %s", len(names), strings.Join(parts, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *ConnectError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
