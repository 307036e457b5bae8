package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// StdioTransport exchanges newline-delimited JSON-RPC frames with an
// MCP server subprocess over its stdin/stdout pipes. The [Process]
// lifecycle belongs to the caller; Close only releases the pipes.
type StdioTransport struct {
	logger  *slog.Logger
	w       io.Writer
	r       *bufio.Reader
	exited  <-chan struct{}
	release func()

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewStdioTransport wraps the pipes of a started subprocess.
func NewStdioTransport(p *Process, logger *slog.Logger) *StdioTransport {
	t := newPipeTransport(p.stdout, p.stdin, p.ClosePipes, logger)
	t.exited = p.Exited()
	return t
}

// newPipeTransport builds a stdio transport over arbitrary pipe ends.
// release must close both ends.
func newPipeTransport(r io.Reader, w io.Writer, release func(), logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		logger:  logger,
		w:       w,
		r:       bufio.NewReaderSize(r, 1<<20), // 1 MiB buffer for large responses
		release: release,
		closed:  make(chan struct{}),
	}
}

// Start fails if the subprocess has already gone away.
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	select {
	case <-t.closed:
		return &TransportError{Op: "connect", Err: ErrTransportClosed}
	case <-t.exited:
		return &TransportError{Op: "connect", Err: errors.New("subprocess already exited")}
	default:
		return nil
	}
}

// Send writes frame followed by the newline delimiter.
func (t *StdioTransport) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bytes.IndexByte(frame, '\n') >= 0 {
		return &TransportError{Op: "send", Err: errors.New("frame contains a newline")}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.closed:
		return &TransportError{Op: "send", Err: ErrTransportClosed}
	default:
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(append(buf, frame...), '\n')
	if _, err := t.w.Write(buf); err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("write to subprocess stdin: %w", err)}
	}
	return nil
}

// Receive returns the next JSON line. Blank lines and lines that are
// not JSON objects (startup banners and the like) are skipped.
func (t *StdioTransport) Receive() ([]byte, error) {
	for {
		line, err := t.r.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if err != nil {
			if len(trimmed) > 0 && trimmed[0] == '{' && errors.Is(err, io.EOF) {
				return trimmed, nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil, io.EOF
			}
			return nil, &TransportError{Op: "receive", Err: fmt.Errorf("read from subprocess stdout: %w", err)}
		}
		if len(trimmed) == 0 {
			continue
		}
		if trimmed[0] != '{' {
			t.logger.Debug("skipping non-JSON line from MCP subprocess",
				"line", string(trimmed),
			)
			continue
		}
		return trimmed, nil
	}
}

// Close releases both pipe ends, which unblocks Receive.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.release != nil {
			t.release()
		}
	})
	return nil
}
