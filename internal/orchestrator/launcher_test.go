package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/mcp/mcptest"
)

// TestHelperProcess is not a real test. It is the MCP server that the
// stdio tests launch by re-executing the test binary.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	srv := &mcptest.Server{
		Info:  mcp.Implementation{Name: "helper", Version: "0.1.0"},
		Tools: []mcp.Tool{{Name: "echo", Description: "Echo the arguments", InputSchema: map[string]any{"type": "object"}}},
	}
	_ = srv.Serve(context.Background(), os.Stdin, os.Stdout)
	os.Exit(0)
}

func helperServer(name string) catalog.Server {
	return catalog.Server{
		Name:    name,
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$", "--"},
		Env:     map[string]string{"GO_WANT_HELPER_PROCESS": "1"},
		Enabled: true,
	}
}

func TestDefaultLauncher_Stdio(t *testing.T) {
	cat := catalog.New(filepath.Join(t.TempDir(), "mcp.yaml"), discardLogger())
	if err := cat.Add(helperServer("helper")); err != nil {
		t.Fatal(err)
	}
	orch := New(Config{
		Catalog:        cat,
		Logger:         discardLogger(),
		RequestTimeout: 5 * time.Second,
		StopTimeout:    2 * time.Second,
	})
	ctx := context.Background()

	if err := orch.ConnectServer(ctx, "helper"); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}

	st, err := orch.ServerInfo("helper")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != "connected" || st.ServerName != "helper" || st.Transport != catalog.TransportStdio {
		t.Errorf("status = %+v", st)
	}
	if st.PID <= 0 {
		t.Errorf("PID = %d, want a live subprocess", st.PID)
	}

	tools, err := orch.ListTools(ctx, "helper")
	if err != nil || len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("ListTools = %v, %v", tools, err)
	}
	res, err := orch.CallTool(ctx, "helper", "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Text() != `{"msg":"hi"}` {
		t.Errorf("CallTool text = %q", res.Text())
	}

	proc := orch.get("helper").proc
	if err := orch.DisconnectServer(ctx, "helper"); err != nil {
		t.Errorf("DisconnectServer: %v", err)
	}
	select {
	case <-proc.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("subprocess not reaped after disconnect")
	}
	if orch.IsConnected("helper") {
		t.Error("helper still connected")
	}
}

func TestDefaultLauncher_SpawnFailure(t *testing.T) {
	srv := catalog.Server{Name: "ghost", Command: filepath.Join(t.TempDir(), "no-such-binary"), Enabled: true}
	_, proc, err := DefaultLauncher{}.Launch(context.Background(), srv, discardLogger())
	if err == nil {
		t.Fatal("Launch succeeded for a missing binary")
	}
	if proc != nil {
		t.Error("process returned alongside an error")
	}
}

func TestDefaultLauncher_Remote(t *testing.T) {
	tests := []struct {
		name      string
		transport string
		want      any
	}{
		{"websocket", "ws", (*mcp.WebSocketTransport)(nil)},
		{"http", "streamable-http", (*mcp.HTTPTransport)(nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := catalog.Server{Name: tt.name, Transport: tt.transport, URL: "http://127.0.0.1:1/mcp", Enabled: true}
			tr, proc, err := DefaultLauncher{}.Launch(context.Background(), srv, discardLogger())
			if err != nil {
				t.Fatalf("Launch: %v", err)
			}
			if proc != nil {
				t.Error("remote transport returned a process")
			}
			switch tt.want.(type) {
			case *mcp.WebSocketTransport:
				if _, ok := tr.(*mcp.WebSocketTransport); !ok {
					t.Errorf("transport = %T, want *mcp.WebSocketTransport", tr)
				}
			case *mcp.HTTPTransport:
				if _, ok := tr.(*mcp.HTTPTransport); !ok {
					t.Errorf("transport = %T, want *mcp.HTTPTransport", tr)
				}
			}
		})
	}
}

func TestDefaultLauncher_Invalid(t *testing.T) {
	tests := []catalog.Server{
		{Name: "nocmd"},
		{Name: "nourl", Transport: "websocket"},
		{Name: "weird", Transport: "carrier-pigeon", URL: "x"},
	}
	for _, srv := range tests {
		t.Run(srv.Name, func(t *testing.T) {
			if _, _, err := (DefaultLauncher{}).Launch(context.Background(), srv, discardLogger()); err == nil {
				t.Error("Launch accepted an invalid entry")
			}
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := (DefaultLauncher{}).Launch(ctx, helperServer("x"), discardLogger()); err == nil {
		t.Error("Launch ignored a cancelled context")
	}
}
