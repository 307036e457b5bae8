package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nugget/mcplink/internal/audit"
	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/orchestrator"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// runServers lists the catalog without connecting.
func runServers(w io.Writer, a *app, outputFmt string) error {
	status := a.orch.Status()
	if outputFmt == "json" {
		return writeJSON(w, status)
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "NAME\tTRANSPORT\tENABLED\tDESCRIPTION")
	for _, s := range status {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", s.Name, s.Transport, s.Enabled, s.Description)
	}
	return tw.Flush()
}

// runTools lists the tools of one server or of every enabled server.
func runTools(ctx context.Context, w io.Writer, a *app, outputFmt string, args []string) error {
	server := ""
	if len(args) > 0 {
		server = args[0]
	}
	if err := a.connect(ctx, server); err != nil {
		return err
	}

	var tools []orchestrator.ServerTool
	if server != "" {
		list, err := a.orch.ListTools(ctx, server)
		if err != nil {
			return err
		}
		for _, t := range list {
			tools = append(tools, orchestrator.ServerTool{Server: server, Tool: t})
		}
	} else {
		var err error
		tools, err = a.orch.AllTools(ctx)
		if err != nil {
			a.logger.Warn("some servers did not list tools", "error", err)
		}
	}

	if outputFmt == "json" {
		if tools == nil {
			tools = []orchestrator.ServerTool{}
		}
		return writeJSON(w, tools)
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SERVER\tTOOL\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Server, t.Name, summary(t.Description))
	}
	return tw.Flush()
}

// runCall calls a tool. A result flagged as an error is printed and
// reported as a failure.
func runCall(ctx context.Context, w io.Writer, a *app, outputFmt string, args []string) error {
	server, tool := args[0], args[1]
	var toolArgs map[string]any
	if len(args) > 2 {
		raw := strings.Join(args[2:], " ")
		if err := json.Unmarshal([]byte(raw), &toolArgs); err != nil {
			return fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}

	if err := a.connect(ctx, server); err != nil {
		return err
	}
	res, err := a.orch.CallTool(ctx, server, tool, toolArgs)
	var toolErr *mcp.ToolError
	if err != nil && !errors.As(err, &toolErr) {
		return err
	}

	if outputFmt == "json" {
		if werr := writeJSON(w, res); werr != nil {
			return werr
		}
	} else {
		fmt.Fprintln(w, res.Text())
	}
	return err
}

// runResources lists resources.
func runResources(ctx context.Context, w io.Writer, a *app, outputFmt string, args []string) error {
	type serverResource struct {
		Server string `json:"server"`
		mcp.Resource
	}

	if err := a.connect(ctx, first(args)); err != nil {
		return err
	}
	out := []serverResource{}
	for _, server := range a.targets(args) {
		list, err := a.orch.ListResources(ctx, server)
		if err != nil {
			if len(args) > 0 {
				return err
			}
			a.logger.Warn("resources unavailable", "mcp_server", server, "error", err)
			continue
		}
		for _, r := range list {
			out = append(out, serverResource{Server: server, Resource: r})
		}
	}

	if outputFmt == "json" {
		return writeJSON(w, out)
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SERVER\tURI\tNAME\tTYPE")
	for _, r := range out {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Server, r.URI, r.Name, r.MimeType)
	}
	return tw.Flush()
}

// runRead prints the contents of a resource.
func runRead(ctx context.Context, w io.Writer, a *app, outputFmt string, args []string) error {
	server, uri := args[0], args[1]
	if err := a.connect(ctx, server); err != nil {
		return err
	}
	contents, err := a.orch.ReadResource(ctx, server, uri)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(w, contents)
	}
	for _, c := range contents {
		if c.Text != "" {
			fmt.Fprintln(w, c.Text)
		} else {
			fmt.Fprintf(w, "[%s: %d bytes base64]\n", c.MimeType, len(c.Blob))
		}
	}
	return nil
}

// runPrompts lists prompts.
func runPrompts(ctx context.Context, w io.Writer, a *app, outputFmt string, args []string) error {
	type serverPrompt struct {
		Server string `json:"server"`
		mcp.Prompt
	}

	if err := a.connect(ctx, first(args)); err != nil {
		return err
	}
	out := []serverPrompt{}
	for _, server := range a.targets(args) {
		list, err := a.orch.ListPrompts(ctx, server)
		if err != nil {
			if len(args) > 0 {
				return err
			}
			a.logger.Warn("prompts unavailable", "mcp_server", server, "error", err)
			continue
		}
		for _, p := range list {
			out = append(out, serverPrompt{Server: server, Prompt: p})
		}
	}

	if outputFmt == "json" {
		return writeJSON(w, out)
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SERVER\tPROMPT\tARGUMENTS\tDESCRIPTION")
	for _, p := range out {
		names := make([]string, 0, len(p.Arguments))
		for _, arg := range p.Arguments {
			if arg.Required {
				names = append(names, arg.Name+"*")
			} else {
				names = append(names, arg.Name)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Server, p.Name, strings.Join(names, ","), summary(p.Description))
	}
	return tw.Flush()
}

// runPrompt renders a prompt.
func runPrompt(ctx context.Context, w io.Writer, a *app, outputFmt string, args []string) error {
	server, name := args[0], args[1]
	var promptArgs map[string]string
	if len(args) > 2 {
		raw := strings.Join(args[2:], " ")
		if err := json.Unmarshal([]byte(raw), &promptArgs); err != nil {
			return fmt.Errorf("prompt arguments must be a JSON object of strings: %w", err)
		}
	}

	if err := a.connect(ctx, server); err != nil {
		return err
	}
	res, err := a.orch.GetPrompt(ctx, server, name, promptArgs)
	if err != nil {
		return err
	}
	if outputFmt == "json" {
		return writeJSON(w, res)
	}
	for _, m := range res.Messages {
		fmt.Fprintf(w, "[%s] %s\n", m.Role, m.Content.Text)
	}
	return nil
}

// runHealth connects every enabled server, pings them, and reports.
// It fails when any enabled server is unhealthy.
func runHealth(ctx context.Context, w io.Writer, a *app, outputFmt string) error {
	connectErr := a.orch.ConnectAll(ctx)
	results := a.orch.HealthCheck(ctx)

	var failures *orchestrator.ConnectError
	errors.As(connectErr, &failures)

	type row struct {
		orchestrator.ServerStatus
		Healthy bool   `json:"healthy"`
		Error   string `json:"error,omitempty"`
	}
	var rows []row
	unhealthy := 0
	for _, st := range a.orch.Status() {
		if !st.Enabled {
			continue
		}
		r := row{ServerStatus: st, Healthy: true}
		if err, ok := results[st.Name]; ok && err != nil {
			r.Healthy, r.Error = false, err.Error()
		} else if failures != nil && failures.Failures[st.Name] != nil {
			r.Healthy, r.Error = false, failures.Failures[st.Name].Error()
		} else if !ok {
			r.Healthy, r.Error = false, "not connected"
		}
		if !r.Healthy {
			unhealthy++
		}
		rows = append(rows, r)
	}

	if outputFmt == "json" {
		if rows == nil {
			rows = []row{}
		}
		if err := writeJSON(w, rows); err != nil {
			return err
		}
	} else {
		tw := newTable(w)
		fmt.Fprintln(tw, "NAME\tHEALTH\tSERVER\tPROTOCOL\tDETAIL")
		for _, r := range rows {
			health, detail := "ok", strings.Join(r.Capabilities, ",")
			if !r.Healthy {
				health, detail = "FAIL", r.Error
			}
			server := strings.TrimSpace(r.ServerName + " " + r.ServerVersion)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Name, health, server, r.ProtocolVersion, detail)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d of %d MCP server(s) unhealthy", unhealthy, len(rows))
	}
	return nil
}

// runHistory prints recent audited tool calls and per-tool totals for
// the last day.
func runHistory(ctx context.Context, w io.Writer, stderr io.Writer, opts options, args []string) error {
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: mcplink history [n]")
		}
		limit = n
	}

	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, closeLog, err := config.NewLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeLog.Close()

	db, err := audit.Open(cfg.AuditPath())
	if err != nil {
		return err
	}
	store, err := audit.NewStore(db, logger)
	if err != nil {
		db.Close()
		return err
	}
	defer store.Close()

	recent, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	summary, err := store.Summary(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	servers, err := store.ServerStatuses(ctx)
	if err != nil {
		return err
	}

	if outputFmt := opts.output; outputFmt == "json" {
		return writeJSON(w, map[string]any{
			"recent":  orEmpty(recent),
			"summary": orEmpty(summary),
			"servers": servers,
		})
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "TIME\tSERVER\tTOOL\tOUTCOME\tDETAIL")
	for _, r := range recent {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Timestamp.Local().Format(time.DateTime), r.Server, r.Tool, r.Outcome, truncate(firstLine(r.Detail), 60))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(summary) > 0 {
		fmt.Fprintln(w)
		tw = newTable(w)
		fmt.Fprintln(tw, "SERVER\tTOOL\tCALLS (24h)\tERRORS")
		for _, s := range summary {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", s.Server, s.Tool, s.Calls, s.Errors)
		}
		return tw.Flush()
	}
	return nil
}

func first(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
