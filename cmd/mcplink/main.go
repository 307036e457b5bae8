// Mcplink connects to Model Context Protocol servers and exposes their
// tools, resources and prompts from the command line.
//
// Servers are listed in a catalog file (see [catalog]); mcplink starts
// stdio servers as subprocesses and dials remote ones over WebSocket
// or streamable HTTP. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcplink servers                         List catalog servers
//	mcplink tools [server]                  List tools
//	mcplink call <server> <tool> [json]     Call a tool
//	mcplink resources [server]              List resources
//	mcplink read <server> <uri>             Read a resource
//	mcplink prompts [server]                List prompts
//	mcplink prompt <server> <name> [json]   Render a prompt
//	mcplink health                          Connect and ping every server
//	mcplink history [n]                     Show recent audited tool calls
//	mcplink run                             Keep the fleet connected
//	mcplink init [dir]                      Write an example config and catalog
//	mcplink version                         Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/nugget/mcplink/internal/buildinfo"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the
// whole command can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags.
type options struct {
	configPath  string
	catalogPath string
	output      string // "text" or "json"
}

// run is the real entry point for the mcplink command. Command output
// goes to stdout; logs go to stderr except in run mode, where they are
// the output. args is os.Args[1:]. Flags are parsed by hand so run can
// be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-catalog" && i+1 < len(args):
			opts.catalogPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-catalog="):
			opts.catalogPath = strings.TrimPrefix(args[i], "-catalog=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.output = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.output = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.output = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case command == "" && !strings.HasPrefix(args[i], "-"):
			command = args[i]
		case command != "":
			// Everything after the command belongs to it, JSON included.
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.output == "" {
		opts.output = "text"
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	switch command {
	case "servers":
		return withApp(ctx, stderr, opts, func(a *app) error { return runServers(stdout, a, opts.output) })
	case "tools":
		return withApp(ctx, stderr, opts, func(a *app) error { return runTools(ctx, stdout, a, opts.output, cmdArgs) })
	case "call":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: mcplink call <server> <tool> [json-arguments]")
		}
		return withApp(ctx, stderr, opts, func(a *app) error { return runCall(ctx, stdout, a, opts.output, cmdArgs) })
	case "resources":
		return withApp(ctx, stderr, opts, func(a *app) error { return runResources(ctx, stdout, a, opts.output, cmdArgs) })
	case "read":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: mcplink read <server> <uri>")
		}
		return withApp(ctx, stderr, opts, func(a *app) error { return runRead(ctx, stdout, a, opts.output, cmdArgs) })
	case "prompts":
		return withApp(ctx, stderr, opts, func(a *app) error { return runPrompts(ctx, stdout, a, opts.output, cmdArgs) })
	case "prompt":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: mcplink prompt <server> <name> [json-arguments]")
		}
		return withApp(ctx, stderr, opts, func(a *app) error { return runPrompt(ctx, stdout, a, opts.output, cmdArgs) })
	case "health":
		return withApp(ctx, stderr, opts, func(a *app) error { return runHealth(ctx, stdout, a, opts.output) })
	case "history":
		return runHistory(ctx, stdout, stderr, opts, cmdArgs)
	case "run":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.output)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcplink - Model Context Protocol client")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcplink [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  servers                        List catalog servers")
	fmt.Fprintln(w, "  tools [server]                 List tools (all enabled servers by default)")
	fmt.Fprintln(w, "  call <server> <tool> [json]    Call a tool with JSON arguments")
	fmt.Fprintln(w, "  resources [server]             List resources")
	fmt.Fprintln(w, "  read <server> <uri>            Read a resource")
	fmt.Fprintln(w, "  prompts [server]               List prompts")
	fmt.Fprintln(w, "  prompt <server> <name> [json]  Render a prompt with JSON string arguments")
	fmt.Fprintln(w, "  health                         Connect and ping every enabled server")
	fmt.Fprintln(w, "  history [n]                    Show the last n audited tool calls (default 20)")
	fmt.Fprintln(w, "  run                            Keep the fleet connected until interrupted")
	fmt.Fprintln(w, "  init [dir]                     Write an example config and catalog (default: .)")
	fmt.Fprintln(w, "  version                        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -catalog <path>   Path to the MCP server catalog (overrides config)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./mcplink.yaml, ~/.config/mcplink/config.yaml, /etc/mcplink/config.yaml")
	return nil
}

// writeJSON writes v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
