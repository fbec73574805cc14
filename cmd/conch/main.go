// Conch is an LLM-assisted shell companion with MCP tool support.
//
// It connects the configured LLM provider to any number of MCP tool
// servers (subprocess stdio or HTTP) and drives multi-round
// conversations where the model can call those tools.
//
// Usage:
//
//	conch chat               Interactive conversation with MCP tools
//	conch ask <request>      One-shot: natural language → one shell command
//	conch servers            List configured MCP servers and their tools
//	conch version            Print version and build information
//	conch -o json version    Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/conchshell/conch/internal/agent"
	"github.com/conchshell/conch/internal/buildinfo"
	"github.com/conchshell/conch/internal/config"
	"github.com/conchshell/conch/internal/events"
	"github.com/conchshell/conch/internal/llm"
	"github.com/conchshell/conch/internal/registry"
)

// askSystemPrompt steers the model toward emitting exactly one shell
// command for the ask subcommand.
const askSystemPrompt = `You are Conch, an expert shell assistant. The user describes a task in
plain English; you reply with exactly ONE shell command that accomplishes
it. No explanation, no markdown, no code fences — just the command on a
single line. Prefer portable POSIX tools unless the request names a
specific tool.`

// chatSystemPrompt is the default persona for interactive chat. The
// model additionally sees whatever MCP tools are connected.
const chatSystemPrompt = `You are Conch, a helpful, concise assistant built into the user's shell.
Answer clearly. Use markdown formatting sparingly — this is a terminal.
When tools are available, use them rather than guessing; tool names are
qualified as server:tool.`

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle is testable without os.Exit or globals.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "conch: %s\n", err)
		os.Exit(1)
	}
}

// run parses arguments and dispatches to a subcommand. Arguments are
// parsed by hand: the flag package's package-level state gets in the
// way of calling run concurrently from tests, and the surface is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "chat":
		return runChat(ctx, stdout, stderr, configPath, cmdArgs)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: conch ask <request>")
		}
		return runAsk(ctx, stdout, stderr, configPath, strings.Join(cmdArgs, " "))
	case "servers":
		return runServers(ctx, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runChat starts the interactive conversation loop: MCP servers
// connected, tools aggregated, one Submit per user line.
func runChat(ctx context.Context, stdout, stderr io.Writer, configPath string, cmdArgs []string) error {
	cfg, logger, err := setup(configPath, stderr)
	if err != nil {
		return err
	}

	client, err := llm.New(cfg, logger)
	if err != nil {
		return err
	}

	specs, err := loadServerSpecs(cfg)
	if err != nil {
		return err
	}

	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)
	go printEvents(stderr, sub)

	reg := registry.New(registry.Config{
		Servers:     specs,
		ToolTimeout: cfg.ToolTimeout(),
		Logger:      logger,
		Bus:         bus,
	})
	reg.Connect(ctx)
	defer reg.Close()

	systemPrompt := cfg.ChatSystemPrompt
	if systemPrompt == "" {
		systemPrompt = chatSystemPrompt
	}

	loop := agent.New(agent.Config{
		Client:       client,
		Model:        cfg.ChatModelName(),
		Registry:     reg,
		SystemPrompt: systemPrompt,
		MaxRounds:    cfg.MaxRounds(),
		Logger:       logger,
		Bus:          bus,
	})

	// One-shot: "conch chat what is a CNAME record"
	if len(cmdArgs) > 0 {
		answer, err := loop.Submit(ctx, strings.Join(cmdArgs, " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, answer)
		return nil
	}

	interactive := false
	if f, ok := stdout.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	if interactive {
		fmt.Fprintf(stdout, "Conch chat (%s/%s, %d tools)\n", cfg.Provider, cfg.ChatModelName(), len(reg.Tools()))
		fmt.Fprintln(stdout, "Type 'exit' or Ctrl+D to quit.")
		fmt.Fprintln(stdout)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if interactive {
			fmt.Fprint(stdout, "you: ")
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" || line == "/q" {
			break
		}

		answer, err := loop.Submit(ctx, line)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(stderr, "conch: %s\n", err)
			continue
		}
		fmt.Fprintf(stdout, "\n%s\n\n", answer)
	}
	return scanner.Err()
}

// runAsk translates one natural-language request into a single shell
// command on stdout. No tools; a plain model call plus extraction.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, request string) error {
	cfg, logger, err := setup(configPath, stderr)
	if err != nil {
		return err
	}

	client, err := llm.New(cfg, logger)
	if err != nil {
		return err
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = askSystemPrompt
	}

	// Light environmental context helps the model pick sane flags.
	var sb strings.Builder
	sb.WriteString(request)
	fmt.Fprintf(&sb, "\n(Current date/time: %s)", time.Now().Format("2006-01-02 15:04 MST"))
	if cwd, err := os.Getwd(); err == nil {
		fmt.Fprintf(&sb, "\n(Current directory: %s)", cwd)
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		fmt.Fprintf(&sb, "\n(Shell: %s)", shell)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: sb.String()},
	}

	resp, err := client.Chat(ctx, cfg.Model, messages, nil)
	if err != nil {
		return err
	}

	command := llm.ExtractCommand(resp.Message.Content)
	if command == "" {
		return fmt.Errorf("no command in model response")
	}
	fmt.Fprintln(stdout, command)
	return nil
}

// runServers connects to every configured MCP server and prints what
// was discovered.
func runServers(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	cfg, logger, err := setup(configPath, stderr)
	if err != nil {
		return err
	}

	specs, err := loadServerSpecs(cfg)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		fmt.Fprintln(stdout, "no MCP servers configured")
		fmt.Fprintf(stdout, "add servers to %s\n", config.DefaultServersPath())
		return nil
	}

	reg := registry.New(registry.Config{
		Servers:     specs,
		ToolTimeout: cfg.ToolTimeout(),
		Logger:      logger,
	})
	reg.Connect(ctx)
	defer reg.Close()

	for _, st := range reg.Servers() {
		fmt.Fprintf(stdout, "%s  [%s]  %s  (%d tools)\n", st.Name, st.State, st.ServerInfo, st.ToolCount)
	}
	for _, tool := range reg.Tools() {
		desc := tool.Def.Description
		if len(desc) > 60 {
			desc = desc[:57] + "..."
		}
		fmt.Fprintf(stdout, "  %-40s %s\n", tool.Name, desc)
	}
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// setup loads the YAML config and builds the process logger.
func setup(configPath string, stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	cfg := config.Default()
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	return cfg, config.NewLogger(stderr, level), nil
}

// loadServerSpecs reads the MCP server map from the configured path.
func loadServerSpecs(cfg *config.Config) ([]config.ServerSpec, error) {
	path := cfg.MCPConfig
	if path == "" {
		path = config.DefaultServersPath()
	}
	if path == "" {
		return nil, nil
	}
	return config.LoadServers(path)
}

// printEvents renders minimal progress lines from the event stream.
func printEvents(w io.Writer, sub <-chan events.Event) {
	for e := range sub {
		switch e.Kind {
		case events.KindToolCall:
			fmt.Fprintf(w, "[tool] %v ...\n", e.Data["tool"])
		case events.KindToolDone:
			if ok, _ := e.Data["ok"].(bool); !ok {
				fmt.Fprintf(w, "[tool] tool call failed: %v\n", e.Data["error"])
			}
		case events.KindServerDegraded:
			fmt.Fprintf(w, "[mcp] server %v degraded: %v\n", e.Data["server"], e.Data["error"])
		}
	}
}

// printUsage writes the top-level help text.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Conch - LLM-assisted shell companion with MCP tools")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: conch [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat [text]     Interactive conversation with MCP tools (or one-shot)")
	fmt.Fprintln(w, "  ask <request>   Turn a plain-English request into one shell command")
	fmt.Fprintln(w, "  servers         List configured MCP servers and discovered tools")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./conch.yaml, ~/.config/conch/config.yaml, /etc/conch/config.yaml")
	fmt.Fprintln(w, "MCP servers:")
	fmt.Fprintln(w, "  $CONCH_MCP_CONFIG or ~/.config/conch/mcp.json")
	return nil
}
