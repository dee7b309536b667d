package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
)

// errExit is a sentinel error used to signal REPL exit
var errExit = errors.New("exit")

// TokenInspector exposes the downstream token to the interactive surfaces.
type TokenInspector interface {
	Scope() string
	Current() *Token
	Invalidate()
	Token(ctx context.Context) (*Token, error)
}

// REPL represents the Read-Eval-Print Loop for calling downstream tools
type REPL struct {
	session         *Session
	tokens          TokenInspector
	logger          *Logger
	rl              *readline.Instance
	out             io.Writer
	commandHandlers map[string]commandHandler
}

// NewREPL creates a new REPL instance
func NewREPL(session *Session, tokens TokenInspector, logger *Logger) *REPL {
	r := &REPL{
		session: session,
		tokens:  tokens,
		logger:  logger,
		out:     os.Stdout,
	}
	r.commandHandlers = r.buildCommandHandlers()
	return r
}

// Run starts the REPL
func (r *REPL) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".mcp_obo_history")

	config := &readline.Config{
		Prompt:          "OBO> ",
		HistoryFile:     historyFile,
		AutoComplete:    r.createCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	}

	rl, err := readline.NewEx(config)
	if err != nil {
		return fmt.Errorf("failed to create readline instance: %w", err)
	}
	defer func() { _ = rl.Close() }()
	r.rl = rl
	r.out = rl.Stdout()

	r.logger.Info("REPL started. Type 'help' for available commands. Use TAB for completion.")
	fmt.Fprintln(r.out)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("REPL shutting down...")
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
		} else if err == io.EOF {
			r.logger.Info("Goodbye!")
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		if err := r.executeCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				r.logger.Info("Goodbye!")
				return nil
			}
			r.reportError(err)
		}

		fmt.Fprintln(r.out)
	}
}

// reportError logs a failed command, pointing at a new sign-in when the user
// token has run out.
func (r *REPL) reportError(err error) {
	r.logger.Error("Error: %v", err)
	if errors.Is(err, ErrUserTokenRequired) {
		r.logger.Warning("The sign-in has expired. Exit and run mcp-obo again to sign in.")
	}
}

// buildPcItems converts a slice of strings to readline completer items
func buildPcItems(names []string) []readline.PrefixCompleterInterface {
	items := make([]readline.PrefixCompleterInterface, len(names))
	for i, name := range names {
		items[i] = readline.PcItem(name)
	}
	return items
}

// toolNames returns the cached tool names in listing order
func (r *REPL) toolNames() []string {
	tools := r.session.Tools()
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return names
}

// createCompleter creates the tab completion configuration
func (r *REPL) createCompleter() *readline.PrefixCompleter {
	toolCompleter := buildPcItems(r.toolNames())

	return readline.NewPrefixCompleter(
		readline.PcItem("help"),
		readline.PcItem("?"),
		readline.PcItem("exit"),
		readline.PcItem("quit"),
		readline.PcItem("token"),
		readline.PcItem("refresh"),
		readline.PcItem("list", readline.PcItem("tools")),
		readline.PcItem("describe", readline.PcItem("tool", toolCompleter...)),
		readline.PcItem("call", toolCompleter...),
	)
}

// filterInput filters input characters for readline
func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// commandHandler defines a REPL command with its handler and argument requirements
type commandHandler struct {
	minArgs int
	usage   string
	handler func(ctx context.Context, parts []string) error
}

// buildCommandHandlers creates the map of command handlers
func (r *REPL) buildCommandHandlers() map[string]commandHandler {
	exit := commandHandler{minArgs: 1, handler: func(ctx context.Context, parts []string) error {
		return errExit
	}}
	help := commandHandler{minArgs: 1, handler: func(ctx context.Context, parts []string) error {
		return r.showHelp()
	}}

	return map[string]commandHandler{
		"help": help,
		"?":    help,
		"exit": exit,
		"quit": exit,
		"q":    exit,
		"list": {
			minArgs: 2,
			usage:   "usage: list tools",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleList(ctx, parts[1])
			},
		},
		"describe": {
			minArgs: 3,
			usage:   "usage: describe tool <name|number>",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleDescribe(parts[1], strings.Join(parts[2:], " "))
			},
		},
		"call": {
			minArgs: 2,
			usage:   "usage: call <name|number> [json]",
			handler: func(ctx context.Context, parts []string) error {
				return r.handleCallTool(ctx, parts[1], strings.Join(parts[2:], " "))
			},
		},
		"token": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleToken()
		}},
		"refresh": {minArgs: 1, handler: func(ctx context.Context, parts []string) error {
			return r.handleRefresh(ctx)
		}},
	}
}

// executeCommand parses and executes a command. A bare tool name or number
// calls that tool and prompts for its arguments.
func (r *REPL) executeCommand(ctx context.Context, input string) error {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	command := strings.ToLower(parts[0])

	handler, exists := r.commandHandlers[command]
	if !exists {
		if _, err := r.resolveTool(parts[0]); err == nil {
			return r.handleCallTool(ctx, parts[0], strings.Join(parts[1:], " "))
		}
		return fmt.Errorf("unknown command: %s. Type 'help' for available commands", command)
	}

	if len(parts) < handler.minArgs {
		return errors.New(handler.usage)
	}

	return handler.handler(ctx, parts)
}

// resolveTool finds a tool by name or by its 1-based number in the listing.
func (r *REPL) resolveTool(ref string) (ToolDefinition, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		tools := r.session.Tools()
		if n < 1 || n > len(tools) {
			return ToolDefinition{}, fmt.Errorf("%w: no tool number %d", ErrUnknownTool, n)
		}
		return tools[n-1], nil
	}
	return r.session.Tool(ref)
}

// showHelp displays available commands
func (r *REPL) showHelp() error {
	fmt.Fprintln(r.out, "Available commands:")
	fmt.Fprintln(r.out, "  help, ?                      - Show this help message")
	fmt.Fprintln(r.out, "  list tools                   - List all downstream tools")
	fmt.Fprintln(r.out, "  describe tool <name|number>  - Show a tool's parameters and schema")
	fmt.Fprintln(r.out, "  call <name|number> [json]    - Call a tool (prompts for arguments without JSON)")
	fmt.Fprintln(r.out, "  <name|number>                - Same as call, prompting for arguments")
	fmt.Fprintln(r.out, "  token                        - Show the downstream token's audience, scopes and expiry")
	fmt.Fprintln(r.out, "  refresh                      - Exchange a new downstream token")
	fmt.Fprintln(r.out, "  exit, quit, q                - Exit the REPL")
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Keyboard shortcuts:")
	fmt.Fprintln(r.out, "  TAB                          - Auto-complete commands and tool names")
	fmt.Fprintln(r.out, "  ↑/↓ (arrow keys)             - Navigate command history")
	fmt.Fprintln(r.out, "  Ctrl+R                       - Search command history")
	fmt.Fprintln(r.out, "  Ctrl+C                       - Cancel current line")
	fmt.Fprintln(r.out, "  Ctrl+D                       - Exit REPL")
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "Examples:")
	fmt.Fprintln(r.out, "  call search {\"query\": \"quarterly report\", \"limit\": 5}")
	fmt.Fprintln(r.out, "  call 2")
	return nil
}

// readlineArgumentSource prompts for tool arguments on the REPL's terminal.
type readlineArgumentSource struct {
	rl *readline.Instance
}

// RequestValue implements ArgumentSource
func (s *readlineArgumentSource) RequestValue(ctx context.Context, name string, schema ParameterSchema) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	prompt := argumentPrompt(name, schema)
	previous := s.rl.Config.Prompt
	defer s.rl.SetPrompt(previous)
	s.rl.SetPrompt(prompt)

	line, err := s.rl.Readline()
	if err == readline.ErrInterrupt {
		return "", context.Canceled
	}
	if err != nil {
		return "", err
	}
	return line, nil
}

// argumentPrompt renders "  name (type, required) - description: ".
func argumentPrompt(name string, schema ParameterSchema) string {
	var b strings.Builder
	b.WriteString("  ")
	b.WriteString(name)

	var tags []string
	if schema.Type != "" {
		tags = append(tags, schema.Type)
	}
	if schema.Required {
		tags = append(tags, "required")
	} else {
		tags = append(tags, "optional")
	}
	b.WriteString(" (" + strings.Join(tags, ", ") + ")")

	if schema.Description != "" {
		b.WriteString(" - " + schema.Description)
	}
	if len(schema.Enum) > 0 {
		b.WriteString(fmt.Sprintf(" %v", schema.Enum))
	}
	b.WriteString(": ")
	return b.String()
}
