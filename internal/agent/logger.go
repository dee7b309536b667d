package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
)

// Logger provides formatted logging for the agent
type Logger struct {
	mu          sync.Mutex
	verbose     bool
	useColor    bool
	jsonRPCMode bool
	writer      io.Writer
}

// NewLogger creates a new logger writing to stdout
func NewLogger(verbose, useColor, jsonRPCMode bool) *Logger {
	return &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
		writer:      os.Stdout,
	}
}

// NewLoggerWithWriter creates a new logger with a custom writer
func NewLoggerWithWriter(verbose, useColor, jsonRPCMode bool, writer io.Writer) *Logger {
	return &Logger{
		verbose:     verbose,
		useColor:    useColor,
		jsonRPCMode: jsonRPCMode,
		writer:      writer,
	}
}

// NewDevNullLogger returns a logger that discards everything.
func NewDevNullLogger() *Logger {
	return NewLoggerWithWriter(false, false, false, io.Discard)
}

// SetVerbose sets the verbose mode
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

// IsVerbose reports whether verbose output is enabled.
func (l *Logger) IsVerbose() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

// SetWriter sets a custom writer for the logger
func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

func (l *Logger) timestamp() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

func (l *Logger) colorize(text, colorCode string) string {
	if !l.useColor {
		return text
	}
	return colorCode + text + colorReset
}

func (l *Logger) println(colorCode, format string, args ...interface{}) {
	if l == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if colorCode != "" {
		msg = l.colorize(msg, colorCode)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.writer, "[%s] %s\n", l.timestamp(), msg)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	l.println("", format, args...)
}

// Success logs a success message
func (l *Logger) Success(format string, args ...interface{}) {
	l.println(colorGreen, format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...interface{}) {
	l.println(colorYellow, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.println(colorRed, format, args...)
}

// Debug logs a debug message (only in verbose mode)
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.println(colorGray, format, args...)
}

// InfoVerbose logs an informational message only in verbose mode.
// Safe to call on a nil logger.
func (l *Logger) InfoVerbose(format string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.println("", format, args...)
}

// WarningVerbose logs a warning only in verbose mode.
// Safe to call on a nil logger.
func (l *Logger) WarningVerbose(format string, args ...interface{}) {
	if !l.IsVerbose() {
		return
	}
	l.println(colorYellow, format, args...)
}

// Request logs an outgoing JSON-RPC request
func (l *Logger) Request(method string, id int64, params interface{}) {
	if l == nil {
		return
	}
	if !l.jsonRPCMode {
		switch method {
		case methodInitialize:
			l.Info("Initializing MCP session...")
		case methodToolsList:
			l.Info("Listing available tools...")
		case methodToolsCall:
			l.Info("Calling tool...")
		default:
			l.Debug("Sending request: %s", method)
		}
		return
	}

	envelope := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
	}
	if id > 0 {
		envelope["id"] = id
	}
	if params != nil {
		envelope["params"] = params
	}
	l.frame("→", fmt.Sprintf("REQUEST (%s)", method), colorBlue, envelope)
}

// Response logs an incoming JSON-RPC response
func (l *Logger) Response(method string, status int, payload interface{}) {
	if l == nil {
		return
	}
	if !l.jsonRPCMode {
		l.Success("%s → %d", method, status)
		return
	}
	l.frame("←", fmt.Sprintf("RESPONSE (%s, HTTP %d)", method, status), colorGreen, payload)
}

func (l *Logger) frame(arrow, title, colorCode string, payload interface{}) {
	header := fmt.Sprintf("[%s] %s %s:", l.timestamp(), l.colorize(arrow, colorCode), l.colorize(title, colorCode))
	var body string
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		body = PrettyJSON(v)
	case string:
		body = v
	default:
		body = PrettyJSON(v)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.writer, header)
	if body != "" {
		fmt.Fprintln(l.writer, l.colorize(body, colorCode))
	}
	fmt.Fprintln(l.writer)
}

// PrettyJSON pretty-prints JSON for logging
func PrettyJSON(v interface{}) string {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded interface{}
		if err := json.Unmarshal(raw, &decoded); err == nil {
			v = decoded
		} else {
			return string(raw)
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
