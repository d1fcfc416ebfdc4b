// Package scriptlang is a tiny line-based script format used by the launcher
// CLI to exercise the engine end to end.
//
// One command per line; blank lines and lines starting with '#' are ignored,
// except header directives of the form "# key: value" (kind, affinity,
// timeout) that appear before the first command. ${name} expands from the
// execution env.
//
//	# kind: plain
//	print hello from ${__host__}
//	eprint warning
//	sleep 200ms
//	later 50ms printed after completion
//	ui refresh-viewport
//	set answer 42
//	fail something broke
//	panic boom
//	return 42
package scriptlang

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Swind/go-script-launcher/core"
	"github.com/spf13/afero"
)

// Op is a command name.
type Op string

const (
	OpPrint  Op = "print"
	OpEprint Op = "eprint"
	OpSleep  Op = "sleep"
	OpLater  Op = "later"
	OpUI     Op = "ui"
	OpSet    Op = "set"
	OpFail   Op = "fail"
	OpPanic  Op = "panic"
	OpReturn Op = "return"
)

// Command is one parsed line.
type Command struct {
	Line  int
	Op    Op
	Arg   string
	Delay time.Duration
}

// Meta holds the header directives.
type Meta struct {
	Kind     string
	Affinity core.AffinityMode
	Timeout  time.Duration
}

// Script is a parsed script.
type Script struct {
	Path     string
	Meta     Meta
	Commands []Command
}

// ParseError points at the offending line.
type ParseError struct {
	Path string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Msg)
}

// Load reads and parses path from fs.
func Load(fs afero.Fs, path string) (*Script, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return Parse(path, string(data))
}

// Parse parses source; path is only used in errors and as the script id.
func Parse(path, source string) (*Script, error) {
	s := &Script{Path: path, Meta: Meta{Kind: core.KindPlain}}
	inHeader := true

	for i, raw := range strings.Split(source, "\n") {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if inHeader {
				if err := s.parseDirective(lineNo, strings.TrimSpace(line[1:])); err != nil {
					return nil, err
				}
			}
			continue
		}
		inHeader = false

		cmd, err := parseCommand(path, lineNo, line)
		if err != nil {
			return nil, err
		}
		s.Commands = append(s.Commands, cmd)
	}
	return s, nil
}

func (s *Script) parseDirective(line int, text string) error {
	key, value, ok := strings.Cut(text, ":")
	if !ok {
		return nil
	}
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)

	switch key {
	case "kind":
		if value == "" {
			return &ParseError{Path: s.Path, Line: line, Msg: "empty kind"}
		}
		s.Meta.Kind = value
	case "affinity":
		mode, err := core.ParseAffinityMode(value)
		if err != nil {
			return &ParseError{Path: s.Path, Line: line, Msg: err.Error()}
		}
		s.Meta.Affinity = mode
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return &ParseError{Path: s.Path, Line: line, Msg: fmt.Sprintf("bad timeout %q", value)}
		}
		s.Meta.Timeout = d
	}
	return nil
}

func parseCommand(path string, line int, text string) (Command, error) {
	name, arg, _ := strings.Cut(text, " ")
	cmd := Command{Line: line, Op: Op(strings.ToLower(name)), Arg: strings.TrimSpace(arg)}

	switch cmd.Op {
	case OpPrint, OpEprint, OpFail, OpPanic, OpReturn:
	case OpUI, OpSet:
		if cmd.Arg == "" {
			return Command{}, &ParseError{Path: path, Line: line, Msg: fmt.Sprintf("%s needs an argument", cmd.Op)}
		}
	case OpSleep:
		d, err := time.ParseDuration(cmd.Arg)
		if err != nil {
			return Command{}, &ParseError{Path: path, Line: line, Msg: fmt.Sprintf("bad duration %q", cmd.Arg)}
		}
		cmd.Delay = d
	case OpLater:
		first, rest, _ := strings.Cut(cmd.Arg, " ")
		d, err := time.ParseDuration(first)
		if err != nil {
			return Command{}, &ParseError{Path: path, Line: line, Msg: fmt.Sprintf("bad duration %q", first)}
		}
		cmd.Delay = d
		cmd.Arg = strings.TrimSpace(rest)
	default:
		return Command{}, &ParseError{Path: path, Line: line, Msg: fmt.Sprintf("unknown command %q", name)}
	}
	return cmd, nil
}

// Descriptor builds the work descriptor for the script. A non-auto
// affinity overrides the script's own directive.
func (s *Script) Descriptor(affinity core.AffinityMode, timeout time.Duration) core.WorkDescriptor {
	if affinity == core.AffinityAuto {
		affinity = s.Meta.Affinity
	}
	if timeout == 0 {
		timeout = s.Meta.Timeout
	}
	return core.WorkDescriptor{
		ID:   s.Path,
		Kind: s.Meta.Kind,
		Payload: core.Payload{
			Run:    s.Run,
			Source: s.Path,
		},
		PreferredAffinity: affinity,
		Timeout:           timeout,
	}
}

// Run executes the script's commands against ec.
func (s *Script) Run(ec *core.ExecutionContext) (any, error) {
	env := ec.Env()
	expand := func(text string) string {
		return os.Expand(text, func(name string) string {
			if v, ok := env[name]; ok {
				return fmt.Sprint(v)
			}
			return ""
		})
	}

	for _, cmd := range s.Commands {
		if ec.Cancelled() {
			return nil, fmt.Errorf("line %d: %w", cmd.Line, context.Cause(ec.Context()))
		}

		switch cmd.Op {
		case OpPrint:
			ec.Println(expand(cmd.Arg))
		case OpEprint:
			fmt.Fprintln(ec.Stderr(), expand(cmd.Arg))
		case OpSleep:
			if err := sleep(ec.Context(), cmd.Delay); err != nil {
				return nil, fmt.Errorf("line %d: %w", cmd.Line, err)
			}
		case OpLater:
			text := expand(cmd.Arg) + "\n"
			ec.Defer(cmd.Delay, func(out *core.OutputCapture) {
				out.Push(core.StreamPrimary, text)
			})
		case OpUI:
			if err := ec.RequireMain("ui " + cmd.Arg); err != nil {
				return nil, err
			}
			ec.Printf("ui: %s\n", cmd.Arg)
		case OpSet:
			name, value, _ := strings.Cut(cmd.Arg, " ")
			env[name] = parseValue(expand(strings.TrimSpace(value)))
		case OpFail:
			return nil, errors.New(expand(cmd.Arg))
		case OpPanic:
			panic(expand(cmd.Arg))
		case OpReturn:
			return parseValue(expand(cmd.Arg)), nil
		}
	}
	return nil, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// parseValue turns a literal into an int, float, bool or string.
func parseValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
