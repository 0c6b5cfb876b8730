package command

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cast"

	"github.com/ent0n29/karmaspark/internal/agent"
)

var ErrUnknownCommand = errors.New("unknown command")

// ParamError reports a missing or malformed command parameter.
type ParamError struct {
	Command string
	Param   string
	Reason  string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("command %s: param %s: %s", e.Command, e.Param, e.Reason)
}

type ParamKind string

const (
	KindString  ParamKind = "string"
	KindInteger ParamKind = "integer"
)

// Param describes one command argument. Length bounds apply to strings,
// value bounds to integers.
type Param struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Required    bool      `json:"required"`
	Kind        ParamKind `json:"kind"`
	MinLength   int       `json:"min_length,omitempty"`
	MaxLength   int       `json:"max_length,omitempty"`
	MinValue    int64     `json:"min_value,omitempty"`
	MaxValue    int64     `json:"max_value,omitempty"`
	Choices     []string  `json:"choices,omitempty"`
	MultiLine   bool      `json:"multi_line,omitempty"`
}

type Definition struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Placeholder string  `json:"placeholder,omitempty"`
	Params      []Param `json:"params"`
}

// BotDefinition is the document served to chat platforms.
type BotDefinition struct {
	Description string       `json:"description"`
	Commands    []Definition `json:"commands"`
}

// Value is a resolved parameter. Exactly one of Str or Int is meaningful,
// selected by Kind.
type Value struct {
	Kind ParamKind
	Str  string
	Int  int64
}

// Args holds the resolved parameters of one invocation.
type Args map[string]Value

func (a Args) String(name string) string { return a[name].Str }

func (a Args) Int(name string) int64 { return a[name].Int }

// Target is the identity a command runs for.
type Target struct {
	ConversationID string
	AuthorID       string
}

// Command binds a definition to the request it resolves into.
type Command struct {
	Definition
	Build func(target Target, args Args) agent.Request
}

type Registry struct {
	description string
	commands    map[string]Command
}

func NewRegistry(description string) *Registry {
	return &Registry{description: description, commands: make(map[string]Command)}
}

func (r *Registry) Register(cmd Command) error {
	name := strings.ToLower(strings.TrimSpace(cmd.Name))
	if name == "" || cmd.Build == nil {
		return fmt.Errorf("command %q: name and build func are required", cmd.Name)
	}
	if _, dup := r.commands[name]; dup {
		return fmt.Errorf("command %q already registered", name)
	}
	cmd.Name = name
	r.commands[name] = cmd
	return nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) Definitions() BotDefinition {
	def := BotDefinition{Description: r.description}
	for _, name := range r.Names() {
		def.Commands = append(def.Commands, r.commands[name].Definition)
	}
	return def
}

// Resolve validates raw parameters against the command definition and
// builds the turn request.
func (r *Registry) Resolve(name, conversationID, authorID string, raw map[string]any) (agent.Request, error) {
	cmd, ok := r.commands[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return agent.Request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	args := make(Args, len(cmd.Params))
	for _, p := range cmd.Params {
		v, err := resolveParam(cmd.Name, p, raw[p.Name])
		if err != nil {
			return agent.Request{}, err
		}
		args[p.Name] = v
	}
	return cmd.Build(Target{ConversationID: conversationID, AuthorID: authorID}, args), nil
}

func resolveParam(command string, p Param, raw any) (Value, error) {
	fail := func(format string, a ...any) (Value, error) {
		return Value{}, &ParamError{Command: command, Param: p.Name, Reason: fmt.Sprintf(format, a...)}
	}
	if raw == nil || raw == "" {
		if p.Required {
			return fail("is required")
		}
		return Value{Kind: p.Kind}, nil
	}

	switch p.Kind {
	case KindInteger:
		n, err := cast.ToInt64E(raw)
		if err != nil {
			return fail("must be an integer")
		}
		if f, isFloat := raw.(float64); isFloat && f != float64(n) {
			return fail("must be a whole number")
		}
		if (p.MinValue != 0 || p.MaxValue != 0) && (n < p.MinValue || n > p.MaxValue) {
			return fail("must be between %d and %d", p.MinValue, p.MaxValue)
		}
		return Value{Kind: KindInteger, Int: n}, nil

	default:
		s, err := cast.ToStringE(raw)
		if err != nil {
			return fail("must be a string")
		}
		s = strings.TrimSpace(s)
		if s == "" && p.Required {
			return fail("is required")
		}
		n := utf8.RuneCountInString(s)
		if p.MinLength > 0 && n < p.MinLength {
			return fail("must be at least %d characters", p.MinLength)
		}
		if p.MaxLength > 0 && n > p.MaxLength {
			return fail("must be at most %d characters", p.MaxLength)
		}
		if len(p.Choices) > 0 && !slices.Contains(p.Choices, strings.ToLower(s)) {
			return fail("must be one of %s", strings.Join(p.Choices, ", "))
		}
		if len(p.Choices) > 0 {
			s = strings.ToLower(s)
		}
		return Value{Kind: KindString, Str: s}, nil
	}
}
