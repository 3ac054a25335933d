package supervise

import (
	"fmt"
	"sort"
	"strings"
)

// Placeholders understood by Template. Anything else in braces is rejected.
var Placeholders = []string{
	"slot",
	"device",
	"job_id",
	"job_name",
	"group",
	"program",
	"program_name",
	"workdir",
	"dataset",
	"timeout",
	"container",
}

// Vars supplies placeholder values.
type Vars map[string]string

// Command is a fully expanded argv ready to run. It is never passed
// through a shell.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// String renders the command for logs.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Template is an argv with {placeholder} fields expanded per argument.
type Template struct {
	Argv []string          `json:"argv" yaml:"argv"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir  string            `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Validate rejects an empty argv and unknown placeholders.
func (t Template) Validate() error {
	if len(t.Argv) == 0 || strings.TrimSpace(t.Argv[0]) == "" {
		return fmt.Errorf("command argv is empty")
	}
	known := make(Vars, len(Placeholders))
	for _, p := range Placeholders {
		known[p] = ""
	}
	for _, a := range t.allFields() {
		if _, err := expand(a, known); err != nil {
			return err
		}
	}
	return nil
}

// Build expands every argument, env value and the working directory.
// Environment entries are appended to base in key order.
func (t Template) Build(vars Vars, base []string) (Command, error) {
	if err := t.Validate(); err != nil {
		return Command{}, err
	}

	argv := make([]string, len(t.Argv))
	for i, a := range t.Argv {
		v, err := expand(a, vars)
		if err != nil {
			return Command{}, err
		}
		argv[i] = v
	}

	dir, err := expand(t.Dir, vars)
	if err != nil {
		return Command{}, err
	}

	keys := make([]string, 0, len(t.Env))
	for k := range t.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		v, err := expand(t.Env[k], vars)
		if err != nil {
			return Command{}, err
		}
		env = append(env, k+"="+v)
	}

	return Command{Path: argv[0], Args: argv[1:], Dir: dir, Env: env}, nil
}

func (t Template) allFields() []string {
	out := append([]string{t.Dir}, t.Argv...)
	for _, v := range t.Env {
		out = append(out, v)
	}
	return out
}

// expand replaces {name} with vars[name]. "{{" and "}}" are literal braces.
func expand(s string, vars Vars) (string, error) {
	if !strings.ContainsAny(s, "{}") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '{' && i+1 < len(s) && s[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(s) && s[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(s[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated placeholder in %q", s)
			}
			name := s[i+1 : i+1+end]
			v, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("unknown placeholder {%s} in %q", name, s)
			}
			b.WriteString(v)
			i += end + 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
