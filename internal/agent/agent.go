// Package agent maps an agent type and session selector to the command
// line run inside a pane.
package agent

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SelectorNew starts a fresh agent conversation.
const SelectorNew = "new"

// ShellName is the agent type of a plain interactive shell.
const ShellName = "shell"

// Agent is the command-line template of one agent type.
type Agent struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	// ResumeArgs are inserted before the resume id, e.g. ["--resume"] or
	// ["resume"].
	ResumeArgs []string `yaml:"resume,omitempty"`
}

// Command is a resolved executable and argument list.
type Command struct {
	Agent   string
	Path    string
	Args    []string
	Resumed string
}

// Table is an immutable lookup of agents by name.
type Table struct {
	agents map[string]Agent
}

var defaultAgents = []Agent{
	{Name: "claude", Command: "claude", ResumeArgs: []string{"--resume"}},
	{Name: "codex", Command: "codex", ResumeArgs: []string{"resume"}},
	{Name: "gemini", Command: "gemini", ResumeArgs: []string{"--resume"}},
}

// DefaultTable returns the built-in agents.
func DefaultTable() *Table {
	t := &Table{agents: make(map[string]Agent, len(defaultAgents))}
	for _, a := range defaultAgents {
		t.agents[a.Name] = a
	}
	return t
}

// With returns a copy of t with the given agents added or replaced.
func (t *Table) With(agents ...Agent) *Table {
	out := &Table{agents: make(map[string]Agent, len(t.agents)+len(agents))}
	for name, a := range t.agents {
		out.agents[name] = a
	}
	for _, a := range agents {
		out.agents[a.Name] = a
	}
	return out
}

// Lookup returns the agent named name.
func (t *Table) Lookup(name string) (Agent, bool) {
	a, ok := t.agents[name]
	return a, ok
}

// Agents returns all agents sorted by name.
func (t *Table) Agents() []Agent {
	out := make([]Agent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type tableFile struct {
	Agents []Agent `yaml:"agents"`
}

// LoadFile reads agent overrides from a YAML file of the form
//
//	agents:
//	  - name: aider
//	    command: aider
//	    resume: ["--restore-chat-history"]
//
// and returns the default table extended with them.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent table: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agent table %s: %w", path, err)
	}
	for i, a := range f.Agents {
		if strings.TrimSpace(a.Name) == "" || strings.TrimSpace(a.Command) == "" {
			return nil, fmt.Errorf("parse agent table %s: entry %d needs name and command", path, i)
		}
		if a.Name == ShellName {
			return nil, fmt.Errorf("parse agent table %s: %q is reserved", path, ShellName)
		}
	}
	return DefaultTable().With(f.Agents...), nil
}

var resumeIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidResumeID reports whether id has the canonical UUID shape. Braced,
// URN and unhyphenated forms that uuid.Parse would accept are rejected.
func ValidResumeID(id string) bool {
	if !resumeIDPattern.MatchString(id) {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Resolve builds the command for agentName and selector:
//   - empty selector: interactive shell with no arguments
//   - SelectorNew: the agent's launcher
//   - canonical resume id: launcher + resume args + id
//   - anything else: treated as empty
//
// An unknown agent name is an error unless the selector resolves to the
// shell.
func (t *Table) Resolve(agentName, selector, shell string) (Command, error) {
	selector = strings.TrimSpace(selector)
	if selector != SelectorNew && !ValidResumeID(selector) {
		selector = ""
	}

	if selector == "" || agentName == "" || agentName == ShellName {
		return Command{Agent: ShellName, Path: shellOrDefault(shell)}, nil
	}

	a, ok := t.Lookup(agentName)
	if !ok {
		return Command{}, fmt.Errorf("unknown agent %q", agentName)
	}

	cmd := Command{
		Agent: a.Name,
		Path:  a.Command,
		Args:  append([]string(nil), a.Args...),
	}
	if selector != SelectorNew {
		cmd.Args = append(cmd.Args, a.ResumeArgs...)
		cmd.Args = append(cmd.Args, selector)
		cmd.Resumed = selector
	}
	return cmd, nil
}

func shellOrDefault(shell string) string {
	if shell != "" {
		return shell
	}
	if env := os.Getenv("SHELL"); env != "" {
		return env
	}
	return "/bin/sh"
}
