package toolserver

import (
	"fmt"
	"sort"
)

// Server type for interpreter-launched servers.
const (
	TypePython = "python"
	TypeNode   = "node"
	TypeCustom = "custom"
)

// LaunchSpec describes how to start a tool-server subprocess. Either Command
// (plus optional Args) is explicit, or Path+Type names a script and the
// command is derived from the canonical interpreter.
type LaunchSpec struct {
	Command string
	Args    []string
	Path    string
	Type    string
	Env     map[string]string
}

// Resolve returns the command line to spawn.
func (s LaunchSpec) Resolve() (command string, args []string, err error) {
	if s.Command != "" {
		return s.Command, s.Args, nil
	}
	if s.Path == "" {
		return "", nil, fmt.Errorf("launch spec needs command or path")
	}
	switch s.Type {
	case TypePython:
		return "python3", append([]string{s.Path}, s.Args...), nil
	case TypeNode:
		return "node", append([]string{s.Path}, s.Args...), nil
	default:
		return "", nil, fmt.Errorf("unsupported server type %q for path launch", s.Type)
	}
}

// EnvSlice renders the env map as KEY=VALUE pairs in stable order.
func (s LaunchSpec) EnvSlice() []string {
	if len(s.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}
