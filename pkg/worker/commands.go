package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CommandResolver maps a JobDefinition's CommandName to an executable path.
// The original implementation shelled out to a fixed Python management
// command (`manage.py <command_name>`); this port has no such single
// entrypoint, so a command name instead names an executable inside a
// configured directory.
type CommandResolver interface {
	Resolve(commandName string) (string, error)
}

// DirCommandResolver resolves a command name to `<Dir>/<commandName>`,
// refusing names that could escape the directory or that are not marked
// executable.
type DirCommandResolver struct {
	Dir string
}

func (d DirCommandResolver) Resolve(commandName string) (string, error) {
	if commandName == "" {
		return "", fmt.Errorf("command name is empty")
	}
	if strings.ContainsAny(commandName, "/\\") || commandName == "." || commandName == ".." {
		return "", fmt.Errorf("command name %q is not a valid identifier", commandName)
	}
	path := filepath.Join(d.Dir, commandName)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("command %q not found: %w", commandName, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("command %q resolves to a directory", commandName)
	}
	if info.Mode()&0111 == 0 {
		return "", fmt.Errorf("command %q is not executable", commandName)
	}
	return path, nil
}
