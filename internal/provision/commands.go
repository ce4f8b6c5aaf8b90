// Package provision runs the panel's one-shot remote actions: allow-listed
// diagnostic commands, bootstrapping the build user, and uploading and
// running the provisioning script.
package provision

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrCommandNotAllowed is returned for commands outside the allow-list.
var ErrCommandNotAllowed = errors.New("command not allowed (server allowlist)")

// DefaultCommands is used when no allow-list file is configured.
var DefaultCommands = []string{
	"uname -a",
	"whoami",
	"echo ok",
	"cloud-init status --wait",
	"uptime",
	"lsb_release -a",
	"cat /etc/os-release",
	"df -h",
	"free -m",
}

// Commands is an exact-match allow-list of remote commands.
type Commands struct {
	list []string
	set  map[string]struct{}
}

type commandsFile struct {
	Commands []string `yaml:"commands"`
}

// NewCommands builds an allow-list from cmds.
func NewCommands(cmds []string) *Commands {
	c := &Commands{set: make(map[string]struct{}, len(cmds))}
	for _, cmd := range cmds {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		if _, dup := c.set[cmd]; dup {
			continue
		}
		c.set[cmd] = struct{}{}
		c.list = append(c.list, cmd)
	}
	return c
}

// LoadCommands reads a YAML allow-list of the form
//
//	commands:
//	  - uptime
//	  - df -h
//
// An empty path yields DefaultCommands.
func LoadCommands(path string) (*Commands, error) {
	if path == "" {
		return NewCommands(DefaultCommands), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read command allowlist: %w", err)
	}
	var f commandsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse command allowlist %s: %w", path, err)
	}
	if len(f.Commands) == 0 {
		return nil, fmt.Errorf("command allowlist %s is empty", path)
	}
	return NewCommands(f.Commands), nil
}

// Allowed reports whether cmd, ignoring surrounding whitespace, is listed.
func (c *Commands) Allowed(cmd string) bool {
	_, ok := c.set[strings.TrimSpace(cmd)]
	return ok
}

// List returns the allowed commands in file order.
func (c *Commands) List() []string {
	return append([]string(nil), c.list...)
}
