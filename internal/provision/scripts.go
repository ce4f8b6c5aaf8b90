package provision

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"text/template"
)

var validUsername = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

var setupUserTmpl = template.Must(template.New("setup-user").Parse(`#!/usr/bin/env bash
set -euo pipefail

USERNAME="{{.}}"
HOME_DIR="/home/$USERNAME"

if [[ "$EUID" -ne 0 ]]; then
  echo "must run as root" >&2
  exit 1
fi

if id "$USERNAME" &>/dev/null; then
  echo "user $USERNAME already exists"
else
  useradd -m -d "$HOME_DIR" -s /bin/bash "$USERNAME"
  echo "created user $USERNAME"
fi

mkdir -p "$HOME_DIR/.ssh"
chmod 700 "$HOME_DIR/.ssh"
chown "$USERNAME:$USERNAME" "$HOME_DIR/.ssh"

if [[ -f /root/.ssh/authorized_keys ]]; then
  cp /root/.ssh/authorized_keys "$HOME_DIR/.ssh/authorized_keys"
  chown "$USERNAME:$USERNAME" "$HOME_DIR/.ssh/authorized_keys"
  chmod 600 "$HOME_DIR/.ssh/authorized_keys"
fi

echo "$USERNAME ALL=(ALL) NOPASSWD:ALL" > "/etc/sudoers.d/$USERNAME"
chmod 440 "/etc/sudoers.d/$USERNAME"

echo "OK: user $USERNAME configured"
`))

// SetupUserScript renders the bash script that creates user with passwordless
// sudo and root's authorized keys.
func SetupUserScript(user string) ([]byte, error) {
	if !validUsername.MatchString(user) {
		return nil, fmt.Errorf("invalid username %q", user)
	}
	var buf bytes.Buffer
	if err := setupUserTmpl.Execute(&buf, user); err != nil {
		return nil, fmt.Errorf("render setup script: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadScript reads the local provisioning script.
func LoadScript(p string) ([]byte, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s not found at %s", filepath.Base(p), p)
		}
		return nil, fmt.Errorf("read provisioning script: %w", err)
	}
	return data, nil
}

// RemoteScriptPath is where the provisioning script lands on the droplet.
func RemoteScriptPath(user, local string) string {
	return path.Join("/home", user, filepath.Base(local))
}
