package provision

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/gluk-w/claworc/droplet-panel/internal/logging"
	"github.com/gluk-w/claworc/droplet-panel/internal/sshproxy"
	"golang.org/x/crypto/ssh"
)

// Dialer opens an authenticated SSH connection.
type Dialer interface {
	Dial(ctx context.Context, host, user string) (*ssh.Client, error)
}

// Runner executes provisioning actions against a droplet.
type Runner struct {
	Dialer Dialer
	// User is the unprivileged build user created by SetupUser.
	User string
	// ScriptPath is the local provisioning script.
	ScriptPath string
	// Commands gates Exec.
	Commands *Commands
}

func (r *Runner) connect(ctx context.Context, host, user string) (*ssh.Client, error) {
	client, err := r.Dialer.Dial(ctx, host, user)
	if err != nil {
		return nil, fmt.Errorf("connect %s@%s: %w", user, host, err)
	}
	return client, nil
}

// Exec runs one allow-listed command as user.
func (r *Runner) Exec(ctx context.Context, host, user, cmd string) (sshproxy.Result, error) {
	if r.Commands == nil || !r.Commands.Allowed(cmd) {
		return sshproxy.Result{}, ErrCommandNotAllowed
	}
	client, err := r.connect(ctx, host, user)
	if err != nil {
		return sshproxy.Result{}, err
	}
	defer client.Close()

	log.Printf("[provision] exec on %s as %s: %s", host, logging.Sanitize(user), logging.Sanitize(cmd))
	return sshproxy.Run(client, cmd)
}

// SetupUser creates the build user on host, connecting as root.
func (r *Runner) SetupUser(ctx context.Context, host string) (sshproxy.Result, error) {
	script, err := SetupUserScript(r.User)
	if err != nil {
		return sshproxy.Result{}, err
	}
	client, err := r.connect(ctx, host, "root")
	if err != nil {
		return sshproxy.Result{}, err
	}
	defer client.Close()

	res, err := sshproxy.RunWithStdin(client, "bash -s", script)
	if err != nil {
		return res, err
	}
	log.Printf("[provision] setup-user %s on %s exited %d", r.User, host, res.ExitCode)
	return res, nil
}

// UploadScript copies the provisioning script into the build user's home
// directory and returns its remote path.
func (r *Runner) UploadScript(ctx context.Context, host string) (string, error) {
	script, err := LoadScript(r.ScriptPath)
	if err != nil {
		return "", err
	}
	client, err := r.connect(ctx, host, r.User)
	if err != nil {
		return "", err
	}
	defer client.Close()

	remote := RemoteScriptPath(r.User, r.ScriptPath)
	if err := sshproxy.WriteFile(client, remote, script, 0755); err != nil {
		return "", err
	}
	return remote, nil
}

// RunScript pipes the provisioning script into a remote bash as the build
// user, copying its combined output to out, and returns the exit status.
func (r *Runner) RunScript(ctx context.Context, host string, out io.Writer) (int, error) {
	script, err := LoadScript(r.ScriptPath)
	if err != nil {
		return -1, err
	}
	client, err := r.connect(ctx, host, r.User)
	if err != nil {
		return -1, err
	}
	defer client.Close()

	log.Printf("[provision] running %s on %s as %s", r.ScriptPath, host, r.User)
	code, err := sshproxy.Stream(ctx, client, "bash -s", script, out)
	if err != nil {
		return code, err
	}
	log.Printf("[provision] %s on %s exited %d", r.ScriptPath, host, code)
	return code, nil
}
