package sshproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// slowCommandThreshold marks commands worth a log line.
const slowCommandThreshold = 500 * time.Millisecond

// Result is the outcome of a one-shot remote command.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"code"`
}

// Run creates a new SSH session, runs cmd, and returns its output. A non-zero
// exit status is reported in Result.ExitCode, not as an error; err is only set
// for transport-level failures.
func Run(client *ssh.Client, cmd string) (Result, error) {
	return RunWithStdin(client, cmd, nil)
}

// RunWithStdin is Run with input piped to the command's stdin.
func RunWithStdin(client *ssh.Client, cmd string, input []byte) (Result, error) {
	start := time.Now()

	session, err := client.NewSession()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf
	if input != nil {
		session.Stdin = bytes.NewReader(input)
	}

	runErr := session.Run(cmd)
	logIfSlow(cmd, len(input), time.Since(start))

	res := Result{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		res.ExitCode = -1
		return res, runErr
	}
	return res, nil
}

// WriteFile writes data to a remote file via SSH by piping it to cat. The
// parent directory must exist.
func WriteFile(client *ssh.Client, remotePath string, data []byte, mode uint32) error {
	cmd := fmt.Sprintf("cat > %s && chmod %o %s", shellQuote(remotePath), mode, shellQuote(remotePath))
	res, err := RunWithStdin(client, cmd, data)
	if err != nil {
		return fmt.Errorf("write file %s: %w", path.Base(remotePath), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("write file %s: exit %d: %s", path.Base(remotePath), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	log.Printf("[sshexec] WriteFile %s (%d bytes) completed", remotePath, len(data))
	return nil
}

// Stream runs cmd with optional stdin and copies stdout and stderr to out as
// they arrive. It returns the remote exit status, or -1 when the command did
// not report one. Cancelling ctx closes the session.
func Stream(ctx context.Context, client *ssh.Client, cmd string, input []byte, out io.Writer) (int, error) {
	session, err := client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	w := &lockedWriter{w: out}
	session.Stdout = w
	session.Stderr = w
	if input != nil {
		session.Stdin = bytes.NewReader(input)
	}

	if err := session.Start(cmd); err != nil {
		return -1, fmt.Errorf("start command: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Wait() }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-waitErr
		return -1, ctx.Err()
	case err := <-waitErr:
		if err == nil {
			return 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), nil
		}
		return -1, err
	}
}

// lockedWriter serialises writes from the stdout and stderr copy goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func logIfSlow(cmd string, inputLen int, elapsed time.Duration) {
	if elapsed <= slowCommandThreshold {
		return
	}
	label := cmd
	if len(label) > 80 {
		label = label[:80] + "..."
	}
	log.Printf("[sshexec] SLOW command (%s, %d bytes stdin): %s", elapsed, inputLen, label)
}

// shellQuote wraps a string in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
