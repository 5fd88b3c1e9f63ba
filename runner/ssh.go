package runner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/c360studio/nanoclaw/plan"
)

// runSSH executes a remote command through the system ssh binary: batch mode,
// no pty, no stdin, explicit connect timeout and keepalive. The wall-clock
// timeout sends SIGTERM first and escalates to SIGKILL.
func (e *Executor) runSSH(ctx context.Context, a *plan.Action) (stdout, stderr string, err error) {
	addr, ok := e.cfg.SSHHosts[a.Target]
	if !ok {
		return "", "", fmt.Errorf("ssh target %q is not configured", a.Target)
	}

	timeout := e.cfg.SSHCommandTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connectTimeout := int(e.cfg.SSHConnectTimeout / time.Second)
	if connectTimeout <= 0 {
		connectTimeout = 10
	}
	strict := e.cfg.SSHStrictHostKeyChecking
	if strict == "" {
		strict = "accept-new"
	}

	dest := addr
	if e.cfg.SSHUser != "" {
		dest = e.cfg.SSHUser + "@" + addr
	}
	args := []string{
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=" + strconv.Itoa(connectTimeout),
		"-o", "ServerAliveInterval=15",
		"-o", "ServerAliveCountMax=3",
		"-o", "StrictHostKeyChecking=" + strict,
		"-T", // never allocate a pty
		dest,
		a.Command,
	}

	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = nil

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = newCappedWriter(&outBuf, StdoutLimit)
	cmd.Stderr = newCappedWriter(&errBuf, StderrLimit)

	// Graceful stop on timeout: TERM, then KILL after the wait delay.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	runErr := cmd.Run()
	stdout = outBuf.String()
	stderr = errBuf.String()

	if ctx.Err() == context.DeadlineExceeded {
		return stdout, stderr, fmt.Errorf("ssh command timed out after %s", timeout)
	}
	if runErr != nil {
		return stdout, stderr, fmt.Errorf("ssh %s: %w", a.Target, runErr)
	}
	return stdout, stderr, nil
}

// cappedWriter keeps the first limit bytes and drops the rest; remote output
// can be arbitrarily large.
type cappedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func newCappedWriter(buf *bytes.Buffer, limit int) *cappedWriter {
	return &cappedWriter{buf: buf, limit: limit}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	// Report the full length so the child never sees a short write.
	return len(p), nil
}
