package lldb

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

const defaultDialTimeout = 5 * time.Second

// Launch starts lldb-server in gdbserver mode on a private Unix socket and
// opens a Host on it.
func Launch(ctx context.Context, opts Options, log logr.Logger) (*Host, error) {
	path := opts.Server
	if path == "" {
		var err error
		if path, err = exec.LookPath("lldb-server"); err != nil {
			return nil, fmt.Errorf("lldb-server unavailable: %w", err)
		}
	}

	tmp, err := os.MkdirTemp("", "dbgapi-*")
	if err != nil {
		return nil, err
	}
	sock := filepath.Join(tmp, "gdbserver.socket")

	cmd := exec.Command(path, "gdbserver", "unix://"+sock)
	cmd.SysProcAttr = serverProcAttr()
	if err := cmd.Start(); err != nil {
		os.RemoveAll(tmp)
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}
	log.V(1).Info("lldb-server started", "path", path, "pid", cmd.Process.Pid, "socket", sock)

	cleanup := func() {
		cmd.Process.Kill()
		cmd.Wait()
		os.RemoveAll(tmp)
	}

	conn, err := tryConnect(ctx, "unix", sock, opts.DialTimeout)
	if err != nil {
		cleanup()
		return nil, err
	}
	h, err := New(conn, opts, log)
	if err != nil {
		cleanup()
		return nil, err
	}
	h.server = cmd
	h.tmpDir = tmp
	return h, nil
}

// Dial opens a Host on a stub that is already listening at address.
func Dial(ctx context.Context, network, address string, opts Options, log logr.Logger) (*Host, error) {
	conn, err := tryConnect(ctx, network, address, opts.DialTimeout)
	if err != nil {
		return nil, err
	}
	return New(conn, opts, log)
}

func tryConnect(ctx context.Context, network, address string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxElapsedTime = timeout

	var d net.Dialer
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		return d.DialContext(ctx, network, address)
	}, backoff.WithContext(eb, ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to stub at %s: %w", address, err)
	}
	return conn, nil
}
