package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hiboss-dev/hiboss/internal/ipc"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

// ErrAlreadyRunning means another daemon process holds the instance lock.
var ErrAlreadyRunning = errors.New("another daemon instance is running")

// InstanceLock is an exclusive advisory lock on the pid file, held for
// the process lifetime.
type InstanceLock struct {
	path string
	file *os.File
}

// AcquireLock takes the exclusive lock on pidPath and writes the current
// PID into it. It fails with ErrAlreadyRunning when held elsewhere.
func AcquireLock(pidPath string) (*InstanceLock, error) {
	f, err := os.OpenFile(pidPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("lock pid file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid: %w", err)
	}
	return &InstanceLock{path: pidPath, file: f}, nil
}

// Release unlinks the pid file and drops the lock.
func (l *InstanceLock) Release() error {
	rmErr := os.Remove(l.path)
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	if rmErr != nil && !os.IsNotExist(rmErr) {
		return fmt.Errorf("remove pid file: %w", rmErr)
	}
	return closeErr
}

// Probe reports whether a live daemon is reachable: the pid file names a
// live process AND the socket answers a ping within the timeout.
func Probe(pidPath, socketPath string, timeout time.Duration) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	// Signal 0 only checks existence.
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}

	client, err := ipc.Dial(socketPath, timeout)
	if err != nil {
		return false
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return client.Call(ctx, protocol.MethodDaemonPing, nil, nil) == nil
}
