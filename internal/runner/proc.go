package runner

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// termGrace is how long a SIGTERM'd child gets before SIGKILL.
const termGrace = 5 * time.Second

// setProcessGroup makes the child the leader of a fresh process group so
// a single signal reaches the CLI and everything it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends sig to the child's process group, falling back to the
// pid itself when the group signal fails.
func signalGroup(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil {
		unix.Kill(pid, sig)
	}
}

// watchCancel signals the started child's process group when ctx is
// cancelled, so the stdout pipe closes and the read loop unblocks:
// SIGTERM first, SIGKILL after the grace window. The returned stop func
// ends the watch; call it as soon as the child is reaped.
func watchCancel(ctx context.Context, cmd *exec.Cmd) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		signalGroup(cmd.Process.Pid, unix.SIGTERM)
		select {
		case <-done:
		case <-time.After(termGrace):
			signalGroup(cmd.Process.Pid, unix.SIGKILL)
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
