package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/hiboss-dev/hiboss/internal/ipc"
	"github.com/hiboss-dev/hiboss/pkg/protocol"
)

func TestAcquireLockDoubleAcquireFails(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "daemon.pid")

	lock, err := AcquireLock(pidPath)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := AcquireLock(pidPath); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second acquire err = %v, want ErrAlreadyRunning", err)
	}

	data, err := os.ReadFile(pidPath)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if pid, _ := strconv.Atoi(string(data[:len(data)-1])); pid != os.Getpid() {
		t.Errorf("pid file holds %q, want %d", data, os.Getpid())
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("pid file survived release")
	}

	// Re-acquirable after release.
	lock2, err := AcquireLock(pidPath)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	lock2.Release()
}

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "daemon.pid")
	socketPath := filepath.Join(dir, "daemon.sock")

	if Probe(pidPath, socketPath, 200*time.Millisecond) {
		t.Error("probe true with no pid file")
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if Probe(pidPath, socketPath, 200*time.Millisecond) {
		t.Error("probe true with live pid but no socket")
	}

	// Dead pid: pick one far beyond pid_max territory for the test run.
	if err := os.WriteFile(pidPath, []byte("999999999\n"), 0o600); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	if Probe(pidPath, socketPath, 200*time.Millisecond) {
		t.Error("probe true with dead pid")
	}

	// Live pid and an answering socket.
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600); err != nil {
		t.Fatalf("write pid: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := ipc.NewServer(socketPath, func(err error) *protocol.ErrorObject {
		return &protocol.ErrorObject{Code: protocol.CodeInternal, Message: err.Error()}
	}, log)
	srv.Register(protocol.MethodDaemonPing, func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Stop()

	if !Probe(pidPath, socketPath, time.Second) {
		t.Error("probe false with live pid and answering socket")
	}
}
