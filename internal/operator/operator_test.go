package operator_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/octoreflex/moon-watchd/internal/operator"
	"github.com/octoreflex/moon-watchd/internal/paths"
	"github.com/octoreflex/moon-watchd/internal/state"
)

func newServer(t *testing.T) (*operator.Server, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "operator.sock")
	reg := paths.New(dir)
	stateStore := state.New(reg.StateFile())
	return operator.New(sockPath, reg, stateStore, nil), sockPath
}

func roundTrip(t *testing.T, sockPath string, req operator.Request) operator.Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	raw = append(raw, '\n')
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp operator.Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestStatusCommand(t *testing.T) {
	srv, sockPath := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	waitForSocket(t, sockPath)

	resp := roundTrip(t, sockPath, operator.Request{Cmd: "status"})
	if !resp.OK {
		t.Fatalf("status response = %+v, want OK", resp)
	}
	if resp.Status == nil {
		t.Fatal("status response missing Status payload")
	}
	if resp.Status.DaemonLock.Held {
		t.Error("DaemonLock.Held = true with no lock taken")
	}
}

func TestUnknownCommand(t *testing.T) {
	srv, sockPath := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)
	waitForSocket(t, sockPath)

	resp := roundTrip(t, sockPath, operator.Request{Cmd: "bogus"})
	if resp.OK {
		t.Error("unknown command returned OK=true")
	}
}

func TestL1Command_NotConfiguredReturnsError(t *testing.T) {
	srv, sockPath := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)
	waitForSocket(t, sockPath)

	resp := roundTrip(t, sockPath, operator.Request{Cmd: "l1"})
	if resp.OK {
		t.Error("l1 with no RunL1 configured returned OK=true")
	}
}

func TestStopCommand_InvokesCallback(t *testing.T) {
	srv, sockPath := newServer(t)
	stopped := make(chan struct{}, 1)
	srv.Stop = func() { stopped <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.ListenAndServe(ctx)
	waitForSocket(t, sockPath)

	resp := roundTrip(t, sockPath, operator.Request{Cmd: "stop"})
	if !resp.OK {
		t.Fatalf("stop response = %+v, want OK", resp)
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop callback was not invoked")
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("unix", path, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never became available", path)
}
