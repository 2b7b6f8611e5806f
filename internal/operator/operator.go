// Package operator implements the administrative Unix-domain-socket
// interface (C16): a server listening on moon/locks/operator.sock (mode
// 0600) that accepts one newline-delimited JSON request per connection
// and replies with one newline-delimited JSON response, exposing the
// commands status, l1, embed, recall, and stop.
//
// Grounded directly on the teacher's internal/operator/server.go: the
// same stale-socket removal, Chmod(0600), semaphore-gated
// goroutine-per-connection accept loop, per-connection read deadline,
// and dispatch-by-Cmd-field shape, re-homed from agent state-inspection
// commands onto watcher-pipeline commands.
package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/octoreflex/moon-watchd/internal/embed"
	"github.com/octoreflex/moon-watchd/internal/index"
	"github.com/octoreflex/moon-watchd/internal/lockmgr"
	"github.com/octoreflex/moon-watchd/internal/paths"
	"github.com/octoreflex/moon-watchd/internal/recall"
	"github.com/octoreflex/moon-watchd/internal/state"
)

const (
	maxConcurrentConns = 4
	connDeadline       = 10 * time.Second
	maxRequestBytes    = 4096
)

// Request is one newline-delimited JSON command read off the socket.
type Request struct {
	Cmd   string `json:"cmd"`
	Query string `json:"query,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Response is the single newline-delimited JSON reply for a Request.
type Response struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Status *StatusPayload    `json:"status,omitempty"`
	Embed  *index.EmbedResult `json:"embed,omitempty"`
	L1     *L1Summary        `json:"l1,omitempty"`
	Recall *recall.Result `json:"recall,omitempty"`
}

// StatusPayload dumps the pipeline state document plus every lock's
// holder payload (zero-value Payload and Held=false when a lock file
// does not currently exist).
type StatusPayload struct {
	State       state.Document   `json:"state"`
	DaemonLock  LockStatus       `json:"daemon_lock"`
	L1Lock      LockStatus       `json:"l1_lock"`
	EmbedLock   LockStatus       `json:"embed_lock"`
}

// LockStatus reports one lock file's recorded holder. Held is true
// whenever the lock file exists; the file is left in place after
// Release, so Held and Holder can describe the last holder rather than
// a current one.
type LockStatus struct {
	Held   bool            `json:"held"`
	Holder lockmgr.Payload `json:"holder,omitempty"`
}

// L1Summary reports the outcome of a manually-triggered L1 run.
type L1Summary struct {
	EntriesAppended int `json:"entries_appended"`
}

// L1RunFunc performs one bounded L1 normalisation pass. It is supplied
// by the caller (the watcher cycle orchestrator owns the actual
// candidate-selection and entry-writing logic); the operator's
// responsibility is solely acquiring the L1 lock around the call.
type L1RunFunc func(ctx context.Context) (L1Summary, error)

// Server is the operator socket server.
type Server struct {
	SocketPath string
	Paths      paths.Registry
	StateStore *state.Store
	EmbedDrv   *embed.Driver
	Recaller   *recall.Recaller
	RunL1      L1RunFunc
	Stop       func()
	Log        *zap.Logger

	sem chan struct{}
}

// New builds a Server. Any of EmbedDrv, Recaller, or RunL1 may be nil;
// the corresponding command then replies with an error instead of
// panicking.
func New(socketPath string, reg paths.Registry, stateStore *state.Store, log *zap.Logger) *Server {
	return &Server{
		SocketPath: socketPath,
		Paths:      reg,
		StateStore: stateStore,
		Log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe binds the Unix socket and serves requests until ctx is
// cancelled. A stale socket from a prior, uncleanly-terminated run is
// removed before binding.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.SocketPath), 0o755); err != nil {
		return fmt.Errorf("operator: mkdir: %w", err)
	}
	if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %s: %w", s.SocketPath, err)
	}
	defer ln.Close()

	if err := os.Chmod(s.SocketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod socket: %w", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("operator: accept: %w", err)
			}
		}

		select {
		case s.sem <- struct{}{}:
			go func() {
				defer func() { <-s.sem }()
				s.handleConn(ctx, conn)
			}()
		case <-ctx.Done():
			conn.Close()
			return nil
		}
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connDeadline))

	reader := bufio.NewReaderSize(conn, maxRequestBytes)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: fmt.Sprintf("malformed request: %v", err)})
		return
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus()
	case "l1":
		return s.cmdL1(ctx)
	case "embed":
		return s.cmdEmbed(ctx)
	case "recall":
		return s.cmdRecall(ctx, req)
	case "stop":
		return s.cmdStop()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown cmd %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus() Response {
	var doc state.Document
	if s.StateStore != nil {
		d, err := s.StateStore.Load()
		if err != nil {
			if s.Log != nil {
				s.Log.Warn("operator: status state load degraded", zap.Error(err))
			}
		}
		doc = d
	}

	status := &StatusPayload{
		State:      doc,
		DaemonLock: peekLock(s.Paths.DaemonLockFile()),
		L1Lock:     peekLock(s.Paths.L1LockFile()),
		EmbedLock:  peekLock(s.Paths.EmbedLockFile()),
	}
	return Response{OK: true, Status: status}
}

func peekLock(path string) LockStatus {
	payload, held := lockmgr.PeekPayload(path)
	return LockStatus{Held: held, Holder: payload}
}

// cmdL1 runs a manual L1 pass. It takes the L1 lock directly (not the
// daemon lock) and returns a hard error — no silent skip — if the lock
// is already held, per the contention policy for administrative
// commands.
func (s *Server) cmdL1(ctx context.Context) Response {
	if s.RunL1 == nil {
		return Response{OK: false, Error: "l1: not configured"}
	}

	payload := lockmgr.NewPayload("operator-l1", time.Now().Unix())
	handle, err := lockmgr.Acquire(s.Paths.L1LockFile(), payload)
	if err != nil {
		if busy, ok := err.(*lockmgr.BusyError); ok {
			return Response{OK: false, Error: fmt.Sprintf("L1_LOCKED: held by pid=%d", busy.Holder.PID)}
		}
		return Response{OK: false, Error: fmt.Sprintf("l1: acquire lock: %v", err)}
	}
	defer handle.Release()

	summary, err := s.RunL1(ctx)
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("l1: %v", err)}
	}
	return Response{OK: true, L1: &summary}
}

// cmdEmbed runs a manual embed pass. It bypasses the watcher's cooldown
// gate (ShouldRun) entirely but still goes through embed.Driver.Run,
// which itself acquires the embed lock and checks the backend's bounded-
// embed capability, returning EMBED_LOCKED on contention.
func (s *Server) cmdEmbed(ctx context.Context) Response {
	if s.EmbedDrv == nil {
		return Response{OK: false, Error: "embed: not configured"}
	}

	res, err := s.EmbedDrv.Run(ctx, "")
	if err != nil {
		if _, ok := err.(*lockmgr.BusyError); ok {
			return Response{OK: false, Error: "EMBED_LOCKED"}
		}
		return Response{OK: false, Error: fmt.Sprintf("embed: %v", err)}
	}
	return Response{OK: true, Embed: &res}
}

func (s *Server) cmdRecall(ctx context.Context, req Request) Response {
	if s.Recaller == nil {
		return Response{OK: false, Error: "recall: not configured"}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	res, err := s.Recaller.Query(ctx, req.Query, limit, time.Now().Unix())
	if err != nil {
		return Response{OK: false, Error: fmt.Sprintf("recall: %v", err)}
	}
	return Response{OK: true, Recall: &res}
}

// cmdStop signals the daemon to begin a graceful shutdown: finish the
// current stage, persist state, release locks, and exit. The actual
// shutdown sequencing lives in the watcher cycle orchestrator; Stop is
// only the trigger.
func (s *Server) cmdStop() Response {
	if s.Stop == nil {
		return Response{OK: false, Error: "stop: not configured"}
	}
	s.Stop()
	return Response{OK: true}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		if s.Log != nil {
			s.Log.Error("operator: marshal response", zap.Error(err))
		}
		return
	}
	raw = append(raw, '\n')
	_, _ = conn.Write(raw)
}
