// Package supervisor spawns, monitors, and terminates agent OS processes.
// Process handles never leave this package; other components refer to
// processes only by agent id.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Spec describes the process to launch for an agent.
type Spec struct {
	AgentID    string
	ScriptPath string
	Port       int
	Tier       string
}

// ProcessLaunchError reports a spawn that failed or exited during the
// grace window.
type ProcessLaunchError struct {
	AgentID  string
	ExitCode int
	LogPath  string
	Err      error
}

func (e *ProcessLaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %q failed to launch: %v", e.AgentID, e.Err)
	}
	return fmt.Sprintf("agent %q exited during startup with code %d (log: %s)",
		e.AgentID, e.ExitCode, e.LogPath)
}

func (e *ProcessLaunchError) Unwrap() error { return e.Err }

// handle tracks one running child. done is closed by the reaper goroutine
// once the process has been waited on; exitCode is valid only after that.
type handle struct {
	pid      int
	logFile  *os.File
	done     chan struct{}
	exitCode int
}

// Supervisor owns the subprocess table. All access goes through its mutex.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*handle

	logDir   string
	grace    time.Duration // post-spawn early-exit window
	stopWait time.Duration // graceful-termination window before SIGKILL
	logger   *slog.Logger
}

// New creates a Supervisor writing per-agent logs under logDir.
func New(logDir string, grace, stopWait time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = 1500 * time.Millisecond
	}
	if stopWait <= 0 {
		stopWait = 10 * time.Second
	}
	return &Supervisor{
		procs:    make(map[string]*handle),
		logDir:   logDir,
		grace:    grace,
		stopWait: stopWait,
		logger:   logger,
	}
}

// LogPath returns the log file path for an agent.
func (s *Supervisor) LogPath(agentID string) string {
	return filepath.Join(s.logDir, agentID+".log")
}

func interpreterFor(scriptPath string) string {
	if strings.HasSuffix(scriptPath, ".py") {
		return "python3"
	}
	return "sh"
}

// Spawn launches the agent's entry point as an independent process with
// stdout/stderr redirected to the agent's log file. It waits the grace
// window and treats an already-exited child as a launch failure rather
// than reporting false success.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) error {
	s.mu.Lock()
	if h, exists := s.procs[spec.AgentID]; exists && !closed(h.done) {
		s.mu.Unlock()
		return fmt.Errorf("agent %q already has a running process (pid %d)", spec.AgentID, h.pid)
	}
	s.mu.Unlock()

	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return &ProcessLaunchError{AgentID: spec.AgentID, Err: err}
	}
	logPath := s.LogPath(spec.AgentID)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &ProcessLaunchError{AgentID: spec.AgentID, Err: err}
	}

	cmd := exec.Command(interpreterFor(spec.ScriptPath), spec.ScriptPath)
	cmd.Dir = filepath.Dir(spec.ScriptPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"AGENT_ID="+spec.AgentID,
		"AGENT_PORT="+strconv.Itoa(spec.Port),
		"AGENT_TIER="+spec.Tier,
	)
	// Own process group so termination can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return &ProcessLaunchError{AgentID: spec.AgentID, Err: err}
	}

	h := &handle{
		pid:     cmd.Process.Pid,
		logFile: logFile,
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	// Re-check under the same lock that inserts: a concurrent Spawn for
	// the same agent may have won the race since the first check.
	if prev, exists := s.procs[spec.AgentID]; exists && !closed(prev.done) {
		s.mu.Unlock()
		_ = cmd.Process.Kill()
		go cmd.Wait()
		logFile.Close()
		return fmt.Errorf("agent %q already has a running process (pid %d)", spec.AgentID, prev.pid)
	}
	s.procs[spec.AgentID] = h
	s.mu.Unlock()

	// Reaper: one goroutine per child, records the exit code.
	go func() {
		err := cmd.Wait()
		if exitErr, ok := err.(*exec.ExitError); ok {
			h.exitCode = exitErr.ExitCode()
		} else if err != nil {
			h.exitCode = -1
		}
		close(h.done)
	}()

	// Early-exit check: a child that dies inside the grace window never
	// counted as launched.
	select {
	case <-h.done:
		s.remove(spec.AgentID, h)
		return &ProcessLaunchError{AgentID: spec.AgentID, ExitCode: h.exitCode, LogPath: logPath}
	case <-ctx.Done():
		_ = s.kill(h, syscall.SIGKILL)
		<-h.done
		s.remove(spec.AgentID, h)
		return ctx.Err()
	case <-time.After(s.grace):
	}

	s.logger.Info("agent process spawned",
		"agent_id", spec.AgentID, "pid", h.pid, "port", spec.Port, "log", logPath)
	return nil
}

// Terminate sends SIGTERM to the agent's process group, waits up to the
// stop timeout, and escalates to SIGKILL. Terminating an agent with no
// tracked process is a no-op.
func (s *Supervisor) Terminate(ctx context.Context, agentID string) error {
	s.mu.Lock()
	h, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if closed(h.done) {
		s.remove(agentID, h)
		return nil
	}

	if err := s.kill(h, syscall.SIGTERM); err != nil {
		// Process may have just exited; fall through to the wait.
		s.logger.Debug("SIGTERM failed", "agent_id", agentID, "pid", h.pid, "error", err)
	}

	select {
	case <-h.done:
	case <-ctx.Done():
		_ = s.kill(h, syscall.SIGKILL)
		<-h.done
		s.remove(agentID, h)
		return ctx.Err()
	case <-time.After(s.stopWait):
		s.logger.Warn("graceful stop timed out, sending SIGKILL",
			"agent_id", agentID, "pid", h.pid)
		_ = s.kill(h, syscall.SIGKILL)
		<-h.done
	}

	s.logger.Info("agent process terminated",
		"agent_id", agentID, "pid", h.pid, "exit_code", h.exitCode)
	s.remove(agentID, h)
	return nil
}

// Alive reports whether the agent's process is still running.
func (s *Supervisor) Alive(agentID string) bool {
	s.mu.Lock()
	h, ok := s.procs[agentID]
	s.mu.Unlock()
	return ok && !closed(h.done)
}

// ExitCode returns the recorded exit code for an agent whose process has
// exited but not yet been removed. ok is false while running or untracked.
func (s *Supervisor) ExitCode(agentID string) (int, bool) {
	s.mu.Lock()
	h, ok := s.procs[agentID]
	s.mu.Unlock()
	if !ok || !closed(h.done) {
		return 0, false
	}
	return h.exitCode, true
}

// Pids returns agent id -> pid for every tracked live process. Used by the
// compliance scanner to recognize its own children; raw handles stay here.
func (s *Supervisor) Pids() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.procs))
	for id, h := range s.procs {
		if !closed(h.done) {
			out[id] = h.pid
		}
	}
	return out
}

// TerminateAll stops every tracked process, used at daemon shutdown.
func (s *Supervisor) TerminateAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			if err := s.Terminate(ctx, agentID); err != nil {
				s.logger.Warn("terminate failed", "agent_id", agentID, "error", err)
			}
		}(id)
	}
	wg.Wait()
}

// kill signals the whole process group.
func (s *Supervisor) kill(h *handle, sig syscall.Signal) error {
	return syscall.Kill(-h.pid, sig)
}

func (s *Supervisor) remove(agentID string, h *handle) {
	s.mu.Lock()
	if cur, ok := s.procs[agentID]; ok && cur == h {
		delete(s.procs, agentID)
	}
	s.mu.Unlock()
	_ = h.logFile.Close()
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
