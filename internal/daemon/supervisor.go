package daemon

import (
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// StopTimeout is how long Stop waits after SIGTERM before escalating
// to SIGKILL.
const StopTimeout = 10 * time.Second

// Supervisor controls the detached watch process through its PID file.
type Supervisor struct {
	pid    *PIDFile
	logger *slog.Logger
}

// NewSupervisor creates a Supervisor over the given PID file.
func NewSupervisor(pid *PIDFile, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{pid: pid, logger: logger}
}

// Status describes the supervised process.
type Status struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	PIDFile string `json:"pid_file"`
}

// Status reports whether the recorded process is alive.
func (s *Supervisor) Status() Status {
	st := Status{PIDFile: s.pid.Path()}
	pid, err := s.pid.Read()
	if err != nil {
		return st
	}
	st.PID = pid
	st.Running = processExists(pid)
	return st
}

// Start launches the current binary detached with the given arguments
// and records its PID. Refuses to start a second instance.
func (s *Supervisor) Start(args []string, logPath string) error {
	const op = "daemon.Start"

	if s.pid.IsRunning() {
		pid, _ := s.pid.Read()
		return mkerrors.Newf(mkerrors.KindInvalid, op, "already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return mkerrors.Wrap(mkerrors.KindFatal, op, err)
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	if logPath != "" {
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return mkerrors.Wrap(mkerrors.KindFatal, op, err)
		}
		defer logFile.Close()
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		return mkerrors.Wrap(mkerrors.KindFatal, op, err)
	}
	if err := s.pid.WritePID(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		return err
	}
	// The child is detached; releasing avoids a zombie-reaping duty the
	// supervisor cannot fulfill after it exits.
	_ = cmd.Process.Release()

	s.logger.Info("daemon started", slog.Int("pid", cmd.Process.Pid))
	return nil
}

// Stop terminates the recorded process: SIGTERM, a bounded wait, then
// SIGKILL. The PID file is removed either way.
func (s *Supervisor) Stop(timeout time.Duration) error {
	const op = "daemon.Stop"

	pid, err := s.pid.Read()
	if err != nil {
		if mkerrors.IsNotFound(err) {
			return mkerrors.New(mkerrors.KindNotFound, op, "not running")
		}
		return err
	}
	if !processExists(pid) {
		return s.pid.Remove()
	}

	if err := s.pid.Signal(syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processExists(pid) {
			s.logger.Info("daemon stopped", slog.Int("pid", pid))
			return s.pid.Remove()
		}
		time.Sleep(100 * time.Millisecond)
	}

	s.logger.Warn("daemon did not exit in time, killing", slog.Int("pid", pid))
	if err := s.pid.Signal(syscall.SIGKILL); err != nil {
		return err
	}
	return s.pid.Remove()
}

// Restart stops a running instance (if any) and starts a fresh one.
func (s *Supervisor) Restart(args []string, logPath string, timeout time.Duration) error {
	if err := s.Stop(timeout); err != nil && !mkerrors.IsNotFound(err) {
		return err
	}
	return s.Start(args, logPath)
}

// Reload asks the running process to re-read its configuration.
func (s *Supervisor) Reload() error {
	return s.pid.Signal(syscall.SIGHUP)
}
