// Package daemon supervises the background watch process: PID-file
// bookkeeping, start/stop/restart/reload control, and systemd unit
// installation.
package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// PIDFile tracks the background process id on disk.
type PIDFile struct {
	path string
}

// DefaultPIDPath places the PID file next to the database.
func DefaultPIDPath(databasePath string) string {
	return filepath.Join(filepath.Dir(databasePath), "mdkeeper.pid")
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{path: path}
}

// Path returns the PID file location.
func (p *PIDFile) Path() string { return p.path }

// WritePID records the given process id, creating the directory if
// needed.
func (p *PIDFile) WritePID(pid int) error {
	const op = "daemon.WritePID"

	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return mkerrors.Wrap(mkerrors.KindFatal, op, err)
	}
	if err := os.WriteFile(p.path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return mkerrors.Wrap(mkerrors.KindFatal, op, err)
	}
	return nil
}

// Write records the current process id.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// Read returns the stored process id. A missing file is NotFound.
func (p *PIDFile) Read() (int, error) {
	const op = "daemon.Read"

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, mkerrors.New(mkerrors.KindNotFound, op, "pid file not found")
		}
		return 0, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, mkerrors.Wrapf(mkerrors.KindCorrupt, op, err, "invalid pid in %s", p.path)
	}
	return pid, nil
}

// Remove deletes the PID file; a missing file is fine.
func (p *PIDFile) Remove() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return mkerrors.Wrap(mkerrors.KindRetry, "daemon.Remove", err)
	}
	return nil
}

// IsRunning reports whether the recorded process is alive.
func (p *PIDFile) IsRunning() bool {
	pid, err := p.Read()
	if err != nil {
		return false
	}
	return processExists(pid)
}

// Signal delivers sig to the recorded process.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	const op = "daemon.Signal"

	pid, err := p.Read()
	if err != nil {
		return err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return mkerrors.Wrapf(mkerrors.KindNotFound, op, err, "process %d", pid)
	}
	if err := process.Signal(sig); err != nil {
		return mkerrors.Wrapf(mkerrors.KindRetry, op, err, "signal process %d", pid)
	}
	return nil
}

// processExists probes with signal 0; on Unix FindProcess always
// succeeds, so the probe is the real check.
func processExists(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
