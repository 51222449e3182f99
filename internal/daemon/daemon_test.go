package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

func TestPIDFileRoundTrip(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "state", "mdkeeper.pid"))

	_, err := p.Read()
	assert.True(t, mkerrors.IsNotFound(err))

	require.NoError(t, p.Write())
	pid, err := p.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, p.IsRunning(), "the test process is alive")

	require.NoError(t, p.Remove())
	assert.False(t, p.IsRunning())
	require.NoError(t, p.Remove(), "removing twice is fine")
}

func TestPIDFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mdkeeper.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	_, err := NewPIDFile(path).Read()
	assert.True(t, mkerrors.Is(err, mkerrors.KindCorrupt))
}

func TestSignalSelf(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "mdkeeper.pid"))
	require.NoError(t, p.Write())
	// Signal 0 probes without delivering anything.
	assert.NoError(t, p.Signal(syscall.Signal(0)))
}

func TestSupervisorStatus(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "mdkeeper.pid"))
	sup := NewSupervisor(p, nil)

	st := sup.Status()
	assert.False(t, st.Running)

	require.NoError(t, p.Write())
	st = sup.Status()
	assert.True(t, st.Running)
	assert.Equal(t, os.Getpid(), st.PID)
}

func TestSupervisorStopWhenNotRunning(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "mdkeeper.pid"))
	err := NewSupervisor(p, nil).Stop(time.Second)
	assert.True(t, mkerrors.IsNotFound(err))
}

func TestSupervisorStopCleansStalePIDFile(t *testing.T) {
	p := NewPIDFile(filepath.Join(t.TempDir(), "mdkeeper.pid"))
	// A PID that cannot be a live process.
	require.NoError(t, p.WritePID(1<<22 - 7))

	require.NoError(t, NewSupervisor(p, nil).Stop(time.Second))
	_, err := p.Read()
	assert.True(t, mkerrors.IsNotFound(err), "stale pid file removed")
}

func TestDefaultPIDPath(t *testing.T) {
	assert.Equal(t, "/data/.markdownkeeper/mdkeeper.pid",
		DefaultPIDPath("/data/.markdownkeeper/index.db"))
}

func TestInstallUnits(t *testing.T) {
	dir := t.TempDir()
	written, err := InstallUnits(UnitOptions{
		BinaryPath: "/usr/local/bin/mdkeeper",
		ConfigPath: "/etc/mdkeeper/markdownkeeper.toml",
		UnitDir:    dir,
	})
	require.NoError(t, err)
	require.Len(t, written, 2)

	api, err := os.ReadFile(filepath.Join(dir, "mdkeeper-api.service"))
	require.NoError(t, err)
	assert.Contains(t, string(api), "ExecStart=/usr/local/bin/mdkeeper serve-api --config /etc/mdkeeper/markdownkeeper.toml")

	watch, err := os.ReadFile(filepath.Join(dir, "mdkeeper-watch.service"))
	require.NoError(t, err)
	assert.Contains(t, string(watch), "ExecStart=/usr/local/bin/mdkeeper watch --config /etc/mdkeeper/markdownkeeper.toml")
	assert.Contains(t, string(watch), "ExecReload=/bin/kill -HUP $MAINPID")
}
