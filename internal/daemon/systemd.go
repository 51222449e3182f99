package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// UnitOptions parameterizes the generated systemd units.
type UnitOptions struct {
	// BinaryPath is the mdkeeper executable. Defaults to the current
	// binary.
	BinaryPath string

	// ConfigPath is passed as --config when set.
	ConfigPath string

	// UnitDir is where units are written. Defaults to the user unit
	// directory (~/.config/systemd/user).
	UnitDir string
}

const watchUnitTemplate = `[Unit]
Description=MarkdownKeeper file watcher and indexer
After=network.target

[Service]
Type=simple
ExecStart=%s watch%s
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

const apiUnitTemplate = `[Unit]
Description=MarkdownKeeper JSON-RPC API
After=network.target

[Service]
Type=simple
ExecStart=%s serve-api%s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

// InstallUnits writes mdkeeper-watch.service and mdkeeper-api.service
// and returns the written paths. It does not enable or start them.
func InstallUnits(opts UnitOptions) ([]string, error) {
	const op = "daemon.InstallUnits"

	if opts.BinaryPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindFatal, op, err)
		}
		opts.BinaryPath = exe
	}
	if opts.UnitDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindFatal, op, err)
		}
		opts.UnitDir = filepath.Join(home, ".config", "systemd", "user")
	}
	if err := os.MkdirAll(opts.UnitDir, 0o755); err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindFatal, op, err)
	}

	var configArg string
	if opts.ConfigPath != "" {
		configArg = " --config " + opts.ConfigPath
	}

	units := map[string]string{
		"mdkeeper-watch.service": fmt.Sprintf(watchUnitTemplate, opts.BinaryPath, configArg),
		"mdkeeper-api.service":   fmt.Sprintf(apiUnitTemplate, opts.BinaryPath, configArg),
	}

	var written []string
	for name, content := range units {
		path := filepath.Join(opts.UnitDir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, mkerrors.Wrapf(mkerrors.KindFatal, op, err, "write %s", path)
		}
		written = append(written, path)
	}
	// Deterministic order for output and tests.
	if len(written) == 2 && strings.Compare(written[0], written[1]) > 0 {
		written[0], written[1] = written[1], written[0]
	}
	return written, nil
}
