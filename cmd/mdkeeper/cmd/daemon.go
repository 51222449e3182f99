package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mdkeeper/mdkeeper/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Control the background watch process",
	}
	cmd.AddCommand(newDaemonStartCmd())
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())
	cmd.AddCommand(newDaemonRestartCmd())
	cmd.AddCommand(newDaemonReloadCmd())
	return cmd
}

func newDaemonSupervisor() (*daemon.Supervisor, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	pid := daemon.NewPIDFile(daemon.DefaultPIDPath(cfg.Storage.DatabasePath))
	logPath := cfg.Logging.FilePath
	if logPath == "" {
		logPath = filepath.Join(filepath.Dir(cfg.Storage.DatabasePath), "mdkeeper.log")
	}
	return daemon.NewSupervisor(pid, nil), logPath, nil
}

// daemonArgs is the command line the supervised process runs with.
func daemonArgs() []string {
	args := []string{"watch"}
	if flagConfig != "" {
		args = append(args, "--config", flagConfig)
	}
	if flagDBPath != "" {
		args = append(args, "--db-path", flagDBPath)
	}
	return args
}

func newDaemonStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the watch process in the background",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, logPath, err := newDaemonSupervisor()
			if err != nil {
				return err
			}
			if err := sup.Start(daemonArgs(), logPath); err != nil {
				return err
			}
			st := sup.Status()
			return emit(cmd, st, fmt.Sprintf("started (pid %d), logging to %s\n", st.PID, logPath))
		},
	}
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background watch process",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, _, err := newDaemonSupervisor()
			if err != nil {
				return err
			}
			if err := sup.Stop(daemon.StopTimeout); err != nil {
				return err
			}
			return emit(cmd, map[string]string{"status": "stopped"}, "stopped\n")
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the background process is running",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, _, err := newDaemonSupervisor()
			if err != nil {
				return err
			}
			st := sup.Status()
			text := "not running\n"
			if st.Running {
				text = fmt.Sprintf("running (pid %d)\n", st.PID)
			}
			return emit(cmd, st, text)
		},
	}
}

func newDaemonRestartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the background watch process",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, logPath, err := newDaemonSupervisor()
			if err != nil {
				return err
			}
			if err := sup.Restart(daemonArgs(), logPath, daemon.StopTimeout); err != nil {
				return err
			}
			st := sup.Status()
			return emit(cmd, st, fmt.Sprintf("restarted (pid %d)\n", st.PID))
		},
	}
}

func newDaemonReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask the background process to reload its configuration",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			sup, _, err := newDaemonSupervisor()
			if err != nil {
				return err
			}
			if err := sup.Reload(); err != nil {
				return err
			}
			return emit(cmd, map[string]string{"status": "reloading"}, "reload signal sent\n")
		},
	}
}

func newInstallUnitsCmd() *cobra.Command {
	var unitDir string

	cmd := &cobra.Command{
		Use:   "install-units",
		Short: "Write systemd user units for the watcher and API",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			written, err := daemon.InstallUnits(daemon.UnitOptions{
				ConfigPath: flagConfig,
				UnitDir:    unitDir,
			})
			if err != nil {
				return err
			}
			text := "wrote:\n  " + strings.Join(written, "\n  ") +
				"\nenable with: systemctl --user enable --now mdkeeper-watch.service\n"
			return emit(cmd, map[string]any{"units": written}, text)
		},
	}

	cmd.Flags().StringVar(&unitDir, "unit-dir", "", "Unit directory (defaults to ~/.config/systemd/user)")
	return cmd
}
