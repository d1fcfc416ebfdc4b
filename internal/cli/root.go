package cli

import (
	"fmt"
	"log/slog"

	"github.com/Swind/go-script-launcher/core"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// DefaultConfigPath is read when --config is not given. A missing file means
// the built-in defaults.
const DefaultConfigPath = "launcher.yaml"

// app is shared by every subcommand of one root.
type app struct {
	fs         afero.Fs
	configPath string
	logLevel   string

	cfg    core.Config
	logger core.Logger
}

func NewRoot() *cobra.Command {
	return newRoot(afero.NewOsFs())
}

func newRoot(fs afero.Fs) *cobra.Command {
	a := &app{fs: fs}

	cmd := &cobra.Command{
		Use:   "launcher",
		Short: "Run scripts on the affinity thread or the background pool",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Flags override the file, the file overrides defaults
			cfg, err := core.LoadConfig(a.fs, a.configPath)
			if err != nil {
				return fmt.Errorf("config %s: %w", a.configPath, err)
			}
			a.cfg = cfg

			logger, err := newLogger(cmd.ErrOrStderr(), a.logLevel)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
		RunE:         func(c *cobra.Command, _ []string) error { return c.Help() },
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", DefaultConfigPath, "configuration file (YAML)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "log level: debug, info, warn or error")

	cmd.AddCommand(newRunCmd(a))
	cmd.AddCommand(newResolveCmd(a))
	cmd.AddCommand(newKindsCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	return cmd
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q", s)
	}
	return level, nil
}
