package cli

import (
	"github.com/spf13/cobra"

	"github.com/lazypower/vigil/internal/config"
	"github.com/lazypower/vigil/internal/logger"
)

var (
	configPath string
	jsonLogs   bool
	logLevel   string

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Behavioral graph consolidation engine",
	Long: "Vigil turns behavioral events into a relationship graph, detects coordinated rings, " +
		"and consolidates each actor's behavior into patterns that survive dormancy.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) { logger.Sync() },
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default ~/.vigil/vigil.toml)")
	flags.BoolVar(&jsonLogs, "json-logs", false, "emit JSON logs")
	flags.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(actorCmd)
	rootCmd.AddCommand(runCmd)
}

// setup loads configuration and initializes logging. Flags win over the
// config file.
func setup(cmd *cobra.Command, args []string) error {
	if cmd == versionCmd {
		return nil
	}
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	return logger.Initialize(jsonLogs || cfg.Log.JSON, level)
}
