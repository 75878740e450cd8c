// Package commands implements the simfsd command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ajaxzhan/simfs/internal/config"
	"github.com/ajaxzhan/simfs/internal/logging"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "simfsd",
	Short: "simfs - simulated multi-user Unix filesystem",
	Long: `simfsd serves an in-process simulation of a multi-user Unix filesystem:
ownership, permission bits, path aliases, per-group quotas and advisory locks.
The tree is reachable over gRPC, a JSON gateway and, optionally, a FUSE mount.

Use "simfsd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); defaults apply when unset")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(callCmd)
}

// loadConfig loads the configuration and initialises logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logging.Init(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("simfsd %s (commit %s, built %s)\n", Version, Commit, Date)
	},
}
