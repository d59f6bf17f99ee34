package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/cloudai/internal/config"
	"github.com/Brownie44l1/cloudai/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	logLevel   string
	modelPath  string
	metadata   string
}

// cfg is resolved once in PersistentPreRunE and read by subcommands.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "cloudai",
	Short: "Cloud image classification",
	Long:  "CloudAI runs a pre-trained cloud classifier over uploaded or dropped images\nand reports a ranked percentage breakdown of the cloud types.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.configPath, "config", "", "YAML config file")
	f.StringVar(&rootFlags.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	f.StringVar(&rootFlags.modelPath, "model", "", "model artifact path or URL (overrides config)")
	f.StringVar(&rootFlags.metadata, "metadata", "", "model metadata path or URL (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.Version = version
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(rootFlags.configPath)
	if err != nil {
		return err
	}
	if rootFlags.logLevel != "" {
		c.Log.Level = rootFlags.logLevel
	}
	if rootFlags.modelPath != "" {
		c.Model.Path = rootFlags.modelPath
	}
	if rootFlags.metadata != "" {
		c.Model.Metadata = rootFlags.metadata
	}
	cfg = c

	return logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, cmd.ErrOrStderr(),
		slog.String("version", version))
}
