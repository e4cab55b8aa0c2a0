package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/mcpserver"
)

var (
	// Version is the current version of sandboxd, set at build time.
	Version = "0.1.0"
	// GitCommit is the git commit hash, set at build time.
	GitCommit = "dev"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sandboxd",
	Short: "sandboxd - tiered sandbox execution service",
	Long: `sandboxd accepts untrusted code over the Model Context Protocol, queues it by
security level and runs it in isolated sandboxes with bounded concurrency per tier.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the MCP server",
	Long:  "Start the executor and serve MCP tools on the configured transport.",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe(configPath)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sandboxd %s\n", Version)
		fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long:  "Load the configuration with defaults and environment overrides applied and print it as YAML.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	mcpserver.Version = Version

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default: config.yaml in . or ./config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}
