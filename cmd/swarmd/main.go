package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	configFile string
	envFile    string

	Version   = "dev"     // set at build time
	GitCommit = "unknown" // Git commit hash
	BuildTime = "unknown" // Build timestamp
)

func printVersionInfo() {
	fmt.Printf("swarmd %s\n", Version)
	fmt.Printf("Built: %s, from commit: %s\n", BuildTime, GitCommit)
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

var rootCmd = &cobra.Command{
	Use:           "swarmd",
	Short:         "Agent swarm coordination node",
	Long:          "Runs one node of an agent swarm: message routing with retries and circuit breaking, and consensus over swarm decisions.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersionInfo()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "swarm.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Optional .env file applied before SWARM_* overrides")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(keygenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
