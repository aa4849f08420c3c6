package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor  bool
	userFlag string
)

var rootCmd = &cobra.Command{
	Use:           "thoughtd",
	Short:         "Capture thoughts and let AI enhance, tag and link them",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "user id to act as (default: mcp.user_id)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(thoughtCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(subscriptionCmd)
	rootCmd.AddCommand(contextCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// resolveUser picks the --user flag, falling back to the configured local user.
func resolveUser(configured string) (string, error) {
	if userFlag != "" {
		return userFlag, nil
	}
	if configured == "" {
		return "", fmt.Errorf("no user id: pass --user or set mcp.user_id")
	}
	return configured, nil
}
