package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	token   string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "arenactl",
	Short: "CTF Arena CLI - Labs, duels, and terminals from the command line",
	Long: `arenactl is a command-line tool for the CTF Arena platform.

It provides commands to launch practice labs, join the duel queue,
challenge other players, attach an interactive terminal to a sandbox
container, and administer the arena.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("CTFARENA_API_URL", "http://localhost:8080"), "Arena API base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("CTFARENA_TOKEN"), "Arena user JWT")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CTFARENA_API_KEY"), "Arena operator API key (admin commands)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkToken() error {
	if token == "" {
		return fmt.Errorf("a user token is required. Set CTFARENA_TOKEN environment variable or use --token flag")
	}
	return nil
}

func checkAPIKey() error {
	if apiKey == "" {
		return fmt.Errorf("API key is required. Set CTFARENA_API_KEY environment variable or use --api-key flag")
	}
	return nil
}
