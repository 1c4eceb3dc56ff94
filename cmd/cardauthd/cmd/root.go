package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is the build version, overridden at link time.
var Version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:   "cardauthd",
	Short: "cardauthd is a smart-card authentication service",
	Long: `Authenticates staff smart cards with a three-phase challenge-response
handshake, establishes short-lived symmetric card sessions, and ingests
signed payment-confirmation callbacks from the banking gateway.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file loaded before the environment")
}
