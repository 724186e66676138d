package main

import (
	"log"

	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "zonisd",
	Short: "RPC coordinator for persistent client connections",
	Long: `zonisd keeps a registry of named clients, each identified over one
persistent connection (websocket, gin-managed websocket or raw TCP), and
lets operators call routes on one client or on all of them.

Use 'zonisd help <command>' for more information on a specific command.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (TOML)")
}
