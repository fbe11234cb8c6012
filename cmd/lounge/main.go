package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NethermindEth/agent-lounge/cmd/lounge/commands"
)

var rootCmd = &cobra.Command{
	Use:   "lounge",
	Short: "Agent Lounge director",
	Long:  `Runs the agent lounge simulation and manages its agents.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&commands.ConfigFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&commands.EnvFile, "env-file", ".env", "Path to a .env file")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.AgentsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
