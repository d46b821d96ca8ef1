package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "enginebridge",
	Short: "Run a UCI chess engine behind a non-blocking board bridge",
	Long: `enginebridge spawns a UCI engine process, drives the handshake and search
cycle, and hands every best move to a board while it is still the engine's turn.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
