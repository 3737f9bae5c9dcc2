// Command stockcount runs the extraction engines and normalizers from the terminal.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var rootCmd = &cobra.Command{
	Use:          "stockcount",
	Short:        "Turn spoken inventory counts into structured records",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
