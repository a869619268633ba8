package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// SetupCmd creates the root command with all subcommands registered.
func SetupCmd(version string) *cobra.Command {
	cmd := NewRootCmd(version)
	cmd.AddCommand(NewMCPCmd(version))
	return cmd
}

func main() {
	if err := SetupCmd(Version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "E:", err)
		os.Exit(1)
	}
}
