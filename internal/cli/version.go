package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "wakeproxy version %s\n", version)
		fmt.Fprintln(cmd.OutOrStdout(), "wakeproxy keep-awake and Wake-on-LAN TCP proxy")
	},
}
