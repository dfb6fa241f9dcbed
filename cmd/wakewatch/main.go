// Command wakewatch powers on a SmartThings TV when the host wakes and the
// TV is reachable on the local network.
package main

import (
	"fmt"
	"os"

	"github.com/HerbHall/wakewatch/internal/version"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "wakewatch",
	Short: "Turn the TV on when this machine wakes up",
	Long: `wakewatch watches for the host resuming from sleep and, when the TV
answers on the local network, asks SmartThings to power it on.

Run "wakewatch init" to write a starter config, then "wakewatch run".`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := version.Map()
		fmt.Fprintf(cmd.OutOrStdout(), "wakewatch %s (commit %s, built %s, %s)\n",
			info["version"], info["commit"], info["build_date"], info["go"])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.AddCommand(runCmd, initCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
