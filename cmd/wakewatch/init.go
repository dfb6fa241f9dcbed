package main

import (
	"fmt"

	"github.com/HerbHall/wakewatch/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write a starter configuration file with the device address and
SmartThings settings to fill in. Refuses to overwrite an existing file.

Examples:
  wakewatch init
  wakewatch init --config ~/.config/wakewatch/wakewatch.yaml`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := configPath
		if path == "" {
			path = "wakewatch.yaml"
		}
		if err := config.WriteStarter(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nset DeviceMonitor.device_ip, SmartThings.access_token and SmartThings.tv_device_id, then run \"wakewatch run\"\n", path)
		return nil
	},
}
