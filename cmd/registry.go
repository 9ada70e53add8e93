package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/buoyfleet/core/model"
	"github.com/kilianp07/buoyfleet/core/registry"
	"github.com/kilianp07/buoyfleet/infra/logger"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect and edit the persisted device registry",
}

var registryLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List registered device ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		for _, id := range reg.IDs() {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var registryAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Register a device id such as 10_8_0_53_14550",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, _, err := model.ParseDeviceID(args[0]); err != nil {
			return err
		}
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		return reg.Add(args[0])
	},
}

var registryRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Unregister a device id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := openRegistry()
		if err != nil {
			return err
		}
		return reg.Remove(args[0])
	},
}

func init() {
	registryCmd.AddCommand(registryLsCmd, registryAddCmd, registryRmCmd)
	rootCmd.AddCommand(registryCmd)
}

func openRegistry() (*registry.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return registry.New(registry.NewFileStorage(cfg.Registry.Path), logger.New("registry")), nil
}
