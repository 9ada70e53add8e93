package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/buoyfleet/config"
	"github.com/kilianp07/buoyfleet/core/connection"
	"github.com/kilianp07/buoyfleet/core/model"
	"github.com/kilianp07/buoyfleet/core/registry"
	"github.com/kilianp07/buoyfleet/infra/controlplane"
	"github.com/kilianp07/buoyfleet/infra/logger"
)

var requestTimeout time.Duration

// noVehicles stands in for live telemetry when running one-shot commands.
type noVehicles struct{}

func (noVehicles) Vehicles() []model.Vehicle { return nil }

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List addresses found on the buoy network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		ips, err := controlplane.New(cfg.ControlPlane, nil, logger.New("controlplane")).Scan(ctx)
		if err != nil {
			return err
		}
		for _, ip := range ips {
			fmt.Fprintln(cmd.OutOrStdout(), ip)
		}
		return nil
	},
}

var connectCmd = &cobra.Command{
	Use:   "connect <ip>",
	Short: "Attach a buoy endpoint and register it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !model.IsIPv4(args[0]) {
			return fmt.Errorf("invalid IPv4 address %q", args[0])
		}
		cfg, m, err := newManager()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		if err := m.Connect(ctx, args[0]); err != nil {
			return errors.New(connection.ErrorMessage(err, connection.DefaultConnectError))
		}
		fmt.Fprintln(cmd.OutOrStdout(), model.DeviceID(args[0], cfg.Connection.DefaultPort))
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <ip> [port]",
	Short: "Detach a buoy endpoint and unregister it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, m, err := newManager()
		if err != nil {
			return err
		}
		port := cfg.Connection.DefaultPort
		if len(args) == 2 {
			port, err = strconv.Atoi(args[1])
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[1])
			}
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		m.Remove(ctx, args[0], port)
		fmt.Fprintln(cmd.OutOrStdout(), model.DeviceID(args[0], port))
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{scanCmd, connectCmd, removeCmd} {
		c.Flags().DurationVar(&requestTimeout, "timeout", 15*time.Second, "control plane request timeout")
		rootCmd.AddCommand(c)
	}
}

func newManager() (*config.Config, *connection.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	reg := registry.New(registry.NewFileStorage(cfg.Registry.Path), logger.New("registry"))
	cp := controlplane.New(cfg.ControlPlane, nil, logger.New("controlplane"))
	return cfg, connection.NewManager(cfg.Connection, cp, reg, noVehicles{}, logger.New("connection")), nil
}
