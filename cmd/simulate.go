package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kilianp07/buoyfleet/infra/logger"
	"github.com/kilianp07/buoyfleet/infra/mqtt"
	"github.com/kilianp07/buoyfleet/simulator"
)

var simCfg simulator.Config

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Publish synthetic buoy telemetry on the configured broker",
	Args:  cobra.NoArgs,
	RunE:  runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.IntVar(&simCfg.Count, "count", 3, "number of buoys")
	f.StringVar(&simCfg.FirstIP, "first-ip", "10.8.0.50", "address of the first buoy")
	f.IntVar(&simCfg.Port, "port", 0, "MAVLink port encoded in device ids (default: connection.default_port)")
	f.DurationVar(&simCfg.Interval, "interval", time.Second, "publish interval")
	f.Float64Var(&simCfg.DisconnectRate, "disconnect-rate", 0, "probability per minute that a buoy flips its link state")
	f.Float64Var(&simCfg.DrainPerHour, "drain", 0.05, "battery fraction drained per hour")
	f.Float64Var(&simCfg.CenterLat, "lat", 43.7167, "fleet center latitude")
	f.Float64Var(&simCfg.CenterLon, "lon", 10.4, "fleet center longitude")
	f.Float64Var(&simCfg.SpreadMeters, "spread", 500, "initial spread around the center in meters")
	f.Int64Var(&simCfg.Seed, "seed", 0, "random seed (default: time based)")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if simCfg.Port == 0 {
		simCfg.Port = cfg.Connection.DefaultPort
	}
	mqttCfg := cfg.MQTT
	mqttCfg.ClientID = "buoyfleet-sim-" + uuid.NewString()[:8]
	session := mqtt.NewSession(mqttCfg, nil, logger.New("mqtt"))
	sim, err := simulator.New(simCfg, session, logger.New("simulator"))
	if err != nil {
		return fmt.Errorf("simulator: %w", err)
	}
	if err := session.Open(ctx); err != nil {
		return err
	}
	defer session.Close()
	return sim.Run(ctx)
}
