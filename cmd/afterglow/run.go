package main

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/afterglow-leds/bluetooth"
	"github.com/afterglow-leds/bluetooth/internal/board"
	"github.com/afterglow-leds/bluetooth/internal/config"
	"github.com/afterglow-leds/bluetooth/internal/firmware"
)

// loadConfig reads the config file and lays explicitly set flags over it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("hci") {
		cfg.HCI.Index, _ = flags.GetInt("hci")
	}
	if flags.Changed("mac") {
		cfg.HCI.MAC, _ = flags.GetString("mac")
	}
	if flags.Changed("name") {
		cfg.DeviceName, _ = flags.GetString("name")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = firmware.ModelNumber
	}

	return cfg, nil
}

func runPeripheral(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	b, err := board.Open(cfg.HCI.Index, cfg.HCI.MAC)
	if err != nil {
		return err
	}
	defer b.Close()

	log := logger.WithField("hci", cfg.HCI.Index)
	log.WithFields(logrus.Fields{
		"mac":  b.MAC.String(),
		"name": cfg.DeviceName,
	}).Info("starting peripheral")

	host, err := bluetooth.NewHost(b.MAC, b.Controller, b.Random,
		bluetooth.WithLogger(log),
		bluetooth.WithCommandTimeout(cfg.HCI.CommandTimeout))
	if err != nil {
		return errors.Wrap(err, "create host")
	}

	server, err := firmware.NewGattServer(cfg.DeviceName, bluetooth.AppearanceLightController,
		firmware.BuildIdentity(), firmware.WithLogger(log))
	if err != nil {
		return errors.Wrap(err, "build gatt server")
	}

	err = firmware.Run(cmd.Context(), host, server, cfg.DeviceName)

	var fatal *firmware.FatalError
	if errors.As(err, &fatal) {
		log.WithFields(logrus.Fields{
			"phase":  fatal.Phase.String(),
			"origin": fatal.Origin().String(),
		}).WithError(fatal.Err).Error("peripheral stopped")
	}
	return err
}
