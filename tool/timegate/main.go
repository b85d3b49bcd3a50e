/*
 * Timegate
 * Copyright (C) 2024  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	kingpin "github.com/alecthomas/kingpin/v2"
	log "github.com/sirupsen/logrus"

	"github.com/gravitational/timegate"
	"github.com/gravitational/timegate/lib/config"
	"github.com/gravitational/timegate/lib/service"
)

func main() {
	app := kingpin.New("timegate", "Attendance gateway between biometric devices and the upstream ERP.")

	start := app.Command("start", "Start the gateway.")
	configPath := start.Flag("config", "Path to the configuration file.").
		Short('c').Default("/etc/timegate.yaml").String()
	debug := start.Flag("debug", "Enable verbose logging to stderr.").Short('d').Bool()
	ephemeral := start.Flag("ephemeral", "Keep the queue in memory instead of on disk.").Bool()

	version := app.Command("version", "Print the version.")

	command, err := app.Parse(os.Args[1:])
	if err != nil {
		app.Usage(os.Args[1:])
		os.Exit(2)
	}

	switch command {
	case start.FullCommand():
		if err := onStart(*configPath, *debug, *ephemeral); err != nil {
			log.WithError(err).Error("Timegate failed to start.")
			os.Exit(1)
		}
	case version.FullCommand():
		fmt.Printf("Timegate v%v go%v\n", timegate.Version, runtime.Version())
	}
}

func onStart(configPath string, debug, ephemeral bool) error {
	fc, err := config.ReadFromFile(configPath)
	if err != nil {
		return err
	}
	var cfg service.Config
	if err := config.ApplyFileConfig(fc, &cfg); err != nil {
		return err
	}
	if debug {
		cfg.LogSeverity = "debug"
	}
	cfg.EphemeralQueue = ephemeral

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	return gateway.Run(ctx)
}
