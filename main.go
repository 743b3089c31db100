// Copyright (C) 2024-2026 by the Junction Server team
// (See AUTHORS file)
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program; if not, write to the
// Free Software Foundation, Inc.,
// 59 Temple Place - Suite 330, Boston, MA  02111-1307, USA.

package main

import (
	"flag"
	"fmt"
	"os"

	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/atsc/junction-server/control"
	"github.com/atsc/junction-server/microsim"
	"github.com/atsc/junction-server/server"
)

var logger log.Logger

func initializeLogger(level string) {
	logger = log.New()
	lvl, err := log.LvlFromString(level)
	if err != nil {
		lvl = log.LvlInfo
	}
	logger.SetHandler(log.LvlFilterHandler(lvl, log.StdoutHandler))
	server.InitializeLogger(logger)
}

func main() {
	configFile := flag.String("config", "", "path to the YAML configuration file")
	addr := flag.String("addr", "", "listen address (overrides configuration)")
	port := flag.String("port", "", "listen port (overrides configuration)")
	scenario := flag.String("scenario", "", "path to the simulator scenario (overrides configuration)")
	logLevel := flag.String("loglevel", "", "log level: debug|info|warn|error|crit")
	autoStart := flag.Bool("autostart", false, "start the control loop immediately")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of junction-server:\n\n")
		fmt.Fprintf(os.Stderr, "  junction-server [options]\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *scenario != "" {
		cfg.Scenario = *scenario
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *autoStart {
		cfg.AutoStart = true
	}
	initializeLogger(cfg.LogLevel)

	sc := microsim.DefaultScenario()
	if cfg.Scenario != "" {
		sc, err = microsim.LoadScenario(cfg.Scenario)
		if err != nil {
			logger.Crit("Unable to load scenario", "error", err)
			os.Exit(1)
		}
	}
	sim := microsim.New(sc, logger)

	store, err := control.OpenStore(cfg.Store.ExperiencePath, logger)
	if err != nil {
		logger.Crit("Unable to open experience store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	events, err := control.NewEventLog(cfg.Store.EventLogPath, logger)
	if err != nil {
		logger.Crit("Unable to open event log", "error", err)
		os.Exit(1)
	}
	defer events.Close()

	memory := control.NewMemory(cfg.MemoryCapacity, store, logger)
	loop := control.NewLoop(sim, memory, events, control.LoopOptions{
		TickInterval: cfg.TickInterval(),
	}, logger)
	defer loop.Stop()

	if cfg.AutoStart {
		if err := loop.Start(); err != nil {
			logger.Crit("Unable to start control loop", "error", err)
			os.Exit(1)
		}
	}

	if err := server.Run(loop, cfg.Server.Addr, cfg.Server.Port); err != nil {
		logger.Crit("Server crashed", "error", err)
		os.Exit(1)
	}
}
