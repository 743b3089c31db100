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

package server

import (
	"fmt"
	"time"

	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/atsc/junction-server/control"
)

const (
	DefaultAddr       string = "0.0.0.0"
	DefaultPort       string = "22222"
	MaxHubStartupTime        = 3 * time.Second
)

var (
	loop   *control.Loop
	logger log.Logger
)

// InitializeLogger creates the logger for the server module
func InitializeLogger(parentLogger log.Logger) {
	logger = parentLogger.New("module", "server")
}

// Run starts the http web server and websocket hub for the given control
// loop, on the given address and port. It blocks until the HTTP listener
// fails.
func Run(l *control.Loop, addr, port string) error {
	logger.Info("Starting server")
	loop = l
	registerMetrics()

	hubUp := make(chan bool)
	go hub.run(hubUp)
	select {
	case <-hubUp:
	case <-time.After(MaxHubStartupTime):
		return fmt.Errorf("hub did not start within %s", MaxHubStartupTime)
	}

	go pumpSnapshots()
	go pumpEvents()
	return httpdStart(addr, port)
}

// pumpSnapshots forwards every published snapshot to the websocket hub and
// the Prometheus gauges. It never blocks the control loop: the subscription
// channel drops for slow consumption.
func pumpSnapshots() {
	ch := loop.Subscribe()
	for snap := range ch {
		observeSnapshot(snap)
		hub.broadcast("snapshot", snap)
	}
}

// pumpEvents forwards controller events to the websocket hub and the
// decision counters.
func pumpEvents() {
	ch := loop.Events().Subscribe()
	for e := range ch {
		observeEvent(e)
		hub.broadcast("event", e)
	}
}
