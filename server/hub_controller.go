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
	"encoding/json"
	"fmt"

	"github.com/atsc/junction-server/control"
)

type controllerObject struct{}

// dispatch processes requests made on the controller object
func (c *controllerObject) dispatch(h *Hub, req Request, conn *connection) {
	ch := conn.pushChan
	logger.Debug("Request for controller received", "submodule", "hub", "object", req.Object, "action", req.Action)
	switch req.Action {
	case "start":
		if err := loop.Start(); err != nil {
			ch <- NewErrorResponse(req.ID, err)
			return
		}
		ch <- NewOkResponse(req.ID, "Controller started successfully")
	case "stop":
		loop.Stop()
		ch <- NewOkResponse(req.ID, "Controller stopped successfully")
	case "isRunning":
		data, err := json.Marshal(loop.Running())
		if err != nil {
			ch <- NewErrorResponse(req.ID, fmt.Errorf("internal error: %s", err))
			return
		}
		ch <- NewResponse(req.ID, data)
	case "status":
		snap, ok := loop.Status()
		if !ok {
			ch <- NewErrorResponse(req.ID, fmt.Errorf("no snapshot published yet"))
			return
		}
		data, err := json.Marshal(snap)
		if err != nil {
			ch <- NewErrorResponse(req.ID, fmt.Errorf("internal error: %s", err))
			return
		}
		ch <- NewResponse(req.ID, data)
	case "setMode":
		var p struct {
			Mode control.Mode `json:"mode"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			ch <- NewErrorResponse(req.ID, fmt.Errorf("unparsable request: %s (%s)", err, req.Params))
			return
		}
		if err := loop.SetMode(p.Mode); err != nil {
			ch <- NewErrorResponse(req.ID, err)
			return
		}
		ch <- NewOkResponse(req.ID, fmt.Sprintf("Mode set to %s", p.Mode))
	case "manual":
		var p struct {
			Command  control.ManualCommand `json:"command"`
			Duration int                   `json:"duration"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			ch <- NewErrorResponse(req.ID, fmt.Errorf("unparsable request: %s (%s)", err, req.Params))
			return
		}
		if err := loop.ApplyManual(p.Command, p.Duration); err != nil {
			ch <- NewErrorResponse(req.ID, err)
			return
		}
		ch <- NewOkResponse(req.ID, fmt.Sprintf("Manual command %s applied for %ds", p.Command, p.Duration))
	case "cancelManual":
		if err := loop.CancelManual(); err != nil {
			ch <- NewErrorResponse(req.ID, err)
			return
		}
		ch <- NewOkResponse(req.ID, "Manual command cancelled")
	default:
		ch <- NewErrorResponse(req.ID, fmt.Errorf("unknown action %s/%s", req.Object, req.Action))
		logger.Debug("Request for unknown action received", "submodule", "hub", "object", req.Object, "action", req.Action)
	}
}

var _ hubObject = new(controllerObject)

func init() {
	hub.objects["controller"] = new(controllerObject)
}
