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
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Request is a message sent by a websocket client to an object/action pair.
type Request struct {
	ID     int             `json:"id"`
	Object string          `json:"object"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// RawJSON is pre-encoded JSON payload data.
type RawJSON = json.RawMessage

// Response is the reply to a single Request.
type Response struct {
	ID      int     `json:"id"`
	MsgType string  `json:"msgType"`
	Data    RawJSON `json:"data"`
}

// notification is an unsolicited server push, e.g. the per-tick snapshot.
type notification struct {
	MsgType string           `json:"msgType"`
	Data    notificationData `json:"data"`
}

type notificationData struct {
	Name   string      `json:"name"`
	Object interface{} `json:"object"`
}

// NewResponse creates a response with the given raw JSON data.
func NewResponse(id int, data RawJSON) *Response {
	return &Response{ID: id, MsgType: "response", Data: data}
}

// NewOkResponse creates a successful response with a status message.
func NewOkResponse(id int, message string) *Response {
	data, _ := json.Marshal(map[string]string{"status": "OK", "message": message})
	return NewResponse(id, data)
}

// NewErrorResponse creates a failed response carrying the error text.
func NewErrorResponse(id int, err error) *Response {
	data, _ := json.Marshal(map[string]string{"status": "FAIL", "message": err.Error()})
	return NewResponse(id, data)
}

// hubObject is the interface of all objects requests can be dispatched to.
type hubObject interface {
	dispatch(h *Hub, req Request, conn *connection)
}

type hubRequest struct {
	req  Request
	conn *connection
}

// Hub routes client requests to registered objects and fans notifications
// out to every connection.
type Hub struct {
	objects       map[string]hubObject
	registry      chan *connection
	unregistry    chan *connection
	requests      chan hubRequest
	notifications chan notification
	connections   map[*connection]bool
}

var hub = &Hub{
	objects:       make(map[string]hubObject),
	registry:      make(chan *connection),
	unregistry:    make(chan *connection),
	requests:      make(chan hubRequest, 64),
	notifications: make(chan notification, 256),
	connections:   make(map[*connection]bool),
}

// run starts the hub event loop. hubUp is signalled once the hub accepts
// registrations.
func (h *Hub) run(hubUp chan bool) {
	logger.Info("Hub starting", "submodule", "hub")
	hubUp <- true
	for {
		select {
		case conn := <-h.registry:
			h.connections[conn] = true
			logger.Debug("Connection registered", "submodule", "hub", "remote", conn.ws.RemoteAddr())
		case conn := <-h.unregistry:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.pushChan)
			}
			logger.Debug("Connection unregistered", "submodule", "hub")
		case hr := <-h.requests:
			obj, ok := h.objects[hr.req.Object]
			if !ok {
				hr.conn.pushChan <- NewErrorResponse(hr.req.ID, fmt.Errorf("unknown object %s", hr.req.Object))
				logger.Debug("Request for unknown object received", "submodule", "hub", "object", hr.req.Object)
				continue
			}
			obj.dispatch(h, hr.req, hr.conn)
		case n := <-h.notifications:
			for conn := range h.connections {
				select {
				case conn.pushChan <- n:
				default:
					// drop for slow readers; the loop must never stall
				}
			}
		}
	}
}

// broadcast queues a named notification for every connection without
// blocking the caller.
func (h *Hub) broadcast(name string, object interface{}) {
	select {
	case h.notifications <- notification{MsgType: "notification", Data: notificationData{Name: name, Object: object}}:
	default:
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// connection wraps one websocket client.
type connection struct {
	ws       *websocket.Conn
	pushChan chan interface{}
}

// readPump forwards client requests to the hub until the connection closes.
func (c *connection) readPump() {
	defer func() {
		hub.unregistry <- c
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		var req Request
		if err := c.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("Websocket read error", "submodule", "hub", "error", err)
			}
			return
		}
		hub.requests <- hubRequest{req: req, conn: c}
	}
}

// writePump serializes queued responses and notifications to the client.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.pushChan:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// serveWs upgrades an HTTP request to a websocket client connection.
func serveWs(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Unable to upgrade websocket", "submodule", "hub", "error", err)
		return
	}
	conn := &connection{ws: ws, pushChan: make(chan interface{}, 256)}
	hub.registry <- conn
	go conn.writePump()
	conn.readPump()
}
