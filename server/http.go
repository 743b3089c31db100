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
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atsc/junction-server/control"
)

// httpdStart starts the server which serves on the following routes:
//
//	/ - A HTTP home page with the server status and a JavaScript WebSocket
//	    client to observe and manage the controller.
//
//	/ws - WebSocket endpoint for all clients and managers.
//
//	/api/... - REST control interface.
//
//	/metrics - Prometheus metrics.
func httpdStart(addr, port string) error {
	router := mux.NewRouter()
	router.HandleFunc("/", serveHome).Methods(http.MethodGet)
	router.HandleFunc("/ws", serveWs)
	router.HandleFunc("/api/controller/start", serveStart).Methods(http.MethodPost)
	router.HandleFunc("/api/controller/stop", serveStop).Methods(http.MethodPost)
	router.HandleFunc("/api/status", serveStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/mode", serveGetMode).Methods(http.MethodGet)
	router.HandleFunc("/api/mode", serveSetMode).Methods(http.MethodPut)
	router.HandleFunc("/api/manual", serveApplyManual).Methods(http.MethodPost)
	router.HandleFunc("/api/manual", serveCancelManual).Methods(http.MethodDelete)
	router.HandleFunc("/api/predictions", servePredictions).Methods(http.MethodGet)
	router.HandleFunc("/api/memory/summary", serveMemorySummary).Methods(http.MethodGet)
	router.HandleFunc("/api/events", serveEvents).Methods(http.MethodGet)
	router.HandleFunc("/api/events/stream", serveEventStream).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	serverAddress := fmt.Sprintf("%s:%s", addr, port)
	logger.Info("Starting HTTP", "submodule", "http", "address", serverAddress)
	return http.ListenAndServe(serverAddress, router)
}

var homeTempl = template.Must(template.New("").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<p>Adaptive traffic-signal controller. Connect a WebSocket client to
<code>{{.Host}}</code> or query <code>/api/status</code>.</p>
<pre id="out"></pre>
<script>
var ws = new WebSocket("{{.Host}}");
ws.onmessage = function (e) {
    document.getElementById("out").textContent = e.data;
};
ws.onopen = function () {
    ws.send(JSON.stringify({id: 1, object: "controller", action: "status"}));
};
</script>
</body>
</html>`))

// serveHome serves the html home page with an integrated JS WebSocket client.
func serveHome(w http.ResponseWriter, r *http.Request) {
	logger.Debug("New HTTP connection", "submodule", "http", "remote", r.RemoteAddr)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Title string
		Host  string
	}{
		"Junction Server",
		"ws://" + r.Host + "/ws",
	}
	homeTempl.Execute(w, data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
}

// writeCommandError maps control package errors onto HTTP statuses. Command
// rejections never mutate state.
func writeCommandError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, control.ErrNotRunning), errors.Is(err, control.ErrEmergencyActive), errors.Is(err, control.ErrAutoMode):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"status": "FAIL", "error": err.Error()})
}

// POST /api/controller/start
func serveStart(w http.ResponseWriter, r *http.Request) {
	if err := loop.Start(); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": "FAIL", "error": err.Error()})
		return
	}
	writeOK(w)
}

// POST /api/controller/stop
func serveStop(w http.ResponseWriter, r *http.Request) {
	loop.Stop()
	writeOK(w)
}

// GET /api/status
func serveStatus(w http.ResponseWriter, r *http.Request) {
	snap, ok := loop.Status()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "FAIL", "error": "no snapshot published yet"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GET /api/mode
func serveGetMode(w http.ResponseWriter, r *http.Request) {
	resp := control.ModeStatus{Mode: control.ModeAuto}
	if snap, ok := loop.Status(); ok {
		resp.Mode = snap.Mode
		resp.ManualActive = snap.Manual.Active
		resp.ManualCommand = control.ManualCommand(snap.Manual.Command)
		resp.RemainingSeconds = snap.Manual.RemainingSeconds
	}
	writeJSON(w, http.StatusOK, resp)
}

// PUT /api/mode
func serveSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode control.Mode `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "FAIL", "error": "unparsable request body"})
		return
	}
	if err := loop.SetMode(body.Mode); err != nil {
		writeCommandError(w, err)
		return
	}
	writeOK(w)
}

// POST /api/manual
func serveApplyManual(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command  control.ManualCommand `json:"command"`
		Duration int                   `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "FAIL", "error": "unparsable request body"})
		return
	}
	if err := loop.ApplyManual(body.Command, body.Duration); err != nil {
		writeCommandError(w, err)
		return
	}
	writeOK(w)
}

// DELETE /api/manual
func serveCancelManual(w http.ResponseWriter, r *http.Request) {
	if err := loop.CancelManual(); err != nil {
		writeCommandError(w, err)
		return
	}
	writeOK(w)
}

// GET /api/predictions
func servePredictions(w http.ResponseWriter, r *http.Request) {
	snap, ok := loop.Status()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "FAIL", "error": "no snapshot published yet"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"time":       snap.Time,
		"prediction": snap.Prediction,
	})
}

// GET /api/memory/summary
func serveMemorySummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, loop.Memory().Summary())
}

// GET /api/events?sinceSeq=123&limit=200
func serveEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var sinceSeq int64
	if s := q.Get("sinceSeq"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"status": "FAIL", "error": "bad sinceSeq"})
			return
		}
		sinceSeq = v
	}
	limit := 200
	if s := q.Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": loop.Events().Since(sinceSeq, limit)})
}

// GET /api/events/stream (Server-Sent Events)
func serveEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch := loop.Events().Subscribe()
	defer loop.Events().Unsubscribe(ch)
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()
	enc := json.NewEncoder(w)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: controller\ndata: "))
			_ = enc.Encode(e)
			_, _ = w.Write([]byte("\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(":hb\n\n"))
			flusher.Flush()
		}
	}
}
