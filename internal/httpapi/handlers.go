// Package httpapi binds the Control Surface's seven operations (spec
// §4.G) to an HTTP/JSON transport, plus a Server-Sent-Events endpoint
// for the periodic status channel (spec §6.3's torrent:status).
//
// Grounded on the teacher's internal/httpapi/handlers.go RegisterRoutes
// pattern (a plain http.ServeMux, one handler func per route, CORS +
// JSON request/response) and its handleBufferInfo SSE loop, adapted
// from the teacher's per-torrent query-string addressing to this repo's
// single active session.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"streamengine/internal/control"
	"streamengine/internal/middleware"
	"streamengine/internal/streamerr"
)

// RegisterRoutes wires the Control Surface's HTTP/JSON+SSE binding onto
// mux. Every route begins with EnableCORS so the player's origin (a
// file:// page or a different dev-server port) can call it.
func RegisterRoutes(mux *http.ServeMux, surface *control.Surface) {
	mux.Handle("/v1/torrent/add", middleware.Recover(withCORS(handleAdd(surface))))
	mux.Handle("/v1/torrent/select", middleware.Recover(withCORS(handleSelect(surface))))
	mux.Handle("/v1/torrent/start", middleware.Recover(withCORS(handleStart(surface))))
	mux.Handle("/v1/torrent/stop", middleware.Recover(withCORS(handleStop(surface))))
	mux.Handle("/v1/torrent/info", middleware.Recover(withCORS(handleInfo(surface))))
	mux.Handle("/v1/torrent/playback", middleware.Recover(withCORS(handlePlayback(surface))))
	mux.Handle("/v1/torrent/status", middleware.Recover(withCORS(handleStatus(surface))))
}

func withCORS(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		middleware.EnableCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		h(w, r)
	}
}

type addRequest struct {
	Input string `json:"input"`
}

type selectRequest struct {
	Index int `json:"index"`
}

type startRequest struct {
	Input string `json:"input"`
}

type playbackRequest struct {
	TimeSeconds float64 `json:"timeSeconds"`
}

func handleAdd(surface *control.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req addRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, streamerr.ErrInvalidInput)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 65*time.Second)
		defer cancel()
		cat, err := surface.Add(ctx, req.Input)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cat)
	}
}

func handleSelect(surface *control.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req selectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, streamerr.ErrInvalidInput)
			return
		}
		res, err := surface.SelectFile(r.Context(), req.Index)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleStart(surface *control.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, streamerr.ErrInvalidInput)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 65*time.Second)
		defer cancel()
		res, err := surface.Start(ctx, req.Input)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleStop(surface *control.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		_ = surface.Stop()
		writeJSON(w, http.StatusOK, struct{}{})
	}
}

func handleInfo(surface *control.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, ok := surface.GetInfo()
		if !ok {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		writeJSON(w, http.StatusOK, ev)
	}
}

func handlePlayback(surface *control.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		var req playbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		surface.UpdatePlayback(req.TimeSeconds)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleStatus serves spec.md §6.3's torrent:status channel as SSE,
// publishing every event the Surface's status loop emits (500ms while a
// session is active) until the client disconnects.
func handleStatus(surface *control.Surface) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		ch, cancel := surface.Subscribe()
		defer cancel()

		if ev, ok := surface.GetInfo(); ok {
			writeSSE(w, ev)
			flusher.Flush()
		}

		ping := time.NewTicker(15 * time.Second)
		defer ping.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				writeSSE(w, ev)
				flusher.Flush()
			case <-ping.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev control.StatusEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: torrent:status\ndata: %s\n\n", b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// writeError maps a Control Surface error to the HTTP status/kind pair
// spec.md §7's Error Kind table describes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "Unknown"
	switch {
	case errors.Is(err, streamerr.ErrInvalidInput):
		status, kind = http.StatusBadRequest, "InvalidInput"
	case errors.Is(err, streamerr.ErrNoActiveSession):
		status, kind = http.StatusConflict, "EngineNotReady"
	case errors.Is(err, streamerr.ErrConnectionTimeout):
		status, kind = http.StatusGatewayTimeout, "ConnectionTimeout"
	case errors.Is(err, streamerr.ErrNoVideoFile):
		status, kind = http.StatusUnprocessableEntity, "NoVideoFile"
	case errors.Is(err, streamerr.ErrFileIndexOutOfRange):
		status, kind = http.StatusBadRequest, "InvalidInput"
	case errors.Is(err, streamerr.ErrRemuxFailure):
		status, kind = http.StatusBadGateway, "RemuxFailure"
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}
