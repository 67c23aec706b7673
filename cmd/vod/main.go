// Command vod is the composition root: it wires config, logging, the
// torrent engine adapter, the control surface, and the HTTP transport
// together and runs until interrupted.
//
// Grounded on the teacher's cmd/vod/main.go wiring order (godotenv load
// → config.Load → config.SetupLogging → mux → routes → recover-wrapped
// http.Server → signal.NotifyContext graceful shutdown).
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"

	"streamengine/internal/config"
	"streamengine/internal/control"
	"streamengine/internal/engine"
	"streamengine/internal/httpapi"
	"streamengine/internal/middleware"
)

func main() {
	_ = godotenv.Load(".env")

	config.Load()
	config.SetupLogging()

	adapter, err := engine.NewAdapter()
	if err != nil {
		log.Fatalf("[boot] engine init: %v", err)
	}
	defer adapter.Close()

	surface := control.New(adapter)

	mux := http.NewServeMux()
	httpapi.RegisterRoutes(mux, surface)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			middleware.EnableCORS(w)
			return
		}
		http.NotFound(w, r)
	})

	addr := config.ListenAddr()
	log.Printf("[boot] vod listening on %s trackersMode=%s rawPortMin=%d remuxPortMin=%d",
		addr, config.TrackersMode(), config.RawPortMin(), config.RemuxPortMin())

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	srv := &http.Server{
		Addr:     addr,
		Handler:  middleware.Recover(mux),
		ErrorLog: log.New(log.Writer(), "[http] ", 0),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-rootCtx.Done()
	log.Printf("[boot] shutdown requested")

	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)

	_ = surface.Stop()

	log.Printf("[boot] shutdown complete")
}
