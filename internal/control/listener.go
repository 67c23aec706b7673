package control

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"streamengine/internal/config"
)

// listenFirstFree binds to the first free loopback TCP port at or above
// min, per spec.md §4.E/§4.F ("first free ≥ 9090"/"≥ 9091").
func listenFirstFree(min int) (net.Listener, int, error) {
	for port := min; port < min+1000; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("control: no free port found starting at %d", min)
}

// stoppableServer pairs an http.Server with the listener it was started
// on, so Stop can shut it down without the caller tracking both.
type stoppableServer struct {
	srv *http.Server
	ln  net.Listener
}

func serveStoppable(ln net.Listener, handler http.Handler) *stoppableServer {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       config.KeepAliveTimeout(),
	}
	s := &stoppableServer{srv: srv, ln: ln}
	go srv.Serve(ln)
	return s
}

func (s *stoppableServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}
