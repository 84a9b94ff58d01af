package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"sentinai/internal/api"
)

// handleHTTPServer starts the HTTP server on addr. It shuts down the server
// when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, srv *api.Server, wg *sync.WaitGroup, errc chan error, logger *log.Logger) {
	httpSrv := &http.Server{Addr: addr, Handler: srv, ReadHeaderTimeout: time.Second * 60}
	for _, m := range srv.Mounts {
		logger.Printf("HTTP mounted on %s %s", m.Verb, m.Pattern)
	}

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}
