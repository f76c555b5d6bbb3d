// Package httpserver constructs the relay's HTTP server.
package httpserver

import (
	"net/http"
	"time"
)

// New builds the server for the relay's client-facing boundary. The
// header read timeout keeps slow-header clients from pinning
// connections; request deadlines are the router's concern.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
