package httpx

import (
	"context"
	"net"
	"net/http"
	"time"
)

const readHeaderTimeout = 5 * time.Second

// NewServer returns an http.Server serving handler on addr. Request contexts
// are cancelled as soon as Shutdown begins, so open event streams return and
// Shutdown does not wait on them.
func NewServer(addr string, handler http.Handler) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancel)
	return srv
}
