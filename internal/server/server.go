// Package server hosts the pool's optional read-only HTTP surface.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	api "github.com/xmidt-org/devicepool/internal/http"
)

// Config configures the pool status HTTP server.
type Config struct {
	ListenAddr   string         // address to bind (e.g. :8090)
	Pool         api.PoolLister // required
	Logger       *log.Logger    // optional; defaults to log.Default()
	ReadTimeout  time.Duration  // optional
	WriteTimeout time.Duration  // optional
	IdleTimeout  time.Duration  // optional
}

// ErrNilPool is returned by Start when cfg.Pool is nil.
var ErrNilPool = errors.New("pool status server: pool is nil")

// Start starts an HTTP server exposing GET /api/devices from cfg.Pool. It
// returns the *http.Server and a channel that receives a terminal error, if
// any. The server stops when ctx is cancelled.
func Start(ctx context.Context, cfg Config) (*http.Server, <-chan error, error) {
	if cfg.Pool == nil {
		return nil, nil, ErrNilPool
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8090"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/devices", api.DevicesHandler(cfg.Pool))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 10*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}

	errCh := make(chan error, 1)

	go func() {
		cfg.Logger.Printf("pool status API listening on %s (GET /api/devices)", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv, errCh, nil
}

func durationOr(v, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
