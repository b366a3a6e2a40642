// Package server manages the lifecycle of a finarchive command: signal
// handling, ordered resource cleanup, and the optional metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Lifecycle closes registered resources once, in reverse order of
// registration.
type Lifecycle struct {
	closers   []io.Closer
	closersMu sync.Mutex
	closeOnce sync.Once
	closeErr  error
	logger    *zap.Logger
}

// NewLifecycle creates an empty lifecycle.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{logger: logger}
}

// RegisterCloser adds a closer to be called by Close.
// Closers are called in reverse order of registration (LIFO).
func (l *Lifecycle) RegisterCloser(closer io.Closer) {
	l.closersMu.Lock()
	defer l.closersMu.Unlock()
	l.closers = append(l.closers, closer)
}

// Close closes every registered closer and returns the first error.
// Later calls return the same result.
func (l *Lifecycle) Close() error {
	l.closeOnce.Do(func() {
		l.closersMu.Lock()
		closers := l.closers
		l.closersMu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				l.logger.Warn("close failed", zap.Error(err))
				if l.closeErr == nil {
					l.closeErr = fmt.Errorf("close failed: %w", err)
				}
			}
		}
	})
	return l.closeErr
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM. A long
// backfill stops its workers and returns instead of being killed mid-write.
func SignalContext(ctx context.Context, logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			if logger != nil {
				logger.Info("received signal, cancelling", zap.String("signal", sig.String()))
			}
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// MetricsServer serves /metrics for one registry in the background.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	errCh    chan error
}

// StartMetricsServer listens on addr and serves the registry's metrics.
func StartMetricsServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) (*MetricsServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ms := &MetricsServer{
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		listener: ln,
		errCh:    make(chan error, 1),
	}
	go func() {
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
			ms.errCh <- err
		}
		close(ms.errCh)
	}()
	logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	return ms, nil
}

// Addr returns the bound address.
func (ms *MetricsServer) Addr() string {
	return ms.listener.Addr().String()
}

// Close shuts the server down gracefully.
func (ms *MetricsServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ms.server.Shutdown(ctx); err != nil {
		return err
	}
	return <-ms.errCh
}

// CloserFunc is an adapter to allow ordinary functions to be used as io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}
