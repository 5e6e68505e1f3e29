package observability

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tphakala/ephys2osc/internal/errors"
	"github.com/tphakala/ephys2osc/internal/logger"
	metricspkg "github.com/tphakala/ephys2osc/internal/observability/metrics"
)

const (
	componentTelemetry = "telemetry"
	readHeaderTimeout  = 5 * time.Second
)

// Endpoint serves the Prometheus-compatible /metrics endpoint.
type Endpoint struct {
	listenAddress string
	metrics       *Metrics
	logger        logger.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// NewEndpoint creates an endpoint for metrics on listenAddress (host:port).
func NewEndpoint(listenAddress string, metrics *Metrics, log logger.Logger) (*Endpoint, error) {
	if listenAddress == "" {
		return nil, errors.Newf("telemetry listen address is empty").
			Component(componentTelemetry).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if metrics == nil {
		return nil, errors.Newf("telemetry endpoint requires metrics").
			Component(componentTelemetry).
			Category(errors.CategoryValidation).
			Build()
	}
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Endpoint{
		listenAddress: listenAddress,
		metrics:       metrics,
		logger:        log.Module(componentTelemetry),
	}, nil
}

// Start binds the listen address and serves in the background. Bind failures are
// returned directly.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.server != nil {
		return errors.Newf("telemetry endpoint already started").
			Component(componentTelemetry).
			Category(errors.CategoryState).
			Build()
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", e.listenAddress)
	if err != nil {
		return errors.New(err).
			Component(componentTelemetry).
			Category(errors.CategoryNetwork).
			Context("listen", e.listenAddress).
			Build()
	}

	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	e.listener = ln
	e.done = make(chan struct{})

	server, done := e.server, e.done
	go func() {
		defer close(done)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			e.logger.Error("telemetry HTTP server error", logger.Error(err))
		}
	}()

	e.logger.Info("telemetry endpoint started", logger.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (e *Endpoint) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener != nil {
		return e.listener.Addr().String()
	}
	return e.listenAddress
}

// Stop shuts the server down gracefully. It is safe to call more than once.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	server, done := e.server, e.done
	e.server, e.listener, e.done = nil, nil, nil
	e.mu.Unlock()

	if server == nil {
		return nil
	}

	e.logger.Info("stopping telemetry endpoint")
	ctx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	err := server.Shutdown(ctx)
	<-done
	if err != nil {
		return errors.New(err).
			Component(componentTelemetry).
			Category(errors.CategoryTimeout).
			Build()
	}
	return nil
}

// GetMetrics returns the Metrics instance served by this endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
