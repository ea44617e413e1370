package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type serviceMetrics struct {
	knownPeers       prometheus.Gauge
	supervisionTicks prometheus.Counter
	pongsSent        prometheus.Counter
}

func newServiceMetrics(reg prometheus.Registerer) *serviceMetrics {
	m := &serviceMetrics{
		knownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paraloom_known_peers",
			Help: "Peers recorded in the peer book",
		}),
		supervisionTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paraloom_supervision_ticks_total",
			Help: "Completed supervision passes",
		}),
		pongsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paraloom_pongs_queued_total",
			Help: "Pong replies queued in answer to a ping",
		}),
	}

	reg.MustRegister(m.knownPeers, m.supervisionTicks, m.pongsSent)

	return m
}

func (s *Service) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))

	return mux
}

// serveMetrics exposes the registry on addr until ctx is done.
func (s *Service) serveMetrics(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Infof("[Service] serving metrics on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("[Service] metrics server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warnf("[Service] error stopping metrics server: %v", err)
	}

	return nil
}
