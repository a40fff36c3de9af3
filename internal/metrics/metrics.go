// Package metrics holds the prometheus collectors of the dataplane and the
// HTTP endpoint that exposes them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	Namespace = "lbnat"

	SubsystemDatapath  = "datapath"
	SubsystemConntrack = "conntrack"

	LabelHook   = "hook"
	LabelReason = "reason"
)

var (
	registry = prometheus.NewPedanticRegistry()

	// Packets counts packets seen by each hook, by the translator branch that handled them.
	Packets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemDatapath,
		Name:      "packets_total",
		Help:      "Packets processed by a hook, labelled by the translation outcome",
	}, []string{LabelHook, LabelReason})

	// ForwardErrors counts frames that could not be written to the forwarding endpoint.
	ForwardErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemDatapath,
		Name:      "forward_errors_total",
		Help:      "Frames that could not be written to the outgoing endpoint",
	}, []string{LabelHook})

	ConntrackUpserts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemConntrack,
		Name:      "upserts_total",
		Help:      "Records written to the connection table",
	})

	ConntrackEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: SubsystemConntrack,
		Name:      "evictions_total",
		Help:      "Records removed from the connection table by capacity pressure or expiry",
	})

	// ConntrackEntries is refreshed periodically by the dataplane.
	ConntrackEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: SubsystemConntrack,
		Name:      "entries",
		Help:      "Records currently held by the connection table",
	})
)

func init() {
	registry.MustRegister(Packets, ForwardErrors, ConntrackUpserts, ConntrackEvictions, ConntrackEntries)
}

// Handler serves the dataplane registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Serve exposes Handler on addr until ctx is cancelled.
func Serve(ctx context.Context, logger *zap.SugaredLogger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Serving metrics on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
