// Package exporter exposes usage gauges for Prometheus scraping. It polls
// both providers through the cache-aware fetcher, so scrape intervals
// shorter than the cache TTL cost no extra upstream requests.
package exporter

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmax-ai/usagebar/pkg/cache"
	"github.com/rmax-ai/usagebar/pkg/fetch"
	"github.com/rmax-ai/usagebar/pkg/provider"
)

var (
	windowUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usagebar_window_utilization",
			Help: "Provider-reported percentage used for a usage window",
		},
		[]string{"provider", "window"},
	)

	windowReset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usagebar_window_reset_timestamp_seconds",
			Help: "Unix time when a usage window resets",
		},
		[]string{"provider", "window"},
	)

	fetchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usagebar_fetch_errors_total",
			Help: "Total fetches that ended in a terminal error status",
		},
		[]string{"provider", "status"},
	)
)

func init() {
	prometheus.MustRegister(windowUtilization)
	prometheus.MustRegister(windowReset)
	prometheus.MustRegister(fetchErrors)
}

// Exporter polls providers on an interval and serves /metrics.
type Exporter struct {
	fetcher   *fetch.Fetcher
	providers []provider.Provider
	interval  time.Duration
	addr      string
}

// New creates an exporter. Interval must be positive.
func New(fetcher *fetch.Fetcher, providers []provider.Provider, addr string, interval time.Duration) *Exporter {
	return &Exporter{
		fetcher:   fetcher,
		providers: providers,
		interval:  interval,
		addr:      addr,
	}
}

// Run polls until the context is cancelled while serving /metrics and
// /healthz on the configured address.
func (e *Exporter) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: e.addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Printf("exporter listening on %s", e.addr)

	e.pollAll(ctx)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
			return nil
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		case <-ticker.C:
			e.pollAll(ctx)
		}
	}
}

func (e *Exporter) pollAll(ctx context.Context) {
	for _, prov := range e.providers {
		entry := e.fetcher.Fetch(ctx, prov)
		Observe(entry)
	}
}

// Observe updates the gauges from one entry.
func Observe(entry *cache.Entry) {
	id := string(entry.Provider)
	if entry.Status != provider.StatusOK {
		fetchErrors.WithLabelValues(id, string(entry.Status)).Inc()
		return
	}
	windowUtilization.WithLabelValues(id, "five_hour").Set(entry.FiveHour.Utilization)
	windowUtilization.WithLabelValues(id, "seven_day").Set(entry.SevenDay.Utilization)
	if entry.FiveHour.ResetsAt != nil {
		windowReset.WithLabelValues(id, "five_hour").Set(float64(entry.FiveHour.ResetsAt.Unix()))
	}
	if entry.SevenDay.ResetsAt != nil {
		windowReset.WithLabelValues(id, "seven_day").Set(float64(entry.SevenDay.ResetsAt.Unix()))
	}
}
