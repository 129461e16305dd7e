package commands

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendermint/bloomsync/config"
	"github.com/tendermint/bloomsync/libs/log"
)

// listen opens a listener for an address of the form "tcp://host:port" or
// "host:port".
func listen(addr string) (net.Listener, error) {
	proto, address := "tcp", addr
	if parts := strings.SplitN(addr, "://", 2); len(parts) == 2 {
		proto, address = parts[0], parts[1]
	}
	return net.Listen(proto, address)
}

// startPrometheusServer serves the default registry on the configured
// address until ctx ends.
func startPrometheusServer(ctx context.Context, logger log.Logger, cfg *config.InstrumentationConfig) {
	srv := &http.Server{
		Addr: cfg.PrometheusListenAddr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: cfg.MaxOpenConnections},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Error("prometheus HTTP server Shutdown", "err", err)
		}
	}()
}
