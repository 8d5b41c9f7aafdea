package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/metrics"
	"github.com/amazonlinux/bottlerocket/strapper/pkg/transport"
	"github.com/pkg/errors"
)

const shutdownTimeout = 5 * time.Second

func (s *Supervisor) handler() http.Handler {
	mux := http.NewServeMux()
	if s.cfg.Registry != nil {
		mux.Handle("/metrics", metrics.HTTPHandler(s.cfg.Registry))
	}
	mux.HandleFunc("/healthz", s.serveHealth)
	return mux
}

// serveHealth answers 503 until the agent holds a session.
func (s *Supervisor) serveHealth(w http.ResponseWriter, r *http.Request) {
	h := s.Health()
	w.Header().Set("Content-Type", "application/json")
	if h.Transport != transport.Connected.String() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(h); err != nil {
		s.log.WithError(err).Debug("unable to write health")
	}
}

func (s *Supervisor) serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.MetricsListen)
	if err != nil {
		return errors.Wrap(err, "unable to listen for metrics")
	}
	srv := &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log := s.log.WithField("listen", lis.Addr().String())

	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(lis)
	}()
	log.Info("serving metrics")

	select {
	case err := <-served:
		return errors.Wrap(err, "metrics server stopped")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server did not shut down cleanly")
	}
	return nil
}
