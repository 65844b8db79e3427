// Package app runs a process role: one HTTP server plus the background
// workers behind it, with graceful shutdown on SIGINT/SIGTERM.
package app

import (
	"context"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

const DefaultShutdownTimeout = 5 * time.Second

// Worker is a background component started before Run.
type Worker interface {
	Stop() error
}

// Watched workers end the process when they die on their own.
type Watched interface {
	Worker
	Dead() <-chan struct{}
}

type namedWorker struct {
	name string
	w    Worker
}

type Server struct {
	Name            string
	Addr            string
	Handler         http.Handler
	ShutdownTimeout time.Duration
	Logger          *zap.Logger

	// Listener, when set, is served instead of listening on Addr.
	Listener net.Listener

	workers []namedWorker
	closers []func() error
}

// Add registers a started worker. Workers stop in reverse order of addition,
// after the HTTP server has drained.
func (s *Server) Add(name string, w Worker) {
	s.workers = append(s.workers, namedWorker{name: name, w: w})
}

// OnShutdown registers fn to run after every worker has stopped. Hooks run
// in reverse order of registration.
func (s *Server) OnShutdown(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Run serves until ctx is done, a signal arrives, the server fails or a
// watched worker dies. The returned error is the cause of an abnormal stop.
func (s *Server) Run(ctx context.Context) error {
	if s.Logger == nil {
		s.Logger = zap.L()
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	log := s.Logger.With(zap.String("role", s.Name))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln := s.Listener
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", s.Addr); err != nil {
			s.stopWorkers(log)
			return errors.Annotatef(err, "listening on %s", s.Addr)
		}
	}
	httpServer := &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	var t tomb.Tomb
	t.Go(func() error {
		log.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Annotate(err, "http server")
		}
		return nil
	})
	for _, nw := range s.workers {
		watched, ok := nw.w.(Watched)
		if !ok {
			continue
		}
		name := nw.name
		t.Go(func() error {
			select {
			case <-watched.Dead():
				return errors.Errorf("%s stopped unexpectedly", name)
			case <-t.Dying():
				return nil
			}
		})
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case <-t.Dying():
		log.Error("shutting down after failure", zap.Error(t.Err()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	t.Kill(nil)
	err := t.Wait()

	s.stopWorkers(log)
	return err
}

// Close stops the workers and runs the shutdown hooks of a server that will
// not Run.
func (s *Server) Close() {
	log := s.Logger
	if log == nil {
		log = zap.L()
	}
	s.stopWorkers(log)
}

func (s *Server) stopWorkers(log *zap.Logger) {
	for i := len(s.workers) - 1; i >= 0; i-- {
		nw := s.workers[i]
		if err := nw.w.Stop(); err != nil {
			log.Warn("stopping worker", zap.String("worker", nw.name), zap.Error(err))
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn("shutdown hook", zap.Error(err))
		}
	}
}
