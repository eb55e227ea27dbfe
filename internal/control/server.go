// Package control is the operator HTTP surface: health, ownership status, the
// last pairing code, the action queue, Prometheus metrics and optional pprof.
package control

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/metrics"
	"relaybot/internal/owner"
	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/pkg/logx"
)

// ErrInsecureBind is returned by Start for a non-loopback address without a
// token unless AllowInsecure is set.
var ErrInsecureBind = errors.New("control: non-loopback addr requires token or allow_insecure")

type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Metrics       bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Status is what the control surface needs from the owner controller.
type Status interface {
	Status() owner.Status
	QR() (string, time.Time)
}

type Actions interface {
	Enqueue(ctx context.Context, kind storage.ActionKind, reason, requestedBy string) (storage.Action, error)
	List(ctx context.Context, limit int) ([]storage.Action, error)
}

type Server struct {
	cfg     Config
	status  Status
	actions Actions
	metrics *metrics.Metrics
	log     logx.Logger

	mu   sync.Mutex
	ln   net.Listener
	srv  *http.Server
	sup  *supervisor.Supervisor
	addr string
}

func New(cfg Config, status Status, actions Actions, m *metrics.Metrics, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8089"
	}
	return &Server{cfg: cfg, status: status, actions: actions, metrics: m, log: log.Or().Component("control")}
}

// Start binds the listener and serves in the background until Stop or ctx
// ends. It is a no-op when already running.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if s.cfg.Token == "" && !config.IsLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			s.log.Error("control refused to start", logx.String("addr", addr), logx.Err(ErrInsecureBind))
			return ErrInsecureBind
		}
		s.log.Warn("control running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.ln, s.srv, s.sup = ln, srv, sup
	s.addr = ln.Addr().String()

	sup.Go("control.http", func(ctx context.Context) error {
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(sctx)
			cancel()
		}()
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
			return nil
		}
		return err
	})
	s.log.Info("control started",
		logx.String("addr", s.addr),
		logx.Bool("token_set", s.cfg.Token != ""),
		logx.Bool("metrics", s.cfg.Metrics),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	return nil
}

// Addr is the bound address, useful with port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stop shuts the server down, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	sup.Cancel()
	if werr := sup.Wait(ctx); err == nil {
		err = werr
	}
	s.log.Info("control stopped")
	return err
}
