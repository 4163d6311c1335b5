// Package debug serves the optional operator endpoint: liveness, a plain
// text status page and net/http/pprof.
package debug

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "drawbot/internal/runtime/supervisor"
	logx "drawbot/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:6060"
	pprofPrefix = "/debug/pprof/"
)

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - Token is accepted as "Authorization: Bearer <token>" or ?token=.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
}

// Probe reports the process state to the endpoints.
type Probe interface {
	// Healthy returns a non-nil error when /healthz must answer 503.
	Healthy() error
	Status() string
}

type Service struct {
	log   logx.Logger
	probe Probe

	mu   sync.Mutex
	cfg  Config
	srv  *http.Server
	addr string
	sup  *rtsup.Supervisor
}

func New(probe Probe, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{probe: probe, log: log.With(logx.String("comp", "debug"))}
}

// Addr is the bound address, empty when the server is not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Apply starts, stops or restarts the server to match cfg. Safe during hot-reload.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	running := s.srv != nil
	if running && cfg == s.cfg {
		return nil
	}
	if running {
		s.stopLocked(ctx)
	}
	s.cfg = cfg
	if !cfg.Enabled {
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Service) startLocked(ctx context.Context) error {
	cfg := s.cfg
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("debug listen %s: %w", cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:           s.routes(cfg.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// optional observability never takes the app down
		rtsup.WithCancelOnError(false),
	)
	sup.Go("debug.serve", func(context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	sup.Go0("debug.shutdown", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})

	s.srv = srv
	s.sup = sup
	s.addr = ln.Addr().String()
	s.log.Info("debug server started", logx.String("addr", s.addr), logx.Bool("token_set", cfg.Token != ""))
	return nil
}

func (s *Service) stopLocked(ctx context.Context) {
	if s.sup == nil {
		return
	}
	s.sup.Cancel()
	if err := s.sup.Wait(ctx); err != nil {
		_ = s.srv.Close()
	}
	s.srv = nil
	s.sup = nil
	s.addr = ""
	s.log.Info("debug server stopped")
}

func (s *Service) routes(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		if err := s.probe.Healthy(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/statusz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(s.probe.Status()))
	}))

	mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
	mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
	mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	return mux
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
