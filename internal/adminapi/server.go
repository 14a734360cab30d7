package adminapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	rtsup "studiobot/internal/runtime/supervisor"
	logx "studiobot/pkg/logx"
)

const defaultAddr = "127.0.0.1:8088"

// Config controls the listener. A non-loopback Addr needs Token unless
// AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	// Pprof mounts net/http/pprof under /debug/pprof behind the same token.
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var ErrInsecureBind = errors.New("admin api refused to start: non-loopback addr requires token or allow_insecure")

// Server runs the admin router under a supervisor restart loop.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
	ready    chan struct{}
}

func NewServer(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	deps.Token = cfg.Token
	return &Server{cfg: cfg, deps: deps, log: log, ready: make(chan struct{})}
}

// Supervisor returns the server's supervisor, nil when stopped.
func (s *Server) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Addr returns the bound address once listening, or "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Ready is closed after the first successful listen.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Handler builds the full handler: the API router plus optional pprof.
func (s *Server) Handler() http.Handler {
	s.mu.Lock()
	cfg, deps := s.cfg, s.deps
	s.mu.Unlock()

	r := Router(deps)
	if cfg.Pprof {
		dbg := r.Group("/debug/pprof", bearer(cfg.Token))
		dbg.GET("/", gin.WrapF(hpprof.Index))
		dbg.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(hpprof.Profile))
		dbg.GET("/symbol", gin.WrapF(hpprof.Symbol))
		dbg.POST("/symbol", gin.WrapF(hpprof.Symbol))
		dbg.GET("/trace", gin.WrapF(hpprof.Trace))
		dbg.GET("/:profile", func(c *gin.Context) {
			hpprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

// Start is idempotent and a no-op when disabled.
func (s *Server) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			continue
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "adminapi"))))
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop shuts the listener down gracefully until ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("adminapi.stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopback(addr) {
		// Not retried: the bind address only changes with a restart.
		s.log.Error("adminapi.insecure_bind", logx.String("addr", addr), logx.Err(ErrInsecureBind))
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()
	select {
	case <-s.ready:
	default:
		close(s.ready)
	}

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("adminapi.started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.ln, s.srv = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("admin api exited unexpectedly")
	}
	return err
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
