// Package server wires the wire-protocol endpoint together: routing tree, session
// manager, authentication, the listener lifecycle and the observer API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	sse "github.com/tmaxmax/go-sse"

	"wireagent-go/internal/artifacts"
	"wireagent-go/internal/automation"
	"wireagent-go/internal/binding"
	"wireagent-go/internal/config"
	"wireagent-go/internal/events"
	"wireagent-go/internal/httpd"
	"wireagent-go/internal/session"
	"wireagent-go/internal/vdir"
)

const Version = "0.1.0"

var ErrAlreadyStarted = errors.New("server already started")

// Options carries the collaborators the server drives. Journal and Scripts may be
// nil.
type Options struct {
	Locator  automation.Locator
	Actuator automation.Actuator
	Scripts  automation.ScriptEvaluator
	Runner   session.Runner
	Journal  *events.Journal
	Logger   *slog.Logger
}

type Status struct {
	Running         bool      `json:"running"`
	Address         string    `json:"address"`
	ObserverAddress string    `json:"observerAddress,omitempty"`
	Sessions        int       `json:"sessions"`
	StartedAt       time.Time `json:"startedAt"`
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger

	root      *vdir.Directory
	sessions  *session.Manager
	journal   *events.Journal
	artifacts *artifacts.Store
	metrics   *metrics

	wire        *httpd.Server
	observer    *http.Server
	sseProvider sse.Provider

	mu           sync.Mutex
	running      bool
	closed       bool
	wireAddr     net.Addr
	observerAddr net.Addr
	startedAt    time.Time
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(cfg config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	replayer, err := sse.NewValidReplayer(24*time.Hour, false)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		root:        vdir.New(),
		journal:     opts.Journal,
		metrics:     newMetrics(),
		sseProvider: &sse.Joe{Replayer: replayer},
	}

	observers := commandObservers{s.metrics}
	deps := session.Deps{
		Locator:        opts.Locator,
		Actuator:       opts.Actuator,
		Scripts:        opts.Scripts,
		Runner:         opts.Runner,
		HandoffTimeout: cfg.HandoffTimeout,
		Logger:         logger,
		Metrics:        s.metrics,
	}
	if opts.Journal != nil {
		observers = append(observers, opts.Journal)
		deps.Journal = opts.Journal
		opts.Journal.OnWrite(s.publish)
	}
	deps.Observer = observers
	s.sessions = session.NewManager(deps)
	s.sessions.Mount(s.root)

	s.root.SetResource("status", binding.New(binding.Methods{
		http.MethodGet: binding.Func(s.statusCommand),
	}, binding.WithObserver(observers)))

	if cfg.ArtifactsDir != "" {
		store, err := artifacts.New(cfg.ArtifactsDir)
		if err != nil {
			return nil, err
		}
		s.artifacts = store
		s.root.SetResource("artifacts", artifacts.NewResource(store))
	}

	s.wire = &httpd.Server{
		Handler:     s.root,
		Accept:      s.acceptPeer,
		Observer:    s.metrics,
		Logger:      logger,
		MaxBodySize: cfg.MaxBody,
		IdleTimeout: cfg.IdleTimeout,
	}
	if cfg.AuthUser != "" {
		s.wire.Auth = &httpd.Auth{
			Realm:  cfg.AuthRealm,
			Digest: cfg.Digest,
			Password: func(user string) (string, bool) {
				return cfg.AuthPassword, user == cfg.AuthUser
			},
			Protect: func(path string) bool { return path != "/status" },
		}
	}
	return s, nil
}

// Root is the routing tree served on the wire port.
func (s *Server) Root() *vdir.Directory {
	return s.root
}

func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

func (s *Server) acceptPeer(remote net.Addr) bool {
	tcp, ok := remote.(*net.TCPAddr)
	if !ok {
		return true
	}
	return config.IsAllowedClient(tcp.IP, s.cfg.AllowCIDRs)
}

// Start listens on the configured addresses and serves in the background.
func (s *Server) Start() error {
	wireLn, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		return err
	}
	var observerLn net.Listener
	if s.cfg.ObserverPort > 0 {
		observerLn, err = net.Listen("tcp", net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.ObserverPort)))
		if err != nil {
			_ = wireLn.Close()
			return err
		}
	}
	if err := s.Serve(wireLn, observerLn); err != nil {
		_ = wireLn.Close()
		if observerLn != nil {
			_ = observerLn.Close()
		}
		return err
	}
	return nil
}

// Serve takes ownership of the listeners. observerLn may be nil.
func (s *Server) Serve(wireLn, observerLn net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return httpd.ErrServerClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.running = true
	s.startedAt = time.Now()
	s.wireAddr = wireLn.Addr()
	if observerLn != nil {
		s.observerAddr = observerLn.Addr()
		s.observer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	}
	observer := s.observer
	s.mu.Unlock()

	go func() {
		if err := s.wire.Serve(wireLn); err != nil && !errors.Is(err, httpd.ErrServerClosed) {
			s.logger.Error("wire listener stopped", "error", err)
		}
	}()
	if observer != nil {
		go func() {
			if err := observer.Serve(observerLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("observer listener stopped", "error", err)
			}
		}()
	}
	s.logger.Info("server started", "address", wireLn.Addr().String())
	return nil
}

// Address is the wire port address, empty until the server is started.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wireAddr == nil {
		return ""
	}
	return s.wireAddr.String()
}

func (s *Server) ObserverAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.observerAddr == nil {
		return ""
	}
	return s.observerAddr.String()
}

func (s *Server) Status() Status {
	s.mu.Lock()
	st := Status{Running: s.running && !s.closed, StartedAt: s.startedAt}
	if s.wireAddr != nil {
		st.Address = s.wireAddr.String()
	}
	if s.observerAddr != nil {
		st.ObserverAddress = s.observerAddr.String()
	}
	s.mu.Unlock()
	st.Sessions = len(s.sessions.List())
	return st
}

func (s *Server) statusCommand(ctx context.Context, c *binding.Call) (any, error) {
	st := s.Status()
	return map[string]any{
		"ready":    st.Running,
		"sessions": st.Sessions,
		"build":    map[string]any{"version": Version},
		"os":       map[string]any{"name": runtime.GOOS, "arch": runtime.GOARCH},
	}, nil
}

// Shutdown stops accepting connections, deletes every session and closes the
// observer API. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		observer := s.observer
		s.mu.Unlock()

		var errs []error
		if err := s.wire.Close(); err != nil && !errors.Is(err, httpd.ErrServerClosed) {
			errs = append(errs, err)
		}
		s.sessions.Close()
		if s.journal != nil {
			s.journal.OnWrite(nil)
		}
		if err := s.sseProvider.Shutdown(ctx); err != nil && !errors.Is(err, sse.ErrProviderClosed) {
			errs = append(errs, err)
		}
		if observer != nil {
			if err := observer.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.shutdownErr = errors.Join(errs...)
		s.logger.Info("server stopped")
	})
	return s.shutdownErr
}
