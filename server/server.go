// Package server exposes the inspector and the content store over HTTP: a
// JSON API under /api and a Connect InspectionService, served on the same
// port.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/peephole/bridge"
	"github.com/chazu/peephole/content"
	"github.com/chazu/peephole/export"
	"github.com/chazu/peephole/handles"
	"github.com/chazu/peephole/inspector"
	"github.com/chazu/peephole/introspect"
)

var log = commonlog.GetLogger("peephole.server")

// RootSource is one named entry point into the host's object graph. Get
// runs on the owner goroutine.
type RootSource struct {
	Name string
	Get  func() (any, error)
}

// Server serves one host process. All host reads go through the runner.
type Server struct {
	run       bridge.Runner
	registry  *handles.Registry
	inspector *inspector.Inspector
	roots     []RootSource
	content   *content.Service
	exporter  *export.Exporter
	images    ImageEncoder

	allowOrigin string
	callTimeout time.Duration
	baseCtx     context.Context

	mux *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithRoots adds named roots.
func WithRoots(roots ...RootSource) Option {
	return func(s *Server) { s.roots = append(s.roots, roots...) }
}

// WithContent enables the /api/blueprints routes.
func WithContent(svc *content.Service) Option {
	return func(s *Server) { s.content = svc }
}

// WithExporter enables POST /api/export.
func WithExporter(e *export.Exporter) Option {
	return func(s *Server) { s.exporter = e }
}

// WithImageEncoder replaces the PNG encoder used by the image routes.
func WithImageEncoder(enc ImageEncoder) Option {
	return func(s *Server) { s.images = enc }
}

// WithIntrospector replaces the reflection walker used for inspection.
func WithIntrospector(in introspect.Introspector) Option {
	return func(s *Server) {
		s.inspector = inspector.New(s.registry, inspector.WithIntrospector(in))
	}
}

// WithAllowOrigin sets the Access-Control-Allow-Origin header value.
func WithAllowOrigin(origin string) Option {
	return func(s *Server) { s.allowOrigin = origin }
}

// WithCallTimeout bounds how long a request waits for the owner goroutine.
// The queued work still runs when the wait gives up.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Server) { s.callTimeout = d }
}

// New creates a Server over registry. A nil runner reads the host inline.
func New(run bridge.Runner, registry *handles.Registry, opts ...Option) *Server {
	if run == nil {
		run = bridge.Inline{}
	}
	if registry == nil {
		registry = handles.NewRegistry()
	}
	s := &Server{
		run:         run,
		registry:    registry,
		inspector:   inspector.New(registry),
		images:      PNGEncoder{},
		allowOrigin: "*",
		baseCtx:     context.Background(),
		mux:         http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()

	// Register Connect service handlers
	for path, h := range NewInspectionServiceHandlers(s) {
		s.mux.Handle(path, h)
	}
	return s
}

// Registry returns the handle registry.
func (s *Server) Registry() *handles.Registry { return s.registry }

// Handler returns the root handler with CORS and panic recovery applied.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.cors(s.mux))
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warningf("shutdown: %s", err)
		}
	}()

	log.Infof("peephole listening on %s", ln.Addr())
	log.Infof("  JSON API:  http://%s/api/roots", ln.Addr())
	log.Infof("  Connect:   http://%s%s", ln.Addr(), InspectionServiceInspectProcedure)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// call derives the context a request waits on the owner with.
func (s *Server) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout > 0 {
		return context.WithTimeout(ctx, s.callTimeout)
	}
	return ctx, func() {}
}
