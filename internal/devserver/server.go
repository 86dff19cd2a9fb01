// Package devserver serves the build output during development, proxies
// backend routes and pushes live reload events to open pages.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfeidau/bundler/internal/config"
	bhttp "github.com/wolfeidau/bundler/internal/http"
	"github.com/wolfeidau/bundler/internal/plugin"
)

// Pipeline is the part of the asset pipeline the server depends on.
type Pipeline interface {
	Handler() http.HandlerFunc
	Plugins() *plugin.Registry
}

type Server struct {
	cfg      config.Config
	pipeline Pipeline
	proxies  []*proxy
	reload   *LiveReload
	static   http.Handler
}

// New creates the server and, when live reload is on, registers the reload
// broadcaster as a post-emit plugin of the pipeline.
func New(cfg config.Config, pipeline Pipeline) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		static:   http.FileServer(http.Dir(cfg.Output.Dir)),
	}

	for _, rule := range cfg.DevServer.Proxy {
		p, err := newProxy(rule)
		if err != nil {
			return nil, err
		}
		s.proxies = append(s.proxies, p)
	}

	if cfg.DevServer.LiveReload {
		s.reload = NewLiveReload()
		pipeline.Plugins().Add(s.reload)
	}

	return s, nil
}

// Handler returns the root handler with tracing, logging and CORS applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(s.route)
	h = otelhttp.NewHandler(h, "bundler.devserver",
		otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != plugin.LiveReloadPath }))
	if len(s.cfg.DevServer.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.cfg.DevServer.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
			AllowedHeaders: []string{"*"},
		}).Handler(h)
	}
	h = bhttp.RequestLogger(log.Logger)(h)
	return bhttp.ClientIPMiddleware()(h)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if s.reload != nil && r.URL.Path == plugin.LiveReloadPath {
		s.reload.ServeHTTP(w, r)
		return
	}
	for _, p := range s.proxies {
		if p.matches(r.URL.Path) {
			p.handler.ServeHTTP(w, r)
			return
		}
	}

	w.Header().Set("Cache-Control", "no-store")
	if r.URL.Path == "/" || r.URL.Path == "/index.html" {
		if _, err := os.Stat(filepath.Join(s.cfg.Output.Dir, "index.html")); err != nil {
			s.pipeline.Handler()(w, r)
			return
		}
	}
	s.static.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done and then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := configureHTTPServer(s.cfg.DevServer.Addr(), s.Handler())
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", "http://"+srv.Addr).Msg("Dev server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("dev server failed: %w", err)
	case <-ctx.Done():
	}

	if s.reload != nil {
		s.reload.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dev server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("Dev server stopped")
	return nil
}

// configureHTTPServer leaves WriteTimeout unset since live reload streams
// stay open for the life of the page.
func configureHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024,
	}
}
