package devserver

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/emit"
	"github.com/wolfeidau/bundler/internal/plugin"
)

type fakePipeline struct {
	plugins *plugin.Registry
}

func (f *fakePipeline) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "generated index")
	}
}

func (f *fakePipeline) Plugins() *plugin.Registry { return f.plugins }

func newServer(t *testing.T, mutate func(*config.Config)) (*Server, *fakePipeline, config.Config) {
	t.Helper()

	cfg := config.Default(t.TempDir(), config.Development)
	require.NoError(t, os.MkdirAll(cfg.Output.Dir, 0o755))
	if mutate != nil {
		mutate(&cfg)
	}

	registry, err := plugin.New(cfg)
	require.NoError(t, err)
	fp := &fakePipeline{plugins: registry}

	s, err := New(cfg, fp)
	require.NoError(t, err)
	return s, fp, cfg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestServeStatic(t *testing.T) {
	s, _, cfg := newServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output.Dir, "bundle.js"), []byte("console.log(1)"), 0o644))

	w := get(t, s.Handler(), "/bundle.js")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "console.log(1)", w.Body.String())
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	require.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/missing.js").Code)
}

func TestIndexFallback(t *testing.T) {
	s, _, cfg := newServer(t, nil)

	w := get(t, s.Handler(), "/")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "generated index", w.Body.String())

	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output.Dir, "index.html"), []byte("<html>page</html>"), 0o644))
	w = get(t, s.Handler(), "/")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "<html>page</html>", w.Body.String())
}

func TestProxy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/login" {
			http.Redirect(w, r, "http://"+r.Host+"/api/session", http.StatusFound)
			return
		}
		_, _ = io.WriteString(w, r.Host+" "+r.URL.Path)
	}))
	defer backend.Close()
	backendHost := strings.TrimPrefix(backend.URL, "http://")

	t.Run("change origin", func(t *testing.T) {
		s, _, _ := newServer(t, func(c *config.Config) {
			c.DevServer.Proxy = []config.ProxyRule{{Prefix: "/api", Target: backend.URL, ChangeOrigin: true}}
		})

		w := get(t, s.Handler(), "/api/users")
		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, backendHost+" /api/users", w.Body.String())
	})

	t.Run("keep origin", func(t *testing.T) {
		s, _, _ := newServer(t, func(c *config.Config) {
			c.DevServer.Proxy = []config.ProxyRule{{Prefix: "/api/", Target: backend.URL}}
		})

		w := get(t, s.Handler(), "/api")
		require.Equal(t, "example.com /api", w.Body.String())

		// not under the prefix
		require.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/apix").Code)
	})

	t.Run("auto rewrite", func(t *testing.T) {
		s, _, _ := newServer(t, func(c *config.Config) {
			c.DevServer.Proxy = []config.ProxyRule{{Prefix: "/api", Target: backend.URL, ChangeOrigin: true, AutoRewrite: true}}
		})

		w := get(t, s.Handler(), "/api/login")
		require.Equal(t, http.StatusFound, w.Code)
		require.Equal(t, "http://example.com/api/session", w.Header().Get("Location"))
	})

	t.Run("without rewrite", func(t *testing.T) {
		s, _, _ := newServer(t, func(c *config.Config) {
			c.DevServer.Proxy = []config.ProxyRule{{Prefix: "/api", Target: backend.URL, ChangeOrigin: true}}
		})

		w := get(t, s.Handler(), "/api/login")
		require.Equal(t, backend.URL+"/api/session", w.Header().Get("Location"))
	})

	t.Run("backend down", func(t *testing.T) {
		s, _, _ := newServer(t, func(c *config.Config) {
			c.DevServer.Proxy = []config.ProxyRule{{Prefix: "/api", Target: "http://127.0.0.1:1"}}
		})
		require.Equal(t, http.StatusBadGateway, get(t, s.Handler(), "/api/users").Code)
	})
}

func TestNewInvalidProxy(t *testing.T) {
	cfg := config.Default(t.TempDir(), config.Development)
	registry, err := plugin.New(cfg)
	require.NoError(t, err)

	for _, rule := range []config.ProxyRule{
		{Prefix: "api", Target: "http://localhost:8080"},
		{Prefix: "/api", Target: "localhost:8080"},
	} {
		cfg.DevServer.Proxy = []config.ProxyRule{rule}
		_, err := New(cfg, &fakePipeline{plugins: registry})
		require.Error(t, err)
	}
}

func TestCORS(t *testing.T) {
	s, _, cfg := newServer(t, func(c *config.Config) {
		c.DevServer.CORSOrigins = []string{"http://localhost:8080"}
	})
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Output.Dir, "bundle.js"), []byte("x"), 0o644))

	r := httptest.NewRequest(http.MethodGet, "/bundle.js", nil)
	r.Header.Set("Origin", "http://localhost:8080")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, "http://localhost:8080", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestLiveReload(t *testing.T) {
	s, fp, _ := newServer(t, nil)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.reload.Close()

	resp, err := http.Get(ts.URL + plugin.LiveReloadPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return s.reload.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, fp.plugins.PostEmit(context.Background(), &emit.Result{BuildID: "build-1"}))

	var got []string
	for len(got) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line = strings.TrimSpace(line); line != "" {
			got = append(got, line)
		}
	}
	require.Equal(t, []string{"event: reload", "data: build-1"}, got)
}

func TestLiveReloadClosed(t *testing.T) {
	lr := NewLiveReload()
	lr.Close()

	w := httptest.NewRecorder()
	lr.ServeHTTP(w, httptest.NewRequest(http.MethodGet, plugin.LiveReloadPath, nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	lr.Broadcast("ignored")
}

func TestLiveReloadDisabled(t *testing.T) {
	s, _, _ := newServer(t, func(c *config.Config) { c.DevServer.LiveReload = false })
	require.Nil(t, s.reload)
	require.Equal(t, http.StatusNotFound, get(t, s.Handler(), plugin.LiveReloadPath).Code)
}
