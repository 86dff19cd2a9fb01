package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/bundler/internal/config"
)

// proxy forwards requests under a path prefix to a backend.
type proxy struct {
	prefix  string
	handler *httputil.ReverseProxy
}

func newProxy(rule config.ProxyRule) (*proxy, error) {
	if rule.Prefix == "" || !strings.HasPrefix(rule.Prefix, "/") {
		return nil, fmt.Errorf("proxy prefix must start with a slash: %q", rule.Prefix)
	}
	target, err := url.Parse(rule.Target)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy target %q: %w", rule.Target, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("proxy target needs a scheme and host: %q", rule.Target)
	}

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if !rule.ChangeOrigin {
				pr.Out.Host = pr.In.Host
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			zerolog.Ctx(r.Context()).Error().Err(err).Str("target", rule.Target).Msg("Proxy request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	if rule.AutoRewrite {
		rp.ModifyResponse = rewriteLocation(target)
	}

	return &proxy{prefix: strings.TrimSuffix(rule.Prefix, "/"), handler: rp}, nil
}

func (p *proxy) matches(path string) bool {
	return path == p.prefix || strings.HasPrefix(path, p.prefix+"/")
}

// rewriteLocation points redirects issued by the backend back at the dev
// server so the browser stays on the same origin.
func rewriteLocation(target *url.URL) func(*http.Response) error {
	return func(resp *http.Response) error {
		switch resp.StatusCode {
		case http.StatusCreated, http.StatusMovedPermanently, http.StatusFound,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		default:
			return nil
		}

		loc := resp.Header.Get("Location")
		if loc == "" {
			return nil
		}
		u, err := url.Parse(loc)
		if err != nil {
			return errors.New("backend sent an invalid Location header")
		}
		if u.Host != target.Host {
			return nil
		}

		host := resp.Request.Header.Get("X-Forwarded-Host")
		if host == "" {
			return nil
		}
		u.Host = host
		u.Scheme = resp.Request.Header.Get("X-Forwarded-Proto")
		if u.Scheme == "" {
			u.Scheme = "http"
		}
		resp.Header.Set("Location", u.String())
		return nil
	}
}
