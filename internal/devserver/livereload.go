package devserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/wolfeidau/bundler/internal/emit"
)

// LiveReload streams a reload event to connected pages after every
// successful emission. It is registered as a post-emit plugin.
type LiveReload struct {
	mu      sync.Mutex
	clients map[chan string]struct{}
	closed  bool
}

func NewLiveReload() *LiveReload {
	return &LiveReload{clients: map[chan string]struct{}{}}
}

func (l *LiveReload) Name() string { return "livereload" }

func (l *LiveReload) PostEmit(_ context.Context, res *emit.Result) error {
	l.Broadcast(res.BuildID)
	return nil
}

// Broadcast sends a reload event to every client. Slow clients that still
// have an event queued are skipped since they will reload anyway.
func (l *LiveReload) Broadcast(buildID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ch := range l.clients {
		select {
		case ch <- buildID:
		default:
		}
	}
}

// Clients returns the number of connected pages.
func (l *LiveReload) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close disconnects every client so the server can shut down.
func (l *LiveReload) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for ch := range l.clients {
		close(ch)
		delete(l.clients, ch)
	}
}

func (l *LiveReload) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ch, ok := l.subscribe()
	if !ok {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer l.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Live reload requires a flushable response")
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case id, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: reload\ndata: %s\n\n", id); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (l *LiveReload) subscribe() (chan string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, false
	}
	ch := make(chan string, 1)
	l.clients[ch] = struct{}{}
	return ch, true
}

func (l *LiveReload) unsubscribe(ch chan string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.clients[ch]; ok {
		delete(l.clients, ch)
		close(ch)
	}
}
