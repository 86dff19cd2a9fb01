package watch

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ChangeBatcher collects changed paths and flushes them once no new change
// has arrived for the debounce interval, or when the batch reaches its size
// limit. Editors often write a file several times per save; batching turns
// that into one rebuild.
type ChangeBatcher struct {
	mu sync.Mutex

	debounce time.Duration
	maxPaths int

	pending map[string]struct{}
	timer   *time.Timer
	stopCh  chan struct{}

	onFlush func([]string)
}

// NewChangeBatcher creates a batcher that passes sorted, distinct paths to
// onFlush. onFlush may run on the timer goroutine.
func NewChangeBatcher(debounce time.Duration, maxPaths int, onFlush func([]string)) *ChangeBatcher {
	if maxPaths < 1 {
		maxPaths = 256
	}
	return &ChangeBatcher{
		debounce: debounce,
		maxPaths: maxPaths,
		pending:  map[string]struct{}{},
		stopCh:   make(chan struct{}),
		onFlush:  onFlush,
	}
}

// Add records a changed path and restarts the debounce timer.
func (b *ChangeBatcher) Add(path string) error {
	b.mu.Lock()
	select {
	case <-b.stopCh:
		b.mu.Unlock()
		return fmt.Errorf("change batcher is stopped")
	default:
	}

	var paths []string
	b.pending[path] = struct{}{}
	if len(b.pending) >= b.maxPaths {
		paths = b.takeLocked("max_paths")
	} else {
		b.startTimer()
	}
	b.mu.Unlock()

	b.deliver(paths)
	return nil
}

// Flush hands pending paths to onFlush immediately.
func (b *ChangeBatcher) Flush() {
	b.mu.Lock()
	paths := b.takeLocked("manual_flush")
	b.mu.Unlock()

	b.deliver(paths)
}

// Stop discards the timer and flushes what is pending. Later calls to Add fail.
func (b *ChangeBatcher) Stop() {
	b.mu.Lock()
	select {
	case <-b.stopCh:
		b.mu.Unlock()
		return
	default:
		close(b.stopCh)
	}
	paths := b.takeLocked("shutdown")
	b.mu.Unlock()

	b.deliver(paths)
}

// takeLocked stops the timer and removes the pending paths, sorted. Must be
// called with the lock held; the paths are delivered after unlocking so
// onFlush never runs under the lock.
func (b *ChangeBatcher) takeLocked(reason string) []string {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return nil
	}

	paths := make([]string, 0, len(b.pending))
	for p := range b.pending {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	b.pending = map[string]struct{}{}

	log.Debug().Int("paths", len(paths)).Str("reason", reason).Msg("Flushing change batch")
	return paths
}

func (b *ChangeBatcher) deliver(paths []string) {
	if len(paths) > 0 {
		b.onFlush(paths)
	}
}

// startTimer must be called with the lock held.
func (b *ChangeBatcher) startTimer() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.debounce, func() {
		b.mu.Lock()
		select {
		case <-b.stopCh:
			b.mu.Unlock()
			return
		default:
		}
		paths := b.takeLocked("debounce")
		b.mu.Unlock()

		b.deliver(paths)
	})
}
