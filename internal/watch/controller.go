// Package watch keeps a build live: it watches the project tree, batches
// file changes and runs incremental rebuilds through a Builder.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/wolfeidau/bundler/internal/config"
	"github.com/wolfeidau/bundler/internal/emit"
)

// State is the lifecycle state of a Controller.
type State int32

const (
	StateIdle State = iota
	StateBuilding
	StateWatching
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateWatching:
		return "watching"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Builder runs build passes. *assets.Pipeline satisfies it.
type Builder interface {
	Build(ctx context.Context) (*emit.Result, error)
	Rebuild(ctx context.Context, paths []string) (*emit.Result, error)
	WatchedFiles() []string
}

const maxBatchPaths = 512

// Controller drives a Builder from filesystem events.
type Controller struct {
	builder Builder
	cfg     config.Config

	state   atomic.Int32
	watcher *fsnotify.Watcher
	dirs    map[string]bool
	tracked map[string]bool

	// changes collects flushed batches until Run takes them; notify has
	// room for one wakeup so flushing never blocks.
	changesMu sync.Mutex
	changes   []string
	notify    chan struct{}
}

// pass is one Build or Rebuild running in its own goroutine.
type pass struct {
	paths  []string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func New(builder Builder, cfg config.Config) *Controller {
	return &Controller{
		builder: builder,
		cfg:     cfg,
		dirs:    map[string]bool{},
		tracked: map[string]bool{},
		notify:  make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Run performs an initial build and then rebuilds on every batch of changes
// until ctx is done. Failed passes are logged and never end the loop.
func (c *Controller) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer w.Close()
	c.watcher = w

	if err := c.watchTree(ctx, c.cfg.Context); err != nil {
		return err
	}

	batcher := NewChangeBatcher(c.cfg.Watch.Debounce, maxBatchPaths, c.queueChanges)

	log.Info().Str("context", c.cfg.Context).Int("dirs", len(c.dirs)).Msg("Watching for changes")

	cur := c.start(ctx, nil)
	for {
		select {
		case <-ctx.Done():
			if cur != nil {
				cur.cancel()
				<-cur.done
			}
			batcher.Stop()
			c.state.Store(int32(StateIdle))
			log.Info().Msg("Watch stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			c.handleEvent(ctx, ev, batcher)

		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-c.notify:
			paths := c.takeChanges()
			if len(paths) == 0 {
				continue
			}
			if cur != nil {
				select {
				case <-cur.done:
					c.finish(ctx, cur)
				default:
					log.Info().Strs("paths", paths).Msg("Cancelling superseded build")
					cur.cancel()
					<-cur.done
					if errors.Is(cur.err, context.Canceled) {
						paths = union(cur.paths, paths)
					} else {
						c.finish(ctx, cur)
					}
				}
			}
			cur = c.start(ctx, paths)

		case <-doneOf(cur):
			c.finish(ctx, cur)
			cur = nil
		}
	}
}

// queueChanges records a flushed batch and wakes Run without blocking.
func (c *Controller) queueChanges(paths []string) {
	c.changesMu.Lock()
	c.changes = union(c.changes, paths)
	c.changesMu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Controller) takeChanges() []string {
	c.changesMu.Lock()
	defer c.changesMu.Unlock()
	paths := c.changes
	c.changes = nil
	return paths
}

// start launches a pass. A nil path list requests a full build.
func (c *Controller) start(ctx context.Context, paths []string) *pass {
	c.state.Store(int32(StateBuilding))

	passCtx, cancel := context.WithCancel(ctx)
	p := &pass{paths: paths, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer cancel()
		if paths == nil {
			_, p.err = c.builder.Build(passCtx)
			return
		}
		_, p.err = c.builder.Rebuild(passCtx, paths)
	}()
	return p
}

// finish records the outcome of a completed pass and refreshes the set of
// tracked files.
func (c *Controller) finish(ctx context.Context, p *pass) {
	switch {
	case p.err == nil:
		log.Debug().Int("changed", len(p.paths)).Msg("Build pass finished")
	case errors.Is(p.err, context.Canceled):
		log.Debug().Msg("Build pass cancelled")
	default:
		log.Error().Err(p.err).Msg("Build failed, waiting for changes")
	}

	c.tracked = map[string]bool{}
	for _, f := range c.builder.WatchedFiles() {
		f = filepath.Clean(f)
		c.tracked[f] = true
		// Files outside the project tree, such as aliased directories, need
		// their own watch.
		if dir := filepath.Dir(f); !c.dirs[dir] && !within(c.cfg.Context, dir) {
			if err := c.watchDir(ctx, dir); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("Failed to watch directory")
			}
		}
	}

	c.state.Store(int32(StateWatching))
}

func (c *Controller) handleEvent(ctx context.Context, ev fsnotify.Event, batcher *ChangeBatcher) {
	path := filepath.Clean(ev.Name)
	if c.ignored(path) {
		return
	}
	if ev.Op == fsnotify.Chmod {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := c.watchTree(ctx, path); err != nil {
				log.Warn().Err(err).Str("dir", path).Msg("Failed to watch new directory")
			}
			return
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		delete(c.dirs, path)
	}

	if !c.relevant(path, ev) {
		return
	}

	log.Debug().Str("path", path).Str("op", ev.Op.String()).Msg("File changed")
	if err := batcher.Add(path); err != nil {
		log.Debug().Err(err).Msg("Dropping change")
	}
}

// relevant reports whether a change can affect the graph: the file is a
// tracked module, or it is new and may satisfy an unresolved import.
func (c *Controller) relevant(path string, ev fsnotify.Event) bool {
	if len(c.tracked) == 0 || c.tracked[path] {
		return true
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}

func (c *Controller) ignored(path string) bool {
	if within(c.cfg.Output.Dir, path) {
		return true
	}
	rel, err := filepath.Rel(c.cfg.Context, path)
	if err != nil || !filepath.IsLocal(rel) {
		return false
	}
	for part := range strings.SplitSeq(filepath.ToSlash(rel), "/") {
		if slices.Contains(c.cfg.Watch.Ignore, part) {
			return true
		}
	}
	return false
}

// watchTree adds root and every directory below it that is not ignored.
func (c *Controller) watchTree(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if c.ignored(path) {
			return filepath.SkipDir
		}
		return c.watchDir(ctx, path)
	})
}

// watchDir registers a directory, retrying transient failures such as
// hitting the inotify limit while old watches are still being released.
func (c *Controller) watchDir(ctx context.Context, dir string) error {
	if c.dirs[dir] {
		return nil
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.watcher.Add(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(4))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	c.dirs[dir] = true
	return nil
}

func doneOf(p *pass) <-chan struct{} {
	if p == nil {
		return nil
	}
	return p.done
}

// within reports whether path is dir or below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && filepath.IsLocal(rel)
}

func union(a, b []string) []string {
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}
