package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/drape/drape/internal/common/logger"
	"github.com/drape/drape/internal/events"
	"github.com/drape/drape/internal/events/bus"
)

const watchDebounce = 200 * time.Millisecond

// ignoredDirs are never watched and never reported. They churn constantly
// and nothing downstream cares.
var ignoredDirs = map[string]struct{}{
	"node_modules": {},
	".next":        {},
	".git":         {},
}

// WatcherSet runs one recursive file watcher per active project and publishes
// coalesced change events on the bus.
type WatcherSet struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu     sync.Mutex
	active map[string]*projectWatcher
}

type projectWatcher struct {
	projectID string
	root      string
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	done      chan struct{}
}

func NewWatcherSet(eventBus bus.EventBus, log *logger.Logger) *WatcherSet {
	return &WatcherSet{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "watcher")),
		active: make(map[string]*projectWatcher),
	}
}

// Watch starts watching the project root. Watching an already watched
// project is a no-op.
func (ws *WatcherSet) Watch(projectID, root string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if _, running := ws.active[projectID]; running {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := w.Add(root); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", root, err)
	}

	pw := &projectWatcher{
		projectID: projectID,
		root:      root,
		watcher:   w,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	pw.addSubdirs(root)

	ws.active[projectID] = pw
	go ws.run(pw)

	ws.logger.Debug("file watcher started",
		zap.String("project_id", projectID),
		zap.String("root", root))
	return nil
}

// Stop halts the project's watcher and waits for its loop to exit.
func (ws *WatcherSet) Stop(projectID string) {
	ws.mu.Lock()
	pw, running := ws.active[projectID]
	delete(ws.active, projectID)
	ws.mu.Unlock()

	if running {
		close(pw.stopCh)
		<-pw.done
	}
}

// Close stops every active watcher.
func (ws *WatcherSet) Close() {
	ws.mu.Lock()
	ids := make([]string, 0, len(ws.active))
	for id := range ws.active {
		ids = append(ids, id)
	}
	ws.mu.Unlock()

	for _, id := range ids {
		ws.Stop(id)
	}
}

func (ws *WatcherSet) run(pw *projectWatcher) {
	defer close(pw.done)
	defer pw.watcher.Close()

	pending := make(map[string]fsnotify.Op)
	var timer *time.Timer

	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if pw.ignored(event.Name) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
					pw.addSubdirs(event.Name)
					_ = pw.watcher.Add(event.Name)
				}
			}
			pending[event.Name] |= event.Op
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			ws.logger.Warn("file watcher error",
				zap.String("project_id", pw.projectID), zap.Error(err))

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			ws.publishChanges(pw, pending)
			pending = make(map[string]fsnotify.Op)
			timer = nil

		case <-pw.stopCh:
			if len(pending) > 0 {
				ws.publishChanges(pw, pending)
			}
			return
		}
	}
}

func (ws *WatcherSet) publishChanges(pw *projectWatcher, pending map[string]fsnotify.Op) {
	for name, op := range pending {
		rel, err := filepath.Rel(pw.root, name)
		if err != nil {
			rel = name
		}
		event := bus.NewEvent(events.FileChanged, "watcher", map[string]interface{}{
			"projectId": pw.projectID,
			"path":      filepath.ToSlash(rel),
			"op":        op.String(),
		})
		if err := ws.bus.Publish(context.Background(), events.FileChanged, event); err != nil {
			ws.logger.Debug("failed to publish file change",
				zap.String("project_id", pw.projectID), zap.Error(err))
		}
	}
}

// addSubdirs registers every directory under root, skipping ignored trees.
// Unreadable or vanished directories are skipped: the watch is best-effort.
func (pw *projectWatcher) addSubdirs(root string) {
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if _, skip := ignoredDirs[d.Name()]; skip && p != root {
			return filepath.SkipDir
		}
		_ = pw.watcher.Add(p)
		return nil
	})
}

// ignored reports whether the path sits inside an ignored tree.
func (pw *projectWatcher) ignored(name string) bool {
	rel, err := filepath.Rel(pw.root, name)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if _, skip := ignoredDirs[part]; skip {
			return true
		}
	}
	return false
}
